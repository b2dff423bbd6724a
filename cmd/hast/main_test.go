// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/piresence/internal/hass"
	"github.com/ManuGH/piresence/internal/hast"
)

const scenario = `event_type: state_changed
time_fired: 2024-03-01T12:00:00Z
data:
  entity_id: binary_sensor.hall_pir
  new_state:
    entity_id: binary_sensor.hall_pir
    state: "on"
    attributes:
      device_class: motion
    last_changed: "2024-03-01T12:00:00Z"
`

type collector struct {
	mu     sync.Mutex
	events []hass.Event
}

func (c *collector) Dispatch(ev hass.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestServe_ReplaysScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hall-1.yaml")
	require.NoError(t, os.WriteFile(path, []byte(scenario), 0600))

	srv, err := newServer(options{token: "secret", scenario: path})
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- serve(ctx, ln, srv) }()

	sink := &collector{}
	quiet := zerolog.Nop()
	client := hass.NewClient(hass.Options{
		URL:               "ws://" + ln.Addr().String() + "/api/websocket",
		Token:             "secret",
		EventTypes:        []string{hass.EventStateChanged},
		Sink:              sink,
		KeepaliveInterval: -1,
		Logger:            &quiet,
	})
	clientCtx, stopClient := context.WithCancel(context.Background())
	clientDone := make(chan error, 1)
	go func() { clientDone <- client.Run(clientCtx) }()

	require.Eventually(t, func() bool { return sink.len() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, hast.DefaultHAVersion, client.HAVersion())

	stopClient()
	require.NoError(t, <-clientDone)
	cancel()
	require.NoError(t, <-served)
}

func TestNewServer_MissingScenario(t *testing.T) {
	_, err := newServer(options{token: "secret", scenario: filepath.Join(t.TempDir(), "nope.yaml")})
	assert.Error(t, err)
}
