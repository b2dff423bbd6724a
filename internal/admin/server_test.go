// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package admin

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/piresence/internal/hass"
	"github.com/ManuGH/piresence/internal/health"
	"github.com/ManuGH/piresence/internal/presence"
)

type fakeRooms struct {
	rooms []presence.RoomSnapshot
	err   error
}

func (f *fakeRooms) Snapshot(context.Context) ([]presence.RoomSnapshot, error) {
	return f.rooms, f.err
}

var lastMotion = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, rooms RoomSource, hubState *hass.State, limit int) *httptest.Server {
	t.Helper()
	hm := health.NewManager("v-test")
	hm.RegisterChecker(health.NewHubChecker(func() hass.State { return *hubState }))
	quiet := zerolog.Nop()
	s := New(Options{Health: hm, Rooms: rooms, RoomsRateLimit: limit, Logger: &quiet})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestServer_Probes(t *testing.T) {
	state := hass.StateConnecting
	srv := newTestServer(t, &fakeRooms{}, &state, 10)

	resp, _ := get(t, srv.URL+"/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	resp, body := get(t, srv.URL+"/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, body, `"hub"`)

	state = hass.StateReady
	resp, _ = get(t, srv.URL+"/readyz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_Metrics(t *testing.T) {
	state := hass.StateReady
	srv := newTestServer(t, &fakeRooms{}, &state, 10)

	resp, body := get(t, srv.URL+"/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "piresence_")
}

func TestServer_Rooms(t *testing.T) {
	state := hass.StateReady
	rooms := &fakeRooms{rooms: []presence.RoomSnapshot{
		{Room: "hall", Occupancy: presence.Occupied, Estimate: presence.Occupied, LastMotion: lastMotion, Sensors: []string{"binary_sensor.hall"}},
		{Room: "kitchen", Occupancy: presence.Vacant, Estimate: presence.Vacant, Sensors: []string{"binary_sensor.kitchen"}},
	}}
	srv := newTestServer(t, rooms, &state, 10)

	resp, body := get(t, srv.URL+"/api/rooms")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var decoded struct {
		Rooms []map[string]any `json:"rooms"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &decoded))
	require.Len(t, decoded.Rooms, 2)
	assert.Equal(t, "hall", decoded.Rooms[0]["room"])
	assert.Equal(t, "occupied", decoded.Rooms[0]["occupancy"])
	assert.NotContains(t, decoded.Rooms[1], "last_motion", "zero times are omitted")

	resp, body = get(t, srv.URL+"/api/rooms/kitchen")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"occupancy":"vacant"`)

	resp, body = get(t, srv.URL+"/api/rooms/garage")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body, "unknown_room")
}

func TestServer_RoomsEngineStopped(t *testing.T) {
	state := hass.StateReady
	srv := newTestServer(t, &fakeRooms{err: presence.ErrEngineStopped}, &state, 10)

	resp, body := get(t, srv.URL+"/api/rooms")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, body, "snapshot_failed")
}

func TestServer_RoomsRateLimited(t *testing.T) {
	state := hass.StateReady
	srv := newTestServer(t, &fakeRooms{}, &state, 2)

	for i := 0; i < 2; i++ {
		resp, _ := get(t, srv.URL+"/api/rooms")
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, body := get(t, srv.URL+"/api/rooms")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.True(t, strings.Contains(body, "rate_limit_exceeded"))

	resp, _ = get(t, srv.URL+"/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "probes are not rate limited")
}

func TestServer_ServeShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	quiet := zerolog.Nop()
	s := New(Options{Logger: &quiet})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	resp, _ := get(t, "http://"+ln.Addr().String()+"/api/rooms")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "no room source configured")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}
}
