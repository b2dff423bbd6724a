// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/piresence/internal/presence"
	"github.com/ManuGH/piresence/internal/testutil"
	"github.com/ManuGH/piresence/internal/validate"
)

const validYAML = `
hub:
  url: ws://homeassistant.local:8123/api/websocket
  token: ${HASS_TOKEN}
presence:
  occupied_timeout: 90s
  rooms:
    - id: hall
      sensors: [binary_sensor.hall_pir]
    - id: kitchen
      sensors: [binary_sensor.kitchen_pir, binary_sensor.kitchen_door_pir]
      occupied_timeout: 30s
      vacant_timeout: 5m
      entity: input_boolean.kitchen_busy
publish:
  attempts: 5
  states:
    occupied: home
server:
  listen: 127.0.0.1:9191
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "piresence.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func newTestLoader(path string, env map[string]string) *Loader {
	l := NewLoader(path, "v-test")
	l.lookup = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	return l
}

func TestLoad_FileOverDefaults(t *testing.T) {
	l := newTestLoader(writeConfig(t, validYAML), map[string]string{"HASS_TOKEN": "secret"})
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "ws://homeassistant.local:8123/api/websocket", cfg.Hub.URL)
	assert.Equal(t, "secret", cfg.Hub.Token)
	assert.Equal(t, []string{"state_changed"}, cfg.Hub.EventTypes)
	assert.Equal(t, 30*time.Second, cfg.Hub.KeepaliveInterval)
	assert.Equal(t, 90*time.Second, cfg.Presence.OccupiedTimeout)
	assert.Equal(t, DefaultVacantTimeout, cfg.Presence.VacantTimeout)
	assert.Equal(t, 5, cfg.Publish.Attempts)
	assert.Equal(t, "home", cfg.Publish.States.Occupied)
	assert.Equal(t, "off", cfg.Publish.States.Vacant, "unset state keeps default")
	assert.True(t, cfg.Publish.Enabled)
	assert.True(t, cfg.Publish.RepublishOnReconnect)
	assert.Equal(t, "127.0.0.1:9191", cfg.Server.Listen)
	assert.Equal(t, "v-test", cfg.Version)
	assert.Contains(t, l.ConsumedEnvKeys, "HASS_TOKEN")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	l := newTestLoader(writeConfig(t, validYAML), map[string]string{
		"HASS_TOKEN":     "from-file-ref",
		EnvHubURL:        "wss://ha.example.com/api/websocket",
		EnvHubToken:      "from-env",
		EnvLogLevel:      "debug",
		EnvListen:        ":9999",
		EnvSweepInterval: "250ms",
	})
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "wss://ha.example.com/api/websocket", cfg.Hub.URL)
	assert.Equal(t, "from-env", cfg.Hub.Token)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, ":9999", cfg.Server.Listen)
	assert.Equal(t, 250*time.Millisecond, cfg.Presence.SweepInterval)
}

func TestLoad_EnvOnly(t *testing.T) {
	l := newTestLoader("", map[string]string{EnvHubURL: "ws://ha:8123/api/websocket", EnvHubToken: "t"})
	_, err := l.Load()
	require.ErrorIs(t, err, ErrInvalidConfig, "no rooms configured")

	var verr validate.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Errors(), 1)
	assert.Equal(t, "presence.rooms", verr.Errors()[0].Field)
}

func TestLoad_BadSweepIntervalEnv(t *testing.T) {
	l := newTestLoader(writeConfig(t, validYAML), map[string]string{"HASS_TOKEN": "x", EnvSweepInterval: "fast"})
	_, err := l.Load()
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), EnvSweepInterval)
}

func TestLoad_UnsetSecretReference(t *testing.T) {
	l := newTestLoader(writeConfig(t, validYAML), nil)
	_, err := l.Load()
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "HASS_TOKEN")
}

func TestLoad_Strict(t *testing.T) {
	tests := []struct {
		name    string
		content string
		target  error
	}{
		{
			name:    "unknown field",
			content: "hub:\n  url: ws://ha/api/websocket\n  tokn: x\n",
			target:  ErrUnknownConfigField,
		},
		{
			name:    "multiple documents",
			content: "log:\n  level: info\n---\nlog:\n  level: debug\n",
			target:  ErrInvalidConfig,
		},
		{
			name:    "bad duration",
			content: "presence:\n  sweep_interval: soon\n",
			target:  ErrInvalidConfig,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestLoader(writeConfig(t, tt.content), nil).Load()
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestLoad_UnsupportedExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "piresence.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0600))
	_, err := newTestLoader(path, nil).Load()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoad_EmptyFileUsesDefaults(t *testing.T) {
	l := newTestLoader(writeConfig(t, ""), nil)
	cfg, err := l.Load()
	require.Error(t, err, "defaults alone lack hub and rooms")
	assert.Equal(t, Defaults().Publish, cfg.Publish)
}

func validConfig() Config {
	cfg := Defaults()
	cfg.Hub.URL = "ws://ha:8123/api/websocket"
	cfg.Hub.Token = "t"
	cfg.Presence.Rooms = []RoomConfig{{ID: "hall", Sensors: []string{"binary_sensor.hall"}}}
	return cfg
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, Validate(cfg))

	cfg.Hub.URL = "http://ha:8123"
	cfg.Hub.Token = ""
	cfg.Presence.Rooms = []RoomConfig{
		{ID: "hall", Sensors: []string{"binary_sensor.a"}},
		{ID: "hall", Sensors: []string{"binary_sensor.a"}},
		{ID: "", Sensors: nil},
	}
	cfg.Publish.Attempts = 0
	cfg.Publish.CallTimeout = 0
	cfg.Log.Level = "loud"
	cfg.Server.Listen = "nope"

	err := Validate(cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)
	var verr validate.ValidationError
	require.ErrorAs(t, err, &verr)

	fields := map[string]bool{}
	for _, e := range verr.Errors() {
		fields[e.Field] = true
	}
	for _, want := range []string{
		"hub.url",
		"hub.token",
		"presence.rooms[1].id",
		"presence.rooms[1].sensors",
		"presence.rooms[2].id",
		"presence.rooms[2].sensors",
		"publish.attempts",
		"publish.call_timeout",
		"log.level",
		"server.listen",
	} {
		assert.True(t, fields[want], "missing error for %s (got %v)", want, fields)
	}
}

func TestValidate_EntityPattern(t *testing.T) {
	cfg := validConfig()
	cfg.Publish.EntityPattern = "presence.static"
	require.Error(t, Validate(cfg))

	cfg.Presence.Rooms[0].Entity = "input_boolean.hall"
	require.NoError(t, Validate(cfg), "every room overrides its entity")

	cfg.Publish.Enabled = false
	cfg.Publish.Attempts = 0
	require.NoError(t, Validate(cfg), "publish settings ignored when disabled")
}

func TestValidate_Telemetry(t *testing.T) {
	cfg := validConfig()
	cfg.Telemetry.Enabled = true
	cfg.Telemetry.Exporter = "zipkin"
	cfg.Telemetry.SamplingRate = 2
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telemetry.exporter")
	assert.Contains(t, err.Error(), "telemetry.sampling_rate")
}

func TestConvert(t *testing.T) {
	l := newTestLoader(writeConfig(t, validYAML), map[string]string{"HASS_TOKEN": "secret"})
	cfg, err := l.Load()
	require.NoError(t, err)

	rooms := cfg.RoomConfigs()
	assert.Equal(t, []presence.RoomConfig{
		{ID: "hall", Sensors: []string{"binary_sensor.hall_pir"}, OccupiedTimeout: 90 * time.Second, VacantTimeout: DefaultVacantTimeout},
		{ID: "kitchen", Sensors: []string{"binary_sensor.kitchen_pir", "binary_sensor.kitchen_door_pir"}, OccupiedTimeout: 30 * time.Second, VacantTimeout: 5 * time.Minute},
	}, rooms)
	_, err = presence.NewTracker(rooms)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"binary_sensor.hall_pir", "binary_sensor.kitchen_pir", "binary_sensor.kitchen_door_pir"}, cfg.Sensors())

	hub := cfg.HubOptions()
	assert.Equal(t, "secret", hub.Token)
	assert.Equal(t, 30*time.Second, hub.KeepaliveInterval)
	assert.NotNil(t, hub.Dialer)

	cfg.Hub.KeepaliveInterval = 0
	cfg.Hub.ProtocolErrorThreshold = 0
	hub = cfg.HubOptions()
	assert.Negative(t, hub.KeepaliveInterval, "0 disables keepalive")
	assert.Negative(t, hub.ProtocolErrorThreshold)

	pub := cfg.PublisherConfig()
	assert.Equal(t, map[string]string{"kitchen": "input_boolean.kitchen_busy"}, pub.Entities)
	assert.Equal(t, 5, pub.Attempts)
	assert.Equal(t, "home", pub.States.Occupied)
	assert.Equal(t, 5*time.Second, pub.CallTimeout)

	tel := cfg.TelemetryConfig()
	assert.False(t, tel.Enabled)
	assert.Equal(t, "v-test", tel.ServiceVersion)

	assert.Equal(t, cfg.Router.SendTimeout, cfg.RouterOptions().SendTimeout)
}

func TestLoadRooms_IgnoresHub(t *testing.T) {
	l := newTestLoader(writeConfig(t, validYAML), nil)
	cfg, err := l.LoadRooms()
	require.NoError(t, err, "unset token reference is fine offline")
	assert.Equal(t, "${HASS_TOKEN}", cfg.Hub.Token)
	assert.Len(t, cfg.RoomConfigs(), 2)

	_, err = newTestLoader(writeConfig(t, "log:\n  level: info\n"), nil).LoadRooms()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate_EntityIDs(t *testing.T) {
	cfg := validConfig()
	cfg.Presence.Rooms = []RoomConfig{
		{ID: "hall", Sensors: []string{"Hall PIR"}},
		{ID: "Living Room", Sensors: []string{"binary_sensor.living"}},
		{ID: "attic", Sensors: []string{"binary_sensor.attic"}, Entity: "attic"},
	}

	err := Validate(cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)
	var verr validate.ValidationError
	require.ErrorAs(t, err, &verr)

	fields := []string{}
	for _, e := range verr.Errors() {
		fields = append(fields, e.Field)
	}
	assert.ElementsMatch(t, []string{
		"presence.rooms[0].sensors",
		"presence.rooms[1].entity",
		"presence.rooms[2].entity",
	}, fields)

	cfg.Publish.Enabled = false
	err = Validate(cfg)
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Errors(), 1, "entity naming only matters when publishing")
}

func TestExampleConfig(t *testing.T) {
	path := filepath.Join(testutil.MustRepoRoot(t), "piresence.example.yaml")
	cfg, err := newTestLoader(path, map[string]string{"HASS_TOKEN": "secret"}).Load()
	require.NoError(t, err)

	assert.Equal(t, "secret", cfg.Hub.Token)
	assert.Len(t, cfg.Presence.Rooms, 2)

	want := Defaults()
	assert.Equal(t, want.Publish, cfg.Publish, "example documents the publish defaults")
	assert.Equal(t, want.Router, cfg.Router)
	assert.Equal(t, want.Server, cfg.Server)
	assert.Equal(t, want.Hub.KeepaliveInterval, cfg.Hub.KeepaliveInterval)
	assert.Equal(t, want.Presence.OccupiedTimeout, cfg.Presence.OccupiedTimeout)
}
