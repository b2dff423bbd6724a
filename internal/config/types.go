// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config loads and validates the piresence configuration.
package config

import "time"

// Config is the complete runtime configuration.
type Config struct {
	Hub       HubConfig       `yaml:"hub"`
	Presence  PresenceConfig  `yaml:"presence"`
	Publish   PublishConfig   `yaml:"publish"`
	Router    RouterConfig    `yaml:"router"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Version is set from the binary, never from the file.
	Version string `yaml:"-"`
}

// HubConfig describes the Home Assistant connection.
type HubConfig struct {
	URL        string   `yaml:"url"`
	Token      string   `yaml:"token"`
	EventTypes []string `yaml:"event_types"`

	AuthTimeout time.Duration `yaml:"auth_timeout"`
	// KeepaliveInterval of 0 disables pings.
	KeepaliveInterval      time.Duration `yaml:"keepalive_interval"`
	KeepaliveTimeout       time.Duration `yaml:"keepalive_timeout"`
	InitialBackoff         time.Duration `yaml:"initial_backoff"`
	MaxBackoff             time.Duration `yaml:"max_backoff"`
	ProtocolErrorThreshold int           `yaml:"protocol_error_threshold"` // 0 disables
	InsecureSkipVerify     bool          `yaml:"insecure_skip_verify"`
}

// PresenceConfig holds the room map and decay defaults.
type PresenceConfig struct {
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	OccupiedTimeout time.Duration `yaml:"occupied_timeout"`
	VacantTimeout   time.Duration `yaml:"vacant_timeout"`
	Rooms           []RoomConfig  `yaml:"rooms"`
}

// RoomConfig is one room. Zero timeouts inherit the presence defaults.
type RoomConfig struct {
	ID              string        `yaml:"id"`
	Sensors         []string      `yaml:"sensors"`
	OccupiedTimeout time.Duration `yaml:"occupied_timeout"`
	VacantTimeout   time.Duration `yaml:"vacant_timeout"`
	// Entity overrides publish.entity_pattern for this room.
	Entity string `yaml:"entity"`
}

// PublishConfig controls writing occupancy back to the hub.
type PublishConfig struct {
	Enabled              bool          `yaml:"enabled"`
	Domain               string        `yaml:"domain"`
	Service              string        `yaml:"service"`
	EntityPattern        string        `yaml:"entity_pattern"`
	States               StatesConfig  `yaml:"states"`
	QueueSize            int           `yaml:"queue_size"`
	Attempts             int           `yaml:"attempts"`
	Backoff              time.Duration `yaml:"backoff"`
	MaxBackoff           time.Duration `yaml:"max_backoff"`
	CallTimeout          time.Duration `yaml:"call_timeout"`
	RateLimit            float64       `yaml:"rate_limit"`
	RateBurst            int           `yaml:"rate_burst"`
	BreakerThreshold     int           `yaml:"breaker_threshold"`
	BreakerReset         time.Duration `yaml:"breaker_reset"`
	RepublishOnReconnect bool          `yaml:"republish_on_reconnect"`
}

// StatesConfig maps occupancy values to entity states.
type StatesConfig struct {
	Occupied  string `yaml:"occupied"`
	Uncertain string `yaml:"uncertain"`
	Vacant    string `yaml:"vacant"`
}

// RouterConfig sizes the event fan-out queues.
type RouterConfig struct {
	Buffer      int           `yaml:"buffer"`
	SendTimeout time.Duration `yaml:"send_timeout"`
}

// ServerConfig is the admin HTTP server. An empty Listen disables it.
type ServerConfig struct {
	Listen string `yaml:"listen"`
	// RoomsRateLimit is the per-client request limit for /api/rooms, per minute.
	RoomsRateLimit  int           `yaml:"rooms_rate_limit"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig configures the global logger.
type LogConfig struct {
	Level string `yaml:"level"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Environment  string  `yaml:"environment"`
}
