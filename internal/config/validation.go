// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"fmt"
	"strings"

	"github.com/ManuGH/piresence/internal/validate"
)

// Validate checks cfg and reports every invalid field at once, wrapped in ErrInvalidConfig.
func Validate(cfg Config) error {
	v := validate.New()

	validateHub(v, cfg.Hub)
	validatePresence(v, cfg.Presence)
	if cfg.Publish.Enabled {
		validatePublish(v, cfg.Publish, cfg.Presence.Rooms)
	}

	v.Positive("router.buffer", cfg.Router.Buffer)
	v.Duration("router.send_timeout", cfg.Router.SendTimeout)

	if cfg.Server.Listen != "" {
		v.ListenAddr("server.listen", cfg.Server.Listen)
		v.Positive("server.rooms_rate_limit", cfg.Server.RoomsRateLimit)
		v.Duration("server.shutdown_timeout", cfg.Server.ShutdownTimeout)
	}

	if _, err := validate.ParseLogLevel(cfg.Log.Level); err != nil {
		v.AddError("log.level", err.Error(), cfg.Log.Level)
	}

	if cfg.Telemetry.Enabled {
		v.OneOf("telemetry.exporter", cfg.Telemetry.Exporter, []string{"grpc", "http"})
		v.NotEmpty("telemetry.endpoint", cfg.Telemetry.Endpoint)
		v.Ratio("telemetry.sampling_rate", cfg.Telemetry.SamplingRate)
	}

	if err := v.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// ValidateRooms checks only the presence section.
func ValidateRooms(cfg Config) error {
	v := validate.New()
	validatePresence(v, cfg.Presence)
	if err := v.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

func validateHub(v *validate.Validator, hub HubConfig) {
	v.URL("hub.url", hub.URL, []string{"ws", "wss"})
	v.NotEmpty("hub.token", hub.Token)

	if len(hub.EventTypes) == 0 {
		v.AddError("hub.event_types", "at least one event type is required", hub.EventTypes)
	}

	v.Duration("hub.auth_timeout", hub.AuthTimeout)
	if hub.KeepaliveInterval < 0 {
		v.AddError("hub.keepalive_interval", "must not be negative (0 disables keepalive)", hub.KeepaliveInterval)
	}
	v.Duration("hub.keepalive_timeout", hub.KeepaliveTimeout)
	v.Duration("hub.initial_backoff", hub.InitialBackoff)
	v.Duration("hub.max_backoff", hub.MaxBackoff)
	if hub.MaxBackoff < hub.InitialBackoff {
		v.AddError("hub.max_backoff", "must not be smaller than hub.initial_backoff", hub.MaxBackoff)
	}
	v.NonNegative("hub.protocol_error_threshold", hub.ProtocolErrorThreshold)
}

func validatePresence(v *validate.Validator, p PresenceConfig) {
	v.Duration("presence.sweep_interval", p.SweepInterval)
	v.Duration("presence.occupied_timeout", p.OccupiedTimeout)
	v.Duration("presence.vacant_timeout", p.VacantTimeout)

	if len(p.Rooms) == 0 {
		v.AddError("presence.rooms", "at least one room is required", nil)
		return
	}

	rooms := make(map[string]struct{}, len(p.Rooms))
	owner := make(map[string]string)
	for i, room := range p.Rooms {
		field := fmt.Sprintf("presence.rooms[%d]", i)
		if strings.TrimSpace(room.ID) == "" {
			v.AddError(field+".id", "value cannot be empty", room.ID)
		} else if _, dup := rooms[room.ID]; dup {
			v.AddError(field+".id", fmt.Sprintf("duplicate room %q", room.ID), room.ID)
		}
		rooms[room.ID] = struct{}{}

		if room.OccupiedTimeout < 0 {
			v.AddError(field+".occupied_timeout", "must not be negative", room.OccupiedTimeout)
		}
		if room.VacantTimeout < 0 {
			v.AddError(field+".vacant_timeout", "must not be negative", room.VacantTimeout)
		}

		if len(room.Sensors) == 0 {
			v.AddError(field+".sensors", "at least one sensor is required", nil)
		}
		for _, sensor := range room.Sensors {
			if !validate.IsEntityID(sensor) {
				v.EntityID(field+".sensors", sensor)
				continue
			}
			if other, taken := owner[sensor]; taken {
				v.AddError(field+".sensors", fmt.Sprintf("sensor %q already belongs to room %q", sensor, other), sensor)
				continue
			}
			owner[sensor] = room.ID
		}
	}
}

func validatePublish(v *validate.Validator, p PublishConfig, rooms []RoomConfig) {
	v.NotEmpty("publish.domain", p.Domain)
	v.NotEmpty("publish.service", p.Service)
	if !strings.Contains(p.EntityPattern, "{room}") {
		for _, room := range rooms {
			if room.Entity == "" {
				v.AddError("publish.entity_pattern", "must contain {room} unless every room sets entity", p.EntityPattern)
				break
			}
		}
	}
	for i, room := range rooms {
		field := fmt.Sprintf("presence.rooms[%d].entity", i)
		if room.Entity != "" {
			v.EntityID(field, room.Entity)
		} else if strings.Contains(p.EntityPattern, "{room}") {
			v.EntityID(field, strings.ReplaceAll(p.EntityPattern, "{room}", room.ID))
		}
	}
	v.NotEmpty("publish.states.occupied", p.States.Occupied)
	v.NotEmpty("publish.states.uncertain", p.States.Uncertain)
	v.NotEmpty("publish.states.vacant", p.States.Vacant)

	v.Positive("publish.queue_size", p.QueueSize)
	v.Range("publish.attempts", p.Attempts, 1, 10)
	v.Duration("publish.backoff", p.Backoff)
	v.Duration("publish.max_backoff", p.MaxBackoff)
	v.Duration("publish.call_timeout", p.CallTimeout)
	v.PositiveFloat("publish.rate_limit", p.RateLimit)
	v.Positive("publish.rate_burst", p.RateBurst)
	v.Positive("publish.breaker_threshold", p.BreakerThreshold)
	v.Duration("publish.breaker_reset", p.BreakerReset)
}
