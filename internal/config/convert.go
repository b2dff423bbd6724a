// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"crypto/tls"

	"golang.org/x/time/rate"

	"github.com/ManuGH/piresence/internal/hass"
	"github.com/ManuGH/piresence/internal/hass/transport"
	"github.com/ManuGH/piresence/internal/presence"
	"github.com/ManuGH/piresence/internal/publisher"
	"github.com/ManuGH/piresence/internal/router"
	"github.com/ManuGH/piresence/internal/telemetry"
)

// RoomConfigs returns the rooms with inherited timeouts filled in.
func (c Config) RoomConfigs() []presence.RoomConfig {
	out := make([]presence.RoomConfig, 0, len(c.Presence.Rooms))
	for _, r := range c.Presence.Rooms {
		rc := presence.RoomConfig{
			ID:              r.ID,
			Sensors:         append([]string(nil), r.Sensors...),
			OccupiedTimeout: r.OccupiedTimeout,
			VacantTimeout:   r.VacantTimeout,
		}
		if rc.OccupiedTimeout == 0 {
			rc.OccupiedTimeout = c.Presence.OccupiedTimeout
		}
		if rc.VacantTimeout == 0 {
			rc.VacantTimeout = c.Presence.VacantTimeout
		}
		out = append(out, rc)
	}
	return out
}

// Sensors returns every configured sensor entity id.
func (c Config) Sensors() []string {
	var out []string
	for _, r := range c.Presence.Rooms {
		out = append(out, r.Sensors...)
	}
	return out
}

// HubOptions builds the protocol client options. Sink and Logger are left to the caller.
func (c Config) HubOptions() hass.Options {
	keepalive := c.Hub.KeepaliveInterval
	if keepalive == 0 {
		keepalive = -1
	}
	threshold := c.Hub.ProtocolErrorThreshold
	if threshold == 0 {
		threshold = -1
	}

	topts := transport.Options{}
	if c.Hub.InsecureSkipVerify {
		// #nosec G402 -- operator opt-in for self-signed hub certificates
		topts.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return hass.Options{
		URL:                    c.Hub.URL,
		Token:                  c.Hub.Token,
		EventTypes:             append([]string(nil), c.Hub.EventTypes...),
		Dialer:                 transport.NewDialer(topts),
		AuthTimeout:            c.Hub.AuthTimeout,
		KeepaliveInterval:      keepalive,
		KeepaliveTimeout:       c.Hub.KeepaliveTimeout,
		InitialBackoff:         c.Hub.InitialBackoff,
		MaxBackoff:             c.Hub.MaxBackoff,
		ProtocolErrorThreshold: threshold,
	}
}

// PublisherConfig builds the publisher configuration.
func (c Config) PublisherConfig() publisher.Config {
	entities := make(map[string]string)
	for _, r := range c.Presence.Rooms {
		if r.Entity != "" {
			entities[r.ID] = r.Entity
		}
	}
	p := c.Publish
	return publisher.Config{
		Domain:        p.Domain,
		Service:       p.Service,
		EntityPattern: p.EntityPattern,
		Entities:      entities,
		States: publisher.StateValues{
			Occupied:  p.States.Occupied,
			Uncertain: p.States.Uncertain,
			Vacant:    p.States.Vacant,
		},
		QueueSize:        p.QueueSize,
		Attempts:         p.Attempts,
		Backoff:          p.Backoff,
		MaxBackoff:       p.MaxBackoff,
		CallTimeout:      p.CallTimeout,
		RateLimit:        rate.Limit(p.RateLimit),
		RateLimitBurst:   p.RateBurst,
		BreakerThreshold: p.BreakerThreshold,
		BreakerReset:     p.BreakerReset,
	}
}

// RouterOptions builds the event router options.
func (c Config) RouterOptions() router.Options {
	return router.Options{SendTimeout: c.Router.SendTimeout}
}

// TelemetryConfig builds the tracing configuration.
func (c Config) TelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:        c.Telemetry.Enabled,
		ServiceName:    "piresence",
		ServiceVersion: c.Version,
		Environment:    c.Telemetry.Environment,
		ExporterType:   c.Telemetry.Exporter,
		Endpoint:       c.Telemetry.Endpoint,
		SamplingRate:   c.Telemetry.SamplingRate,
	}
}
