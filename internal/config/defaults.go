// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"time"

	"github.com/ManuGH/piresence/internal/hass"
	"github.com/ManuGH/piresence/internal/presence"
	"github.com/ManuGH/piresence/internal/publisher"
	"github.com/ManuGH/piresence/internal/router"
)

const (
	DefaultListen          = ":9090"
	DefaultOccupiedTimeout = 60 * time.Second
	DefaultVacantTimeout   = 120 * time.Second
)

// Defaults returns the configuration used when neither file nor environment set a value.
func Defaults() Config {
	states := publisher.DefaultStateValues()
	return Config{
		Hub: HubConfig{
			EventTypes:             []string{hass.EventStateChanged},
			AuthTimeout:            10 * time.Second,
			KeepaliveInterval:      30 * time.Second,
			KeepaliveTimeout:       10 * time.Second,
			InitialBackoff:         time.Second,
			MaxBackoff:             30 * time.Second,
			ProtocolErrorThreshold: 10,
		},
		Presence: PresenceConfig{
			SweepInterval:   presence.DefaultSweepInterval,
			OccupiedTimeout: DefaultOccupiedTimeout,
			VacantTimeout:   DefaultVacantTimeout,
		},
		Publish: PublishConfig{
			Enabled:       true,
			Domain:        publisher.DefaultDomain,
			Service:       publisher.DefaultService,
			EntityPattern: publisher.DefaultEntityPattern,
			States: StatesConfig{
				Occupied:  states.Occupied,
				Uncertain: states.Uncertain,
				Vacant:    states.Vacant,
			},
			QueueSize:            64,
			Attempts:             3,
			Backoff:              200 * time.Millisecond,
			MaxBackoff:           2 * time.Second,
			CallTimeout:          5 * time.Second,
			RateLimit:            10,
			RateBurst:            20,
			BreakerThreshold:     5,
			BreakerReset:         30 * time.Second,
			RepublishOnReconnect: true,
		},
		Router: RouterConfig{
			Buffer:      router.DefaultBuffer,
			SendTimeout: router.DefaultSendTimeout,
		},
		Server: ServerConfig{
			Listen:          DefaultListen,
			RoomsRateLimit:  60,
			ShutdownTimeout: 5 * time.Second,
		},
		Log: LogConfig{Level: "info"},
		Telemetry: TelemetryConfig{
			Exporter:     "http",
			Endpoint:     "localhost:4318",
			SamplingRate: 1.0,
		},
	}
}
