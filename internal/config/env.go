// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/piresence/internal/log"
)

// Environment overrides, highest precedence.
const (
	EnvHubURL        = "PIRESENCE_HUB_URL"
	EnvHubToken      = "PIRESENCE_HUB_TOKEN"
	EnvLogLevel      = "PIRESENCE_LOG_LEVEL"
	EnvListen        = "PIRESENCE_LISTEN"
	EnvSweepInterval = "PIRESENCE_SWEEP_INTERVAL"
)

func (l *Loader) envLookup(key string) (string, bool) {
	l.ConsumedEnvKeys[key] = struct{}{}
	return l.lookup(key)
}

func (l *Loader) mergeEnv(cfg *Config) error {
	logger := log.WithComponent("config")

	cfg.Hub.URL = l.envString(logger, EnvHubURL, cfg.Hub.URL)
	cfg.Hub.Token = l.envString(logger, EnvHubToken, cfg.Hub.Token)
	cfg.Log.Level = l.envString(logger, EnvLogLevel, cfg.Log.Level)
	cfg.Server.Listen = l.envString(logger, EnvListen, cfg.Server.Listen)

	if v, ok := l.envLookup(EnvSweepInterval); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, EnvSweepInterval, err)
		}
		logger.Debug().
			Str("key", EnvSweepInterval).
			Dur("value", d).
			Str("source", "environment").
			Msg("using environment variable")
		cfg.Presence.SweepInterval = d
	}
	return nil
}

// envString returns the environment value of key, or current when unset or empty.
func (l *Loader) envString(logger zerolog.Logger, key, current string) string {
	value, exists := l.envLookup(key)
	if !exists || value == "" {
		return current
	}
	if strings.Contains(strings.ToLower(key), "token") {
		logger.Debug().
			Str("key", key).
			Str("source", "environment").
			Bool("sensitive", true).
			Msg("using environment variable")
		return value
	}
	logger.Debug().
		Str("key", key).
		Str("value", value).
		Str("source", "environment").
		Msg("using environment variable")
	return value
}
