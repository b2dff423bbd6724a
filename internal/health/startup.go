// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package health

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/ManuGH/piresence/internal/config"
	"github.com/ManuGH/piresence/internal/log"
	"github.com/rs/zerolog"
)

// resolveTimeout bounds the hub host lookup.
const resolveTimeout = 2 * time.Second

// lookupHost is swapped in tests.
var lookupHost = net.DefaultResolver.LookupHost

// PerformStartupChecks validates the environment before the daemon starts.
// An unresolvable hub host is only a warning since the client retries.
func PerformStartupChecks(ctx context.Context, cfg config.Config) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Str(log.FieldEvent, "startup.checks").Msg("running pre-flight startup checks")

	if err := checkListenAddr(logger, cfg.Server.Listen); err != nil {
		return fmt.Errorf("admin listen address check failed: %w", err)
	}
	if err := checkHub(ctx, logger, cfg.Hub); err != nil {
		return fmt.Errorf("hub check failed: %w", err)
	}
	checkRooms(logger, cfg)

	logger.Info().Str(log.FieldEvent, "startup.checks_passed").Msg("all startup checks passed")
	return nil
}

func checkListenAddr(logger zerolog.Logger, addr string) error {
	if addr == "" {
		logger.Info().Msg("admin server disabled")
		return nil
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 0 || portNum > 65535 {
		return fmt.Errorf("invalid listen port %q in %q", port, addr)
	}
	logger.Info().Str("addr", addr).Msg("admin listen address is valid")
	return nil
}

func checkHub(ctx context.Context, logger zerolog.Logger, hub config.HubConfig) error {
	u, err := url.Parse(hub.URL)
	if err != nil {
		return fmt.Errorf("invalid hub URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("hub URL scheme must be ws or wss, got: %s", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("hub URL %q has no host", hub.URL)
	}
	if hub.InsecureSkipVerify && u.Scheme == "wss" {
		logger.Warn().Msg("TLS certificate verification for the hub is disabled")
	}

	if net.ParseIP(u.Hostname()) == nil {
		lookupCtx, cancel := context.WithTimeout(ctx, resolveTimeout)
		defer cancel()
		if _, err := lookupHost(lookupCtx, u.Hostname()); err != nil {
			logger.Warn().Err(err).Str(log.FieldURL, hub.URL).Msg("hub host does not resolve yet")
			return nil
		}
	}
	logger.Info().Str(log.FieldURL, hub.URL).Msg("hub URL is valid")
	return nil
}

func checkRooms(logger zerolog.Logger, cfg config.Config) {
	sensors := 0
	for _, room := range cfg.Presence.Rooms {
		sensors += len(room.Sensors)
	}
	logger.Info().
		Int("rooms", len(cfg.Presence.Rooms)).
		Int("sensors", sensors).
		Bool("publish", cfg.Publish.Enabled).
		Msg("room map loaded")
	if !cfg.Publish.Enabled {
		logger.Warn().Msg("publishing disabled; occupancy is only visible on the admin API")
	}
}
