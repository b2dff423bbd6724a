// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// piresence derives room occupancy from Home Assistant PIR sensors and
// publishes it back to the hub.
//
// Usage:
//
//	piresence -config piresence.yaml
//	piresence validate -f piresence.yaml
//	piresence replay -config piresence.yaml -log hall-1.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ManuGH/piresence/internal/config"
	"github.com/ManuGH/piresence/internal/daemon"
	"github.com/ManuGH/piresence/internal/hass"
	"github.com/ManuGH/piresence/internal/health"
	"github.com/ManuGH/piresence/internal/log"
	"github.com/ManuGH/piresence/internal/version"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "validate":
			os.Exit(runValidate(os.Args[2:], os.Stdout, os.Stderr))
		case "replay":
			os.Exit(runReplay(os.Args[2:], os.Stdout, os.Stderr))
		}
	}

	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", os.Getenv("PIRESENCE_CONFIG"), "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		os.Exit(0)
	}

	// Safe defaults until the config is loaded.
	log.Configure(log.Config{Service: "piresence", Version: version.Version})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.NewLoader(*configPath, version.Version).Load()
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "config.load_failed").
			Str("config_path", *configPath).
			Msg("failed to load configuration")
	}

	log.Configure(log.Config{Level: cfg.Log.Level, Service: "piresence", Version: cfg.Version})
	logger = log.WithComponent("main")
	source := "env+defaults"
	if *configPath != "" {
		source = "file"
	}
	logger.Info().
		Str(log.FieldEvent, "config.loaded").
		Str("source", source).
		Str("path", *configPath).
		Msg("configuration loaded")

	if err := health.PerformStartupChecks(ctx, cfg); err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "startup.check_failed").
			Msg("startup checks failed")
	}

	app, err := daemon.New(daemon.Options{Config: cfg})
	if err != nil {
		logger.Fatal().Err(err).Str(log.FieldEvent, "daemon.init_failed").Msg("failed to build daemon")
	}

	if err := app.Run(ctx); err != nil {
		var authErr *hass.AuthError
		if errors.As(err, &authErr) {
			logger.Fatal().Err(err).Str(log.FieldEvent, "hass.auth_invalid").Msg("hub rejected the access token")
		}
		logger.Fatal().Err(err).Str(log.FieldEvent, "daemon.failed").Msg("daemon failed")
	}
}
