// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// hast serves a Home Assistant surrogate on /api/websocket that replays a
// recorded event log to every subscriber.
//
// Usage:
//
//	hast -listen :8123 -token secret -scenario hall-1.yaml -interval 1s
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ManuGH/piresence/internal/eventlog"
	"github.com/ManuGH/piresence/internal/hass"
	"github.com/ManuGH/piresence/internal/hast"
	"github.com/ManuGH/piresence/internal/log"
	"github.com/ManuGH/piresence/internal/version"
)

type options struct {
	listen    string
	token     string
	scenario  string
	interval  time.Duration
	haVersion string
}

func main() {
	var opts options
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.StringVar(&opts.listen, "listen", ":8123", "listen address")
	flag.StringVar(&opts.token, "token", os.Getenv("HASS_TOKEN"), "accepted access token (default $HASS_TOKEN)")
	flag.StringVar(&opts.scenario, "scenario", "", "event log replayed to every subscription")
	flag.DurationVar(&opts.interval, "interval", 0, "delay between replayed events")
	flag.StringVar(&opts.haVersion, "ha-version", hast.DefaultHAVersion, "version announced to clients")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		os.Exit(0)
	}
	if opts.token == "" {
		_, _ = fmt.Fprintln(os.Stderr, "Error: -token or HASS_TOKEN is required")
		os.Exit(2)
	}

	log.Configure(log.Config{Service: "hast", Version: version.Version})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := newServer(opts)
	if err != nil {
		logger.Fatal().Err(err).Str(log.FieldEvent, "hast.scenario_failed").Msg("failed to load scenario")
	}
	ln, err := net.Listen("tcp", opts.listen)
	if err != nil {
		logger.Fatal().Err(err).Str(log.FieldEvent, "hast.listen_failed").Msg("failed to listen")
	}
	if err := serve(ctx, ln, srv); err != nil {
		logger.Fatal().Err(err).Str(log.FieldEvent, "hast.failed").Msg("server failed")
	}
}

func newServer(opts options) (*hast.Server, error) {
	var scenario []hass.Event
	if opts.scenario != "" {
		events, err := eventlog.ReadFile(opts.scenario)
		if err != nil {
			return nil, err
		}
		scenario = events
	}
	return hast.New(hast.Options{
		Token:         opts.token,
		HAVersion:     opts.haVersion,
		Scenario:      scenario,
		EventInterval: opts.interval,
	}), nil
}

// serve runs until ctx is cancelled.
func serve(ctx context.Context, ln net.Listener, srv *hast.Server) error {
	logger := log.WithComponent("hast")
	mux := http.NewServeMux()
	mux.Handle("/api/websocket", srv)

	httpSrv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.Serve(ln) }()
	logger.Info().Str(log.FieldEvent, "hast.listening").Str("addr", ln.Addr().String()).Msg("surrogate hub listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Hijacked websocket connections are not tracked by Shutdown.
	srv.Close()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	return nil
}
