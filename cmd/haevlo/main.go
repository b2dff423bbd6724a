// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// haevlo records motion sensor events from Home Assistant into YAML event
// logs that piresence can replay.
//
// Usage:
//
//	haevlo -host homeassistant.local -token $HASS_TOKEN -test-name hall
//	haevlo -host homeassistant.local -use-events -output-folder ./logs
//
// With -use-events, recording sessions are started and stopped by firing the
// custom events haevlo_start and haevlo_stop in Home Assistant.
//
// Exit codes:
//   - 0: recording finished
//   - 1: connection or recording error
//   - 2: usage error
//   - 3: access token rejected
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/piresence/internal/eventlog"
	"github.com/ManuGH/piresence/internal/hass"
	"github.com/ManuGH/piresence/internal/log"
	"github.com/ManuGH/piresence/internal/router"
	"github.com/ManuGH/piresence/internal/version"
)

const (
	exitOK = iota
	exitError
	exitUsage
	exitAuth
)

type options struct {
	host      string
	port      int
	token     string
	secure    bool
	useEvents bool
	outputDir string
	testName  string
}

func (o options) url() string {
	scheme := "ws"
	if o.secure {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/api/websocket", scheme, net.JoinHostPort(o.host, strconv.Itoa(o.port)))
}

func (o options) eventTypes() []string {
	types := []string{hass.EventStateChanged}
	if o.useEvents {
		types = append(types, eventlog.EventStart, eventlog.EventStop)
	}
	return types
}

func main() {
	var opts options
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.StringVar(&opts.host, "host", "localhost", "Home Assistant host")
	flag.IntVar(&opts.port, "port", 8123, "Home Assistant port")
	flag.StringVar(&opts.token, "token", os.Getenv("HASS_TOKEN"), "long-lived access token (default $HASS_TOKEN)")
	flag.BoolVar(&opts.secure, "secure", false, "connect with wss")
	flag.BoolVar(&opts.useEvents, "use-events", false, "record only between haevlo_start and haevlo_stop events")
	flag.StringVar(&opts.outputDir, "output-folder", ".", "directory for event logs")
	flag.StringVar(&opts.testName, "test-name", "events", "event log file prefix")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		os.Exit(exitOK)
	}
	if opts.token == "" {
		_, _ = fmt.Fprintln(os.Stderr, "Error: -token or HASS_TOKEN is required")
		os.Exit(exitUsage)
	}

	log.Configure(log.Config{Service: "haevlo", Version: version.Version})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, opts)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, opts options) int {
	logger := log.WithComponent("haevlo")

	r := router.New(router.Options{})
	sub := r.Subscribe("eventlog", router.Filter{Kinds: opts.eventTypes()}, router.DefaultBuffer)
	client := hass.NewClient(hass.Options{
		URL:        opts.url(),
		Token:      opts.token,
		EventTypes: opts.eventTypes(),
		Sink:       r,
	})
	recorder := eventlog.NewRecorder(eventlog.Options{Dir: opts.outputDir, Name: opts.testName})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return client.Run(ctx)
	})
	g.Go(func() error {
		// A finished recording ends the client as well.
		defer cancel()
		return recorder.Run(ctx, sub.C(), opts.useEvents)
	})

	err := g.Wait()
	r.Close()

	var authErr *hass.AuthError
	switch {
	case err == nil:
		logger.Info().Str(log.FieldEvent, "haevlo.finished").Msg("recording finished")
		return exitOK
	case errors.As(err, &authErr):
		logger.Error().Err(err).Str(log.FieldEvent, "hass.auth_invalid").Msg("hub rejected the access token")
		return exitAuth
	default:
		logger.Error().Err(err).Str(log.FieldEvent, "haevlo.failed").Msg("recording failed")
		return exitError
	}
}
