// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package daemon wires the hub client, event router, presence engine,
// publisher and admin server into one process lifecycle.
package daemon

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/piresence/internal/admin"
	"github.com/ManuGH/piresence/internal/config"
	"github.com/ManuGH/piresence/internal/hass"
	"github.com/ManuGH/piresence/internal/hass/transport"
	"github.com/ManuGH/piresence/internal/health"
	"github.com/ManuGH/piresence/internal/log"
	"github.com/ManuGH/piresence/internal/presence"
	"github.com/ManuGH/piresence/internal/publisher"
	"github.com/ManuGH/piresence/internal/router"
	"github.com/ManuGH/piresence/internal/telemetry"
)

const (
	reconcileTimeout = 5 * time.Second
	shutdownTimeout  = 5 * time.Second
	// A sweep older than this many intervals marks the engine unhealthy.
	sweepStaleFactor = 10
)

// Options configures an App. Only Config is required.
type Options struct {
	Config config.Config
	// Clock drives presence decay. Nil uses the wall clock.
	Clock presence.Clock
	// Dialer overrides the hub transport.
	Dialer transport.Dialer
	// Listener serves the admin API instead of Config.Server.Listen.
	Listener net.Listener
	Logger   *zerolog.Logger
}

// App owns the long-lived runtime: every component is started by Run and
// stopped when its context ends.
type App struct {
	cfg      config.Config
	logger   zerolog.Logger
	listener net.Listener

	client    *hass.Client
	router    *router.Router
	engine    *presence.Engine
	stream    *presence.Stream
	publisher *publisher.Publisher
	health    *health.Manager
	admin     *admin.Server

	running   atomic.Bool
	readies   atomic.Int64
	reconcile chan struct{}
}

// New builds every component without starting any of them.
func New(opts Options) (*App, error) {
	cfg := opts.Config
	logger := log.WithComponent("daemon")
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	tracker, err := presence.NewTracker(cfg.RoomConfigs())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRooms, err)
	}

	a := &App{
		cfg:       cfg,
		logger:    logger,
		listener:  opts.Listener,
		router:    router.New(cfg.RouterOptions()),
		stream:    presence.NewStream(),
		reconcile: make(chan struct{}, 1),
	}

	hubOpts := cfg.HubOptions()
	hubOpts.Sink = a.router
	if opts.Dialer != nil {
		hubOpts.Dialer = opts.Dialer
	}
	a.client = hass.NewClient(hubOpts).WithStateListener(a.onHubState)

	sinks := []presence.TransitionSink{a.stream}
	if cfg.Publish.Enabled {
		a.publisher = publisher.New(a.client, cfg.PublisherConfig())
		sinks = append(sinks, a.publisher)
	}
	a.engine = presence.NewEngine(tracker, presence.EngineOptions{
		SweepInterval: cfg.Presence.SweepInterval,
		Clock:         opts.Clock,
		Sinks:         sinks,
	})

	interval := cfg.Presence.SweepInterval
	if interval <= 0 {
		interval = presence.DefaultSweepInterval
	}
	a.health = health.NewManager(cfg.Version)
	a.health.RegisterChecker(health.NewHubChecker(a.client.State))
	a.health.RegisterLivenessChecker(health.NewSweepChecker(a.engine.LastSweep, sweepStaleFactor*interval))

	if cfg.Server.Listen != "" || opts.Listener != nil {
		a.admin = admin.New(admin.Options{
			Listen:          cfg.Server.Listen,
			RoomsRateLimit:  cfg.Server.RoomsRateLimit,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			Health:          a.health,
			Rooms:           a.engine,
		})
	}
	return a, nil
}

// Client returns the hub client.
func (a *App) Client() *hass.Client { return a.client }

// Engine returns the presence engine.
func (a *App) Engine() *presence.Engine { return a.engine }

// Stream returns the occupancy transition stream.
func (a *App) Stream() *presence.Stream { return a.stream }

// Health returns the health manager behind the probes.
func (a *App) Health() *health.Manager { return a.health }

// Run starts every component and blocks until ctx is cancelled or a fatal
// error occurs. A rejected hub token is returned as *hass.AuthError.
func (a *App) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	provider, err := telemetry.NewProvider(ctx, a.cfg.TelemetryConfig())
	if err != nil {
		return fmt.Errorf("start telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn().Err(err).Str(log.FieldEvent, "telemetry.shutdown_failed").Msg("tracer shutdown failed")
		}
	}()

	g, ctx := errgroup.WithContext(ctx)

	sub := a.router.Subscribe("presence", router.Filter{
		EntityIDs: a.cfg.Sensors(),
		Kinds:     []string{hass.EventStateChanged},
	}, a.cfg.Router.Buffer)
	readings := presence.Readings(ctx, sub.C(), nil)

	g.Go(func() error {
		return a.engine.Run(ctx, readings)
	})

	if a.publisher != nil {
		g.Go(func() error {
			return a.publisher.Run(ctx)
		})
		g.Go(func() error {
			return a.reconcileLoop(ctx)
		})
	}

	if a.admin != nil {
		g.Go(func() error {
			if a.listener != nil {
				return a.admin.Serve(ctx, a.listener)
			}
			return a.admin.Run(ctx)
		})
	}

	// Hub client last so the router already has its subscriber.
	g.Go(func() error {
		return a.client.Run(ctx)
	})

	a.logger.Info().
		Str(log.FieldEvent, "daemon.started").
		Int("rooms", len(a.cfg.Presence.Rooms)).
		Bool("publish", a.publisher != nil).
		Bool("admin", a.admin != nil).
		Msg("piresence started")

	err = g.Wait()
	a.router.Close()
	a.stream.Close()

	if err != nil {
		a.logger.Error().Err(err).Str(log.FieldEvent, "daemon.failed").Msg("piresence stopped with error")
		return err
	}
	a.logger.Info().Str(log.FieldEvent, "daemon.stopped").Msg("piresence stopped")
	return nil
}

// onHubState runs on the client loop and must not block.
func (a *App) onHubState(_, to hass.State) {
	if to != hass.StateReady {
		return
	}
	if a.publisher != nil {
		a.publisher.Breaker().Reset()
	}
	if a.readies.Add(1) == 1 || a.publisher == nil || !a.cfg.Publish.RepublishOnReconnect {
		return
	}
	select {
	case a.reconcile <- struct{}{}:
	default:
	}
}

func (a *App) reconcileLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.reconcile:
			a.republish(ctx)
		}
	}
}

// republish queues the current state of every room after a reconnect.
func (a *App) republish(ctx context.Context) {
	snapCtx, cancel := context.WithTimeout(ctx, reconcileTimeout)
	defer cancel()

	rooms, err := a.engine.Snapshot(snapCtx)
	if err != nil {
		a.logger.Warn().Err(err).Str(log.FieldEvent, "daemon.reconcile_failed").Msg("room snapshot unavailable")
		return
	}
	queued := 0
	for _, room := range rooms {
		if err := a.publisher.PublishState(room.Room, room.Occupancy, publisher.ReasonReconcile); err == nil {
			queued++
		}
	}
	a.logger.Info().
		Str(log.FieldEvent, "daemon.reconcile").
		Int("rooms", len(rooms)).
		Int("queued", queued).
		Msg("republishing occupancy after reconnect")
}
