// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package presence

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/piresence/internal/log"
	"github.com/ManuGH/piresence/internal/metrics"
)

// DefaultSweepInterval is the period of the decay ticker.
const DefaultSweepInterval = time.Second

// ErrEngineStopped is returned by Snapshot when the engine loop is not running.
var ErrEngineStopped = errors.New("presence: engine not running")

// TransitionSink consumes transitions on the engine goroutine. Implementations must not block.
type TransitionSink interface {
	HandleTransition(OccupancyTransition)
}

// TransitionSinkFunc adapts a function to TransitionSink.
type TransitionSinkFunc func(OccupancyTransition)

// HandleTransition implements TransitionSink.
func (f TransitionSinkFunc) HandleTransition(t OccupancyTransition) { f(t) }

// EngineOptions configures an Engine.
type EngineOptions struct {
	SweepInterval time.Duration
	Clock         Clock
	Sinks         []TransitionSink
	Logger        *zerolog.Logger
}

type snapshotRequest struct {
	reply chan []RoomSnapshot
}

// Engine owns a Tracker and is its only writer.
type Engine struct {
	tracker  *Tracker
	interval time.Duration
	clock    Clock
	sinks    []TransitionSink
	logger   zerolog.Logger

	snapshots chan snapshotRequest
	running   atomic.Bool
	done      chan struct{}
	lastSweep atomic.Int64
	applied   atomic.Uint64
}

// NewEngine wraps tracker. The tracker must not be used directly afterwards.
func NewEngine(tracker *Tracker, opts EngineOptions) *Engine {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	logger := log.WithComponent("presence")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Engine{
		tracker:   tracker,
		interval:  opts.SweepInterval,
		clock:     opts.Clock,
		sinks:     append([]TransitionSink(nil), opts.Sinks...),
		logger:    logger,
		snapshots: make(chan snapshotRequest),
		done:      make(chan struct{}),
	}
}

// Run processes readings and sweep ticks until ctx is cancelled. A closed
// readings channel stops intake but not decay.
func (e *Engine) Run(ctx context.Context, readings <-chan SensorReading) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("presence: engine already running")
	}
	defer close(e.done)

	ticker := e.clock.NewTicker(e.interval)
	defer ticker.Stop()
	e.lastSweep.Store(e.clock.Now().UnixNano())

	e.logger.Info().
		Str(log.FieldEvent, "presence.started").
		Strs("rooms", e.tracker.Rooms()).
		Dur("sweep_interval", e.interval).
		Msg("presence engine started")

	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Str(log.FieldEvent, "presence.stopped").Msg("presence engine stopped")
			return nil

		case reading, ok := <-readings:
			if !ok {
				readings = nil
				continue
			}
			e.apply(reading)

		case now := <-ticker.C():
			e.emit(e.tracker.Sweep(now))
			e.lastSweep.Store(now.UnixNano())

		case req := <-e.snapshots:
			req.reply <- e.tracker.Snapshot(e.clock.Now())
		}
	}
}

func (e *Engine) apply(reading SensorReading) {
	transitions, err := e.tracker.Apply(reading)
	if errors.Is(err, ErrUnmappedSensor) {
		metrics.UnmappedReadingsTotal.Inc()
		e.logger.Warn().
			Str(log.FieldEvent, "presence.unmapped_sensor").
			Str(log.FieldSensor, reading.Sensor).
			Msg("reading from unmapped sensor dropped")
		return
	}
	if err != nil {
		e.logger.Error().Err(err).Str(log.FieldEvent, "presence.apply_failed").Msg("reading rejected")
		return
	}
	e.applied.Add(1)
	e.checkSkew(reading)
	e.emit(transitions)
}

// checkSkew flags readings stamped by a hub clock that disagrees with the
// local one by more than the room's occupied timeout. Decay runs on the local
// clock, so such readings decay early or late.
func (e *Engine) checkSkew(reading SensorReading) {
	r, ok := e.tracker.bySensor[reading.Sensor]
	if !ok {
		return
	}
	skew := reading.Timestamp.Sub(e.clock.Now())
	if skew.Abs() <= r.cfg.OccupiedTimeout {
		return
	}
	metrics.ClockSkewReadingsTotal.WithLabelValues(r.cfg.ID).Inc()
	e.logger.Warn().
		Str(log.FieldEvent, "presence.clock_skew").
		Str(log.FieldRoom, r.cfg.ID).
		Str(log.FieldSensor, reading.Sensor).
		Time("reading_at", reading.Timestamp).
		Dur("skew", skew).
		Msg("reading timestamp far from local clock; check hub and host time")
}

func (e *Engine) emit(transitions []OccupancyTransition) {
	for _, t := range transitions {
		metrics.RecordTransition(t.Room, t.To.String())
		e.logger.Info().
			Str(log.FieldEvent, "presence.transition").
			Str(log.FieldRoom, t.Room).
			Str(log.FieldOldState, t.From.String()).
			Str(log.FieldNewState, t.To.String()).
			Str("cause", string(t.Cause)).
			Time("at", t.At).
			Msg("occupancy changed")
		for _, s := range e.sinks {
			s.HandleTransition(t)
		}
	}
}

// Snapshot asks the engine loop for the current state of every room.
func (e *Engine) Snapshot(ctx context.Context) ([]RoomSnapshot, error) {
	if !e.running.Load() {
		return nil, ErrEngineStopped
	}
	req := snapshotRequest{reply: make(chan []RoomSnapshot, 1)}
	select {
	case e.snapshots <- req:
	case <-e.done:
		return nil, ErrEngineStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case snap := <-req.reply:
		return snap, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LastSweep returns the instant of the most recent decay sweep.
func (e *Engine) LastSweep() time.Time {
	n := e.lastSweep.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Applied returns the number of readings accepted from mapped sensors.
func (e *Engine) Applied() uint64 {
	return e.applied.Load()
}

// Done is closed when Run returns.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}
