// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package eventlog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/ManuGH/piresence/internal/hass"
	"github.com/ManuGH/piresence/internal/log"
)

// ErrNotRecording is returned by Stop when no session is open.
var ErrNotRecording = errors.New("eventlog: not recording")

// Options configures a Recorder.
type Options struct {
	// Dir is the output directory. Empty means the working directory.
	Dir string
	// Name prefixes every file: <Dir>/<Name>-<n>.yaml.
	Name string
	// Filter selects the events worth keeping. Nil keeps motion events.
	Filter func(hass.Event) bool
	Logger *zerolog.Logger
}

// Recorder writes one event log file per session. A session's file only
// appears under its final name once Stop commits it.
type Recorder struct {
	opts   Options
	logger zerolog.Logger

	mu      sync.Mutex
	pending *renameio.PendingFile
	enc     *yaml.Encoder
	path    string
	count   int
}

// NewRecorder creates an idle recorder.
func NewRecorder(opts Options) *Recorder {
	if opts.Dir == "" {
		opts.Dir = "."
	}
	if opts.Name == "" {
		opts.Name = "events"
	}
	if opts.Filter == nil {
		opts.Filter = IsMotionEvent
	}
	logger := log.WithComponent("eventlog")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Recorder{opts: opts, logger: logger}
}

// Recording reports whether a session is open.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending != nil
}

// Start opens a new session at the next free file name. Starting an open
// session is a no-op.
func (r *Recorder) Start() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending != nil {
		return r.path, nil
	}

	path, err := nextFreePath(r.opts.Dir, r.opts.Name)
	if err != nil {
		return "", err
	}
	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return "", fmt.Errorf("create pending event log: %w", err)
	}
	r.pending = pending
	r.enc = yaml.NewEncoder(pending)
	r.enc.SetIndent(2)
	r.path = path
	r.count = 0

	r.logger.Info().Str(log.FieldEvent, "eventlog.started").Str("path", path).Msg("recording started")
	return path, nil
}

// Record appends ev to the open session if the filter keeps it. It reports
// whether the event was written.
func (r *Recorder) Record(ev hass.Event) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil || !r.opts.Filter(ev) {
		return false, nil
	}
	rec, err := FromEvent(ev)
	if err != nil {
		return false, err
	}
	if err := r.enc.Encode(rec); err != nil {
		return false, fmt.Errorf("write event log: %w", err)
	}
	r.count++
	r.logger.Debug().
		Str(log.FieldEvent, "eventlog.recorded").
		Str(log.FieldEntityID, ev.EntityID).
		Int("count", r.count).
		Msg("event recorded")
	return true, nil
}

// Stop commits the open session and returns its path.
func (r *Recorder) Stop() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return "", ErrNotRecording
	}
	pending, enc, path, count := r.pending, r.enc, r.path, r.count
	r.pending, r.enc = nil, nil
	defer func() {
		if err := pending.Cleanup(); err != nil {
			r.logger.Debug().Err(err).Msg("cleanup pending event log")
		}
	}()

	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("flush event log %s: %w", path, err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return "", fmt.Errorf("commit event log %s: %w", path, err)
	}
	r.logger.Info().
		Str(log.FieldEvent, "eventlog.committed").
		Str("path", path).
		Int("count", count).
		Msg("recording committed")
	return path, nil
}

// Close commits an open session, if any.
func (r *Recorder) Close() error {
	if !r.Recording() {
		return nil
	}
	_, err := r.Stop()
	if errors.Is(err, ErrNotRecording) {
		return nil
	}
	return err
}

// Run records events until ctx is done or events is closed. With useControl
// set, sessions are opened by EventStart and committed by EventStop;
// otherwise a single session spans the whole run.
func (r *Recorder) Run(ctx context.Context, events <-chan hass.Event, useControl bool) error {
	if !useControl {
		if _, err := r.Start(); err != nil {
			return err
		}
	}
	defer func() {
		if err := r.Close(); err != nil {
			r.logger.Error().Err(err).Str(log.FieldEvent, "eventlog.commit_failed").Msg("failed to commit event log")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Kind {
			case EventStart:
				if useControl {
					if _, err := r.Start(); err != nil {
						return err
					}
				}
				continue
			case EventStop:
				if !useControl {
					return nil
				}
				if _, err := r.Stop(); err != nil && !errors.Is(err, ErrNotRecording) {
					return err
				}
				continue
			}
			if _, err := r.Record(ev); err != nil {
				r.logger.Warn().Err(err).Str(log.FieldEvent, "eventlog.record_failed").Msg("event not recorded")
			}
		}
	}
}

func nextFreePath(dir, name string) (string, error) {
	for n := 1; ; n++ {
		path := filepath.Join(dir, fmt.Sprintf("%s-%d.yaml", name, n))
		_, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			return path, nil
		}
		if err != nil {
			return "", fmt.Errorf("probe %s: %w", path, err)
		}
	}
}
