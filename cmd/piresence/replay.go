// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/ManuGH/piresence/internal/config"
	"github.com/ManuGH/piresence/internal/eventlog"
	"github.com/ManuGH/piresence/internal/presence"
	"github.com/ManuGH/piresence/internal/version"
)

// runReplay feeds a recorded event log through the configured rooms and
// prints every transition as one JSON line.
func runReplay(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to config file (YAML)")
	logPath := fs.String("log", "", "event log recorded by haevlo")
	tail := fs.Duration("tail", -1, "decay time after the last reading (default: longest room timeout)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *configPath == "" || *logPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --config and --log are required")
		return 2
	}

	cfg, err := config.NewLoader(*configPath, version.Version).LoadRooms()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return 1
	}
	rooms := cfg.RoomConfigs()
	tracker, err := presence.NewTracker(rooms)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return 1
	}

	events, err := eventlog.ReadFile(*logPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Event log error: %v\n", err)
		return 1
	}

	var readings []presence.SensorReading
	var last time.Time
	for _, ev := range events {
		reading, ok := presence.MotionReadings(ev, nil)
		if !ok {
			continue
		}
		readings = append(readings, reading)
		if reading.Timestamp.After(last) {
			last = reading.Timestamp
		}
	}

	var until time.Time
	if len(readings) > 0 {
		d := *tail
		if d < 0 {
			d = presence.Horizon(rooms)
		}
		until = last.Add(d)
	}

	enc := json.NewEncoder(stdout)
	for _, t := range presence.Replay(tracker, readings, until, cfg.Presence.SweepInterval) {
		if err := enc.Encode(t); err != nil {
			_, _ = fmt.Fprintf(stderr, "write: %v\n", err)
			return 1
		}
	}
	return 0
}
