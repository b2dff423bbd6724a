// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package presence

import (
	"errors"
	"slices"
	"time"
)

// Replay runs readings through tracker on a virtual clock and returns every
// transition. Readings are ordered by timestamp (stable). The tracker is swept
// at each reading and every sweepEvery from the first reading up to until; a
// zero until stops at the last reading. Unmapped readings are skipped.
func Replay(tracker *Tracker, readings []SensorReading, until time.Time, sweepEvery time.Duration) []OccupancyTransition {
	if len(readings) == 0 {
		return nil
	}
	sorted := slices.Clone(readings)
	slices.SortStableFunc(sorted, func(a, b SensorReading) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	if until.IsZero() {
		until = sorted[len(sorted)-1].Timestamp
	}

	var out []OccupancyTransition
	next := sorted[0].Timestamp
	sweepUpTo := func(limit time.Time) {
		if sweepEvery <= 0 {
			return
		}
		for !next.After(limit) {
			out = append(out, tracker.Sweep(next)...)
			next = next.Add(sweepEvery)
		}
	}

	for _, r := range sorted {
		sweepUpTo(r.Timestamp)
		out = append(out, tracker.Sweep(r.Timestamp)...)
		transitions, err := tracker.Apply(r)
		if errors.Is(err, ErrUnmappedSensor) {
			continue
		}
		out = append(out, transitions...)
	}
	sweepUpTo(until)
	out = append(out, tracker.Sweep(until)...)
	return out
}

// Horizon returns the longest total decay time across cfgs.
func Horizon(cfgs []RoomConfig) time.Duration {
	var longest time.Duration
	for _, c := range cfgs {
		if d := c.OccupiedTimeout + c.VacantTimeout; d > longest {
			longest = d
		}
	}
	return longest
}
