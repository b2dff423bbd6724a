// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package presence infers per-room occupancy from PIR motion readings.
//
// Each room is a small state machine: motion makes it Occupied; after
// OccupiedTimeout without motion it becomes Uncertain; after a further
// VacantTimeout it becomes Vacant. Transitions are emitted only on change.
// Tracker is the pure, clock-free core; Engine drives it with a ticker and
// serializes every mutation onto one goroutine.
package presence

import (
	"fmt"
	"slices"
	"time"

	"github.com/ManuGH/piresence/internal/metrics"
)

type room struct {
	cfg           RoomConfig
	occupancy     Occupancy
	lastMotion    time.Time
	lastProcessed time.Time
	lastReading   map[string]SensorReading
}

// Tracker holds the occupancy state of every configured room. It is not
// safe for concurrent use.
type Tracker struct {
	rooms    []*room
	bySensor map[string]*room
}

// NewTracker validates cfgs and returns a tracker with every room Vacant.
func NewTracker(cfgs []RoomConfig) (*Tracker, error) {
	t := &Tracker{bySensor: make(map[string]*room)}
	seenRooms := make(map[string]struct{}, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.ID == "" {
			return nil, fmt.Errorf("presence: room id must not be empty")
		}
		if _, dup := seenRooms[cfg.ID]; dup {
			return nil, fmt.Errorf("presence: duplicate room %q", cfg.ID)
		}
		seenRooms[cfg.ID] = struct{}{}
		if cfg.OccupiedTimeout <= 0 || cfg.VacantTimeout <= 0 {
			return nil, fmt.Errorf("presence: room %q: timeouts must be positive", cfg.ID)
		}
		if len(cfg.Sensors) == 0 {
			return nil, fmt.Errorf("presence: room %q has no sensors", cfg.ID)
		}
		r := &room{
			cfg:         cfg,
			occupancy:   Vacant,
			lastReading: make(map[string]SensorReading, len(cfg.Sensors)),
		}
		r.cfg.Sensors = append([]string(nil), cfg.Sensors...)
		for _, sensor := range cfg.Sensors {
			if sensor == "" {
				return nil, fmt.Errorf("presence: room %q: empty sensor id", cfg.ID)
			}
			if other, ok := t.bySensor[sensor]; ok {
				return nil, fmt.Errorf("presence: sensor %q mapped to rooms %q and %q", sensor, other.cfg.ID, cfg.ID)
			}
			t.bySensor[sensor] = r
		}
		t.rooms = append(t.rooms, r)
	}
	return t, nil
}

// RoomFor returns the room a sensor belongs to.
func (t *Tracker) RoomFor(sensor string) (string, bool) {
	r, ok := t.bySensor[sensor]
	if !ok {
		return "", false
	}
	return r.cfg.ID, true
}

// Rooms returns the configured room ids in configuration order.
func (t *Tracker) Rooms() []string {
	out := make([]string, len(t.rooms))
	for i, r := range t.rooms {
		out[i] = r.cfg.ID
	}
	return out
}

// Apply feeds one reading to the owning room. Pending decay up to the
// reading's timestamp is applied first, so the emitted sequence does not
// depend on how often Sweep runs.
func (t *Tracker) Apply(reading SensorReading) ([]OccupancyTransition, error) {
	r, ok := t.bySensor[reading.Sensor]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnmappedSensor, reading.Sensor)
	}

	if prev, seen := r.lastReading[reading.Sensor]; seen &&
		prev.Motion == reading.Motion && prev.Timestamp.Equal(reading.Timestamp) {
		metrics.StaleReadingsTotal.WithLabelValues(r.cfg.ID, "duplicate").Inc()
		return nil, nil
	}
	r.lastReading[reading.Sensor] = reading

	if reading.Timestamp.Before(r.lastProcessed) {
		// Late motion still extends the decay deadlines but never re-enters Occupied.
		if reading.Motion == MotionDetected && reading.Timestamp.After(r.lastMotion) {
			r.lastMotion = reading.Timestamp
		}
		metrics.StaleReadingsTotal.WithLabelValues(r.cfg.ID, "out_of_order").Inc()
		return nil, nil
	}

	out := r.decay(reading.Timestamp)
	r.lastProcessed = reading.Timestamp

	if reading.Motion != MotionDetected {
		return out, nil
	}
	if reading.Timestamp.After(r.lastMotion) {
		r.lastMotion = reading.Timestamp
	}
	if r.occupancy != Occupied {
		out = append(out, r.transition(Occupied, reading.Timestamp, CauseMotion))
	}
	return out, nil
}

// Sweep applies time-based decay to every room as of now. Transitions are
// ordered by their deadline instants, ties in room order.
func (t *Tracker) Sweep(now time.Time) []OccupancyTransition {
	var out []OccupancyTransition
	for _, r := range t.rooms {
		out = append(out, r.decay(now)...)
	}
	slices.SortStableFunc(out, func(a, b OccupancyTransition) int {
		return a.At.Compare(b.At)
	})
	return out
}

// Snapshot returns the state of every room in configuration order.
func (t *Tracker) Snapshot(now time.Time) []RoomSnapshot {
	out := make([]RoomSnapshot, 0, len(t.rooms))
	for _, r := range t.rooms {
		out = append(out, RoomSnapshot{
			Room:          r.cfg.ID,
			Occupancy:     r.occupancy,
			Estimate:      Estimate(r.lastMotion, r.cfg, now),
			LastMotion:    r.lastMotion,
			LastProcessed: r.lastProcessed,
			Sensors:       append([]string(nil), r.cfg.Sensors...),
		})
	}
	return out
}

// Estimate is the decay-only occupancy for a room whose last motion was at
// lastMotion. A zero lastMotion means no motion was ever seen.
func Estimate(lastMotion time.Time, cfg RoomConfig, now time.Time) Occupancy {
	if lastMotion.IsZero() {
		return Vacant
	}
	occupiedUntil := lastMotion.Add(cfg.OccupiedTimeout)
	if now.Before(occupiedUntil) {
		return Occupied
	}
	if now.Before(occupiedUntil.Add(cfg.VacantTimeout)) {
		return Uncertain
	}
	return Vacant
}

func (r *room) decay(now time.Time) []OccupancyTransition {
	if r.occupancy == Vacant || r.lastMotion.IsZero() {
		return nil
	}
	uncertainAt := r.lastMotion.Add(r.cfg.OccupiedTimeout)
	vacantAt := uncertainAt.Add(r.cfg.VacantTimeout)

	var out []OccupancyTransition
	if r.occupancy == Occupied && !now.Before(uncertainAt) {
		out = append(out, r.transition(Uncertain, uncertainAt, CauseDecay))
	}
	if r.occupancy == Uncertain && !now.Before(vacantAt) {
		out = append(out, r.transition(Vacant, vacantAt, CauseDecay))
	}
	return out
}

func (r *room) transition(to Occupancy, at time.Time, cause Cause) OccupancyTransition {
	t := OccupancyTransition{Room: r.cfg.ID, From: r.occupancy, To: to, At: at, Cause: cause}
	r.occupancy = to
	return t
}
