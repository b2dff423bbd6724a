// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package presence

import (
	"context"

	"github.com/ManuGH/piresence/internal/hass"
)

// MotionReadings projects a state_changed event of a binary motion sensor
// into a reading. accept, when non-nil, restricts the entity ids. The
// timestamp is new_state.last_changed, falling back to the event fire time.
func MotionReadings(ev hass.Event, accept func(entityID string) bool) (SensorReading, bool) {
	if ev.Kind != hass.EventStateChanged {
		return SensorReading{}, false
	}
	data, err := ev.StateChanged()
	if err != nil || data.NewState == nil {
		return SensorReading{}, false
	}
	entity := data.EntityID
	if entity == "" {
		entity = data.NewState.EntityID
	}
	if accept != nil && !accept(entity) {
		return SensorReading{}, false
	}

	var motion Motion
	switch data.NewState.State {
	case "on":
		motion = MotionDetected
	case "off":
		motion = MotionClear
	default:
		// unavailable, unknown
		return SensorReading{}, false
	}

	ts := data.NewState.LastChanged
	if ts.IsZero() {
		ts = ev.TimeFired
	}
	return SensorReading{Sensor: entity, Motion: motion, Timestamp: ts}, true
}

// Readings converts an event channel into a reading channel. The returned
// channel is closed when events is closed or ctx is done.
func Readings(ctx context.Context, events <-chan hass.Event, accept func(entityID string) bool) <-chan SensorReading {
	out := make(chan SensorReading, cap(events))
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				reading, ok := MotionReadings(ev, accept)
				if !ok {
					continue
				}
				select {
				case out <- reading:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
