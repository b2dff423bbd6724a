// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package eventlog records hub events into YAML multi-document files and reads
// them back for replay.
package eventlog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ManuGH/piresence/internal/hass"
)

// Control event types toggling a recording session.
const (
	EventStart = "haevlo_start"
	EventStop  = "haevlo_stop"
)

// Record is one YAML document of an event log.
type Record struct {
	EventType string    `yaml:"event_type"`
	EntityID  string    `yaml:"entity_id,omitempty"`
	Origin    string    `yaml:"origin,omitempty"`
	TimeFired time.Time `yaml:"time_fired"`
	Data      any       `yaml:"data,omitempty"`
}

// FromEvent converts ev into its log record. The payload is kept as a generic
// tree so the YAML stays readable.
func FromEvent(ev hass.Event) (Record, error) {
	rec := Record{
		EventType: ev.Kind,
		EntityID:  ev.EntityID,
		Origin:    ev.Origin,
		TimeFired: ev.TimeFired.UTC(),
	}
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &rec.Data); err != nil {
			return Record{}, fmt.Errorf("decode %s payload: %w", ev.Kind, err)
		}
	}
	return rec, nil
}

// Event converts the record back into a hub event. SubscriptionID is left zero.
func (r Record) Event() (hass.Event, error) {
	ev := hass.Event{
		Kind:      r.EventType,
		EntityID:  r.EntityID,
		Origin:    r.Origin,
		TimeFired: r.TimeFired,
	}
	if r.Data != nil {
		raw, err := json.Marshal(r.Data)
		if err != nil {
			return hass.Event{}, fmt.Errorf("encode %s payload: %w", r.EventType, err)
		}
		ev.Payload = raw
	}
	if ev.EntityID == "" && ev.Kind == hass.EventStateChanged {
		if data, err := ev.StateChanged(); err == nil {
			ev.EntityID = data.EntityID
		}
	}
	return ev, nil
}

// IsMotionEvent reports whether ev is a state change of a motion sensor.
func IsMotionEvent(ev hass.Event) bool {
	if ev.Kind != hass.EventStateChanged {
		return false
	}
	data, err := ev.StateChanged()
	if err != nil {
		return false
	}
	return data.NewState.DeviceClass() == "motion"
}
