// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package presence

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnmappedSensor is returned by Apply for a sensor that belongs to no room.
var ErrUnmappedSensor = errors.New("presence: sensor is not mapped to a room")

// Motion is the value of a PIR reading.
type Motion int

const (
	MotionClear Motion = iota
	MotionDetected
)

func (m Motion) String() string {
	if m == MotionDetected {
		return "detected"
	}
	return "clear"
}

// MarshalText implements encoding.TextMarshaler.
func (m Motion) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Occupancy is the estimated state of a room.
type Occupancy int

const (
	Vacant Occupancy = iota
	Occupied
	Uncertain
)

func (o Occupancy) String() string {
	switch o {
	case Vacant:
		return "vacant"
	case Occupied:
		return "occupied"
	case Uncertain:
		return "uncertain"
	default:
		return fmt.Sprintf("occupancy(%d)", int(o))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o Occupancy) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Occupancy) UnmarshalText(b []byte) error {
	switch string(b) {
	case "vacant":
		*o = Vacant
	case "occupied":
		*o = Occupied
	case "uncertain":
		*o = Uncertain
	default:
		return fmt.Errorf("unknown occupancy %q", b)
	}
	return nil
}

// Cause explains why a transition happened.
type Cause string

const (
	CauseMotion Cause = "motion"
	CauseDecay  Cause = "decay"
)

// SensorReading is one normalized PIR observation.
type SensorReading struct {
	Sensor    string    `json:"sensor"`
	Motion    Motion    `json:"motion"`
	Timestamp time.Time `json:"timestamp"`
}

// RoomConfig maps a room to its sensors and decay timeouts.
type RoomConfig struct {
	ID      string
	Sensors []string
	// OccupiedTimeout is the time without motion until Occupied decays to Uncertain.
	OccupiedTimeout time.Duration
	// VacantTimeout is the additional time until Uncertain decays to Vacant.
	VacantTimeout time.Duration
}

// OccupancyTransition is an edge of a room's occupancy state machine.
type OccupancyTransition struct {
	Room  string    `json:"room"`
	From  Occupancy `json:"from"`
	To    Occupancy `json:"to"`
	At    time.Time `json:"at"`
	Cause Cause     `json:"cause"`
}

// RoomSnapshot is a point-in-time view of one room.
type RoomSnapshot struct {
	Room          string    `json:"room"`
	Occupancy     Occupancy `json:"occupancy"`
	Estimate      Occupancy `json:"estimate"`
	LastMotion    time.Time `json:"last_motion,omitzero"`
	LastProcessed time.Time `json:"last_processed,omitzero"`
	Sensors       []string  `json:"sensors"`
}
