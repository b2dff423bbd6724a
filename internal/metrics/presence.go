// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OccupancyTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "piresence_occupancy_transitions_total",
		Help: "Total number of occupancy transitions by room and new state",
	}, []string{"room", "state"})

	roomOccupancy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "piresence_room_occupancy",
		Help: "Current room occupancy estimate (active state=1; others 0)",
	}, []string{"room", "state"})

	UnmappedReadingsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "piresence_unmapped_readings_total",
		Help: "Total number of sensor readings dropped because the sensor belongs to no room",
	})

	StaleReadingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "piresence_stale_readings_total",
		Help: "Total number of sensor readings that arrived out of order or duplicated",
	}, []string{"room", "reason"})

	ClockSkewReadingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "piresence_clock_skew_readings_total",
		Help: "Total number of sensor readings whose hub timestamp is more than the room's occupied timeout away from the local clock",
	}, []string{"room"})

	StreamDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "piresence_stream_dropped_total",
		Help: "Total number of occupancy transitions dropped for slow stream consumers",
	}, []string{"consumer"})
)

var occupancyStates = []string{"vacant", "occupied", "uncertain"}

// RecordTransition counts a transition and updates the room occupancy gauge.
func RecordTransition(room, state string) {
	OccupancyTransitionsTotal.WithLabelValues(room, state).Inc()
	for _, s := range occupancyStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		roomOccupancy.WithLabelValues(room, s).Set(value)
	}
}
