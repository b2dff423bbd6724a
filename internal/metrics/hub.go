// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	hubConnectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "piresence_hub_connection_state",
		Help: "Hub connection state (active state=1; others 0)",
	}, []string{"state"})

	HubReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "piresence_hub_reconnects_total",
		Help: "Total number of reconnection attempts scheduled after a lost or failed hub connection",
	})

	HubProtocolErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "piresence_hub_protocol_errors_total",
		Help: "Total number of malformed or unexpected hub messages dropped",
	}, []string{"reason"})

	hubPendingCommands = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "piresence_hub_pending_commands",
		Help: "Number of hub commands awaiting a response",
	})

	hubCommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "piresence_hub_command_duration_seconds",
		Help:    "Round trip time of hub commands by type and outcome",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"type", "outcome"})

	HubEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "piresence_hub_events_total",
		Help: "Total number of events received from the hub",
	})
)

var connectionStates = []string{"disconnected", "connecting", "auth_pending", "ready", "closed"}

// SetHubConnectionState records the active hub connection state.
func SetHubConnectionState(state string) {
	for _, s := range connectionStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		hubConnectionState.WithLabelValues(s).Set(value)
	}
}

// IncProtocolError records a dropped hub message.
func IncProtocolError(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	HubProtocolErrorsTotal.WithLabelValues(reason).Inc()
}

// AddPendingCommands adjusts the pending command gauge by delta.
func AddPendingCommands(delta int) {
	hubPendingCommands.Add(float64(delta))
}

// ObserveCommand records the duration of a completed hub command.
func ObserveCommand(cmdType, outcome string, d time.Duration) {
	hubCommandDuration.WithLabelValues(cmdType, outcome).Observe(d.Seconds())
}
