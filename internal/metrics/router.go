// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RouterDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "piresence_router_dropped_total",
		Help: "Total number of hub events dropped for a subscriber that could not keep up",
	}, []string{"subscriber"})

	RouterDeliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "piresence_router_delivered_total",
		Help: "Total number of hub events delivered to a subscriber",
	}, []string{"subscriber"})
)

// IncRouterDrop records a dropped event for the given subscriber.
func IncRouterDrop(subscriber string) {
	if subscriber == "" {
		subscriber = "unknown"
	}
	RouterDroppedTotal.WithLabelValues(subscriber).Inc()
}
