// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the application.
const (
	// Hub attributes
	HubDomainKey    = "hub.domain"
	HubServiceKey   = "hub.service"
	HubEntityKey    = "hub.entity_id"
	HubCommandIDKey = "hub.command_id"

	// Presence attributes
	RoomKey      = "presence.room"
	OccupancyKey = "presence.occupancy"
	ReasonKey    = "presence.reason"
	AttemptKey   = "publish.attempt"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// ServiceCallAttributes describes a call_service command.
func ServiceCallAttributes(domain, service, entityID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HubDomainKey, domain),
		attribute.String(HubServiceKey, service),
		attribute.String(HubEntityKey, entityID),
	}
}

// PublishAttributes describes one publish attempt for a room.
func PublishAttributes(room, occupancy, reason string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(RoomKey, room),
		attribute.String(OccupancyKey, occupancy),
		attribute.String(ReasonKey, reason),
		attribute.Int(AttemptKey, attempt),
	}
}

// ErrorAttributes marks a span as failed with the given error type.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
