// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID = "session_id"
	FieldCommandID = "command_id"
	FieldRoom      = "room"
	FieldEntityID  = "entity_id"
	FieldSensor    = "sensor"

	// Process / pipeline fields
	FieldEvent      = "event"
	FieldComponent  = "component"
	FieldSubscriber = "subscriber"
	FieldEventType  = "event_type"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Network fields
	FieldURL     = "url"
	FieldAttempt = "attempt"
	FieldBackoff = "backoff"
)
