// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package hass

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType is the discriminant carried in the "type" field of every frame.
type MessageType string

const (
	TypeAuthRequired      MessageType = "auth_required"
	TypeAuth              MessageType = "auth"
	TypeAuthOK            MessageType = "auth_ok"
	TypeAuthInvalid       MessageType = "auth_invalid"
	TypeResult            MessageType = "result"
	TypeEvent             MessageType = "event"
	TypePing              MessageType = "ping"
	TypePong              MessageType = "pong"
	TypeSubscribeEvents   MessageType = "subscribe_events"
	TypeUnsubscribeEvents MessageType = "unsubscribe_events"
	TypeCallService       MessageType = "call_service"
)

const (
	EventStateChanged = "state_changed"
	EventCallService  = "call_service"
)

// Message is the envelope of every JSON frame exchanged with the hub. Only the
// fields relevant to a given Type are populated.
type Message struct {
	ID          uint64          `json:"id,omitempty"`
	Type        MessageType     `json:"type"`
	HAVersion   string          `json:"ha_version,omitempty"`
	AccessToken string          `json:"access_token,omitempty"`
	Message     string          `json:"message,omitempty"`
	Success     *bool           `json:"success,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *ErrorObject    `json:"error,omitempty"`
	Event       *EventPayload   `json:"event,omitempty"`

	// subscribe_events / unsubscribe_events
	EventType    string `json:"event_type,omitempty"`
	Subscription uint64 `json:"subscription,omitempty"`

	// call_service
	Domain      string          `json:"domain,omitempty"`
	Service     string          `json:"service,omitempty"`
	ServiceData json.RawMessage `json:"service_data,omitempty"`
}

// ErrorObject is the error body of a failed result.
type ErrorObject struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventPayload is the "event" object of an event message.
type EventPayload struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Origin    string          `json:"origin,omitempty"`
	TimeFired time.Time       `json:"time_fired"`
}

// Event is a normalized, immutable hub-pushed event.
type Event struct {
	SubscriptionID uint64
	Kind           string
	EntityID       string
	Payload        json.RawMessage
	Origin         string
	TimeFired      time.Time
}

// StateChangedData is the data payload of a state_changed event.
type StateChangedData struct {
	EntityID string       `json:"entity_id"`
	OldState *EntityState `json:"old_state"`
	NewState *EntityState `json:"new_state"`
}

// EntityState is a hub entity state object.
type EntityState struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// DeviceClass returns the device_class attribute, if any.
func (s *EntityState) DeviceClass() string {
	if s == nil {
		return ""
	}
	v, _ := s.Attributes["device_class"].(string)
	return v
}

// Decode parses a single text frame.
func Decode(frame []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(frame, &m); err != nil {
		return Message{}, &ProtocolError{Reason: "malformed", Err: err}
	}
	if m.Type == "" {
		return Message{}, &ProtocolError{Reason: "missing_type", Err: fmt.Errorf("frame without type field")}
	}
	return m, nil
}

// Encode serializes a message into a text frame.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// IsResponse reports whether m answers a command.
func (m Message) IsResponse() bool {
	return m.ID != 0 && (m.Type == TypeResult || m.Type == TypePong)
}

// ToEvent projects an event message into an Event. It reports false when m
// carries no event body.
func (m Message) ToEvent() (Event, bool) {
	if m.Type != TypeEvent || m.Event == nil {
		return Event{}, false
	}
	ev := Event{
		SubscriptionID: m.ID,
		Kind:           m.Event.EventType,
		Payload:        m.Event.Data,
		Origin:         m.Event.Origin,
		TimeFired:      m.Event.TimeFired,
	}
	if len(m.Event.Data) > 0 {
		var head struct {
			EntityID string `json:"entity_id"`
		}
		if err := json.Unmarshal(m.Event.Data, &head); err == nil {
			ev.EntityID = head.EntityID
		}
	}
	return ev, true
}

// StateChanged decodes the payload of a state_changed event.
func (e Event) StateChanged() (StateChangedData, error) {
	var d StateChangedData
	if e.Kind != EventStateChanged {
		return d, fmt.Errorf("event %q is not %s", e.Kind, EventStateChanged)
	}
	if err := json.Unmarshal(e.Payload, &d); err != nil {
		return d, fmt.Errorf("decode state_changed: %w", err)
	}
	return d, nil
}

// Message rebuilds the wire representation of e.
func (e Event) Message() Message {
	return Message{
		ID:   e.SubscriptionID,
		Type: TypeEvent,
		Event: &EventPayload{
			EventType: e.Kind,
			Data:      e.Payload,
			Origin:    e.Origin,
			TimeFired: e.TimeFired,
		},
	}
}

// Command constructors. The client assigns IDs.

// SubscribeEvents subscribes to one event type; empty means all events.
func SubscribeEvents(eventType string) Message {
	return Message{Type: TypeSubscribeEvents, EventType: eventType}
}

// UnsubscribeEvents cancels a subscription created earlier on the same connection.
func UnsubscribeEvents(subscription uint64) Message {
	return Message{Type: TypeUnsubscribeEvents, Subscription: subscription}
}

// CallService invokes domain.service with the given service data.
func CallService(domain, service string, data any) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("encode service data: %w", err)
	}
	return Message{Type: TypeCallService, Domain: domain, Service: service, ServiceData: raw}, nil
}

// Ping is the keepalive command.
func Ping() Message {
	return Message{Type: TypePing}
}

// ResultSuccess builds a successful result for id.
func ResultSuccess(id uint64, result any) Message {
	ok := true
	m := Message{ID: id, Type: TypeResult, Success: &ok}
	if result != nil {
		if raw, err := json.Marshal(result); err == nil {
			m.Result = raw
		}
	}
	return m
}

// ResultError builds a failed result for id.
func ResultError(id uint64, code, message string) Message {
	ok := false
	return Message{ID: id, Type: TypeResult, Success: &ok, Error: &ErrorObject{Code: code, Message: message}}
}
