// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package hass

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Errors(t *testing.T) {
	var perr *ProtocolError

	_, err := Decode([]byte(`{"type":`))
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "malformed", perr.Reason)

	_, err = Decode([]byte(`{"id":3,"success":true}`))
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "missing_type", perr.Reason)
}

func TestDecode_ResultAndEvent(t *testing.T) {
	msg, err := Decode([]byte(`{"id":7,"type":"result","success":false,"error":{"code":"not_found","message":"nope"}}`))
	require.NoError(t, err)
	assert.True(t, msg.IsResponse())
	require.NotNil(t, msg.Success)
	assert.False(t, *msg.Success)
	assert.Equal(t, "not_found", msg.Error.Code)

	pong, err := Decode([]byte(`{"id":8,"type":"pong"}`))
	require.NoError(t, err)
	assert.True(t, pong.IsResponse())

	frame := []byte(`{"id":2,"type":"event","event":{"event_type":"state_changed","origin":"LOCAL",
		"time_fired":"2024-03-01T12:00:00.5Z",
		"data":{"entity_id":"binary_sensor.hall","new_state":{"entity_id":"binary_sensor.hall","state":"on",
		"attributes":{"device_class":"motion"},"last_changed":"2024-03-01T12:00:00Z","last_updated":"2024-03-01T12:00:00Z"}}}}`)
	msg, err = Decode(frame)
	require.NoError(t, err)
	assert.False(t, msg.IsResponse())

	ev, ok := msg.ToEvent()
	require.True(t, ok)
	assert.Equal(t, uint64(2), ev.SubscriptionID)
	assert.Equal(t, "binary_sensor.hall", ev.EntityID)
	assert.Equal(t, EventStateChanged, ev.Kind)
	assert.True(t, time.Date(2024, 3, 1, 12, 0, 0, 5e8, time.UTC).Equal(ev.TimeFired))

	sc, err := ev.StateChanged()
	require.NoError(t, err)
	require.NotNil(t, sc.NewState)
	assert.Nil(t, sc.OldState)
	assert.Equal(t, "on", sc.NewState.State)
	assert.Equal(t, "motion", sc.NewState.DeviceClass())
}

func TestEncode_Commands(t *testing.T) {
	cmd, err := CallService("presence", "set_state", map[string]string{"entity_id": "presence.hall"})
	require.NoError(t, err)
	cmd.ID = 4
	frame, err := Encode(cmd)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":4,"type":"call_service","domain":"presence","service":"set_state","service_data":{"entity_id":"presence.hall"}}`, string(frame))

	frame, err = Encode(Message{Type: TypeAuth, AccessToken: "tok"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"auth","access_token":"tok"}`, string(frame))

	sub := SubscribeEvents(EventStateChanged)
	sub.ID = 1
	frame, err = Encode(sub)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"type":"subscribe_events","event_type":"state_changed"}`, string(frame))
}

func TestEvent_MessageRoundTrip(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := Event{
		SubscriptionID: 5,
		Kind:           EventStateChanged,
		EntityID:       "binary_sensor.hall",
		Payload:        json.RawMessage(`{"entity_id":"binary_sensor.hall"}`),
		Origin:         "LOCAL",
		TimeFired:      at,
	}
	frame, err := Encode(ev.Message())
	require.NoError(t, err)
	msg, err := Decode(frame)
	require.NoError(t, err)
	got, ok := msg.ToEvent()
	require.True(t, ok)
	assert.Equal(t, ev.SubscriptionID, got.SubscriptionID)
	assert.Equal(t, ev.EntityID, got.EntityID)
	assert.JSONEq(t, string(ev.Payload), string(got.Payload))
	assert.True(t, at.Equal(got.TimeFired))
}

func TestResultError(t *testing.T) {
	msg := ResultError(9, "unknown_command", "Unknown command.")
	frame, err := Encode(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":9,"type":"result","success":false,"error":{"code":"unknown_command","message":"Unknown command."}}`, string(frame))
}
