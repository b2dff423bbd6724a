// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package hast

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/piresence/internal/hass"
	"github.com/ManuGH/piresence/internal/hass/transport"
)

type session struct {
	t    *testing.T
	conn transport.Conn
}

func dial(t *testing.T, srv *Server) (*session, func()) {
	t.Helper()
	ts := httptest.NewServer(srv)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/websocket"
	conn, err := transport.NewDialer(transport.Options{}).Dial(context.Background(), url)
	require.NoError(t, err)
	return &session{t: t, conn: conn}, func() {
		_ = conn.Close()
		srv.Close()
		ts.Close()
	}
}

func (s *session) send(m hass.Message) {
	s.t.Helper()
	frame, err := hass.Encode(m)
	require.NoError(s.t, err)
	require.NoError(s.t, s.conn.Send(context.Background(), frame))
}

func (s *session) recv() hass.Message {
	s.t.Helper()
	select {
	case frame, ok := <-s.conn.Frames():
		require.True(s.t, ok, "connection closed: %v", s.conn.Err())
		m, err := hass.Decode(frame)
		require.NoError(s.t, err)
		return m
	case <-time.After(2 * time.Second):
		s.t.Fatal("no frame")
		return hass.Message{}
	}
}

func (s *session) auth(token string) hass.Message {
	s.t.Helper()
	greeting := s.recv()
	require.Equal(s.t, hass.TypeAuthRequired, greeting.Type)
	s.send(hass.Message{Type: hass.TypeAuth, AccessToken: token})
	return s.recv()
}

func newServer(opts Options) *Server {
	quiet := zerolog.Nop()
	opts.Logger = &quiet
	if opts.Token == "" {
		opts.Token = "secret"
	}
	return New(opts)
}

func TestServer_Commands(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	scenario := []hass.Event{
		{Kind: hass.EventStateChanged, EntityID: "binary_sensor.hall", TimeFired: time.Unix(0, 0).UTC()},
		{Kind: "custom", TimeFired: time.Unix(1, 0).UTC()},
	}
	srv := newServer(Options{Scenario: scenario, OnCall: func(c ServiceCall) *hass.ErrorObject {
		if c.Service == "explode" {
			return &hass.ErrorObject{Code: "home_assistant_error", Message: "boom"}
		}
		return nil
	}})
	s, closeAll := dial(t, srv)
	defer closeAll()

	ok := s.auth("secret")
	require.Equal(t, hass.TypeAuthOK, ok.Type)
	assert.Equal(t, DefaultHAVersion, ok.HAVersion)

	s.send(hass.Message{ID: 1, Type: hass.TypeSubscribeEvents, EventType: hass.EventStateChanged})
	res := s.recv()
	require.Equal(t, hass.TypeResult, res.Type)
	require.True(t, *res.Success)
	ev := s.recv()
	require.Equal(t, hass.TypeEvent, ev.Type)
	assert.Equal(t, uint64(1), ev.ID, "replayed with the subscription id")
	assert.Equal(t, hass.EventStateChanged, ev.Event.EventType)
	assert.Equal(t, []string{hass.EventStateChanged}, srv.ActiveSubscriptions())

	s.send(hass.Message{ID: 2, Type: hass.TypePing})
	assert.Equal(t, hass.TypePong, s.recv().Type)

	call, err := hass.CallService("presence", "set_state", map[string]string{"entity_id": "presence.hall"})
	require.NoError(t, err)
	call.ID = 3
	s.send(call)
	res = s.recv()
	assert.True(t, *res.Success)

	call.ID, call.Service = 4, "explode"
	s.send(call)
	res = s.recv()
	assert.False(t, *res.Success)
	assert.Equal(t, "home_assistant_error", res.Error.Code)
	require.Len(t, srv.Calls(), 2)
	assert.JSONEq(t, `{"entity_id":"presence.hall"}`, string(srv.Calls()[0].ServiceData))

	s.send(hass.Message{ID: 4, Type: hass.TypePing})
	assert.Equal(t, "id_reuse", s.recv().Error.Code)

	s.send(hass.Message{ID: 5, Type: "get_states"})
	assert.Equal(t, "unknown_command", s.recv().Error.Code)

	s.send(hass.Message{ID: 6, Type: hass.TypeUnsubscribeEvents, Subscription: 1})
	assert.True(t, *s.recv().Success)
	s.send(hass.Message{ID: 7, Type: hass.TypeUnsubscribeEvents, Subscription: 1})
	assert.Equal(t, "not_found", s.recv().Error.Code)
	assert.Empty(t, srv.ActiveSubscriptions())
}

func TestServer_RejectsToken(t *testing.T) {
	srv := newServer(Options{})
	s, closeAll := dial(t, srv)
	defer closeAll()

	assert.Equal(t, hass.TypeAuthInvalid, s.auth("wrong").Type)
	select {
	case _, open := <-s.conn.Frames():
		assert.False(t, open, "server hangs up after auth_invalid")
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed")
	}
}

func TestServer_PushAndDrop(t *testing.T) {
	srv := newServer(Options{})
	s, closeAll := dial(t, srv)
	defer closeAll()

	require.Equal(t, hass.TypeAuthOK, s.auth("secret").Type)
	s.send(hass.Message{ID: 1, Type: hass.TypeSubscribeEvents})
	require.True(t, *s.recv().Success)

	assert.Equal(t, 1, srv.Push(context.Background(), hass.Event{Kind: "anything"}), "empty event type matches all")
	assert.Equal(t, "anything", s.recv().Event.EventType)
	assert.Equal(t, 1, srv.OpenConnections())

	srv.DropConnections()
	require.Eventually(t, func() bool { return srv.OpenConnections() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, srv.Connections())
}

func TestServer_RejectConnections(t *testing.T) {
	srv := newServer(Options{})
	ts := httptest.NewServer(srv)
	defer ts.Close()
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/websocket"
	dialer := transport.NewDialer(transport.Options{})

	srv.SetRejectConnections(true)
	_, err := dialer.Dial(context.Background(), url)
	require.Error(t, err)
	assert.Zero(t, srv.Connections())

	srv.SetRejectConnections(false)
	conn, err := dialer.Dial(context.Background(), url)
	require.NoError(t, err)
	_ = conn.Close()
	assert.Equal(t, 1, srv.Connections())
}
