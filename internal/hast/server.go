// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package hast is a Home Assistant surrogate: a WebSocket server speaking
// enough of the hub protocol to drive the client in tests and demos. It
// authenticates a fixed token, answers pings and service calls, and replays a
// recorded scenario to every new subscription.
package hast

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ManuGH/piresence/internal/hass"
	"github.com/ManuGH/piresence/internal/hass/transport"
	"github.com/ManuGH/piresence/internal/log"
)

const DefaultHAVersion = "2024.1.0"

// ServiceCall is a call_service command received by the server.
type ServiceCall struct {
	Domain      string
	Service     string
	ServiceData []byte
	Received    time.Time
}

// CallHandler decides the outcome of a service call. A non-nil error object fails the call.
type CallHandler func(ServiceCall) *hass.ErrorObject

// Options configures a Server.
type Options struct {
	Token     string
	HAVersion string
	// Scenario is replayed to every subscription whose event type matches.
	Scenario []hass.Event
	// EventInterval paces replayed scenario events.
	EventInterval time.Duration
	// IgnorePings suppresses pong replies.
	IgnorePings bool
	OnCall      CallHandler
	Logger      *zerolog.Logger
}

type subscription struct {
	id        uint64
	eventType string
}

type conn struct {
	id string
	ch *transport.Channel

	mu     sync.Mutex
	lastID uint64
	subs   []subscription
}

// Server implements http.Handler for the /api/websocket endpoint.
type Server struct {
	opts     Options
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu          sync.Mutex
	conns       map[*conn]struct{}
	accepted    int
	calls       []ServiceCall
	ignorePings bool
	rejecting   bool

	wg sync.WaitGroup
}

// New creates a surrogate server.
func New(opts Options) *Server {
	if opts.HAVersion == "" {
		opts.HAVersion = DefaultHAVersion
	}
	logger := log.WithComponent("hast")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Server{
		opts:   opts,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns:       make(map[*conn]struct{}),
		ignorePings: opts.IgnorePings,
	}
}

// ServeHTTP upgrades the request and serves one hub session.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	rejecting := s.rejecting
	s.mu.Unlock()
	if rejecting {
		http.Error(w, "hub unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str(log.FieldEvent, "hast.upgrade_failed").Msg("websocket upgrade failed")
		return
	}
	c := &conn{id: uuid.NewString(), ch: transport.Wrap(ws, transport.Options{})}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.accepted++
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = c.ch.Close()
		s.wg.Done()
	}()

	s.serve(r.Context(), c)
}

func (s *Server) serve(ctx context.Context, c *conn) {
	logger := s.logger.With().Str(log.FieldSessionID, c.id).Logger()

	if err := s.send(ctx, c, hass.Message{Type: hass.TypeAuthRequired, HAVersion: s.opts.HAVersion}); err != nil {
		return
	}
	frame, ok := <-c.ch.Frames()
	if !ok {
		return
	}
	auth, err := hass.Decode(frame)
	if err != nil || auth.Type != hass.TypeAuth {
		logger.Warn().Str(log.FieldEvent, "hast.auth_unexpected").Msg("expected auth message")
		_ = s.send(ctx, c, hass.Message{Type: hass.TypeAuthInvalid, Message: "expected auth"})
		return
	}
	if auth.AccessToken != s.opts.Token {
		logger.Info().Str(log.FieldEvent, "hast.auth_invalid").Msg("rejected token")
		_ = s.send(ctx, c, hass.Message{Type: hass.TypeAuthInvalid, Message: "wrong token"})
		return
	}
	if err := s.send(ctx, c, hass.Message{Type: hass.TypeAuthOK, HAVersion: s.opts.HAVersion}); err != nil {
		return
	}
	logger.Info().Str(log.FieldEvent, "hast.auth_ok").Msg("client authenticated")

	for frame := range c.ch.Frames() {
		msg, err := hass.Decode(frame)
		if err != nil {
			logger.Warn().Err(err).Str(log.FieldEvent, "hast.malformed").Msg("dropped malformed frame")
			continue
		}
		s.handle(ctx, c, msg, logger)
	}
}

func (s *Server) handle(ctx context.Context, c *conn, msg hass.Message, logger zerolog.Logger) {
	c.mu.Lock()
	if msg.ID <= c.lastID {
		c.mu.Unlock()
		_ = s.send(ctx, c, hass.ResultError(msg.ID, "id_reuse", "Identifier values have to increase."))
		return
	}
	c.lastID = msg.ID
	c.mu.Unlock()

	switch msg.Type {
	case hass.TypePing:
		s.mu.Lock()
		ignore := s.ignorePings
		s.mu.Unlock()
		if !ignore {
			_ = s.send(ctx, c, hass.Message{ID: msg.ID, Type: hass.TypePong})
		}

	case hass.TypeSubscribeEvents:
		c.mu.Lock()
		c.subs = append(c.subs, subscription{id: msg.ID, eventType: msg.EventType})
		c.mu.Unlock()
		if err := s.send(ctx, c, hass.ResultSuccess(msg.ID, nil)); err != nil {
			return
		}
		logger.Info().Str(log.FieldEvent, "hast.subscribed").Str(log.FieldEventType, msg.EventType).Uint64("subscription", msg.ID).Msg("subscription added")
		if s.opts.EventInterval > 0 {
			go s.replay(ctx, c, msg.ID, msg.EventType)
		} else {
			s.replay(ctx, c, msg.ID, msg.EventType)
		}

	case hass.TypeUnsubscribeEvents:
		removed := false
		c.mu.Lock()
		for i, sub := range c.subs {
			if sub.id == msg.Subscription {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				removed = true
				break
			}
		}
		c.mu.Unlock()
		if !removed {
			_ = s.send(ctx, c, hass.ResultError(msg.ID, "not_found", "Subscription not found."))
			return
		}
		_ = s.send(ctx, c, hass.ResultSuccess(msg.ID, nil))

	case hass.TypeCallService:
		call := ServiceCall{
			Domain:      msg.Domain,
			Service:     msg.Service,
			ServiceData: append([]byte(nil), msg.ServiceData...),
			Received:    time.Now(),
		}
		var failure *hass.ErrorObject
		if s.opts.OnCall != nil {
			failure = s.opts.OnCall(call)
		}
		s.mu.Lock()
		s.calls = append(s.calls, call)
		s.mu.Unlock()
		if failure != nil {
			_ = s.send(ctx, c, hass.ResultError(msg.ID, failure.Code, failure.Message))
			return
		}
		_ = s.send(ctx, c, hass.ResultSuccess(msg.ID, map[string]any{
			"context": map[string]any{"id": uuid.NewString()},
		}))

	default:
		_ = s.send(ctx, c, hass.ResultError(msg.ID, "unknown_command", "Unknown command."))
	}
}

func (s *Server) replay(ctx context.Context, c *conn, subID uint64, eventType string) {
	for _, ev := range s.opts.Scenario {
		if eventType != "" && ev.Kind != eventType {
			continue
		}
		if s.opts.EventInterval > 0 {
			select {
			case <-ctx.Done():
				return
			case <-c.ch.Done():
				return
			case <-time.After(s.opts.EventInterval):
			}
		}
		ev.SubscriptionID = subID
		if err := s.send(ctx, c, ev.Message()); err != nil {
			return
		}
	}
}

func (s *Server) send(ctx context.Context, c *conn, msg hass.Message) error {
	frame, err := hass.Encode(msg)
	if err != nil {
		return err
	}
	if err := c.ch.Send(ctx, frame); err != nil {
		s.logger.Debug().Err(err).Str(log.FieldEvent, "hast.send_failed").Str(log.FieldSessionID, c.id).Msg("send failed")
		return err
	}
	return nil
}

// Push delivers ev to every matching subscription on every open connection.
// It returns the number of deliveries.
func (s *Server) Push(ctx context.Context, ev hass.Event) int {
	n := 0
	for _, c := range s.snapshotConns() {
		c.mu.Lock()
		var ids []uint64
		for _, sub := range c.subs {
			if sub.eventType == "" || sub.eventType == ev.Kind {
				ids = append(ids, sub.id)
			}
		}
		c.mu.Unlock()
		for _, id := range ids {
			out := ev
			out.SubscriptionID = id
			if s.send(ctx, c, out.Message()) == nil {
				n++
			}
		}
	}
	return n
}

// SendRaw writes an arbitrary frame to every open connection.
func (s *Server) SendRaw(ctx context.Context, frame []byte) {
	for _, c := range s.snapshotConns() {
		_ = c.ch.Send(ctx, frame)
	}
}

// DropConnections closes every open connection abruptly.
func (s *Server) DropConnections() {
	for _, c := range s.snapshotConns() {
		_ = c.ch.Close()
	}
}

// SetIgnorePings toggles pong replies.
func (s *Server) SetIgnorePings(ignore bool) {
	s.mu.Lock()
	s.ignorePings = ignore
	s.mu.Unlock()
}

// SetRejectConnections makes new upgrade requests fail with 503 while set.
// Open connections are not affected.
func (s *Server) SetRejectConnections(reject bool) {
	s.mu.Lock()
	s.rejecting = reject
	s.mu.Unlock()
}

// Calls returns the service calls received so far.
func (s *Server) Calls() []ServiceCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ServiceCall(nil), s.calls...)
}

// ActiveSubscriptions returns the event types subscribed on open connections.
func (s *Server) ActiveSubscriptions() []string {
	var out []string
	for _, c := range s.snapshotConns() {
		c.mu.Lock()
		for _, sub := range c.subs {
			out = append(out, sub.eventType)
		}
		c.mu.Unlock()
	}
	return out
}

// Connections returns the number of connections accepted since start.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// OpenConnections returns the number of currently open connections.
func (s *Server) OpenConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close drops every connection and waits for their handlers to return.
func (s *Server) Close() {
	s.DropConnections()
	s.wg.Wait()
}

func (s *Server) snapshotConns() []*conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}
