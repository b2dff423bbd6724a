// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package hass implements the Home Assistant WebSocket protocol client: the
// connection state machine, authentication, command/response correlation,
// event subscription and reconnection.
package hass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/piresence/internal/hass/transport"
	xglog "github.com/ManuGH/piresence/internal/log"
	"github.com/ManuGH/piresence/internal/metrics"
)

const (
	defaultAuthTimeout            = 10 * time.Second
	defaultKeepaliveInterval      = 30 * time.Second
	defaultKeepaliveTimeout       = 10 * time.Second
	defaultInitialBackoff         = time.Second
	defaultMaxBackoff             = 30 * time.Second
	defaultProtocolErrorThreshold = 10
)

var errPongTimeout = errors.New("no pong within keepalive timeout")

// EventSink receives every event pushed by the hub. Dispatch runs on the
// client read loop, in arrival order.
type EventSink interface {
	Dispatch(ev Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ev Event)

// Dispatch implements EventSink.
func (f EventSinkFunc) Dispatch(ev Event) { f(ev) }

// Options configures a Client.
type Options struct {
	URL   string
	Token string
	// EventTypes are subscribed on every new connection. An empty string subscribes to all events.
	EventTypes []string

	Sink   EventSink
	Dialer transport.Dialer

	AuthTimeout       time.Duration
	KeepaliveInterval time.Duration // negative disables keepalive
	KeepaliveTimeout  time.Duration
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	// ProtocolErrorThreshold consecutive protocol errors tear the connection down. Negative disables.
	ProtocolErrorThreshold int

	Logger *zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = defaultAuthTimeout
	}
	if o.KeepaliveInterval == 0 {
		o.KeepaliveInterval = defaultKeepaliveInterval
	}
	if o.KeepaliveTimeout <= 0 {
		o.KeepaliveTimeout = defaultKeepaliveTimeout
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = defaultInitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = defaultMaxBackoff
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = o.InitialBackoff
	}
	if o.ProtocolErrorThreshold == 0 {
		o.ProtocolErrorThreshold = defaultProtocolErrorThreshold
	}
	if o.Dialer == nil {
		o.Dialer = transport.NewDialer(transport.Options{})
	}
	if o.Sink == nil {
		o.Sink = EventSinkFunc(func(Event) {})
	}
	return o
}

// session is one authenticated connection. It is discarded wholesale on reconnect.
type session struct {
	id       string
	conn     transport.Conn
	pending  *pendingTable
	activity atomic.Int64

	mu            sync.Mutex
	subscriptions []uint64
}

func newSession(id string, conn transport.Conn) *session {
	s := &session{id: id, conn: conn, pending: newPendingTable()}
	s.touch()
	return s
}

func (s *session) touch() {
	s.activity.Store(time.Now().UnixNano())
}

// Client is a long-lived Home Assistant WebSocket client. Run owns the
// connection loop; Call and CallService may be used concurrently from any
// goroutine while the client is Ready.
type Client struct {
	opts   Options
	logger zerolog.Logger

	running atomic.Bool

	mu        sync.RWMutex
	state     State
	sess      *session
	haVersion string
	listeners []StateListener

	rndMu sync.Mutex
	rnd   *rand.Rand
}

// NewClient creates a client. Nothing is dialed until Run.
func NewClient(opts Options) *Client {
	opts = opts.withDefaults()
	logger := xglog.WithComponent("hass")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	c := &Client{
		opts:   opts,
		logger: logger.With().Str(xglog.FieldURL, opts.URL).Logger(),
		state:  StateDisconnected,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- jitter only
	}
	metrics.SetHubConnectionState(c.state.String())
	return c
}

// WithStateListener registers l for state changes and returns c.
func (c *Client) WithStateListener(l StateListener) *Client {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
	return c
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SessionID returns the id of the current connection, or "" when not Ready.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.id
}

// HAVersion returns the hub version announced by the last auth_required greeting.
func (c *Client) HAVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.haVersion
}

// LastActivity returns the time of the last frame received on the current connection.
func (c *Client) LastActivity() time.Time {
	c.mu.RLock()
	s := c.sess
	c.mu.RUnlock()
	if s == nil {
		return time.Time{}
	}
	return time.Unix(0, s.activity.Load())
}

// Subscriptions returns the subscription ids active on the current connection.
func (c *Client) Subscriptions() []uint64 {
	c.mu.RLock()
	s := c.sess
	c.mu.RUnlock()
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.subscriptions...)
}

func (c *Client) currentSession() (*session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state == StateClosed {
		return nil, ErrClosed
	}
	if c.sess == nil || c.state != StateReady {
		return nil, ErrNotReady
	}
	return c.sess, nil
}

// Call sends a command and waits for its response. The id field of cmd is
// assigned by the client.
func (c *Client) Call(ctx context.Context, cmd Message) (json.RawMessage, error) {
	sess, err := c.currentSession()
	if err != nil {
		return nil, err
	}
	_, result, err := c.call(ctx, sess, cmd)
	return result, err
}

// CallService invokes domain.service with data on the hub.
func (c *Client) CallService(ctx context.Context, domain, service string, data any) (json.RawMessage, error) {
	cmd, err := CallService(domain, service, data)
	if err != nil {
		return nil, err
	}
	return c.Call(ctx, cmd)
}

// Unsubscribe cancels a subscription made on the current connection.
func (c *Client) Unsubscribe(ctx context.Context, subscription uint64) error {
	sess, err := c.currentSession()
	if err != nil {
		return err
	}
	if _, _, err := c.call(ctx, sess, UnsubscribeEvents(subscription)); err != nil {
		return err
	}
	sess.mu.Lock()
	for i, id := range sess.subscriptions {
		if id == subscription {
			sess.subscriptions = append(sess.subscriptions[:i], sess.subscriptions[i+1:]...)
			break
		}
	}
	sess.mu.Unlock()
	return nil
}

func (c *Client) call(ctx context.Context, sess *session, cmd Message) (uint64, json.RawMessage, error) {
	id, ch, err := sess.pending.register()
	if err != nil {
		return 0, nil, err
	}
	cmd.ID = id
	frame, err := Encode(cmd)
	if err != nil {
		sess.pending.cancel(id)
		return id, nil, fmt.Errorf("encode %s: %w", cmd.Type, err)
	}

	start := time.Now()
	cmdType := string(cmd.Type)
	if err := sess.conn.Send(ctx, frame); err != nil {
		sess.pending.cancel(id)
		metrics.ObserveCommand(cmdType, "send_error", time.Since(start))
		return id, nil, fmt.Errorf("%w: %w", ErrConnectionLost, &TransportError{Op: "write", Err: err})
	}

	select {
	case resp := <-ch:
		if resp.err != nil {
			metrics.ObserveCommand(cmdType, "connection_lost", time.Since(start))
			return id, nil, resp.err
		}
		if resp.msg.Success != nil && !*resp.msg.Success {
			metrics.ObserveCommand(cmdType, "error", time.Since(start))
			cerr := &CommandError{ID: id, Code: "unknown_error"}
			if resp.msg.Error != nil {
				cerr.Code = resp.msg.Error.Code
				cerr.Message = resp.msg.Error.Message
			}
			return id, nil, cerr
		}
		metrics.ObserveCommand(cmdType, "success", time.Since(start))
		return id, resp.msg.Result, nil
	case <-ctx.Done():
		sess.pending.cancel(id)
		metrics.ObserveCommand(cmdType, "canceled", time.Since(start))
		return id, nil, ctx.Err()
	}
}

// Run connects, authenticates and serves the connection until ctx is
// cancelled, reconnecting with exponential backoff after every failure. It
// returns nil on cancellation and an *AuthError when the hub rejects the token.
func (c *Client) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("hass: client already running")
	}
	if c.State() == StateClosed {
		return ErrClosed
	}

	attempt := 0
	for {
		if ctx.Err() != nil {
			c.setState(StateClosed)
			return nil
		}

		c.setState(StateConnecting)
		reachedReady, err := c.runSession(ctx)
		if ctx.Err() != nil {
			c.setState(StateClosed)
			c.logger.Info().Str(xglog.FieldEvent, "hass.closed").Msg("client stopped")
			return nil
		}
		if IsFatal(err) {
			c.setState(StateClosed)
			c.logger.Error().Err(err).Str(xglog.FieldEvent, "hass.auth_invalid").Msg("authentication rejected; not reconnecting")
			return err
		}

		c.setState(StateDisconnected)
		if reachedReady {
			attempt = 0
		}
		wait := c.backoffFor(attempt)
		attempt++
		metrics.HubReconnectsTotal.Inc()
		c.logger.Warn().
			Err(err).
			Str(xglog.FieldEvent, "hass.reconnect_scheduled").
			Int(xglog.FieldAttempt, attempt).
			Dur(xglog.FieldBackoff, wait).
			Msg("connection lost; reconnecting")

		if err := sleepWithContext(ctx, wait); err != nil {
			c.setState(StateClosed)
			return nil
		}
	}
}

// runSession serves one connection from dial to teardown.
func (c *Client) runSession(ctx context.Context) (bool, error) {
	sessionID := uuid.NewString()
	ctx = xglog.ContextWithSessionID(ctx, sessionID)
	logger := xglog.WithContext(ctx, c.logger)

	conn, err := c.opts.Dialer.Dial(ctx, c.opts.URL)
	if err != nil {
		return false, &TransportError{Op: "dial", Err: err}
	}
	sess := newSession(sessionID, conn)
	defer func() {
		c.mu.Lock()
		c.sess = nil
		c.mu.Unlock()
		_ = conn.Close()
		if n := sess.pending.failAll(ErrConnectionLost); n > 0 {
			logger.Debug().Str(xglog.FieldEvent, "hass.pending_failed").Int("count", n).Msg("failed pending commands")
		}
	}()

	c.setState(StateAuthPending)
	if err := c.authenticate(ctx, sess, logger); err != nil {
		return false, err
	}

	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()
	c.setState(StateReady)
	logger.Info().Str(xglog.FieldEvent, "hass.connected").Str("ha_version", c.HAVersion()).Msg("connected to hub")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx, sess, logger) })
	g.Go(func() error { return c.subscribeAll(gctx, sess, logger) })
	if c.opts.KeepaliveInterval > 0 {
		g.Go(func() error { return c.keepalive(gctx, sess) })
	}
	return true, g.Wait()
}

func (c *Client) authenticate(ctx context.Context, sess *session, logger zerolog.Logger) error {
	authCtx, cancel := context.WithTimeout(ctx, c.opts.AuthTimeout)
	defer cancel()

	msg, err := c.nextMessage(authCtx, sess)
	if err != nil {
		return err
	}
	if msg.Type != TypeAuthRequired {
		return &ProtocolError{Reason: "unexpected_greeting", Err: fmt.Errorf("got %q", msg.Type)}
	}
	c.mu.Lock()
	c.haVersion = msg.HAVersion
	c.mu.Unlock()

	frame, err := Encode(Message{Type: TypeAuth, AccessToken: c.opts.Token})
	if err != nil {
		return err
	}
	if err := sess.conn.Send(authCtx, frame); err != nil {
		return &TransportError{Op: "write", Err: err}
	}

	msg, err = c.nextMessage(authCtx, sess)
	if err != nil {
		return err
	}
	switch msg.Type {
	case TypeAuthOK:
		logger.Debug().Str(xglog.FieldEvent, "hass.auth_ok").Msg("authenticated")
		return nil
	case TypeAuthInvalid:
		return &AuthError{Message: msg.Message}
	default:
		return &ProtocolError{Reason: "unexpected_auth_reply", Err: fmt.Errorf("got %q", msg.Type)}
	}
}

func (c *Client) nextMessage(ctx context.Context, sess *session) (Message, error) {
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Message{}, &TransportError{Op: "auth", Err: ctx.Err()}
		}
		return Message{}, ctx.Err()
	case frame, ok := <-sess.conn.Frames():
		if !ok {
			return Message{}, &TransportError{Op: "read", Err: connErr(sess.conn)}
		}
		sess.touch()
		return Decode(frame)
	}
}

func (c *Client) readLoop(ctx context.Context, sess *session, logger zerolog.Logger) error {
	consecutive := 0
	frames := sess.conn.Frames()
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				return &TransportError{Op: "read", Err: connErr(sess.conn)}
			}
			sess.touch()
			if err := c.handleFrame(sess, frame, logger); err != nil {
				consecutive++
				reason := "unknown"
				var perr *ProtocolError
				if errors.As(err, &perr) {
					reason = perr.Reason
				}
				metrics.IncProtocolError(reason)
				logger.Warn().Err(err).Str(xglog.FieldEvent, "hass.protocol_error").Int("consecutive", consecutive).Msg("dropped hub message")
				if c.opts.ProtocolErrorThreshold > 0 && consecutive >= c.opts.ProtocolErrorThreshold {
					return &ProtocolError{Reason: "threshold_exceeded", Err: err}
				}
				continue
			}
			consecutive = 0
		}
	}
}

func (c *Client) handleFrame(sess *session, frame []byte, logger zerolog.Logger) error {
	msg, err := Decode(frame)
	if err != nil {
		return err
	}
	if msg.IsResponse() {
		if !sess.pending.complete(msg) {
			logger.Debug().Str(xglog.FieldEvent, "hass.unknown_response").Uint64(xglog.FieldCommandID, msg.ID).Msg("response for unknown command dropped")
		}
		return nil
	}
	switch msg.Type {
	case TypeEvent:
		ev, ok := msg.ToEvent()
		if !ok {
			return &ProtocolError{Reason: "event_without_body"}
		}
		metrics.HubEventsTotal.Inc()
		c.opts.Sink.Dispatch(ev)
		return nil
	case TypeResult, TypePong:
		return &ProtocolError{Reason: "response_without_id"}
	default:
		return &ProtocolError{Reason: "unexpected_type", Err: fmt.Errorf("type %q", msg.Type)}
	}
}

func (c *Client) subscribeAll(ctx context.Context, sess *session, logger zerolog.Logger) error {
	for _, eventType := range c.opts.EventTypes {
		id, _, err := c.call(ctx, sess, SubscribeEvents(eventType))
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrConnectionLost) {
				return nil
			}
			logger.Error().Err(err).Str(xglog.FieldEvent, "hass.subscribe_failed").Str(xglog.FieldEventType, eventType).Msg("subscription rejected")
			continue
		}
		sess.mu.Lock()
		sess.subscriptions = append(sess.subscriptions, id)
		sess.mu.Unlock()
		logger.Info().Str(xglog.FieldEvent, "hass.subscribed").Str(xglog.FieldEventType, eventType).Uint64("subscription", id).Msg("subscribed to events")
	}
	return nil
}

func (c *Client) keepalive(ctx context.Context, sess *session) error {
	ticker := time.NewTicker(c.opts.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.opts.KeepaliveTimeout)
			_, _, err := c.call(pingCtx, sess, Ping())
			cancel()
			if err == nil {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, ErrConnectionLost) {
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return &TransportError{Op: "keepalive", Err: errPongTimeout}
			}
			return &TransportError{Op: "keepalive", Err: err}
		}
	}
}

func (c *Client) setState(to State) {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return
	}
	if !CanTransition(from, to) {
		c.logger.Error().
			Str(xglog.FieldEvent, "hass.illegal_transition").
			Str(xglog.FieldOldState, from.String()).
			Str(xglog.FieldNewState, to.String()).
			Msg("illegal connection state transition")
	}
	c.state = to
	listeners := append([]StateListener(nil), c.listeners...)
	c.mu.Unlock()

	metrics.SetHubConnectionState(to.String())
	c.logger.Debug().
		Str(xglog.FieldEvent, "hass.state").
		Str(xglog.FieldOldState, from.String()).
		Str(xglog.FieldNewState, to.String()).
		Msg("connection state changed")
	for _, l := range listeners {
		l(from, to)
	}
}

// backoffFor returns the reconnect delay for attempt (0-based): initial
// doubled per attempt, capped, with +/-20% jitter.
func (c *Client) backoffFor(attempt int) time.Duration {
	wait := c.opts.MaxBackoff
	if attempt < 32 {
		if d := c.opts.InitialBackoff * time.Duration(1<<attempt); d > 0 && d < wait {
			wait = d
		}
	}
	spread := int64(wait / 5)
	if spread <= 0 {
		return wait
	}
	c.rndMu.Lock()
	delta := c.rnd.Int63n(2*spread+1) - spread
	c.rndMu.Unlock()
	return wait + time.Duration(delta)
}

func connErr(conn transport.Conn) error {
	if err := conn.Err(); err != nil {
		return err
	}
	return io.EOF
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
