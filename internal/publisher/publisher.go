// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package publisher writes room occupancy back to the hub as call_service
// commands. Transitions are queued without blocking the presence engine and
// delivered by a single worker, so per-room order is preserved.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/ManuGH/piresence/internal/hass"
	"github.com/ManuGH/piresence/internal/log"
	"github.com/ManuGH/piresence/internal/metrics"
	"github.com/ManuGH/piresence/internal/presence"
	"github.com/ManuGH/piresence/internal/resilience"
	"github.com/ManuGH/piresence/internal/telemetry"
)

const (
	DefaultDomain        = "presence"
	DefaultService       = "set_state"
	DefaultEntityPattern = "presence.{room}"

	defaultQueueSize        = 64
	defaultAttempts         = 3
	defaultBackoff          = 200 * time.Millisecond
	defaultMaxBackoff       = 2 * time.Second
	defaultRateLimit        = 10
	defaultRateLimitBurst   = 20
	defaultBreakerThreshold = 5
	defaultBreakerReset     = 30 * time.Second
	defaultCallTimeout      = 5 * time.Second
)

// Reasons attached to published updates and lost-update metrics.
const (
	ReasonReconcile = "reconcile"

	lostQueueFull   = "queue_full"
	lostCircuitOpen = "circuit_open"
	lostRejected    = "rejected"
	lostExhausted   = "retries_exhausted"
)

var (
	// ErrQueueFull is returned by PublishState when the outbound queue is full.
	ErrQueueFull = errors.New("publisher: queue full")
	// ErrCallTimeout reports a hub that did not answer within CallTimeout.
	ErrCallTimeout = errors.New("publisher: hub call timed out")
)

// PublishError reports an update that was given up on.
type PublishError struct {
	Room     string
	Attempts int
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publisher: room %s not published after %d attempt(s): %v", e.Room, e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// Caller issues call_service commands. *hass.Client satisfies it.
type Caller interface {
	CallService(ctx context.Context, domain, service string, data any) (json.RawMessage, error)
}

// StateValues maps occupancy to the state string written to the hub.
type StateValues struct {
	Occupied  string
	Uncertain string
	Vacant    string
}

// DefaultStateValues returns on / uncertain / off.
func DefaultStateValues() StateValues {
	return StateValues{Occupied: "on", Uncertain: "uncertain", Vacant: "off"}
}

func (v StateValues) value(o presence.Occupancy) string {
	switch o {
	case presence.Occupied:
		return v.Occupied
	case presence.Uncertain:
		return v.Uncertain
	default:
		return v.Vacant
	}
}

// Config controls where and how updates are published.
type Config struct {
	Domain        string
	Service       string
	EntityPattern string
	// Entities overrides the entity for individual rooms.
	Entities map[string]string
	States   StateValues

	QueueSize  int
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
	// CallTimeout bounds each call_service attempt.
	CallTimeout time.Duration

	RateLimit      rate.Limit
	RateLimitBurst int

	BreakerThreshold int
	BreakerReset     time.Duration

	Logger *zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.Domain == "" {
		c.Domain = DefaultDomain
	}
	if c.Service == "" {
		c.Service = DefaultService
	}
	if c.EntityPattern == "" {
		c.EntityPattern = DefaultEntityPattern
	}
	def := DefaultStateValues()
	if c.States.Occupied == "" {
		c.States.Occupied = def.Occupied
	}
	if c.States.Uncertain == "" {
		c.States.Uncertain = def.Uncertain
	}
	if c.States.Vacant == "" {
		c.States.Vacant = def.Vacant
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.Attempts <= 0 {
		c.Attempts = defaultAttempts
	}
	if c.Backoff <= 0 {
		c.Backoff = defaultBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaultCallTimeout
	}
	if c.RateLimit <= 0 {
		c.RateLimit = defaultRateLimit
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = defaultRateLimitBurst
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = defaultBreakerThreshold
	}
	if c.BreakerReset <= 0 {
		c.BreakerReset = defaultBreakerReset
	}
	return c
}

// Request is one queued occupancy update.
type Request struct {
	Room      string
	State     presence.Occupancy
	ChangedAt time.Time
	Reason    string
}

// ServiceData is the payload of the call_service command.
type ServiceData struct {
	EntityID   string     `json:"entity_id"`
	State      string     `json:"state"`
	Attributes Attributes `json:"attributes"`
}

// Attributes are the entity attributes written with every update.
type Attributes struct {
	Occupancy string    `json:"occupancy"`
	ChangedAt time.Time `json:"changed_at"`
	Reason    string    `json:"reason"`
}

// Publisher queues occupancy updates and delivers them to the hub.
type Publisher struct {
	caller  Caller
	cfg     Config
	queue   chan Request
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	tracer  trace.Tracer
	logger  zerolog.Logger

	rndMu sync.Mutex
	rnd   *rand.Rand
	now   func() time.Time
}

// New creates a publisher. Run must be started for updates to be delivered.
func New(caller Caller, cfg Config) *Publisher {
	cfg = cfg.withDefaults()
	logger := log.WithComponent("publisher")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Publisher{
		caller:  caller,
		cfg:     cfg,
		queue:   make(chan Request, cfg.QueueSize),
		limiter: rate.NewLimiter(cfg.RateLimit, cfg.RateLimitBurst),
		breaker: resilience.NewCircuitBreaker("publisher", cfg.BreakerThreshold, cfg.BreakerReset,
			resilience.WithFailureClassifier(countsAgainstBreaker)),
		tracer: telemetry.Tracer("piresence.publisher"),
		logger: logger,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- jitter only
		now:    time.Now,
	}
}

// Breaker exposes the circuit breaker guarding hub calls.
func (p *Publisher) Breaker() *resilience.CircuitBreaker {
	return p.breaker
}

// EntityFor returns the entity id a room is published to.
func (p *Publisher) EntityFor(room string) string {
	if id, ok := p.cfg.Entities[room]; ok && id != "" {
		return id
	}
	return strings.ReplaceAll(p.cfg.EntityPattern, "{room}", room)
}

// HandleTransition implements presence.TransitionSink. It never blocks.
func (p *Publisher) HandleTransition(t presence.OccupancyTransition) {
	_ = p.enqueue(Request{Room: t.Room, State: t.To, ChangedAt: t.At, Reason: string(t.Cause)})
}

// PublishState queues an update for room outside the transition stream.
func (p *Publisher) PublishState(room string, state presence.Occupancy, reason string) error {
	return p.enqueue(Request{Room: room, State: state, ChangedAt: p.now(), Reason: reason})
}

func (p *Publisher) enqueue(req Request) error {
	select {
	case p.queue <- req:
		return nil
	default:
		metrics.IncPublishLost(req.Room, lostQueueFull)
		p.logger.Warn().
			Str(log.FieldEvent, "publisher.queue_full").
			Str(log.FieldRoom, req.Room).
			Str(log.FieldNewState, req.State.String()).
			Msg("occupancy update dropped")
		return ErrQueueFull
	}
}

// Run delivers queued updates until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-p.queue:
			if err := p.Publish(ctx, req); err != nil && ctx.Err() != nil {
				return nil
			}
		}
	}
}

// Publish delivers one update synchronously, retrying transient failures.
func (p *Publisher) Publish(ctx context.Context, req Request) error {
	data := ServiceData{
		EntityID: p.EntityFor(req.Room),
		State:    p.cfg.States.value(req.State),
		Attributes: Attributes{
			Occupancy: req.State.String(),
			ChangedAt: req.ChangedAt.UTC(),
			Reason:    req.Reason,
		},
	}

	ctx, span := p.tracer.Start(ctx, "publisher.publish", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(telemetry.ServiceCallAttributes(p.cfg.Domain, p.cfg.Service, data.EntityID)...)
	defer span.End()

	var lastErr error
	attempt := 1
	for ; attempt <= p.cfg.Attempts; attempt++ {
		err := p.attempt(ctx, req, data, attempt)
		if err == nil {
			span.SetStatus(codes.Ok, "")
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			span.RecordError(ctx.Err())
			span.SetStatus(codes.Error, ctx.Err().Error())
			return ctx.Err()
		}
		if reason, final := lostReason(err); final {
			return p.lost(span, req, attempt, err, reason)
		}
		if attempt == p.cfg.Attempts {
			break
		}

		wait := p.backoffFor(attempt - 1)
		p.logger.Debug().
			Err(err).
			Str(log.FieldEvent, "publisher.retry").
			Str(log.FieldRoom, req.Room).
			Int(log.FieldAttempt, attempt).
			Dur(log.FieldBackoff, wait).
			Msg("publish failed, retrying")
		if err := sleepWithContext(ctx, wait); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}
	return p.lost(span, req, min(attempt, p.cfg.Attempts), lastErr, lostExhausted)
}

func (p *Publisher) attempt(ctx context.Context, req Request, data ServiceData, attempt int) error {
	ctx, span := p.tracer.Start(ctx, "publisher.publish.attempt", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(telemetry.PublishAttributes(req.Room, req.State.String(), req.Reason, attempt)...)
	defer span.End()

	if err := p.limiter.Wait(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
		defer cancel()
		_, err := p.caller.CallService(callCtx, p.cfg.Domain, p.cfg.Service, data)
		if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrCallTimeout, p.cfg.CallTimeout)
		}
		return err
	})

	outcome := "success"
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		outcome = lostCircuitOpen
	case err != nil:
		outcome = "error"
	}
	metrics.PublishAttemptsTotal.WithLabelValues(req.Room, outcome).Inc()

	if err != nil {
		span.RecordError(err)
		span.SetAttributes(telemetry.ErrorAttributes(err, outcome)...)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (p *Publisher) lost(span trace.Span, req Request, attempts int, err error, reason string) error {
	metrics.IncPublishLost(req.Room, reason)
	p.logger.Warn().
		Err(err).
		Str(log.FieldEvent, "publisher.lost").
		Str(log.FieldRoom, req.Room).
		Str(log.FieldNewState, req.State.String()).
		Str("reason", reason).
		Int(log.FieldAttempt, attempts).
		Msg("occupancy update lost")
	perr := &PublishError{Room: req.Room, Attempts: attempts, Err: err}
	span.RecordError(perr)
	span.SetStatus(codes.Error, reason)
	return perr
}

// lostReason classifies errors that end the retry loop immediately.
func lostReason(err error) (string, bool) {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return lostCircuitOpen, true
	}
	var cmdErr *hass.CommandError
	if errors.As(err, &cmdErr) {
		return lostRejected, true
	}
	return "", false
}

// Only transport-level failures count against the breaker. Error results
// from the hub do not, nor do calls refused because the client is between
// sessions: those describe the connection, and the breaker is reset once it
// is back.
func countsAgainstBreaker(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, hass.ErrNotReady) || errors.Is(err, hass.ErrConnectionLost) {
		return false
	}
	var cmdErr *hass.CommandError
	return !errors.As(err, &cmdErr)
}

func (p *Publisher) backoffFor(attempt int) time.Duration {
	wait := p.cfg.MaxBackoff
	if attempt < 32 {
		if d := p.cfg.Backoff * time.Duration(1<<attempt); d > 0 && d < wait {
			wait = d
		}
	}
	p.rndMu.Lock()
	jitter := time.Duration(p.rnd.Int63n(int64(wait/5 + 1)))
	p.rndMu.Unlock()
	return wait + jitter
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
