// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package router fans hub events out to in-process consumers. Every
// subscriber owns one bounded FIFO queue; a subscriber that cannot keep up
// loses events instead of stalling the protocol client.
package router

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/piresence/internal/hass"
	"github.com/ManuGH/piresence/internal/log"
	"github.com/ManuGH/piresence/internal/metrics"
)

const (
	DefaultBuffer      = 64
	DefaultSendTimeout = 50 * time.Millisecond
)

// Filter selects events by entity id and kind. Empty sets match everything.
type Filter struct {
	EntityIDs []string
	Kinds     []string
}

type compiledFilter struct {
	entities map[string]struct{}
	kinds    map[string]struct{}
}

func compile(f Filter) compiledFilter {
	cf := compiledFilter{}
	if len(f.EntityIDs) > 0 {
		cf.entities = make(map[string]struct{}, len(f.EntityIDs))
		for _, id := range f.EntityIDs {
			cf.entities[id] = struct{}{}
		}
	}
	if len(f.Kinds) > 0 {
		cf.kinds = make(map[string]struct{}, len(f.Kinds))
		for _, k := range f.Kinds {
			cf.kinds[k] = struct{}{}
		}
	}
	return cf
}

func (f compiledFilter) match(ev hass.Event) bool {
	if f.kinds != nil {
		if _, ok := f.kinds[ev.Kind]; !ok {
			return false
		}
	}
	if f.entities != nil {
		if _, ok := f.entities[ev.EntityID]; !ok {
			return false
		}
	}
	return true
}

// Options configures a Router.
type Options struct {
	SendTimeout time.Duration
	Logger      *zerolog.Logger
}

// Router implements hass.EventSink.
type Router struct {
	sendTimeout time.Duration
	logger      zerolog.Logger

	mu     sync.RWMutex
	subs   []*Subscription
	closed bool
}

var _ hass.EventSink = (*Router)(nil)

// New creates a router.
func New(opts Options) *Router {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	logger := log.WithComponent("router")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Router{sendTimeout: opts.SendTimeout, logger: logger}
}

// Subscription is one consumer queue.
type Subscription struct {
	name    string
	filter  compiledFilter
	ch      chan hass.Event
	router  *Router
	dropped atomic.Uint64
	once    sync.Once
}

// C returns the receive side of the queue. It is closed by Close or Router.Close.
func (s *Subscription) C() <-chan hass.Event { return s.ch }

// Name returns the subscriber name.
func (s *Subscription) Name() string { return s.name }

// Dropped returns the number of events lost for this subscriber.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes.
func (s *Subscription) Close() error {
	s.router.remove(s)
	return nil
}

// Subscribe registers a consumer. buffer <= 0 selects DefaultBuffer.
func (r *Router) Subscribe(name string, filter Filter, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &Subscription{name: name, filter: compile(filter), ch: make(chan hass.Event, buffer), router: r}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		s.once.Do(func() { close(s.ch) })
		return s
	}
	r.subs = append(r.subs, s)
	return s
}

func (r *Router) remove(s *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, sub := range r.subs {
		if sub == s {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			break
		}
	}
	s.once.Do(func() { close(s.ch) })
}

// Dispatch delivers ev to every matching subscriber in registration order.
// It blocks at most SendTimeout per full queue.
func (r *Router) Dispatch(ev hass.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for _, s := range r.subs {
		if !s.filter.match(ev) {
			continue
		}
		select {
		case s.ch <- ev:
			metrics.RouterDeliveredTotal.WithLabelValues(s.name).Inc()
			continue
		default:
		}

		if timer == nil {
			timer = time.NewTimer(r.sendTimeout)
		} else {
			timer.Reset(r.sendTimeout)
		}
		select {
		case s.ch <- ev:
			metrics.RouterDeliveredTotal.WithLabelValues(s.name).Inc()
			timer.Stop()
		case <-timer.C:
			s.dropped.Add(1)
			metrics.IncRouterDrop(s.name)
			r.logger.Warn().
				Str(log.FieldEvent, "router.drop").
				Str(log.FieldSubscriber, s.name).
				Str(log.FieldEntityID, ev.EntityID).
				Str(log.FieldEventType, ev.Kind).
				Msg("subscriber queue full; event dropped")
		}
	}
}

// Close closes every subscription queue. Later dispatches are ignored.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, s := range r.subs {
		s.once.Do(func() { close(s.ch) })
	}
	r.subs = nil
}
