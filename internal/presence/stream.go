// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package presence

import (
	"sync"
	"sync/atomic"

	"github.com/ManuGH/piresence/internal/metrics"
)

const defaultConsumerBuffer = 32

// Stream fans occupancy transitions out to any number of consumers. A full
// consumer queue drops the transition for that consumer only.
type Stream struct {
	mu        sync.RWMutex
	consumers map[*Consumer]struct{}
	closed    bool
}

var _ TransitionSink = (*Stream)(nil)

// NewStream creates an empty stream.
func NewStream() *Stream {
	return &Stream{consumers: make(map[*Consumer]struct{})}
}

// Consumer is one subscriber of a Stream.
type Consumer struct {
	name    string
	ch      chan OccupancyTransition
	stream  *Stream
	dropped atomic.Uint64
	once    sync.Once
}

// C returns the receive side of the consumer queue.
func (c *Consumer) C() <-chan OccupancyTransition { return c.ch }

// Dropped returns the number of transitions lost for this consumer.
func (c *Consumer) Dropped() uint64 { return c.dropped.Load() }

// Close unsubscribes the consumer and closes its channel.
func (c *Consumer) Close() {
	c.stream.mu.Lock()
	delete(c.stream.consumers, c)
	c.stream.mu.Unlock()
	c.once.Do(func() { close(c.ch) })
}

// Subscribe adds a consumer with the given queue size.
func (s *Stream) Subscribe(name string, buffer int) *Consumer {
	if buffer <= 0 {
		buffer = defaultConsumerBuffer
	}
	c := &Consumer{name: name, ch: make(chan OccupancyTransition, buffer), stream: s}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		c.once.Do(func() { close(c.ch) })
		return c
	}
	s.consumers[c] = struct{}{}
	return c
}

// HandleTransition implements TransitionSink without blocking.
func (s *Stream) HandleTransition(t OccupancyTransition) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.consumers {
		select {
		case c.ch <- t:
		default:
			c.dropped.Add(1)
			metrics.StreamDroppedTotal.WithLabelValues(c.name).Inc()
		}
	}
}

// Close closes every consumer.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for c := range s.consumers {
		c.once.Do(func() { close(c.ch) })
	}
	s.consumers = map[*Consumer]struct{}{}
}
