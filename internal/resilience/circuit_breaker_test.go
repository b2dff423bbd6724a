// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockClock struct {
	now time.Time
}

func (m *mockClock) Now() time.Time { return m.now }

var errBoom = errors.New("boom")

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestCircuitBreaker_TripsAfterThreshold(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	cb := NewCircuitBreaker("test", 3, 30*time.Second, WithClock(clock))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	}
	assert.Equal(t, StateClosed, cb.State())

	require.NoError(t, cb.Execute(ctx, succeed), "success resets the failure count")
	for i := 0; i < 2; i++ {
		_ = cb.Execute(ctx, fail)
	}
	assert.Equal(t, StateClosed, cb.State())

	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called, "open breaker short-circuits")
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	var transitions []string
	cb := NewCircuitBreaker("test", 1, 10*time.Second, WithClock(clock), WithStateChange(func(from, to State) {
		transitions = append(transitions, string(from)+">"+string(to))
	}))
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	require.Equal(t, StateOpen, cb.State())

	clock.now = clock.now.Add(11 * time.Second)
	assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom, "probe is let through")
	assert.Equal(t, StateOpen, cb.State(), "failed probe reopens")

	clock.now = clock.now.Add(11 * time.Second)
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.State())

	assert.Equal(t, []string{
		"closed>open",
		"open>half-open",
		"half-open>open",
		"open>half-open",
		"half-open>closed",
	}, transitions)
}

func TestCircuitBreaker_SingleProbe(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	cb := NewCircuitBreaker("test", 1, time.Second, WithClock(clock))
	ctx := context.Background()
	_ = cb.Execute(ctx, fail)
	clock.now = clock.now.Add(2 * time.Second)

	err := cb.Execute(ctx, func(ctx context.Context) error {
		assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitOpen, "second concurrent probe rejected")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_CancellationNotCounted(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, time.Minute)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		err := cb.Execute(ctx, func(context.Context) error { return context.Canceled })
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, StateClosed, cb.State())

	custom := NewCircuitBreaker("custom", 1, time.Minute, WithFailureClassifier(func(err error) bool {
		return !errors.Is(err, errBoom)
	}))
	_ = custom.Execute(ctx, fail)
	assert.Equal(t, StateClosed, custom.State())
	assert.Equal(t, "custom", custom.Name())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	var transitions []string
	cb := NewCircuitBreaker("test", 2, time.Hour, WithClock(clock), WithStateChange(func(from, to State) {
		transitions = append(transitions, string(from)+">"+string(to))
	}))
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	require.NoError(t, cb.Execute(ctx, succeed), "reset breaker lets calls through before resetTimeout")

	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateClosed, cb.State(), "failure count starts over after reset")

	cb.Reset()
	assert.Equal(t, []string{"closed>open", "open>closed"}, transitions, "reset of a closed breaker is silent")
}
