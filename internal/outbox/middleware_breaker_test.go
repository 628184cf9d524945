// Copyright 2025 James Ross
package outbox_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyingrobots/go-pg-outbox/internal/outbox"
)

func TestBreakerMiddlewarePassesThroughWhileClosed(t *testing.T) {
	m := outbox.NewBreakerMiddleware(time.Minute, time.Minute, 0.5, 2)
	ec := outbox.EventContext{ListenerName: "l1"}

	called := false
	err := m.WrapExecution(context.Background(), ec, func(ctx context.Context) error {
		called = true
		return nil
	})

	require.NoError(t, err)
	assert.True(t, called)
}

func TestBreakerMiddlewareOpensAfterRepeatedFailures(t *testing.T) {
	m := outbox.NewBreakerMiddleware(time.Minute, time.Minute, 0.5, 2)
	ec := outbox.EventContext{ListenerName: "l2"}
	failing := func(ctx context.Context) error { return errors.New("down") }

	// Drive the breaker past minSamples with an all-failure window.
	for i := 0; i < 5; i++ {
		_ = m.WrapExecution(context.Background(), ec, failing)
	}

	called := false
	err := m.WrapExecution(context.Background(), ec, func(ctx context.Context) error {
		called = true
		return nil
	})

	require.Error(t, err)
	assert.False(t, called, "circuit should short-circuit without invoking the listener")
	assert.Contains(t, err.Error(), "circuit open")
}

func TestBreakerMiddlewareTracksListenersIndependently(t *testing.T) {
	m := outbox.NewBreakerMiddleware(time.Minute, time.Minute, 0.5, 2)
	failing := func(ctx context.Context) error { return errors.New("down") }

	ecA := outbox.EventContext{ListenerName: "a"}
	for i := 0; i < 5; i++ {
		_ = m.WrapExecution(context.Background(), ecA, failing)
	}

	ecB := outbox.EventContext{ListenerName: "b"}
	called := false
	err := m.WrapExecution(context.Background(), ecB, func(ctx context.Context) error {
		called = true
		return nil
	})

	require.NoError(t, err)
	assert.True(t, called, "a separate listener's breaker must not be affected by another listener's failures")
}
