// Copyright 2025 James Ross
package outbox_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyingrobots/go-pg-outbox/internal/outbox"
)

func TestTracingMiddlewareWrapsSuccessfulExecution(t *testing.T) {
	m := outbox.NewTracingMiddleware()
	ec := outbox.EventContext{EventName: "e1", ListenerName: "l1", EventID: 7}

	called := false
	err := m.WrapExecution(context.Background(), ec, func(ctx context.Context) error {
		called = true
		return nil
	})

	require.NoError(t, err)
	assert.True(t, called)
}

func TestTracingMiddlewarePropagatesListenerError(t *testing.T) {
	m := outbox.NewTracingMiddleware()
	ec := outbox.EventContext{EventName: "e2", ListenerName: "l2"}
	wantErr := errors.New("listener exploded")

	err := m.WrapExecution(context.Background(), ec, func(ctx context.Context) error {
		return wantErr
	})

	assert.ErrorIs(t, err, wantErr)
}
