// Copyright 2025 James Ross
package outbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyingrobots/go-pg-outbox/internal/outbox"
	"github.com/flyingrobots/go-pg-outbox/internal/outbox/memdriver"
)

func newRegistry(t *testing.T, configs ...outbox.EventConfig) *outbox.ConfigRegistry {
	t.Helper()
	if len(configs) == 0 {
		configs = []outbox.EventConfig{{
			Name:                   "OrderCreated",
			ExpiresAtTTLMs:         60_000,
			ReadyToRetryAfterTTLMs: 5_000,
			MaxExecutionTimeTTLMs:  30_000,
			MaxRetries:             3,
		}}
	}
	reg, err := outbox.NewConfigRegistry(configs...)
	require.NoError(t, err)
	return reg
}

// S1 — Atomic commit.
func TestEmitAtomicCommitInvokesListener(t *testing.T) {
	driver := memdriver.New(func() int64 { return 1000 })
	registry := newRegistry(t)
	listeners := outbox.NewListenerRegistry()

	var calls int32
	require.NoError(t, listeners.Add("OrderCreated", outbox.ListenerFunc{
		FuncName: "L",
		Fn: func(ctx context.Context, payload json.RawMessage, eventName string) error {
			atomic.AddInt32(&calls, 1)
			return nil
		},
	}))

	emitter := outbox.NewEmitter(driver, registry, listeners, nil, nil, nil)
	event, err := outbox.NewEvent("OrderCreated", map[string]int{"orderId": 1})
	require.NoError(t, err)

	record, err := emitter.EmitAwaiting(context.Background(), event, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, record)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 0, driver.Len(), "record should be fully delivered and therefore deleted")
}

type explodingEntity struct{}

// S2 — Rollback: a staged business entity that fails to persist must roll
// back the outbox row too, since both are staged on the same UnitOfWork.
func TestEmitRollbackOnCommitFailure(t *testing.T) {
	driver := memdriver.New(nil)
	registry := newRegistry(t)
	listeners := outbox.NewListenerRegistry()
	emitter := outbox.NewEmitter(driver, registry, listeners, nil, nil, nil)

	uow := failingUnitOfWork{err: errors.New("disk full")}
	event, err := outbox.NewEvent("OrderCreated", map[string]int{"orderId": 1})
	require.NoError(t, err)

	_, err = emitter.Emit(context.Background(), event, []outbox.EntityOp{outbox.PersistOp(explodingEntity{})}, uow)

	var commitErr *outbox.DriverCommitError
	require.ErrorAs(t, err, &commitErr)
	assert.Equal(t, 0, driver.Len(), "no outbox row should exist after a failed commit")
}

type failingUnitOfWork struct {
	err error
}

func (failingUnitOfWork) StagePersist(entity any) {}
func (failingUnitOfWork) StageRemove(entity any)  {}
func (u failingUnitOfWork) Commit(ctx context.Context) error {
	return u.err
}

func TestEmitUnknownEventPropagatesError(t *testing.T) {
	driver := memdriver.New(nil)
	registry := newRegistry(t)
	listeners := outbox.NewListenerRegistry()
	emitter := outbox.NewEmitter(driver, registry, listeners, nil, nil, nil)

	event := outbox.Event{Name: "Unconfigured"}
	_, err := emitter.Emit(context.Background(), event, nil, nil)
	assert.ErrorIs(t, err, outbox.ErrUnknownEvent)
	assert.Equal(t, 0, driver.Len())
}
