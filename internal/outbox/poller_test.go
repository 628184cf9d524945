// Copyright 2025 James Ross
package outbox_test

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyingrobots/go-pg-outbox/internal/outbox"
	"github.com/flyingrobots/go-pg-outbox/internal/outbox/memdriver"
)

func TestPollerClaimsAndDispatchesDueRecords(t *testing.T) {
	var now int64
	driver := memdriver.New(func() int64 { return atomic.LoadInt64(&now) })

	registry := newRegistry(t, outbox.EventConfig{
		Name:                   "OrderCreated",
		ExpiresAtTTLMs:         60_000,
		ReadyToRetryAfterTTLMs: 1_000,
		MaxExecutionTimeTTLMs:  1_000,
		MaxRetries:             3,
	})
	listeners := outbox.NewListenerRegistry()

	var calls int32
	require.NoError(t, listeners.Add("OrderCreated", outbox.ListenerFunc{
		FuncName: "L",
		Fn: func(ctx context.Context, payload json.RawMessage, eventName string) error {
			atomic.AddInt32(&calls, 1)
			return nil
		},
	}))

	rec := driver.CreateRecord("OrderCreated", []byte(`{}`), 60_000, 0)
	uow := driver.NewUnitOfWork()
	uow.StagePersist(rec)
	require.NoError(t, uow.Commit(context.Background()))

	poller := outbox.NewPoller(driver, registry, listeners, nil, nil, outbox.PollerConfig{
		PollInterval:     10 * time.Millisecond,
		MaxEventsPerTick: 10,
	}, nil, nil)

	require.NoError(t, poller.Start(context.Background()))
	t.Cleanup(func() { _ = poller.Shutdown(context.Background()) })

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return driver.Len() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestPollerStartTwiceFails(t *testing.T) {
	driver := memdriver.New(nil)
	registry := newRegistry(t)
	listeners := outbox.NewListenerRegistry()
	poller := outbox.NewPoller(driver, registry, listeners, nil, nil, outbox.PollerConfig{}, nil, nil)

	require.NoError(t, poller.Start(context.Background()))
	defer func() { _ = poller.Shutdown(context.Background()) }()

	err := poller.Start(context.Background())
	assert.ErrorIs(t, err, outbox.ErrPollerAlreadyRunning)
}

func TestPollerShutdownWithoutStartFails(t *testing.T) {
	driver := memdriver.New(nil)
	registry := newRegistry(t)
	listeners := outbox.NewListenerRegistry()
	poller := outbox.NewPoller(driver, registry, listeners, nil, nil, outbox.PollerConfig{}, nil, nil)

	err := poller.Shutdown(context.Background())
	assert.ErrorIs(t, err, outbox.ErrPollerNotRunning)
}

// S6 — Concurrent claim isolation: two pollers sharing the same driver must
// never both dispatch the same record (memdriver serializes ClaimDueBatch
// behind a mutex, mirroring what FOR UPDATE SKIP LOCKED guarantees in
// Postgres).
func TestPollerConcurrentClaimNeverDuplicatesDispatch(t *testing.T) {
	driver := memdriver.New(func() int64 { return 0 })
	registry := newRegistry(t, outbox.EventConfig{
		Name:                   "OrderCreated",
		ExpiresAtTTLMs:         60_000,
		ReadyToRetryAfterTTLMs: 1_000,
		MaxExecutionTimeTTLMs:  1_000,
		MaxRetries:             3,
	})
	listeners := outbox.NewListenerRegistry()

	var calls int32
	require.NoError(t, listeners.Add("OrderCreated", outbox.ListenerFunc{
		FuncName: "L",
		Fn: func(ctx context.Context, payload json.RawMessage, eventName string) error {
			atomic.AddInt32(&calls, 1)
			return nil
		},
	}))

	rec := driver.CreateRecord("OrderCreated", []byte(`{}`), 60_000, 0)
	uow := driver.NewUnitOfWork()
	uow.StagePersist(rec)
	require.NoError(t, uow.Commit(context.Background()))

	pollerA := outbox.NewPoller(driver, registry, listeners, nil, nil, outbox.PollerConfig{PollInterval: 5 * time.Millisecond, MaxEventsPerTick: 10}, nil, nil)
	pollerB := outbox.NewPoller(driver, registry, listeners, nil, nil, outbox.PollerConfig{PollInterval: 5 * time.Millisecond, MaxEventsPerTick: 10}, nil, nil)

	require.NoError(t, pollerA.Start(context.Background()))
	require.NoError(t, pollerB.Start(context.Background()))
	t.Cleanup(func() {
		_ = pollerA.Shutdown(context.Background())
		_ = pollerB.Shutdown(context.Background())
	})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) >= 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "exactly one poller must have dispatched the record")
}
