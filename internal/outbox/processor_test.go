// Copyright 2025 James Ross
package outbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyingrobots/go-pg-outbox/internal/outbox"
	"github.com/flyingrobots/go-pg-outbox/internal/outbox/memdriver"
)

func baseRecord(driver *memdriver.Driver) *outbox.Record {
	rec := driver.CreateRecord("OrderCreated", []byte(`{"orderId":1}`), 60_000, 0)
	uow := driver.NewUnitOfWork()
	uow.StagePersist(rec)
	_ = uow.Commit(context.Background())
	return rec
}

func TestProcessorDeletesRecordWhenAllListenersSucceed(t *testing.T) {
	driver := memdriver.New(func() int64 { return 0 })
	rec := baseRecord(driver)
	cfg := outbox.EventConfig{MaxExecutionTimeTTLMs: 1000}

	processor := outbox.NewProcessor(driver, nil, nil, nil)
	listener := outbox.ListenerFunc{FuncName: "L", Fn: func(ctx context.Context, payload json.RawMessage, eventName string) error {
		return nil
	}}

	err := processor.Process(context.Background(), cfg, rec, []outbox.Listener{listener})
	require.NoError(t, err)
	assert.Equal(t, 0, driver.Len())
}

func TestProcessorPersistsRecordOnPartialFailure(t *testing.T) {
	driver := memdriver.New(func() int64 { return 0 })
	rec := baseRecord(driver)
	cfg := outbox.EventConfig{MaxExecutionTimeTTLMs: 1000}

	processor := outbox.NewProcessor(driver, nil, nil, nil)
	ok := outbox.ListenerFunc{FuncName: "ok", Fn: func(ctx context.Context, payload json.RawMessage, eventName string) error {
		return nil
	}}
	fails := outbox.ListenerFunc{FuncName: "fails", Fn: func(ctx context.Context, payload json.RawMessage, eventName string) error {
		return errors.New("smtp down")
	}}

	err := processor.Process(context.Background(), cfg, rec, []outbox.Listener{ok, fails})
	require.NoError(t, err, "Process itself only fails if the commit fails")
	assert.Equal(t, 1, driver.Len())

	pending, err := driver.FindPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].HasDelivered("ok"))
	assert.False(t, pending[0].HasDelivered("fails"))
}

func TestProcessorTimesOutSlowListener(t *testing.T) {
	driver := memdriver.New(func() int64 { return 0 })
	rec := baseRecord(driver)
	cfg := outbox.EventConfig{MaxExecutionTimeTTLMs: 20}

	var observedErr error
	onError := captureErrorMiddleware{capture: &observedErr}
	pipeline := outbox.NewPipeline(onError)
	processor := outbox.NewProcessor(driver, pipeline, nil, nil)

	slow := outbox.ListenerFunc{FuncName: "slow", Fn: func(ctx context.Context, payload json.RawMessage, eventName string) error {
		select {
		case <-time.After(2 * time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}

	err := processor.Process(context.Background(), cfg, rec, []outbox.Listener{slow})
	require.NoError(t, err)

	var timeoutErr *outbox.TimeoutError
	require.ErrorAs(t, observedErr, &timeoutErr)
	assert.Equal(t, "slow", timeoutErr.ListenerName)

	pending, err := driver.FindPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.False(t, pending[0].HasDelivered("slow"), "a timed-out listener must not be marked delivered")
}

type captureErrorMiddleware struct {
	capture *error
}

func (m captureErrorMiddleware) OnError(ctx context.Context, ec outbox.EventContext, err error) {
	*m.capture = err
}
