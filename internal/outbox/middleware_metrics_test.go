// Copyright 2025 James Ross
package outbox_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/flyingrobots/go-pg-outbox/internal/obs"
	"github.com/flyingrobots/go-pg-outbox/internal/outbox"
)

func TestMetricsMiddlewareRecordsSuccess(t *testing.T) {
	m := outbox.NewMetricsMiddleware()
	ec := outbox.EventContext{EventName: "e1", ListenerName: "l1"}

	before := testutil.ToFloat64(obs.ListenerSuccess.WithLabelValues("e1", "l1"))
	m.AfterProcess(context.Background(), ec, outbox.ListenerResult{Success: true, DurationMs: 5})
	after := testutil.ToFloat64(obs.ListenerSuccess.WithLabelValues("e1", "l1"))

	assert.Equal(t, before+1, after)
}

func TestMetricsMiddlewareRecordsTimeout(t *testing.T) {
	m := outbox.NewMetricsMiddleware()
	ec := outbox.EventContext{EventName: "e2", ListenerName: "l2"}

	before := testutil.ToFloat64(obs.ListenerTimeout.WithLabelValues("e2", "l2"))
	m.AfterProcess(context.Background(), ec, outbox.ListenerResult{
		Success: false,
		Err:     &outbox.TimeoutError{ListenerName: "l2", After: 10},
	})
	after := testutil.ToFloat64(obs.ListenerTimeout.WithLabelValues("e2", "l2"))

	assert.Equal(t, before+1, after)
}

func TestMetricsMiddlewareRecordsFailure(t *testing.T) {
	m := outbox.NewMetricsMiddleware()
	ec := outbox.EventContext{EventName: "e3", ListenerName: "l3"}

	before := testutil.ToFloat64(obs.ListenerFailure.WithLabelValues("e3", "l3"))
	m.AfterProcess(context.Background(), ec, outbox.ListenerResult{Success: false, Err: assertErr{}})
	after := testutil.ToFloat64(obs.ListenerFailure.WithLabelValues("e3", "l3"))

	assert.Equal(t, before+1, after)
}

func TestMetricsMiddlewareRecordsDeadLetter(t *testing.T) {
	m := outbox.NewMetricsMiddleware()

	before := testutil.ToFloat64(obs.RecordsDeadLettered)
	m.OnDeadLetter(context.Background(), outbox.DeadLetterContext{EventName: "e4"})
	after := testutil.ToFloat64(obs.RecordsDeadLettered)

	assert.Equal(t, before+1, after)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
