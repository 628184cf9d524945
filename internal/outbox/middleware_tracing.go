// Copyright 2025 James Ross
package outbox

import (
	"context"

	"github.com/flyingrobots/go-pg-outbox/internal/obs"
)

// TracingMiddleware wraps each listener invocation in an OpenTelemetry span,
// following the teacher's worker.processJob tracing shape (start span, set
// attributes, record error or mark success).
type TracingMiddleware struct{}

// NewTracingMiddleware builds the default tracing middleware.
func NewTracingMiddleware() *TracingMiddleware { return &TracingMiddleware{} }

func (TracingMiddleware) WrapExecution(ctx context.Context, ec EventContext, next func(context.Context) error) error {
	ctx, span := obs.StartListenerSpan(ctx, ec.EventName, ec.ListenerName, ec.EventID)
	defer span.End()

	err := next(ctx)
	if err != nil {
		obs.RecordError(ctx, err)
	} else {
		obs.SetSpanSuccess(ctx)
	}
	return err
}
