// Copyright 2025 James Ross
package outbox

import (
	"context"
	"time"

	"github.com/flyingrobots/go-pg-outbox/internal/obs"
)

// MetricsMiddleware records per-listener Prometheus counters and a duration
// histogram, following the teacher's pattern of incrementing package-level
// obs metrics from inside the dispatch path.
type MetricsMiddleware struct{}

// NewMetricsMiddleware builds the default metrics middleware.
func NewMetricsMiddleware() *MetricsMiddleware { return &MetricsMiddleware{} }

func (MetricsMiddleware) AfterProcess(ctx context.Context, ec EventContext, result ListenerResult) {
	labels := []string{ec.EventName, ec.ListenerName}
	if result.Success {
		obs.ListenerSuccess.WithLabelValues(labels...).Inc()
	} else if _, ok := result.Err.(*TimeoutError); ok {
		obs.ListenerTimeout.WithLabelValues(labels...).Inc()
	} else {
		obs.ListenerFailure.WithLabelValues(labels...).Inc()
	}
	obs.ListenerDuration.WithLabelValues(labels...).Observe(time.Duration(result.DurationMs * int64(time.Millisecond)).Seconds())
}

func (MetricsMiddleware) OnDeadLetter(ctx context.Context, dlc DeadLetterContext) {
	obs.RecordsDeadLettered.Inc()
}
