// Copyright 2025 James Ross
package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flyingrobots/go-pg-outbox/internal/breaker"
)

// BreakerMiddleware is an ExecutionWrapper adapting the teacher's sliding-
// window CircuitBreaker to per-listener fail-fast: once a listener's failure
// rate crosses the threshold, further invocations are short-circuited
// (returning an error without calling the listener) until the cooldown
// elapses and a probe succeeds. This does not change the record's retry
// bookkeeping; a short-circuited attempt is still treated as a failed
// listener run by the processor.
type BreakerMiddleware struct {
	window           time.Duration
	cooldown         time.Duration
	failureThreshold float64
	minSamples       int

	mu       sync.Mutex
	breakers map[string]*breaker.CircuitBreaker
}

// NewBreakerMiddleware builds a BreakerMiddleware with one independent
// circuit breaker per listener name.
func NewBreakerMiddleware(window, cooldown time.Duration, failureThreshold float64, minSamples int) *BreakerMiddleware {
	return &BreakerMiddleware{
		window:           window,
		cooldown:         cooldown,
		failureThreshold: failureThreshold,
		minSamples:       minSamples,
		breakers:         make(map[string]*breaker.CircuitBreaker),
	}
}

func (b *BreakerMiddleware) forListener(name string) *breaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[name]
	if !ok {
		cb = breaker.New(b.window, b.cooldown, b.failureThreshold, b.minSamples)
		b.breakers[name] = cb
	}
	return cb
}

func (b *BreakerMiddleware) WrapExecution(ctx context.Context, ec EventContext, next func(context.Context) error) error {
	cb := b.forListener(ec.ListenerName)
	if !cb.Allow() {
		return fmt.Errorf("listener %q circuit open", ec.ListenerName)
	}

	err := next(ctx)
	cb.Record(err == nil)
	return err
}
