// Copyright 2025 James Ross
package outbox

import (
	"context"
	"encoding/json"
)

// Event is the caller-supplied value passed through beforeEmit (§4.7 step 1).
type Event struct {
	Name    string
	Payload json.RawMessage
}

// ListenerResult is the outcome of a single listener invocation, reported to
// AfterProcess middlewares (§4.4).
type ListenerResult struct {
	Success    bool
	Err        error
	DurationMs int64
}

// Middleware is a marker interface: a middleware implements any non-empty
// subset of the hook interfaces below (BeforeEmitter, BeforeProcessor, ...).
// The pipeline type-asserts each registered value against every hook
// interface, mirroring how the teacher's obs package composes independent,
// optional concerns (logging, metrics, tracing) around the same call site.
type Middleware interface{}

// BeforeEmitter runs in the emitter before the outbox record is built. It may
// transform the event; beforeEmit composition is a left-fold in registration
// order (§4.4, property 6).
type BeforeEmitter interface {
	BeforeEmit(ctx context.Context, event Event) (Event, error)
}

// BeforeProcessor is an observer invoked before each listener invocation.
// Its return value, if any, is ignored.
type BeforeProcessor interface {
	BeforeProcess(ctx context.Context, ec EventContext)
}

// AfterProcessor is invoked after each listener invocation, success or
// failure.
type AfterProcessor interface {
	AfterProcess(ctx context.Context, ec EventContext, result ListenerResult)
}

// ErrorHandler is invoked when a listener fails or times out, before
// exception filters.
type ErrorHandler interface {
	OnError(ctx context.Context, ec EventContext, err error)
}

// DeadLetterHandler is invoked by the poller once per newly dead-lettered
// record.
type DeadLetterHandler interface {
	OnDeadLetter(ctx context.Context, dlc DeadLetterContext)
}

// ExecutionWrapper wraps the listener call itself; it may add spans, context
// propagation, or local retries. It must call next at most once. A wrapper
// that fails is treated as a listener failure (§4.4, §7 WrapExecutionFailure).
type ExecutionWrapper interface {
	WrapExecution(ctx context.Context, ec EventContext, next func(context.Context) error) error
}

// Pipeline holds an ordered list of middlewares and dispatches each hook in
// registration order, composing ExecutionWrapper so the first-registered
// wrapper is outermost (§4.4 Ordering).
type Pipeline struct {
	middlewares []Middleware
}

// NewPipeline builds a pipeline from middlewares in registration order.
func NewPipeline(middlewares ...Middleware) *Pipeline {
	return &Pipeline{middlewares: middlewares}
}

// BeforeEmit applies every BeforeEmitter in order, each seeing the prior
// output. A BeforeEmitter failure propagates immediately: unlike the other
// hooks, these are not swallowed (§4.7 Failures).
func (p *Pipeline) BeforeEmit(ctx context.Context, event Event) (Event, error) {
	for _, m := range p.middlewares {
		be, ok := m.(BeforeEmitter)
		if !ok {
			continue
		}
		var err error
		event, err = be.BeforeEmit(ctx, event)
		if err != nil {
			return event, err
		}
	}
	return event, nil
}

// BeforeProcess invokes every BeforeProcessor, catching and logging panics-
// as-errors via onHookFailure so one observer's failure never blocks another
// or the listener call itself (§4.4 Isolation).
func (p *Pipeline) BeforeProcess(ctx context.Context, ec EventContext, onHookFailure func(error)) {
	for _, m := range p.middlewares {
		bp, ok := m.(BeforeProcessor)
		if !ok {
			continue
		}
		safeCall(onHookFailure, func() { bp.BeforeProcess(ctx, ec) })
	}
}

// AfterProcess invokes every AfterProcessor, isolated per §4.4.
func (p *Pipeline) AfterProcess(ctx context.Context, ec EventContext, result ListenerResult, onHookFailure func(error)) {
	for _, m := range p.middlewares {
		ap, ok := m.(AfterProcessor)
		if !ok {
			continue
		}
		safeCall(onHookFailure, func() { ap.AfterProcess(ctx, ec, result) })
	}
}

// OnError invokes every ErrorHandler, isolated per §4.4.
func (p *Pipeline) OnError(ctx context.Context, ec EventContext, err error, onHookFailure func(error)) {
	for _, m := range p.middlewares {
		eh, ok := m.(ErrorHandler)
		if !ok {
			continue
		}
		safeCall(onHookFailure, func() { eh.OnError(ctx, ec, err) })
	}
}

// OnDeadLetter invokes every DeadLetterHandler, isolated per §4.4: one
// handler's failure must not skip the next (§7 DeadLetterMiddlewareFailure).
func (p *Pipeline) OnDeadLetter(ctx context.Context, dlc DeadLetterContext, onHookFailure func(error)) {
	for _, m := range p.middlewares {
		dh, ok := m.(DeadLetterHandler)
		if !ok {
			continue
		}
		safeCall(onHookFailure, func() { dh.OnDeadLetter(ctx, dlc) })
	}
}

// WrapExecute composes every ExecutionWrapper around fn, first-registered
// outermost, then invokes the composed chain. An ExecutionWrapper error (or a
// recovered panic) is surfaced as the listener's failure (§7
// WrapExecutionFailure).
func (p *Pipeline) WrapExecute(ctx context.Context, ec EventContext, fn func(context.Context) error) error {
	next := fn
	for i := len(p.middlewares) - 1; i >= 0; i-- {
		ew, ok := p.middlewares[i].(ExecutionWrapper)
		if !ok {
			continue
		}
		wrapped := next
		w := ew
		next = func(ctx context.Context) error {
			return w.WrapExecution(ctx, ec, wrapped)
		}
	}
	return recoverToError(func() error { return next(ctx) })
}

// recoverToError runs fn, converting a panic raised anywhere in the
// composed ExecutionWrapper chain (or the listener itself) into a returned
// error instead of crashing the dispatch goroutine (§4.4 WrapExecutionFailure
// is "treated as a listener failure").
func recoverToError(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicToError(r)
		}
	}()
	return fn()
}

// safeCall recovers a panicking hook and reports it through onFailure,
// guaranteeing that a misbehaving middleware never aborts the caller's loop
// (§4.4 Isolation, §7 MiddlewareHookFailure).
func safeCall(onFailure func(error), fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if onFailure != nil {
				onFailure(panicToError(r))
			}
		}
	}()
	fn()
}
