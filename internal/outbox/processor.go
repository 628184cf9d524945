// Copyright 2025 James Ross
package outbox

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Processor runs a set of not-yet-delivered listeners for one record,
// applies the middleware pipeline and exception filters around each
// invocation, and persists the outcome (§4.6).
type Processor struct {
	driver   Driver
	pipeline *Pipeline
	filters  *FilterChain
	log      *zap.Logger
}

// NewProcessor builds a Processor. pipeline and filters may be nil, in which
// case they behave as empty (no hooks, no filters).
func NewProcessor(driver Driver, pipeline *Pipeline, filters *FilterChain, log *zap.Logger) *Processor {
	if pipeline == nil {
		pipeline = NewPipeline()
	}
	if filters == nil {
		filters = NewFilterChain()
	}
	return &Processor{driver: driver, pipeline: pipeline, filters: filters, log: log}
}

// Process runs every listener in listeners concurrently against record,
// records per-listener outcomes, and persists the result: a re-persist with
// the grown DeliveredToListeners set if any listener failed, or a delete if
// every listener succeeded (§4.6 steps 1-5).
//
// Process never mutates RetryCount, AttemptAt, or Status — those belong to
// the driver's claim algorithm (§4.6 Invariants). Callers are responsible for
// excluding listeners already present in record.DeliveredToListeners before
// calling Process; Process re-checks and skips them defensively.
func (p *Processor) Process(ctx context.Context, cfg EventConfig, record *Record, listeners []Listener) error {
	toRun := record.RemainingListeners(listeners)
	if len(toRun) == 0 {
		return p.commit(ctx, record, true)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	anySucceeded := false
	allSucceeded := true

	wg.Add(len(toRun))
	for _, l := range toRun {
		listener := l
		go func() {
			defer wg.Done()
			ok := p.runOne(ctx, cfg, record, listener)
			mu.Lock()
			if ok {
				anySucceeded = true
				record.MarkDelivered(listener.Name())
			} else {
				allSucceeded = false
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if !anySucceeded && !allSucceeded {
		// Nothing changed; still persist so retained state (e.g. prior
		// deliveries from an earlier run) isn't lost, and callers observe no
		// duplicate work next cycle.
		return p.commit(ctx, record, false)
	}

	return p.commit(ctx, record, allSucceeded)
}

// commit stages a delete (fullyDelivered) or a persist of record and flushes
// the driver's unit of work. A commit failure is a DriverCommitError: logged
// by the caller (poller) or returned to ManualFlusher; the record retains its
// prior persisted state and the next claim cycle retries (§4.1 Failure
// model, §7).
func (p *Processor) commit(ctx context.Context, record *Record, fullyDelivered bool) error {
	uow := p.driver.NewUnitOfWork()
	if fullyDelivered {
		uow.StageRemove(record)
	} else {
		uow.StagePersist(record)
	}
	if err := uow.Commit(ctx); err != nil {
		return &DriverCommitError{Err: err}
	}
	return nil
}

// runOne invokes a single listener through BeforeProcess, the wrapExecution
// composition, and AfterProcess/OnError/filters, racing against the
// per-event timeout. It returns true iff the listener succeeded.
func (p *Processor) runOne(ctx context.Context, cfg EventConfig, record *Record, listener Listener) bool {
	ec := EventContext{
		EventName:    record.EventName,
		EventPayload: record.EventPayload,
		EventID:      record.ID,
		ListenerName: listener.Name(),
	}

	onHookFailure := func(err error) {
		if p.log != nil {
			p.log.Warn("middleware hook failed", zap.String("listener", ec.ListenerName), zap.Error(err))
		}
	}

	p.pipeline.BeforeProcess(ctx, ec, onHookFailure)

	deadline := time.Duration(cfg.MaxExecutionTimeTTLMs) * time.Millisecond
	runCtx := ctx
	var cancel context.CancelFunc
	if deadline > 0 {
		runCtx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	start := time.Now()
	err := p.invoke(runCtx, ec, listener)
	durationMs := time.Since(start).Milliseconds()
	if te, ok := err.(*TimeoutError); ok && te.After == 0 {
		te.After = cfg.MaxExecutionTimeTTLMs
	}

	if err != nil {
		p.pipeline.OnError(ctx, ec, err, onHookFailure)
		p.filters.Catch(ctx, err, ec, onHookFailure)
		p.pipeline.AfterProcess(ctx, ec, ListenerResult{Success: false, Err: err, DurationMs: durationMs}, onHookFailure)
		return false
	}

	p.pipeline.AfterProcess(ctx, ec, ListenerResult{Success: true, DurationMs: durationMs}, onHookFailure)
	return true
}

// invoke races the listener against its deadline, returning whichever
// settles first. If the deadline wins, the listener's goroutine is
// abandoned: its eventual result, if any, is discarded.
func (p *Processor) invoke(ctx context.Context, ec EventContext, listener Listener) error {
	resultCh := make(chan error, 1)
	go func() {
		resultCh <- p.pipeline.WrapExecute(ctx, ec, func(ctx context.Context) error {
			return listener.Handle(ctx, ec.EventPayload, ec.EventName)
		})
	}()

	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		return &TimeoutError{ListenerName: ec.ListenerName}
	}
}
