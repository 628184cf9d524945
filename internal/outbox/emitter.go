// Copyright 2025 James Ross
package outbox

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
)

// EntityOp is a caller-supplied business-entity write to stage alongside the
// outbox record in the same transaction (§4.7 step 5).
type EntityOp struct {
	Persist any // mutually exclusive with Remove; exactly one is non-nil
	Remove  any
}

// PersistOp stages a business-entity upsert.
func PersistOp(entity any) EntityOp { return EntityOp{Persist: entity} }

// RemoveOp stages a business-entity delete.
func RemoveOp(entity any) EntityOp { return EntityOp{Remove: entity} }

// Emitter is the public entry point for committing a domain state change
// together with its derived outbox record (§4.7).
type Emitter struct {
	driver    Driver
	registry  *ConfigRegistry
	listeners *ListenerRegistry
	pipeline  *Pipeline
	filters   *FilterChain
	clock     Clock
	log       *zap.Logger
}

// NewEmitter builds an Emitter. pipeline and filters may be nil.
func NewEmitter(driver Driver, registry *ConfigRegistry, listeners *ListenerRegistry, pipeline *Pipeline, filters *FilterChain, log *zap.Logger) *Emitter {
	if pipeline == nil {
		pipeline = NewPipeline()
	}
	if filters == nil {
		filters = NewFilterChain()
	}
	return &Emitter{
		driver:    driver,
		registry:  registry,
		listeners: listeners,
		pipeline:  pipeline,
		filters:   filters,
		clock:     SystemClock{},
		log:       log,
	}
}

// Emit applies beforeEmit, resolves the event's configuration, builds and
// stages the outbox record together with ops, and commits one transaction
// (§4.7 steps 1-7). It does not dispatch to listeners: delivery is the
// poller's job. Any failure — including a beforeEmit failure — propagates to
// the caller; nothing is persisted unless Commit succeeds.
func (e *Emitter) Emit(ctx context.Context, event Event, ops []EntityOp, uow UnitOfWork) (*Record, error) {
	event, err := e.pipeline.BeforeEmit(ctx, event)
	if err != nil {
		return nil, err
	}

	cfg, err := e.registry.Resolve(event.Name)
	if err != nil {
		return nil, err
	}

	now := e.clock.NowMs()
	record := e.driver.CreateRecord(event.Name, event.Payload, now+cfg.ExpiresAtTTLMs, now+cfg.ReadyToRetryAfterTTLMs)

	if uow == nil {
		uow = e.driver.NewUnitOfWork()
	}
	for _, op := range ops {
		if op.Persist != nil {
			uow.StagePersist(op.Persist)
		}
		if op.Remove != nil {
			uow.StageRemove(op.Remove)
		}
	}
	uow.StagePersist(record)

	if err := uow.Commit(ctx); err != nil {
		return nil, &DriverCommitError{Err: err}
	}
	return record, nil
}

// EmitAwaiting behaves like Emit but additionally runs the processor
// synchronously against every currently registered listener for the event,
// awaiting completion before returning (§4.7). A best-effort immediate
// dispatch failure here is logged, not returned: the poller remains the
// delivery guarantee (§9 Open Question 1).
func (e *Emitter) EmitAwaiting(ctx context.Context, event Event, ops []EntityOp, uow UnitOfWork) (*Record, error) {
	record, err := e.Emit(ctx, event, ops, uow)
	if err != nil {
		return nil, err
	}

	cfg, err := e.registry.Resolve(record.EventName)
	if err != nil {
		// Unreachable in practice: Emit already resolved the same config.
		return record, nil
	}

	listeners := e.listeners.Get(record.EventName)
	if len(listeners) == 0 {
		return record, nil
	}

	processor := NewProcessor(e.driver, e.pipeline, e.filters, e.log)
	if procErr := processor.Process(ctx, cfg, record, listeners); procErr != nil && e.log != nil {
		e.log.Warn("best-effort immediate dispatch failed",
			zap.String("event", record.EventName),
			zap.Int64("id", record.ID),
			zap.Error(procErr))
	}
	return record, nil
}

// NewEvent builds an Event from a typed payload, marshaling it to JSON
// (§9 Dynamic payloads: strongly-typed emission erases to a dynamic form at
// this boundary).
func NewEvent(name string, payload any) (Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Name: name, Payload: b}, nil
}
