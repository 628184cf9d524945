// Copyright 2025 James Ross
package outbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// PushNotificationListener is the optional collaborator described in §4.9: a
// long-lived connection yielding wake-up signals when new records are
// inserted. The core never parses signal content; any value is a wake-up.
type PushNotificationListener interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Events() <-chan string
}

// pollerState tracks the lifecycle phases in §4.8: not yet started, running,
// shutting down, and terminated.
type pollerState int32

const (
	statePending pollerState = iota
	stateRunning
	stateShuttingDown
	stateTerminated
)

// PollerConfig holds the module-level scheduling knobs from §6.3.
type PollerConfig struct {
	PollInterval             time.Duration
	MaxEventsPerTick         int
	PushNotificationThrottle time.Duration // default 100ms, §4.8
}

func (c PollerConfig) withDefaults() PollerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MaxEventsPerTick <= 0 {
		c.MaxEventsPerTick = 100
	}
	if c.PushNotificationThrottle <= 0 {
		c.PushNotificationThrottle = 100 * time.Millisecond
	}
	return c
}

// Poller is the long-running retry/dead-letter scheduler (§4.8). It merges a
// periodic tick with an optional push-notification stream, dispatching due
// records to a Processor and routing dead-lettered ones to the middleware
// pipeline's OnDeadLetter hooks.
type Poller struct {
	id        string
	driver    Driver
	registry  *ConfigRegistry
	listeners *ListenerRegistry
	processor *Processor
	pipeline  *Pipeline
	cfg       PollerConfig
	push      PushNotificationListener
	log       *zap.Logger

	state    atomic.Int32
	cancel   context.CancelFunc
	inFlight sync.WaitGroup
	stopped  chan struct{}
}

// NewPoller builds a Poller. push may be nil, in which case only the
// periodic ticker drives claim cycles.
func NewPoller(driver Driver, registry *ConfigRegistry, listeners *ListenerRegistry, pipeline *Pipeline, filters *FilterChain, cfg PollerConfig, push PushNotificationListener, log *zap.Logger) *Poller {
	if pipeline == nil {
		pipeline = NewPipeline()
	}
	id := uuid.NewString()
	return &Poller{
		id:        id,
		driver:    driver,
		registry:  registry,
		listeners: listeners,
		processor: NewProcessor(driver, pipeline, filters, log),
		pipeline:  pipeline,
		cfg:       cfg.withDefaults(),
		push:      push,
		log:       log,
	}
}

// Start transitions the poller to running and begins the wake loop in a
// background goroutine. It returns ErrPollerAlreadyRunning if already started.
func (p *Poller) Start(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(statePending), int32(stateRunning)) {
		return ErrPollerAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.stopped = make(chan struct{})

	if p.push != nil {
		if err := p.push.Connect(loopCtx); err != nil && p.log != nil {
			p.log.Warn("push notification listener connect failed; polling continues on ticker alone",
				zap.String("poller_id", p.id), zap.Error(err))
		}
	}

	go p.loop(loopCtx)
	return nil
}

// loop is the single producer task multiplexing the ticker and the optional
// push channel (§9 Observable streams). Push signals are coalesced through a
// rate limiter so a burst of inserts triggers at most one extra claim cycle
// per throttle window.
func (p *Poller) loop(ctx context.Context) {
	defer close(p.stopped)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	var pushCh <-chan string
	if p.push != nil {
		pushCh = p.push.Events()
	}
	limiter := rate.NewLimiter(rate.Every(p.cfg.PushNotificationThrottle), 1)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		case _, ok := <-pushCh:
			if !ok {
				pushCh = nil
				continue
			}
			if limiter.Allow() {
				p.tick(ctx)
			}
		}
	}
}

// tick runs one claim-and-dispatch cycle (§4.8 Per tick). Ticks for this
// poller instance are serialized because the loop goroutine executes them
// one at a time; concurrent claimers across processes still serialize on the
// database row lock inside ClaimDueBatch.
func (p *Poller) tick(ctx context.Context) {
	if pollerState(p.state.Load()) != stateRunning {
		return
	}

	result, err := p.driver.ClaimDueBatch(ctx, p.registry, p.cfg.MaxEventsPerTick)
	if err != nil {
		if p.log != nil {
			p.log.Warn("claim batch failed", zap.String("poller_id", p.id), zap.Error(err))
		}
		return
	}

	for _, record := range result.DeadLettered {
		p.deadLetter(ctx, record)
	}

	for _, record := range result.Pending {
		p.dispatch(ctx, record)
	}
}

// deadLetter builds a DeadLetterContext and invokes every OnDeadLetter
// middleware, isolating each handler's failure (§7 DeadLetterMiddlewareFailure).
func (p *Poller) deadLetter(ctx context.Context, record *Record) {
	dlc := DeadLetterContext{
		EventName:            record.EventName,
		EventPayload:         record.EventPayload,
		EventID:              record.ID,
		RetryCount:           record.RetryCount,
		DeliveredToListeners: record.DeliveredToListeners,
	}
	p.pipeline.OnDeadLetter(ctx, dlc, func(err error) {
		if p.log != nil {
			p.log.Error("dead letter middleware failed", zap.Int64("event_id", record.ID), zap.Error(err))
		}
	})
}

// dispatch resolves the event's currently registered listeners, subtracts
// already-delivered ones, and — if any remain — launches an async
// processor run tracked in the in-flight set (§4.8 step 4).
//
// The dispatch goroutine runs on context.WithoutCancel(ctx): the loop's own
// ctx is cancelled as soon as Shutdown is called so the ticker/push select
// stops picking up new ticks, but an in-flight listener run must not be
// aborted by that same cancellation — Shutdown awaits it to completion with
// no timeout (§4.8 Cancellation & shutdown).
func (p *Poller) dispatch(ctx context.Context, record *Record) {
	cfg, err := p.registry.Resolve(record.EventName)
	if err != nil {
		if p.log != nil {
			p.log.Warn("claimed record for unknown event", zap.String("event", record.EventName), zap.Int64("id", record.ID))
		}
		return
	}

	remaining := record.RemainingListeners(p.listeners.Get(record.EventName))
	if len(remaining) == 0 {
		return
	}

	dispatchCtx := context.WithoutCancel(ctx)
	p.inFlight.Add(1)
	go func() {
		defer p.inFlight.Done()
		if err := p.processor.Process(dispatchCtx, cfg, record, remaining); err != nil && p.log != nil {
			p.log.Warn("processor run failed", zap.Int64("event_id", record.ID), zap.Error(err))
		}
	}()
}

// Shutdown transitions the poller to shutting-down, stops the timer,
// disconnects the push listener, and awaits every in-flight dispatch with no
// timeout (§4.8 Cancellation & shutdown). It returns ErrPollerNotRunning if
// the poller was never started.
func (p *Poller) Shutdown(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(stateRunning), int32(stateShuttingDown)) {
		return ErrPollerNotRunning
	}

	p.cancel()
	<-p.stopped

	if p.push != nil {
		if err := p.push.Disconnect(); err != nil && p.log != nil {
			p.log.Warn("push notification listener disconnect failed", zap.String("poller_id", p.id), zap.Error(err))
		}
	}

	p.inFlight.Wait()
	p.state.Store(int32(stateTerminated))
	return nil
}

// String identifies this poller instance in logs, following the teacher's
// hostname/pid/random-suffix worker-label convention, simplified to a UUID.
func (p *Poller) String() string {
	return fmt.Sprintf("poller[%s]", p.id)
}
