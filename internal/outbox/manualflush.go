// Copyright 2025 James Ross
package outbox

import "context"

// FlushResult summarizes one ManualFlusher.ProcessAllPending run (§6.3).
type FlushResult struct {
	ProcessedCount int
	FailedCount    int
}

// ManualFlusher is the administrative-tooling entry point: it iterates
// currently pending records (no claim locking, no retry bookkeeping) and
// dispatches each through the processor, independent of the poller's
// schedule.
type ManualFlusher struct {
	driver    Driver
	registry  *ConfigRegistry
	listeners *ListenerRegistry
	processor *Processor
}

// NewManualFlusher builds a ManualFlusher over the same registry/listener
// set used by the emitter and poller.
func NewManualFlusher(driver Driver, registry *ConfigRegistry, listeners *ListenerRegistry, processor *Processor) *ManualFlusher {
	return &ManualFlusher{driver: driver, registry: registry, listeners: listeners, processor: processor}
}

// ProcessAllPending fetches up to limit pending records via
// Driver.FindPending and runs each through the processor, returning counts of
// records that fully delivered versus ones still short a listener.
func (f *ManualFlusher) ProcessAllPending(ctx context.Context, limit int) (FlushResult, error) {
	if limit <= 0 {
		limit = 1000
	}

	records, err := f.driver.FindPending(ctx, limit)
	if err != nil {
		return FlushResult{}, err
	}

	var result FlushResult
	for _, record := range records {
		cfg, err := f.registry.Resolve(record.EventName)
		if err != nil {
			result.FailedCount++
			continue
		}

		remaining := record.RemainingListeners(f.listeners.Get(record.EventName))
		if len(remaining) == 0 {
			continue
		}

		if err := f.processor.Process(ctx, cfg, record, remaining); err != nil {
			result.FailedCount++
			continue
		}
		if len(record.RemainingListeners(f.listeners.Get(record.EventName))) == 0 {
			result.ProcessedCount++
		} else {
			result.FailedCount++
		}
	}
	return result, nil
}
