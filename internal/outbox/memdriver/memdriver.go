// Copyright 2025 James Ross
// Package memdriver is an in-memory outbox.Driver, primarily for unit tests
// and local development, grounded on the teacher's in-memory idempotency
// storage pattern (mutex-guarded map, no external dependency).
package memdriver

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/flyingrobots/go-pg-outbox/internal/outbox"
)

// Driver is an in-memory outbox.Driver implementation. It is safe for
// concurrent use and serializes ClaimDueBatch behind a mutex, which is
// sufficient to reproduce the single-process no-duplicate-dispatch guarantee
// (§8 S6) without a real database.
type Driver struct {
	mu      sync.Mutex
	records map[int64]*outbox.Record
	nextID  int64
	now     func() int64
}

// New builds an empty in-memory Driver. now defaults to a zero-valued clock
// suitable for deterministic tests; callers should supply their own to
// exercise TTL expiry.
func New(now func() int64) *Driver {
	if now == nil {
		now = func() int64 { return 0 }
	}
	return &Driver{records: map[int64]*outbox.Record{}, now: now}
}

func (d *Driver) CreateRecord(eventName string, payload []byte, expireAt, attemptAt int64) *outbox.Record {
	at := attemptAt
	return &outbox.Record{
		EventName:            eventName,
		EventPayload:         append(json.RawMessage(nil), payload...),
		DeliveredToListeners: map[string]struct{}{},
		AttemptAt:            &at,
		RetryCount:           0,
		Status:               outbox.StatusPending,
		ExpireAt:             expireAt,
		InsertedAt:           d.now(),
	}
}

func (d *Driver) NewUnitOfWork() outbox.UnitOfWork {
	return &unitOfWork{driver: d}
}

type stagedWrite struct {
	record *outbox.Record
	remove bool
}

type unitOfWork struct {
	driver *Driver
	writes []stagedWrite
}

func (u *unitOfWork) StagePersist(entity any) {
	if rec, ok := entity.(*outbox.Record); ok {
		u.writes = append(u.writes, stagedWrite{record: rec})
	}
	// Arbitrary business entities have nowhere to live in memory; tests that
	// need entity persistence assertions should track them outside the
	// driver and rely on Commit only for atomicity of the outbox row itself.
}

func (u *unitOfWork) StageRemove(entity any) {
	if rec, ok := entity.(*outbox.Record); ok {
		u.writes = append(u.writes, stagedWrite{record: rec, remove: true})
	}
}

func (u *unitOfWork) Commit(ctx context.Context) error {
	u.driver.mu.Lock()
	defer u.driver.mu.Unlock()

	for _, w := range u.writes {
		if w.remove {
			delete(u.driver.records, w.record.ID)
			continue
		}
		if w.record.ID == 0 {
			u.driver.nextID++
			w.record.ID = u.driver.nextID
		}
		cp := *w.record
		cp.DeliveredToListeners = cloneSet(w.record.DeliveredToListeners)
		u.driver.records[cp.ID] = &cp
	}
	u.writes = nil
	return nil
}

func cloneSet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

// ClaimDueBatch mirrors the Postgres driver's claim algorithm: due pending
// records are either dead-lettered (incremented retryCount reaches
// maxRetries) or have their
// attempt_at extended by the event's retry strategy.
func (d *Driver) ClaimDueBatch(ctx context.Context, registry *outbox.ConfigRegistry, limit int) (outbox.ClaimResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	var due []*outbox.Record
	for _, rec := range d.records {
		if rec.Status == outbox.StatusPending && rec.AttemptAt != nil && *rec.AttemptAt <= now {
			due = append(due, rec)
		}
	}
	sort.Slice(due, func(i, j int) bool { return *due[i].AttemptAt < *due[j].AttemptAt })
	if len(due) > limit {
		due = due[:limit]
	}

	var result outbox.ClaimResult
	for _, rec := range due {
		cfg, err := registry.Resolve(rec.EventName)
		if err != nil {
			continue
		}

		rec.RetryCount++
		if rec.RetryCount >= cfg.MaxRetries {
			rec.Status = outbox.StatusFailed
			rec.AttemptAt = nil
			result.DeadLettered = append(result.DeadLettered, rec)
			continue
		}

		strategy := cfg.ResolveRetryStrategy()
		next := now + strategy(rec.RetryCount)
		rec.AttemptAt = &next
		result.Pending = append(result.Pending, rec)
	}
	return result, nil
}

// FindPending is a lock-protected snapshot, no mutation.
func (d *Driver) FindPending(ctx context.Context, limit int) ([]*outbox.Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []*outbox.Record
	for _, rec := range d.records {
		if rec.Status == outbox.StatusPending {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InsertedAt < out[j].InsertedAt })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len reports the current record count, for test assertions.
func (d *Driver) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.records)
}
