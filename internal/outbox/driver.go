// Copyright 2025 James Ross
package outbox

import "context"

// UnitOfWork buffers writes and commits them together in one database
// transaction (§4.1). The core never inspects staged business entities; the
// driver implementation owns their persistence.
type UnitOfWork interface {
	// StagePersist buffers an upsert of entity. entity may be a business
	// object supplied by the caller or a *Record.
	StagePersist(entity any)
	// StageRemove buffers a delete of entity.
	StageRemove(entity any)
	// Commit opens one transaction, executes every staged write, and
	// commits. On failure every staged write rolls back; the buffer is
	// emptied either way.
	Commit(ctx context.Context) error
}

// ClaimResult is the outcome of one claimDueBatch call (§4.1).
type ClaimResult struct {
	Pending      []*Record
	DeadLettered []*Record
}

// Driver is the pluggable storage contract (§4.1). Implementations persist,
// query, and atomically reclaim Records, and hand out fresh UnitOfWork
// instances for staged, co-committed writes.
type Driver interface {
	// NewUnitOfWork returns a fresh, empty UnitOfWork.
	NewUnitOfWork() UnitOfWork

	// CreateRecord is a pure factory: it returns an unpersisted Record with
	// RetryCount=0, Status=StatusPending, DeliveredToListeners empty, and
	// InsertedAt set to the driver's notion of now. Persisting it is the
	// caller's responsibility via StagePersist.
	CreateRecord(eventName string, payload []byte, expireAt, attemptAt int64) *Record

	// ClaimDueBatch atomically selects up to limit due, pending records,
	// advances their retry/attempt state per the registry, and returns the
	// still-pending and newly dead-lettered subsets (§4.1 claim algorithm).
	ClaimDueBatch(ctx context.Context, registry *ConfigRegistry, limit int) (ClaimResult, error)

	// FindPending is a snapshot query with no locking or mutation, used by
	// ManualFlusher.
	FindPending(ctx context.Context, limit int) ([]*Record, error)
}
