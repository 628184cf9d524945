// Copyright 2025 James Ross
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flyingrobots/go-pg-outbox/internal/config"
	"github.com/flyingrobots/go-pg-outbox/internal/outbox"
)

// SQLWriter lets a caller-supplied business entity participate in a staged
// UnitOfWork alongside the outbox row: anything staged that isn't a
// *outbox.Record must implement this to be persisted or removed in the same
// transaction. The core never inspects staged entities (§4.1); only this
// driver does.
type SQLWriter interface {
	ExecSQL(ctx context.Context, tx pgx.Tx) error
}

// Driver is a pgx/v5-backed implementation of outbox.Driver.
type Driver struct {
	pool *pgxpool.Pool
	now  func() int64
}

// Open builds a pooled pgx Driver from the given Postgres config.
func Open(ctx context.Context, cfg config.Postgres) (*Driver, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &Driver{pool: pool, now: func() int64 { return time.Now().UnixMilli() }}, nil
}

// Migrate runs the baseline schema (§6.1). Safe to call on every startup.
func (d *Driver) Migrate(ctx context.Context) error {
	_, err := d.pool.Exec(ctx, Schema)
	return err
}

// Close releases the underlying pool.
func (d *Driver) Close() {
	d.pool.Close()
}

// CreateRecord is a pure factory; see outbox.Driver.
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

// NewUnitOfWork returns a fresh staged transaction buffer.
func (d *Driver) NewUnitOfWork() outbox.UnitOfWork {
	return &unitOfWork{pool: d.pool}
}

type stagedWrite struct {
	entity any
	remove bool
}

type unitOfWork struct {
	mu     sync.Mutex
	pool   *pgxpool.Pool
	writes []stagedWrite
}

func (u *unitOfWork) StagePersist(entity any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.writes = append(u.writes, stagedWrite{entity: entity, remove: false})
}

func (u *unitOfWork) StageRemove(entity any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.writes = append(u.writes, stagedWrite{entity: entity, remove: true})
}

func (u *unitOfWork) Commit(ctx context.Context) error {
	u.mu.Lock()
	writes := u.writes
	u.writes = nil
	u.mu.Unlock()

	if len(writes) == 0 {
		return nil
	}

	tx, err := u.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, w := range writes {
		if rec, ok := w.entity.(*outbox.Record); ok {
			if w.remove {
				if err := deleteRecord(ctx, tx, rec); err != nil {
					return err
				}
				continue
			}
			if err := upsertRecord(ctx, tx, rec); err != nil {
				return err
			}
			continue
		}
		writer, ok := w.entity.(SQLWriter)
		if !ok {
			return fmt.Errorf("postgres driver: staged entity of type %T does not implement SQLWriter", w.entity)
		}
		if err := writer.ExecSQL(ctx, tx); err != nil {
			return fmt.Errorf("exec staged entity: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func upsertRecord(ctx context.Context, tx pgx.Tx, rec *outbox.Record) error {
	delivered, err := json.Marshal(rec.DeliveredToListeners)
	if err != nil {
		return fmt.Errorf("marshal delivered_to_listeners: %w", err)
	}
	if rec.ID == 0 {
		err := tx.QueryRow(ctx, `
			INSERT INTO outbox_transport_event
				(event_name, event_payload, delivered_to_listeners, attempt_at, retry_count, status, expire_at, inserted_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id
		`, rec.EventName, []byte(rec.EventPayload), delivered, rec.AttemptAt, rec.RetryCount, string(rec.Status), rec.ExpireAt, rec.InsertedAt).Scan(&rec.ID)
		if err != nil {
			return fmt.Errorf("insert outbox record: %w", err)
		}
		return nil
	}
	_, err = tx.Exec(ctx, `
		UPDATE outbox_transport_event
		SET event_payload = $2, delivered_to_listeners = $3, attempt_at = $4,
		    retry_count = $5, status = $6, expire_at = $7
		WHERE id = $1
	`, rec.ID, []byte(rec.EventPayload), delivered, rec.AttemptAt, rec.RetryCount, string(rec.Status), rec.ExpireAt)
	if err != nil {
		return fmt.Errorf("update outbox record: %w", err)
	}
	return nil
}

func deleteRecord(ctx context.Context, tx pgx.Tx, rec *outbox.Record) error {
	_, err := tx.Exec(ctx, `DELETE FROM outbox_transport_event WHERE id = $1`, rec.ID)
	if err != nil {
		return fmt.Errorf("delete outbox record: %w", err)
	}
	return nil
}

// ClaimDueBatch selects up to limit due records under FOR UPDATE SKIP LOCKED
// so concurrent pollers never dispatch the same row twice (§4.1 claim
// algorithm, §8 S6). Records whose incremented retry_count reaches their
// event's maxRetries are transitioned to failed (dead-lettered, attempt_at
// cleared) in the same transaction;
// the remainder have attempt_at extended by the event's retryStrategy and
// retry_count incremented.
func (d *Driver) ClaimDueBatch(ctx context.Context, registry *outbox.ConfigRegistry, limit int) (outbox.ClaimResult, error) {
	now := d.now()

	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return outbox.ClaimResult{}, fmt.Errorf("begin claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id, event_name, event_payload, delivered_to_listeners, attempt_at, retry_count, status, expire_at, inserted_at
		FROM outbox_transport_event
		WHERE status = 'pending' AND attempt_at IS NOT NULL AND attempt_at <= $1
		ORDER BY attempt_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, now, limit)
	if err != nil {
		return outbox.ClaimResult{}, fmt.Errorf("claim select: %w", err)
	}

	var claimed []*outbox.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return outbox.ClaimResult{}, err
		}
		claimed = append(claimed, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return outbox.ClaimResult{}, fmt.Errorf("claim select rows: %w", err)
	}

	var result outbox.ClaimResult
	for _, rec := range claimed {
		cfg, err := registry.Resolve(rec.EventName)
		if err != nil {
			// Unconfigured event: leave it untouched for operator attention.
			continue
		}

		rec.RetryCount++
		if rec.RetryCount >= cfg.MaxRetries {
			rec.Status = outbox.StatusFailed
			rec.AttemptAt = nil
			if err := deadLetter(ctx, tx, rec); err != nil {
				return outbox.ClaimResult{}, err
			}
			result.DeadLettered = append(result.DeadLettered, rec)
			continue
		}

		strategy := cfg.ResolveRetryStrategy()
		next := now + strategy(rec.RetryCount)
		rec.AttemptAt = &next
		if err := extendAttempt(ctx, tx, rec); err != nil {
			return outbox.ClaimResult{}, err
		}
		result.Pending = append(result.Pending, rec)
	}

	if err := tx.Commit(ctx); err != nil {
		return outbox.ClaimResult{}, fmt.Errorf("commit claim: %w", err)
	}
	return result, nil
}

func extendAttempt(ctx context.Context, tx pgx.Tx, rec *outbox.Record) error {
	_, err := tx.Exec(ctx, `
		UPDATE outbox_transport_event SET retry_count = $2, attempt_at = $3 WHERE id = $1
	`, rec.ID, rec.RetryCount, rec.AttemptAt)
	if err != nil {
		return fmt.Errorf("extend attempt_at: %w", err)
	}
	return nil
}

func deadLetter(ctx context.Context, tx pgx.Tx, rec *outbox.Record) error {
	_, err := tx.Exec(ctx, `
		UPDATE outbox_transport_event SET status = $2, retry_count = $3, attempt_at = NULL WHERE id = $1
	`, rec.ID, string(rec.Status), rec.RetryCount)
	if err != nil {
		return fmt.Errorf("dead letter record: %w", err)
	}
	return nil
}

// Cleanup deletes dead-lettered rows inserted before cutoff (milliseconds
// since epoch), for the admin CLI's retention sweep (§6.3).
func (d *Driver) Cleanup(ctx context.Context, cutoff int64) (int64, error) {
	tag, err := d.pool.Exec(ctx, `
		DELETE FROM outbox_transport_event WHERE status = 'failed' AND inserted_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Stats reports pending and dead-lettered row counts for the admin CLI.
func (d *Driver) Stats(ctx context.Context) (pending, failed int64, err error) {
	if err = d.pool.QueryRow(ctx, `SELECT count(*) FROM outbox_transport_event WHERE status = 'pending'`).Scan(&pending); err != nil {
		return 0, 0, fmt.Errorf("count pending: %w", err)
	}
	if err = d.pool.QueryRow(ctx, `SELECT count(*) FROM outbox_transport_event WHERE status = 'failed'`).Scan(&failed); err != nil {
		return 0, 0, fmt.Errorf("count failed: %w", err)
	}
	return pending, failed, nil
}

// FindPending is a snapshot query used by ManualFlusher; it does not lock or
// mutate rows.
func (d *Driver) FindPending(ctx context.Context, limit int) ([]*outbox.Record, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id, event_name, event_payload, delivered_to_listeners, attempt_at, retry_count, status, expire_at, inserted_at
		FROM outbox_transport_event
		WHERE status = 'pending'
		ORDER BY inserted_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("find pending: %w", err)
	}
	defer rows.Close()

	var out []*outbox.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(rows pgx.Rows) (*outbox.Record, error) {
	var rec outbox.Record
	var status string
	var payload, delivered []byte
	if err := rows.Scan(&rec.ID, &rec.EventName, &payload, &delivered, &rec.AttemptAt, &rec.RetryCount, &status, &rec.ExpireAt, &rec.InsertedAt); err != nil {
		return nil, fmt.Errorf("scan outbox record: %w", err)
	}
	rec.Status = outbox.Status(status)
	rec.EventPayload = json.RawMessage(payload)
	rec.DeliveredToListeners = map[string]struct{}{}
	if len(delivered) > 0 {
		var names map[string]struct{}
		if err := json.Unmarshal(delivered, &names); err != nil {
			return nil, fmt.Errorf("unmarshal delivered_to_listeners: %w", err)
		}
		rec.DeliveredToListeners = names
	}
	return &rec, nil
}
