package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Op is the kind of mutation an outbox entry carries.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// OutboxState tracks an entry through its lifecycle. Acknowledged
// entries are removed outright, so only two states persist.
type OutboxState string

const (
	// OutboxPending entries are waiting to be sent (or resent).
	OutboxPending OutboxState = "pending"

	// OutboxDead entries exhausted their retry budget or failed
	// permanently. They persist until explicitly retried or discarded.
	OutboxDead OutboxState = "dead"
)

// OutboxEntry is one pending local mutation. The idempotency key is
// assigned when the entry is enqueued and sent with every attempt, so
// a retried request whose earlier attempt actually succeeded
// server-side is deduplicated rather than double-applied.
type OutboxEntry struct {
	Seq            int64
	IdempotencyKey string
	EntityType     string
	EntityID       string
	Op             Op
	Payload        map[string]any
	State          OutboxState
	Attempts       int
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Enqueue writes an optimistic entity snapshot and its outbox entry in
// a single transaction, so a crash can never leave an edit visible
// locally without a pending mutation to back it, or vice versa.
//
// For OpDelete the entity row is removed optimistically instead of
// upserted; the outbox entry still carries the delete to the server.
func (st *Store) Enqueue(ctx context.Context, entry *OutboxEntry) error {
	if entry.IdempotencyKey == "" {
		return fmt.Errorf("outbox entry missing idempotency key")
	}

	tx, err := st.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin enqueue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	payload, err := marshalPayload(entry.Payload)
	if err != nil {
		return err
	}

	ts := now()

	switch entry.Op {
	case OpDelete:
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM entities WHERE type = ? AND id = ?`,
			entry.EntityType, entry.EntityID); err != nil {
			return fmt.Errorf("failed to apply optimistic delete: %w", err)
		}

	case OpCreate, OpUpdate:
		// Keep the current revision; the server assigns the next one
		// on acknowledgment.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entities (type, id, revision, payload, sync_state, updated_at)
			VALUES (?, ?, 0, ?, ?, ?)
			ON CONFLICT(type, id) DO UPDATE SET
				payload = excluded.payload,
				sync_state = excluded.sync_state,
				updated_at = excluded.updated_at`,
			entry.EntityType, entry.EntityID, payload, StatePending, ts); err != nil {
			return fmt.Errorf("failed to apply optimistic write: %w", err)
		}

	default:
		return fmt.Errorf("unknown outbox op: %q", entry.Op)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (idempotency_key, entity_type, entity_id, op, payload,
			state, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, '', ?, ?)`,
		entry.IdempotencyKey, entry.EntityType, entry.EntityID, entry.Op,
		payload, OutboxPending, ts, ts); err != nil {
		return fmt.Errorf("failed to enqueue outbox entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit enqueue: %w", err)
	}
	return nil
}

// PendingEntries returns all pending outbox entries in FIFO order
// (sequence of enqueue). The outbox processor groups them per entity
// before sending.
func (st *Store) PendingEntries(ctx context.Context) ([]*OutboxEntry, error) {
	return st.entriesByState(ctx, OutboxPending)
}

// DeadLetterEntries returns all dead-letter entries, oldest first.
func (st *Store) DeadLetterEntries(ctx context.Context) ([]*OutboxEntry, error) {
	return st.entriesByState(ctx, OutboxDead)
}

func (st *Store) entriesByState(ctx context.Context, state OutboxState) ([]*OutboxEntry, error) {
	rows, err := st.conn.QueryContext(ctx, `
		SELECT seq, idempotency_key, entity_type, entity_id, op, payload,
			state, attempts, last_error, created_at, updated_at
		FROM outbox WHERE state = ? ORDER BY seq`, state)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		e, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbox: %w", err)
	}
	return entries, nil
}

// PendingCount returns the number of pending outbox entries.
func (st *Store) PendingCount(ctx context.Context) (int, error) {
	return st.countByState(ctx, OutboxPending)
}

// DeadLetterCount returns the number of dead-letter entries.
func (st *Store) DeadLetterCount(ctx context.Context) (int, error) {
	return st.countByState(ctx, OutboxDead)
}

func (st *Store) countByState(ctx context.Context, state OutboxState) (int, error) {
	var n int
	err := st.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox WHERE state = ?`, state).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count outbox entries: %w", err)
	}
	return n, nil
}

// HasPending reports whether any pending outbox entries exist for the
// given entity.
func (st *Store) HasPending(ctx context.Context, entityType, id string) (bool, error) {
	tx, err := st.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin pending check: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	return hasPendingTx(ctx, tx, entityType, id)
}

func hasPendingTx(ctx context.Context, tx *sql.Tx, entityType, id string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM outbox
		WHERE entity_type = ? AND entity_id = ? AND state = ?`,
		entityType, id, OutboxPending).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check pending entries: %w", err)
	}
	return n > 0, nil
}

// Ack removes an acknowledged entry and reconciles the entity with the
// server-confirmed snapshot, in one transaction. If confirmed is nil
// (delete acknowledged) only the entry is removed. The entity's state
// returns to synced once no further entries for it remain pending.
func (st *Store) Ack(ctx context.Context, idempotencyKey string, confirmed *Entity) error {
	tx, err := st.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin ack: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var entityType, entityID string
	err = tx.QueryRowContext(ctx, `
		SELECT entity_type, entity_id FROM outbox WHERE idempotency_key = ?`,
		idempotencyKey).Scan(&entityType, &entityID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to look up outbox entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM outbox WHERE idempotency_key = ?`, idempotencyKey); err != nil {
		return fmt.Errorf("failed to remove acknowledged entry: %w", err)
	}

	if confirmed != nil {
		pending, err := hasPendingTx(ctx, tx, entityType, entityID)
		if err != nil {
			return err
		}
		state := StateSynced
		if pending {
			state = StatePending
		}

		payload, err := marshalPayload(confirmed.Payload)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entities (type, id, revision, payload, sync_state, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(type, id) DO UPDATE SET
				revision = excluded.revision,
				payload = excluded.payload,
				sync_state = excluded.sync_state,
				updated_at = excluded.updated_at`,
			confirmed.Type, confirmed.ID, confirmed.Revision, payload,
			state, now()); err != nil {
			return fmt.Errorf("failed to reconcile entity: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ack: %w", err)
	}
	return nil
}

// Fail records one failed delivery attempt for an entry.
func (st *Store) Fail(ctx context.Context, idempotencyKey string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	res, err := st.conn.ExecContext(ctx, `
		UPDATE outbox SET attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE idempotency_key = ?`, msg, now(), idempotencyKey)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeadLetter moves an entry to the dead-letter state and flags its
// entity as errored. Dead-letter entries are never silently dropped;
// they persist until RetryDeadLetter or DiscardDeadLetter is called.
func (st *Store) DeadLetter(ctx context.Context, idempotencyKey string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	tx, err := st.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin dead-letter: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var entityType, entityID string
	err = tx.QueryRowContext(ctx, `
		SELECT entity_type, entity_id FROM outbox WHERE idempotency_key = ?`,
		idempotencyKey).Scan(&entityType, &entityID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to look up outbox entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE outbox SET state = ?, attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE idempotency_key = ?`,
		OutboxDead, msg, now(), idempotencyKey); err != nil {
		return fmt.Errorf("failed to dead-letter entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE entities SET sync_state = ?, updated_at = ?
		WHERE type = ? AND id = ?`,
		StateError, now(), entityType, entityID); err != nil {
		return fmt.Errorf("failed to flag entity error: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dead-letter: %w", err)
	}
	return nil
}

// RetryDeadLetter returns a dead-letter entry to the pending queue
// with a fresh attempt budget.
func (st *Store) RetryDeadLetter(ctx context.Context, idempotencyKey string) error {
	res, err := st.conn.ExecContext(ctx, `
		UPDATE outbox SET state = ?, attempts = 0, last_error = '', updated_at = ?
		WHERE idempotency_key = ? AND state = ?`,
		OutboxPending, now(), idempotencyKey, OutboxDead)
	if err != nil {
		return fmt.Errorf("failed to retry dead-letter entry: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// DiscardDeadLetter permanently removes a dead-letter entry. The
// entity's optimistic snapshot is left as-is; the next remote event
// for it will reconcile the cache.
func (st *Store) DiscardDeadLetter(ctx context.Context, idempotencyKey string) error {
	res, err := st.conn.ExecContext(ctx, `
		DELETE FROM outbox WHERE idempotency_key = ? AND state = ?`,
		idempotencyKey, OutboxDead)
	if err != nil {
		return fmt.Errorf("failed to discard dead-letter entry: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanOutboxEntry(s scanner) (*OutboxEntry, error) {
	var e OutboxEntry
	var payload, createdAt, updatedAt string
	if err := s.Scan(&e.Seq, &e.IdempotencyKey, &e.EntityType, &e.EntityID,
		&e.Op, &payload, &e.State, &e.Attempts, &e.LastError,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}

	var err error
	if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if e.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	return &e, nil
}
