package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SyncState describes how an entity's cached snapshot relates to the
// server's view of it.
type SyncState string

const (
	// StateSynced means the snapshot matches the last server-confirmed
	// revision and no local edits are pending.
	StateSynced SyncState = "synced"

	// StatePending means a local edit is waiting in the outbox for
	// server acknowledgment.
	StatePending SyncState = "pending"

	// StateConflict means local and remote disagree at the same
	// revision, or a remote delete collided with a pending local edit.
	// Requires explicit resolution; never overwritten silently.
	StateConflict SyncState = "conflict"

	// StateError means the last attempt to reconcile this entity
	// failed permanently (see the dead-letter queue for the cause).
	StateError SyncState = "error"
)

// Entity is one cached domain record: a task, expense, reminder, or
// chat message. Revision is server-assigned and monotonically
// increasing; a zero revision marks a record the server has never
// confirmed.
type Entity struct {
	Type      string
	ID        string
	Revision  int64
	Payload   map[string]any
	SyncState SyncState
	UpdatedAt time.Time
}

// GetEntity returns the cached snapshot for (entityType, id).
// Returns ErrNotFound if no snapshot exists.
func (st *Store) GetEntity(ctx context.Context, entityType, id string) (*Entity, error) {
	row := st.conn.QueryRowContext(ctx, `
		SELECT type, id, revision, payload, sync_state, updated_at
		FROM entities WHERE type = ? AND id = ?`, entityType, id)

	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity %s/%s: %w", entityType, id, err)
	}
	return e, nil
}

// ListEntities returns all cached snapshots of the given type, ordered
// by id for stable output.
func (st *Store) ListEntities(ctx context.Context, entityType string) ([]*Entity, error) {
	rows, err := st.conn.QueryContext(ctx, `
		SELECT type, id, revision, payload, sync_state, updated_at
		FROM entities WHERE type = ? ORDER BY id`, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	var entities []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entities: %w", err)
	}
	return entities, nil
}

// CountByState returns the number of entities of the given type in the
// given sync state.
func (st *Store) CountByState(ctx context.Context, entityType string, state SyncState) (int, error) {
	var n int
	err := st.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM entities WHERE type = ? AND sync_state = ?`,
		entityType, state).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count entities: %w", err)
	}
	return n, nil
}

// MergeRemote applies a server-originated insert or update to the
// cache. Resolution is by revision marker:
//
//   - incoming revision higher than cached: snapshot replaced, state
//     becomes synced (unless outbox edits for the entity are still
//     pending, in which case it stays pending).
//   - incoming revision lower than cached: the event is stale and
//     dropped.
//   - revisions equal with a pending local edit: flagged as conflict.
//
// Returns true if the cache was modified.
func (st *Store) MergeRemote(ctx context.Context, e *Entity) (bool, error) {
	tx, err := st.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin merge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var curRevision int64
	var curState SyncState
	err = tx.QueryRowContext(ctx, `
		SELECT revision, sync_state FROM entities WHERE type = ? AND id = ?`,
		e.Type, e.ID).Scan(&curRevision, &curState)
	exists := !errors.Is(err, sql.ErrNoRows)
	if err != nil && exists {
		return false, fmt.Errorf("failed to read current revision: %w", err)
	}

	if exists && e.Revision < curRevision {
		// Stale event, server already moved past it.
		return false, nil
	}

	pending, err := hasPendingTx(ctx, tx, e.Type, e.ID)
	if err != nil {
		return false, err
	}

	if exists && e.Revision == curRevision {
		if !pending || curState == StateConflict {
			// Re-delivery of a revision we already hold.
			return false, nil
		}
		// Server and a pending local edit both claim this revision.
		if _, err := tx.ExecContext(ctx, `
			UPDATE entities SET sync_state = ?, updated_at = ?
			WHERE type = ? AND id = ?`,
			StateConflict, now(), e.Type, e.ID); err != nil {
			return false, fmt.Errorf("failed to flag conflict: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("failed to commit conflict flag: %w", err)
		}
		return true, nil
	}

	state := StateSynced
	if pending {
		state = StatePending
	}

	payload, err := marshalPayload(e.Payload)
	if err != nil {
		return false, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO entities (type, id, revision, payload, sync_state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(type, id) DO UPDATE SET
			revision = excluded.revision,
			payload = excluded.payload,
			sync_state = excluded.sync_state,
			updated_at = excluded.updated_at`,
		e.Type, e.ID, e.Revision, payload, state, now()); err != nil {
		return false, fmt.Errorf("failed to upsert entity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit merge: %w", err)
	}
	return true, nil
}

// MergeRemoteDelete applies a server-originated delete. If local edits
// to the entity are still pending in the outbox, the entity is flagged
// as a conflict instead of being removed - deleting it would silently
// discard the user's work. Returns the resulting state: StateConflict
// if flagged, StateSynced if removed.
func (st *Store) MergeRemoteDelete(ctx context.Context, entityType, id string) (SyncState, error) {
	tx, err := st.conn.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin delete merge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	pending, err := hasPendingTx(ctx, tx, entityType, id)
	if err != nil {
		return "", err
	}

	if pending {
		if _, err := tx.ExecContext(ctx, `
			UPDATE entities SET sync_state = ?, updated_at = ?
			WHERE type = ? AND id = ?`,
			StateConflict, now(), entityType, id); err != nil {
			return "", fmt.Errorf("failed to flag delete conflict: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return "", fmt.Errorf("failed to commit delete conflict: %w", err)
		}
		return StateConflict, nil
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM entities WHERE type = ? AND id = ?`, entityType, id); err != nil {
		return "", fmt.Errorf("failed to delete entity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit delete: %w", err)
	}
	return StateSynced, nil
}

// MarkState sets the sync state of one entity without touching its
// snapshot. Used to surface permanent mutation failures and to clear
// conflicts after explicit resolution.
func (st *Store) MarkState(ctx context.Context, entityType, id string, state SyncState) error {
	res, err := st.conn.ExecContext(ctx, `
		UPDATE entities SET sync_state = ?, updated_at = ?
		WHERE type = ? AND id = ?`, state, now(), entityType, id)
	if err != nil {
		return fmt.Errorf("failed to mark entity state: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(s scanner) (*Entity, error) {
	var e Entity
	var payload, updatedAt string
	if err := s.Scan(&e.Type, &e.ID, &e.Revision, &payload, &e.SyncState, &updatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}

	t, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	e.UpdatedAt = t

	return &e, nil
}

func marshalPayload(payload map[string]any) (string, error) {
	if payload == nil {
		return "{}", nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	return string(data), nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
