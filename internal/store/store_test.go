package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// setupStore creates a file-backed store so durability paths (WAL,
// restart survival) run under test.
func setupStore(t *testing.T) *Store {
	t.Helper()

	st, err := Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if err := st.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	return st
}

func TestInitSchemaIdempotent(t *testing.T) {
	st := setupStore(t)

	if err := st.InitSchema(); err != nil {
		t.Fatalf("second InitSchema failed: %v", err)
	}
}

func TestMergeRemoteRevisions(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		existing    *Entity // nil means no cached snapshot
		incoming    Entity
		wantApplied bool
		wantRev     int64
		wantState   SyncState
	}{
		{
			name:        "new entity inserts",
			incoming:    Entity{Type: "tasks", ID: "t1", Revision: 3, Payload: map[string]any{"title": "Buy milk"}},
			wantApplied: true,
			wantRev:     3,
			wantState:   StateSynced,
		},
		{
			name:        "higher revision wins",
			existing:    &Entity{Type: "tasks", ID: "t1", Revision: 2, Payload: map[string]any{"title": "old"}},
			incoming:    Entity{Type: "tasks", ID: "t1", Revision: 5, Payload: map[string]any{"title": "new"}},
			wantApplied: true,
			wantRev:     5,
			wantState:   StateSynced,
		},
		{
			name:        "stale revision dropped",
			existing:    &Entity{Type: "tasks", ID: "t1", Revision: 7, Payload: map[string]any{"title": "current"}},
			incoming:    Entity{Type: "tasks", ID: "t1", Revision: 4, Payload: map[string]any{"title": "stale"}},
			wantApplied: false,
			wantRev:     7,
			wantState:   StateSynced,
		},
		{
			name:        "equal revision without pending is a re-delivery",
			existing:    &Entity{Type: "tasks", ID: "t1", Revision: 4, Payload: map[string]any{"title": "current"}},
			incoming:    Entity{Type: "tasks", ID: "t1", Revision: 4, Payload: map[string]any{"title": "current"}},
			wantApplied: false,
			wantRev:     4,
			wantState:   StateSynced,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := setupStore(t)

			if tt.existing != nil {
				if _, err := st.MergeRemote(ctx, tt.existing); err != nil {
					t.Fatalf("failed to seed entity: %v", err)
				}
			}

			applied, err := st.MergeRemote(ctx, &tt.incoming)
			if err != nil {
				t.Fatalf("MergeRemote failed: %v", err)
			}
			if applied != tt.wantApplied {
				t.Errorf("applied = %v, want %v", applied, tt.wantApplied)
			}

			e, err := st.GetEntity(ctx, "tasks", "t1")
			if err != nil {
				t.Fatalf("GetEntity failed: %v", err)
			}
			if e.Revision != tt.wantRev {
				t.Errorf("revision = %d, want %d", e.Revision, tt.wantRev)
			}
			if e.SyncState != tt.wantState {
				t.Errorf("sync state = %s, want %s", e.SyncState, tt.wantState)
			}
		})
	}
}

func TestMergeRemoteSameRevisionConflict(t *testing.T) {
	ctx := context.Background()
	st := setupStore(t)

	// A local edit is pending at revision 4.
	if _, err := st.MergeRemote(ctx, &Entity{Type: "tasks", ID: "t1", Revision: 4,
		Payload: map[string]any{"title": "server"}}); err != nil {
		t.Fatalf("failed to seed entity: %v", err)
	}
	if err := st.Enqueue(ctx, &OutboxEntry{
		IdempotencyKey: "k1", EntityType: "tasks", EntityID: "t1",
		Op: OpUpdate, Payload: map[string]any{"title": "local edit"},
	}); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	// The server re-asserts revision 4 while the local edit is pending.
	applied, err := st.MergeRemote(ctx, &Entity{Type: "tasks", ID: "t1", Revision: 4,
		Payload: map[string]any{"title": "server again"}})
	if err != nil {
		t.Fatalf("MergeRemote failed: %v", err)
	}
	if !applied {
		t.Error("expected conflict flag to count as a modification")
	}

	e, err := st.GetEntity(ctx, "tasks", "t1")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if e.SyncState != StateConflict {
		t.Errorf("sync state = %s, want %s", e.SyncState, StateConflict)
	}
	// The local payload must not be overwritten.
	if e.Payload["title"] != "local edit" {
		t.Errorf("payload title = %v, want local edit preserved", e.Payload["title"])
	}
}

func TestMergeRemoteDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("clean delete removes entity", func(t *testing.T) {
		st := setupStore(t)
		if _, err := st.MergeRemote(ctx, &Entity{Type: "tasks", ID: "t1", Revision: 1}); err != nil {
			t.Fatalf("failed to seed entity: %v", err)
		}

		state, err := st.MergeRemoteDelete(ctx, "tasks", "t1")
		if err != nil {
			t.Fatalf("MergeRemoteDelete failed: %v", err)
		}
		if state != StateSynced {
			t.Errorf("state = %s, want %s", state, StateSynced)
		}
		if _, err := st.GetEntity(ctx, "tasks", "t1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("delete with pending local edit flags conflict", func(t *testing.T) {
		st := setupStore(t)
		if _, err := st.MergeRemote(ctx, &Entity{Type: "tasks", ID: "t1", Revision: 1}); err != nil {
			t.Fatalf("failed to seed entity: %v", err)
		}
		if err := st.Enqueue(ctx, &OutboxEntry{
			IdempotencyKey: "k1", EntityType: "tasks", EntityID: "t1",
			Op: OpUpdate, Payload: map[string]any{"title": "keep me"},
		}); err != nil {
			t.Fatalf("failed to enqueue: %v", err)
		}

		state, err := st.MergeRemoteDelete(ctx, "tasks", "t1")
		if err != nil {
			t.Fatalf("MergeRemoteDelete failed: %v", err)
		}
		if state != StateConflict {
			t.Errorf("state = %s, want %s", state, StateConflict)
		}

		// Entity survives, flagged.
		e, err := st.GetEntity(ctx, "tasks", "t1")
		if err != nil {
			t.Fatalf("entity should survive conflicting delete: %v", err)
		}
		if e.SyncState != StateConflict {
			t.Errorf("sync state = %s, want %s", e.SyncState, StateConflict)
		}
	})
}

func TestEnqueueAtomicity(t *testing.T) {
	ctx := context.Background()
	st := setupStore(t)

	if err := st.Enqueue(ctx, &OutboxEntry{
		IdempotencyKey: "k1", EntityType: "tasks", EntityID: "t1",
		Op: OpCreate, Payload: map[string]any{"title": "Buy milk"},
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Optimistic snapshot visible immediately, pending.
	e, err := st.GetEntity(ctx, "tasks", "t1")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if e.SyncState != StatePending {
		t.Errorf("sync state = %s, want %s", e.SyncState, StatePending)
	}
	if e.Revision != 0 {
		t.Errorf("revision = %d, want 0 before server confirmation", e.Revision)
	}

	n, err := st.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if n != 1 {
		t.Errorf("pending count = %d, want 1", n)
	}

	t.Run("missing idempotency key rejected", func(t *testing.T) {
		err := st.Enqueue(ctx, &OutboxEntry{EntityType: "tasks", EntityID: "t2", Op: OpCreate})
		if err == nil {
			t.Error("expected error for missing idempotency key")
		}
	})

	t.Run("optimistic delete removes snapshot", func(t *testing.T) {
		if err := st.Enqueue(ctx, &OutboxEntry{
			IdempotencyKey: "k2", EntityType: "tasks", EntityID: "t1", Op: OpDelete,
		}); err != nil {
			t.Fatalf("Enqueue delete failed: %v", err)
		}
		if _, err := st.GetEntity(ctx, "tasks", "t1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected entity removed optimistically, got %v", err)
		}
	})
}

func TestAckReconciles(t *testing.T) {
	ctx := context.Background()
	st := setupStore(t)

	if err := st.Enqueue(ctx, &OutboxEntry{
		IdempotencyKey: "k1", EntityType: "tasks", EntityID: "t1",
		Op: OpCreate, Payload: map[string]any{"title": "Buy milk"},
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := st.Ack(ctx, "k1", &Entity{
		Type: "tasks", ID: "t1", Revision: 12,
		Payload: map[string]any{"title": "Buy milk"},
	}); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}

	e, err := st.GetEntity(ctx, "tasks", "t1")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if e.Revision != 12 {
		t.Errorf("revision = %d, want server-confirmed 12", e.Revision)
	}
	if e.SyncState != StateSynced {
		t.Errorf("sync state = %s, want %s", e.SyncState, StateSynced)
	}

	n, _ := st.PendingCount(ctx)
	if n != 0 {
		t.Errorf("pending count = %d, want 0 after ack", n)
	}

	t.Run("ack of unknown key", func(t *testing.T) {
		if err := st.Ack(ctx, "nope", nil); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestAckKeepsPendingStateWithMoreEntries(t *testing.T) {
	ctx := context.Background()
	st := setupStore(t)

	for _, key := range []string{"k1", "k2"} {
		if err := st.Enqueue(ctx, &OutboxEntry{
			IdempotencyKey: key, EntityType: "tasks", EntityID: "t1",
			Op: OpUpdate, Payload: map[string]any{"title": key},
		}); err != nil {
			t.Fatalf("Enqueue %s failed: %v", key, err)
		}
	}

	if err := st.Ack(ctx, "k1", &Entity{Type: "tasks", ID: "t1", Revision: 1}); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}

	e, err := st.GetEntity(ctx, "tasks", "t1")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if e.SyncState != StatePending {
		t.Errorf("sync state = %s, want %s while k2 is still queued", e.SyncState, StatePending)
	}
}

func TestDeadLetterLifecycle(t *testing.T) {
	ctx := context.Background()
	st := setupStore(t)

	if err := st.Enqueue(ctx, &OutboxEntry{
		IdempotencyKey: "k1", EntityType: "expenses", EntityID: "e1",
		Op: OpCreate, Payload: map[string]any{"amount": 12.5},
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := st.Fail(ctx, "k1", errors.New("connection refused")); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	if err := st.DeadLetter(ctx, "k1", errors.New("validation: amount too large")); err != nil {
		t.Fatalf("DeadLetter failed: %v", err)
	}

	dead, err := st.DeadLetterEntries(ctx)
	if err != nil {
		t.Fatalf("DeadLetterEntries failed: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dead))
	}
	if dead[0].Attempts != 2 {
		t.Errorf("attempts = %d, want 2", dead[0].Attempts)
	}
	if dead[0].LastError == "" {
		t.Error("dead letter must carry its cause")
	}

	// Entity flagged as errored.
	e, err := st.GetEntity(ctx, "expenses", "e1")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if e.SyncState != StateError {
		t.Errorf("sync state = %s, want %s", e.SyncState, StateError)
	}

	// Dead letters don't count as pending.
	if n, _ := st.PendingCount(ctx); n != 0 {
		t.Errorf("pending count = %d, want 0", n)
	}

	t.Run("retry returns entry to pending", func(t *testing.T) {
		if err := st.RetryDeadLetter(ctx, "k1"); err != nil {
			t.Fatalf("RetryDeadLetter failed: %v", err)
		}
		pending, _ := st.PendingEntries(ctx)
		if len(pending) != 1 || pending[0].Attempts != 0 {
			t.Errorf("expected one pending entry with fresh budget, got %+v", pending)
		}
	})

	t.Run("discard removes entry", func(t *testing.T) {
		if err := st.DeadLetter(ctx, "k1", errors.New("again")); err != nil {
			t.Fatalf("DeadLetter failed: %v", err)
		}
		if err := st.DiscardDeadLetter(ctx, "k1"); err != nil {
			t.Fatalf("DiscardDeadLetter failed: %v", err)
		}
		if n, _ := st.DeadLetterCount(ctx); n != 0 {
			t.Errorf("dead letter count = %d, want 0", n)
		}
	})
}

func TestPendingEntriesFIFO(t *testing.T) {
	ctx := context.Background()
	st := setupStore(t)

	keys := []string{"a", "b", "c"}
	for _, key := range keys {
		if err := st.Enqueue(ctx, &OutboxEntry{
			IdempotencyKey: key, EntityType: "tasks", EntityID: "t1",
			Op: OpUpdate, Payload: map[string]any{"v": key},
		}); err != nil {
			t.Fatalf("Enqueue %s failed: %v", key, err)
		}
	}

	entries, err := st.PendingEntries(ctx)
	if err != nil {
		t.Fatalf("PendingEntries failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	for i, key := range keys {
		if entries[i].IdempotencyKey != key {
			t.Errorf("entry %d = %s, want %s (enqueue order)", i, entries[i].IdempotencyKey, key)
		}
	}
}

func TestOutboxSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "sync.db")

	st, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := st.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	if err := st.Enqueue(ctx, &OutboxEntry{
		IdempotencyKey: "k1", EntityType: "reminders", EntityID: "r1",
		Op: OpCreate, Payload: map[string]any{"at": "9am"},
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	st2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer st2.Close()

	n, err := st2.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if n != 1 {
		t.Errorf("pending count after reopen = %d, want 1", n)
	}
}

func TestCloseIsIdempotentAndFailsLateCalls(t *testing.T) {
	ctx := context.Background()
	st := setupStore(t)

	if err := st.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	// A straggling goroutine using the store after Close gets an
	// error, never a nil dereference.
	if _, err := st.GetEntity(ctx, "tasks", "t1"); err == nil {
		t.Error("expected error from read after Close")
	}
	if _, err := st.PendingCount(ctx); err == nil {
		t.Error("expected error from count after Close")
	}
}

func TestLastSyncAt(t *testing.T) {
	ctx := context.Background()
	st := setupStore(t)

	got, err := st.LastSyncAt(ctx)
	if err != nil {
		t.Fatalf("LastSyncAt failed: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("expected zero time before first sync, got %v", got)
	}

	want := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	if err := st.SetLastSyncAt(ctx, want); err != nil {
		t.Fatalf("SetLastSyncAt failed: %v", err)
	}

	got, err = st.LastSyncAt(ctx)
	if err != nil {
		t.Fatalf("LastSyncAt failed: %v", err)
	}
	if !got.Equal(want) {
		t.Errorf("LastSyncAt = %v, want %v", got, want)
	}
}
