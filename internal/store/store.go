// Package store provides the local persistence layer for the sync core.
//
// The store is the single source of truth presented to UI-facing
// collaborators: remote change events and optimistic local edits both
// land here, and all reads go through it. It holds two durable tables:
//
//   - entities: cached snapshots of domain records (tasks, expenses,
//     reminders, chat messages), keyed by (type, id), each carrying the
//     server-assigned revision and a sync state.
//   - outbox: pending local mutations not yet acknowledged by the
//     server, drained FIFO per entity by the outbox processor.
//
// The database runs embedded SQLite with WAL mode so status reads stay
// concurrent with merge writes. All entity writes are atomic per-entity
// upserts; concurrent writes to the same entity resolve by revision,
// highest revision wins, with same-revision disagreements flagged as
// conflicts rather than silently overwritten.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned when a requested entity or outbox entry
// does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps the SQLite connection holding cached entities and the
// durable mutation outbox.
type Store struct {
	conn   *sql.DB
	path   string
	closed bool
}

// Open creates a new store at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent
// reads. If the database doesn't exist, it is created; call InitSchema
// before first use. The caller MUST call Close() when done.
//
// Example:
//
//	st, err := store.Open(".pocketpilot/sync.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
//	if err := st.InitSchema(); err != nil {
//	    return err
//	}
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	st := &Store{
		conn: conn,
		path: path,
	}

	if _, err := st.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := st.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := st.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return st, nil
}

// OpenMemory opens an in-memory store, used by tests and the status
// command's dry-run mode.
func OpenMemory() (*Store, error) {
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	// A single connection keeps every query on the same in-memory
	// database instance.
	conn.SetMaxOpenConns(1)
	return &Store{conn: conn, path: ":memory:"}, nil
}

// RawDB returns the underlying sql.DB connection.
// This is useful for integrating with other libraries that expect *sql.DB.
func (st *Store) RawDB() *sql.DB {
	return st.conn
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
// The connection is kept so that late calls from a straggling goroutine
// get a database-is-closed error instead of a nil dereference.
func (st *Store) Close() error {
	if st.closed {
		return nil
	}
	st.closed = true

	if st.path != ":memory:" {
		if _, err := st.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
		}
	}

	if err := st.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
//
// This creates the entities, outbox, and sync_meta tables along with
// indexes for drain and status queries. Idempotent - safe to call
// multiple times.
func (st *Store) InitSchema() error {
	return st.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (st *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		type TEXT NOT NULL,
		id TEXT NOT NULL,
		revision INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL DEFAULT '{}',
		sync_state TEXT NOT NULL DEFAULT 'synced',
		updated_at TEXT NOT NULL,
		PRIMARY KEY (type, id)
	);

	CREATE TABLE IF NOT EXISTS outbox (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		idempotency_key TEXT NOT NULL UNIQUE,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		op TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		state TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Bookkeeping (last successful sync time, schema version)
	CREATE TABLE IF NOT EXISTS sync_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entities_state ON entities(sync_state);
	CREATE INDEX IF NOT EXISTS idx_outbox_state ON outbox(state);
	CREATE INDEX IF NOT EXISTS idx_outbox_entity ON outbox(entity_type, entity_id);

	-- Composite index for FIFO drain queries
	CREATE INDEX IF NOT EXISTS idx_outbox_drain
	    ON outbox(state, entity_type, seq);
	`

	if _, err := st.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// SetLastSyncAt records the time of the last successful sync pass.
func (st *Store) SetLastSyncAt(ctx context.Context, t time.Time) error {
	_, err := st.conn.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value) VALUES ('last_sync_at', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		t.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to record last sync time: %w", err)
	}
	return nil
}

// LastSyncAt returns the time of the last successful sync pass, or the
// zero time if no sync has completed yet.
func (st *Store) LastSyncAt(ctx context.Context) (time.Time, error) {
	var raw string
	err := st.conn.QueryRowContext(ctx,
		`SELECT value FROM sync_meta WHERE key = 'last_sync_at'`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last sync time: %w", err)
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse last sync time: %w", err)
	}
	return t, nil
}
