// Package sqlite stores cursors, target records and audit entries in a local
// SQLite database using the pure-Go ncruces driver.
//
// Record fields are held as a JSON object per row. Lookups match fields with
// json_each so arbitrary field names need no quoting.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_cursors (
	mapping_id TEXT PRIMARY KEY,
	last_row   INTEGER NOT NULL DEFAULT 0 CHECK (last_row >= 0),
	version    INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_records (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	fields     TEXT NOT NULL,
	submitted  INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_records_kind ON sync_records(kind);

CREATE TABLE IF NOT EXISTS sync_audit (
	id          TEXT PRIMARY KEY,
	mapping_id  TEXT NOT NULL,
	kind        TEXT NOT NULL,
	mode        TEXT NOT NULL,
	trigger     TEXT NOT NULL DEFAULT '',
	ip_address  TEXT NOT NULL DEFAULT '',
	start_row   INTEGER NOT NULL,
	end_row     INTEGER NOT NULL,
	inserted    INTEGER NOT NULL DEFAULT 0,
	updated     INTEGER NOT NULL DEFAULT 0,
	unchanged   INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL,
	failed_in   TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	errors      TEXT NOT NULL DEFAULT '[]',
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_audit_mapping ON sync_audit(mapping_id, started_at);
CREATE INDEX IF NOT EXISTS idx_sync_audit_finished ON sync_audit(finished_at);
`

// dbtx is satisfied by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements the cursor, target and audit interfaces of core.
type Store struct {
	db  *sql.DB
	q   dbtx
	now func() time.Time
}

// Open opens (creating if needed) the database at path and applies the schema.
// Use ":memory:" for a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)"
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(wal)"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection serializes writers and keeps an in-memory database alive.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}

	return &Store{db: db, q: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Atomic runs fn inside a transaction.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx core.TargetStore) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &Store{db: s.db, q: tx, now: s.now}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify("commit", err)
	}
	return nil
}

// classify marks lock contention and interrupted statements as transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sqlite3.BUSY) || errors.Is(err, sqlite3.LOCKED) || errors.Is(err, sqlite3.INTERRUPT) {
		return &core.TargetUnavailableError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// placeholders returns "?, ?, ..." for n arguments.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
