// Package postgres stores cursors, target records and audit entries in
// PostgreSQL through a pgx connection pool.
//
// Record fields are a jsonb object. Lookups use containment (@>) so a single
// GIN index serves every key combination. Inserts and updates emit a
// pg_notify on the sheetsync_records channel unless the mapping mutes
// notifications; inside Atomic the notifications are delivered on commit.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

// NotifyChannel is the LISTEN channel for record changes.
const NotifyChannel = "sheetsync_records"

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PoolOptions tunes the connection pool.
type PoolOptions struct {
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, url string, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = int32(opts.MaxConns)
	}
	if opts.MinConns > 0 {
		cfg.MinConns = int32(opts.MinConns)
	}
	if opts.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = opts.MaxConnLifetime
	}
	if opts.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = opts.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Store implements the cursor, target and audit interfaces of core.
type Store struct {
	pool *pgxpool.Pool
	q    DBTX
}

// New wraps a pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, q: pool}
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.q.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Ping checks the pool.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Atomic runs fn inside a transaction.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx core.TargetStore) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify("begin", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &Store{pool: s.pool, q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classify("commit", err)
	}
	return nil
}

// transientCodes are SQLSTATEs worth a second attempt.
var transientCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"57P01": true, // admin_shutdown
	"57P03": true, // cannot_connect_now
	"53300": true, // too_many_connections
}

// classify wraps connection loss, timeouts and retryable SQLSTATEs as
// *core.TargetUnavailableError.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	transient := pgconn.Timeout(err) || pgconn.SafeToRetry(err)

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		transient = true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if transientCodes[pgErr.Code] || len(pgErr.Code) == 5 && pgErr.Code[:2] == "08" {
			transient = true
		}
	}

	if transient {
		return &core.TargetUnavailableError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
