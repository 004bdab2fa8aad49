/*
Package postgres provides a PostgreSQL implementation of the storage
interfaces, for deployments where several server processes share one
database.

Same schema and same guarantees as store/sqlite; the differences are the
dialect (native TIMESTAMPTZ and JSONB, $n placeholders) and that no
in-process lock is taken. Row locks from the conditional balance UPDATE
and the unique indexes are the only serialization.
*/
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/story-engine/catalog"
	"github.com/warp/story-engine/generic"
	"github.com/warp/story-engine/session"
	"github.com/warp/story-engine/wallet"
)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Store implements all storage interfaces on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ generic.DedupeStore = (*Store)(nil)
	_ wallet.Store        = (*Store)(nil)
	_ session.Store       = (*Store)(nil)
	_ catalog.Source      = (*Store)(nil)
)

// New connects to dsn, pings and migrates.
func New(ctx context.Context, dsn string) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", generic.ErrStoreUnavailable, err)
	}
	return nil
}

// Migrate creates the schema. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

const schema = `
	CREATE TABLE IF NOT EXISTS dedupe_records (
		dedupe_key TEXT PRIMARY KEY,
		payload JSONB,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS accounts (
		user_id TEXT PRIMARY KEY,
		balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq BIGSERIAL UNIQUE,
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('topup', 'deduct', 'refund')),
		amount BIGINT NOT NULL CHECK (amount > 0),
		context_id TEXT,
		sequence INTEGER,
		source TEXT NOT NULL,
		note TEXT,
		ref_entry_id TEXT,
		dedupe_key TEXT UNIQUE,
		balance_after BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_entries_user_created
		ON ledger_entries(user_id, created_at DESC, seq DESC);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		story_id TEXT NOT NULL,
		character_id TEXT NOT NULL,
		role_ids JSONB NOT NULL,
		chapter INTEGER NOT NULL CHECK (chapter >= 1),
		chapter_target INTEGER NOT NULL,
		completed BOOLEAN NOT NULL DEFAULT FALSE,
		log JSONB NOT NULL,
		rating INTEGER,
		completed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		version BIGINT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_active
		ON sessions(user_id, story_id) WHERE NOT completed;

	CREATE INDEX IF NOT EXISTS idx_sessions_user_created
		ON sessions(user_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS stories (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		synopsis TEXT,
		chapter_cost BIGINT NOT NULL,
		chapter_target INTEGER NOT NULL,
		characters JSONB NOT NULL,
		roles JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
`

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
