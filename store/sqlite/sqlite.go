/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface (generic.DedupeStore,
  wallet.Store, session.Store, catalog.Source) on one SQLite database.
  PostgreSQL uses the same schema and patterns (see store/postgres).

INTERFACES IMPLEMENTED:
  generic.DedupeStore: dedupe_records, INSERT ... ON CONFLICT DO NOTHING
  wallet.Store:        accounts + ledger_entries, one transaction per entry
  session.Store:       sessions, compare-and-swap on version
  catalog.Source:      stories

UNIQUENESS ENFORCEMENT:
  Every at-most-once guarantee is a constraint, never a read-then-write:
  - dedupe_records.dedupe_key            PRIMARY KEY
  - ledger_entries.dedupe_key            UNIQUE (NULL for topups)
  - idx_sessions_active (user, story)    UNIQUE WHERE completed = 0
  - accounts.balance                     CHECK (balance >= 0)

APPEND-ONLY ENFORCEMENT:
  No UPDATE or DELETE statements touch ledger_entries or dedupe_records.

CONCURRENCY:
  One open connection (SQLite allows a single writer, and ":memory:"
  databases are per connection) plus sync.RWMutex for thread-safety.
  Inside a transaction only the *sql.Tx is used.

USAGE:
  store, err := sqlite.New("./data/story.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  w := wallet.New(store)

SEE ALSO:
  - generic/store.go: DedupeStore contract
  - wallet/store.go: ledger contract
  - generic/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/story-engine/catalog"
	"github.com/warp/story-engine/generic"
	"github.com/warp/story-engine/session"
	"github.com/warp/story-engine/wallet"
)

// timeLayout sorts lexicographically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ generic.DedupeStore = (*Store)(nil)
	_ wallet.Store        = (*Store)(nil)
	_ session.Store       = (*Store)(nil)
	_ catalog.Source      = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", generic.ErrStoreUnavailable, err)
	}
	return nil
}

// Migrate creates the database schema. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const schema = `
	-- Dedupe records (generic insert-if-absent)
	CREATE TABLE IF NOT EXISTS dedupe_records (
		dedupe_key TEXT PRIMARY KEY,
		payload_json TEXT,
		created_at TEXT NOT NULL
	);

	-- Accounts (maintained balance counter)
	CREATE TABLE IF NOT EXISTS accounts (
		user_id TEXT PRIMARY KEY,
		balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		updated_at TEXT NOT NULL
	);

	-- Ledger entries (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('topup', 'deduct', 'refund')),
		amount INTEGER NOT NULL CHECK (amount > 0),
		context_id TEXT,
		sequence INTEGER,
		source TEXT NOT NULL,
		note TEXT,
		ref_entry_id TEXT,
		dedupe_key TEXT UNIQUE,
		balance_after INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_entries_user_created
		ON ledger_entries(user_id, created_at DESC);

	-- Sessions
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		story_id TEXT NOT NULL,
		character_id TEXT NOT NULL,
		role_ids_json TEXT NOT NULL,
		chapter INTEGER NOT NULL CHECK (chapter >= 1),
		chapter_target INTEGER NOT NULL,
		completed INTEGER NOT NULL DEFAULT 0,
		log_json TEXT NOT NULL,
		rating INTEGER,
		completed_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		version INTEGER NOT NULL
	);

	-- CRITICAL: at most one active session per (user, story)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_active
		ON sessions(user_id, story_id) WHERE completed = 0;

	CREATE INDEX IF NOT EXISTS idx_sessions_user_created
		ON sessions(user_id, created_at DESC);

	-- Story catalog
	CREATE TABLE IF NOT EXISTS stories (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		synopsis TEXT,
		chapter_cost INTEGER NOT NULL,
		chapter_target INTEGER NOT NULL,
		characters_json TEXT NOT NULL,
		roles_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
`

// =============================================================================
// HELPERS
// =============================================================================

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored time %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
