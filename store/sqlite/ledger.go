package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/warp/story-engine/generic"
	"github.com/warp/story-engine/wallet"
)

// =============================================================================
// LEDGER STORE (wallet.Store interface)
// =============================================================================

const entryColumns = `id, user_id, kind, amount, context_id, sequence, source, note,
	ref_entry_id, dedupe_key, balance_after, created_at`

// Balance returns the counter for userID; 0 without an account.
func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return balanceOf(ctx, s.db, userID)
}

func balanceOf(ctx context.Context, q querier, userID string) (int64, error) {
	var balance int64
	err := q.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE user_id = ?`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}

// ApplyEntry writes the entry and moves the counter in one transaction.
// The conditional UPDATE keeps the balance non-negative; the UNIQUE
// dedupe_key makes a duplicate insert a no-op.
func (s *Store) ApplyEntry(ctx context.Context, e wallet.Entry) (wallet.Entry, bool, error) {
	if !e.Kind.Valid() {
		return wallet.Entry{}, false, generic.Invalid("kind", "unknown entry kind")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wallet.Entry{}, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if e.DedupeKey != "" {
		existing, err := entryWhere(ctx, tx, "dedupe_key = ?", e.DedupeKey)
		if err != nil {
			return wallet.Entry{}, false, err
		}
		if existing != nil {
			return *existing, false, nil
		}
	}

	now := formatTime(e.CreatedAt)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO accounts (user_id, balance, updated_at) VALUES (?, 0, ?)
		ON CONFLICT(user_id) DO NOTHING
	`, e.UserID, now); err != nil {
		return wallet.Entry{}, false, fmt.Errorf("failed to open account: %w", err)
	}

	delta := e.Delta()
	res, err := tx.ExecContext(ctx, `
		UPDATE accounts SET balance = balance + ?, updated_at = ?
		WHERE user_id = ? AND balance + ? >= 0
	`, delta, now, e.UserID, delta)
	if err != nil {
		return wallet.Entry{}, false, fmt.Errorf("failed to move balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		balance, err := balanceOf(ctx, tx, e.UserID)
		if err != nil {
			return wallet.Entry{}, false, err
		}
		return wallet.Entry{}, false, &generic.InsufficientFundsError{UserID: e.UserID, Needed: e.Amount, Balance: balance}
	}

	if e.BalanceAfter, err = balanceOf(ctx, tx, e.UserID); err != nil {
		return wallet.Entry{}, false, err
	}

	res, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dedupe_key) DO NOTHING
	`,
		e.ID, e.UserID, string(e.Kind), e.Amount,
		nullString(e.ContextID), nullSequence(e.Sequence), e.Source, nullString(e.Note),
		nullString(e.RefEntryID), nullString(e.DedupeKey), e.BalanceAfter, now,
	)
	if err != nil {
		return wallet.Entry{}, false, fmt.Errorf("failed to append ledger entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost the key to a writer outside this process; undo the balance move.
		if err := tx.Rollback(); err != nil {
			return wallet.Entry{}, false, err
		}
		existing, err := entryWhere(ctx, s.db, "dedupe_key = ?", e.DedupeKey)
		if err != nil {
			return wallet.Entry{}, false, err
		}
		if existing == nil {
			return wallet.Entry{}, false, generic.ErrConcurrentModification
		}
		return *existing, false, nil
	}

	if err := tx.Commit(); err != nil {
		return wallet.Entry{}, false, fmt.Errorf("failed to commit ledger entry: %w", err)
	}
	return e, true, nil
}

// GetEntry returns the entry with id, or nil.
func (s *Store) GetEntry(ctx context.Context, id string) (*wallet.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return entryWhere(ctx, s.db, "id = ?", id)
}

// GetEntryByKey returns the entry with the dedupe key, or nil.
func (s *Store) GetEntryByKey(ctx context.Context, key string) (*wallet.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return entryWhere(ctx, s.db, "dedupe_key = ?", key)
}

// ListEntries returns a user's entries, newest first.
func (s *Store) ListEntries(ctx context.Context, userID string, filter wallet.EntryFilter) ([]wallet.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where := []string{"user_id = ?"}
	args := []any{userID}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.ContextID != "" {
		where = append(where, "context_id = ?")
		args = append(args, filter.ContextID)
	}
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY created_at DESC, rowid DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var result []wallet.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// LedgerSum returns the signed sum of a user's entries.
func (s *Store) LedgerSum(ctx context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN kind = 'deduct' THEN -amount ELSE amount END), 0)
		FROM ledger_entries WHERE user_id = ?
	`, userID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum ledger: %w", err)
	}
	return sum, nil
}

// ListAccounts returns every user id with an account.
func (s *Store) ListAccounts(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM accounts ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// SetBalance overwrites the counter. Reconciliation only.
func (s *Store) SetBalance(ctx context.Context, userID string, balance int64) error {
	if balance < 0 {
		return generic.Invalid("balance", "must be >= 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (user_id, balance, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET balance = excluded.balance, updated_at = excluded.updated_at
	`, userID, balance, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to set balance: %w", err)
	}
	return nil
}

// RepairBalance rewrites the counter from the ledger under the write lock.
func (s *Store) RepairBalance(ctx context.Context, userID string) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	counter, err := balanceOf(ctx, tx, userID)
	if err != nil {
		return 0, 0, err
	}
	var sum int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN kind = 'deduct' THEN -amount ELSE amount END), 0)
		FROM ledger_entries WHERE user_id = ?
	`, userID).Scan(&sum); err != nil {
		return 0, 0, fmt.Errorf("failed to sum ledger: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO accounts (user_id, balance, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET balance = excluded.balance, updated_at = excluded.updated_at
	`, userID, max(sum, 0), formatTime(time.Now())); err != nil {
		return 0, 0, fmt.Errorf("failed to repair balance: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit repair: %w", err)
	}
	return counter, sum, nil
}

func entryWhere(ctx context.Context, q querier, cond string, arg any) (*wallet.Entry, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE `+cond, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entry: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	e, err := scanEntry(rows)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanEntry(row rowScanner) (wallet.Entry, error) {
	var (
		e                          wallet.Entry
		kind, createdAt            string
		contextID, note, ref, dkey sql.NullString
		seq                        sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.UserID, &kind, &e.Amount, &contextID, &seq, &e.Source, &note,
		&ref, &dkey, &e.BalanceAfter, &createdAt); err != nil {
		return wallet.Entry{}, fmt.Errorf("failed to scan ledger entry: %w", err)
	}
	e.Kind = wallet.Kind(kind)
	e.ContextID = contextID.String
	e.Note = note.String
	e.RefEntryID = ref.String
	e.DedupeKey = dkey.String
	if seq.Valid {
		n := int(seq.Int64)
		e.Sequence = &n
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return wallet.Entry{}, err
	}
	e.CreatedAt = t
	return e, nil
}

func nullSequence(seq *int) sql.NullInt64 {
	if seq == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*seq), Valid: true}
}
