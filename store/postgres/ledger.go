package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/warp/story-engine/generic"
	"github.com/warp/story-engine/wallet"
)

const entryColumns = `id, user_id, kind, amount, context_id, sequence, source, note,
	ref_entry_id, dedupe_key, balance_after, created_at`

// Balance returns the counter for userID; 0 without an account.
func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	return balanceOf(ctx, s.pool, userID)
}

func balanceOf(ctx context.Context, q querier, userID string) (int64, error) {
	var balance int64
	err := q.QueryRow(ctx, `SELECT balance FROM accounts WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}

// ApplyEntry writes the entry and moves the counter in one transaction.
func (s *Store) ApplyEntry(ctx context.Context, e wallet.Entry) (wallet.Entry, bool, error) {
	if !e.Kind.Valid() {
		return wallet.Entry{}, false, generic.Invalid("kind", "unknown entry kind")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wallet.Entry{}, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO accounts (user_id, balance, updated_at) VALUES ($1, 0, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, e.UserID, e.CreatedAt); err != nil {
		return wallet.Entry{}, false, fmt.Errorf("failed to open account: %w", err)
	}

	// The account row lock serializes writers for the same user. The key
	// lookup runs after it so it sees any entry a racing writer committed.
	if _, err := tx.Exec(ctx, `SELECT 1 FROM accounts WHERE user_id = $1 FOR UPDATE`, e.UserID); err != nil {
		return wallet.Entry{}, false, fmt.Errorf("failed to lock account: %w", err)
	}

	if e.DedupeKey != "" {
		existing, err := entryWhere(ctx, tx, "dedupe_key = $1", e.DedupeKey)
		if err != nil {
			return wallet.Entry{}, false, err
		}
		if existing != nil {
			return *existing, false, nil
		}
	}

	err = tx.QueryRow(ctx, `
		UPDATE accounts SET balance = balance + $1, updated_at = $2
		WHERE user_id = $3 AND balance + $1 >= 0
		RETURNING balance
	`, e.Delta(), e.CreatedAt, e.UserID).Scan(&e.BalanceAfter)
	if errors.Is(err, pgx.ErrNoRows) {
		balance, err := balanceOf(ctx, tx, e.UserID)
		if err != nil {
			return wallet.Entry{}, false, err
		}
		return wallet.Entry{}, false, &generic.InsufficientFundsError{UserID: e.UserID, Needed: e.Amount, Balance: balance}
	}
	if err != nil {
		return wallet.Entry{}, false, fmt.Errorf("failed to move balance: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (dedupe_key) DO NOTHING
	`,
		e.ID, e.UserID, string(e.Kind), e.Amount,
		nullString(e.ContextID), e.Sequence, e.Source, nullString(e.Note),
		nullString(e.RefEntryID), nullString(e.DedupeKey), e.BalanceAfter, e.CreatedAt,
	)
	if err != nil {
		return wallet.Entry{}, false, fmt.Errorf("failed to append ledger entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// A concurrent transaction committed the same key first.
		if err := tx.Rollback(ctx); err != nil {
			return wallet.Entry{}, false, err
		}
		existing, err := entryWhere(ctx, s.pool, "dedupe_key = $1", e.DedupeKey)
		if err != nil {
			return wallet.Entry{}, false, err
		}
		if existing == nil {
			return wallet.Entry{}, false, generic.ErrConcurrentModification
		}
		return *existing, false, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return wallet.Entry{}, false, fmt.Errorf("failed to commit ledger entry: %w", err)
	}
	return e, true, nil
}

// GetEntry returns the entry with id, or nil.
func (s *Store) GetEntry(ctx context.Context, id string) (*wallet.Entry, error) {
	return entryWhere(ctx, s.pool, "id = $1", id)
}

// GetEntryByKey returns the entry with the dedupe key, or nil.
func (s *Store) GetEntryByKey(ctx context.Context, key string) (*wallet.Entry, error) {
	return entryWhere(ctx, s.pool, "dedupe_key = $1", key)
}

// ListEntries returns a user's entries, newest first.
func (s *Store) ListEntries(ctx context.Context, userID string, filter wallet.EntryFilter) ([]wallet.Entry, error) {
	where := []string{"user_id = $1"}
	args := []any{userID}
	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		where = append(where, "kind = $"+strconv.Itoa(len(args)))
	}
	if filter.ContextID != "" {
		args = append(args, filter.ContextID)
		where = append(where, "context_id = $"+strconv.Itoa(len(args)))
	}
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY created_at DESC, seq DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
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
	var sum int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(CASE WHEN kind = 'deduct' THEN -amount ELSE amount END), 0)::BIGINT
		FROM ledger_entries WHERE user_id = $1
	`, userID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum ledger: %w", err)
	}
	return sum, nil
}

// ListAccounts returns every user id with an account.
func (s *Store) ListAccounts(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id FROM accounts ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// SetBalance overwrites the counter. Reconciliation only.
func (s *Store) SetBalance(ctx context.Context, userID string, balance int64) error {
	if balance < 0 {
		return generic.Invalid("balance", "must be >= 0")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (user_id, balance, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET balance = excluded.balance, updated_at = excluded.updated_at
	`, userID, balance, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set balance: %w", err)
	}
	return nil
}

// RepairBalance rewrites the counter from the ledger while holding the
// account row lock, the same lock ApplyEntry takes before writing.
func (s *Store) RepairBalance(ctx context.Context, userID string) (int64, int64, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		INSERT INTO accounts (user_id, balance, updated_at) VALUES ($1, 0, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, now); err != nil {
		return 0, 0, fmt.Errorf("failed to open account: %w", err)
	}
	var counter int64
	if err := tx.QueryRow(ctx, `SELECT balance FROM accounts WHERE user_id = $1 FOR UPDATE`, userID).Scan(&counter); err != nil {
		return 0, 0, fmt.Errorf("failed to lock account: %w", err)
	}
	var sum int64
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(CASE WHEN kind = 'deduct' THEN -amount ELSE amount END), 0)::BIGINT
		FROM ledger_entries WHERE user_id = $1
	`, userID).Scan(&sum); err != nil {
		return 0, 0, fmt.Errorf("failed to sum ledger: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = $1, updated_at = $2 WHERE user_id = $3`,
		max(sum, 0), now, userID); err != nil {
		return 0, 0, fmt.Errorf("failed to repair balance: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("failed to commit repair: %w", err)
	}
	return counter, sum, nil
}

func entryWhere(ctx context.Context, q querier, cond string, arg any) (*wallet.Entry, error) {
	row := q.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE `+cond, arg)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanEntry(row pgx.Row) (wallet.Entry, error) {
	var (
		e                          wallet.Entry
		kind                       string
		contextID, note, ref, dkey *string
	)
	err := row.Scan(&e.ID, &e.UserID, &kind, &e.Amount, &contextID, &e.Sequence, &e.Source, &note,
		&ref, &dkey, &e.BalanceAfter, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return wallet.Entry{}, err
		}
		return wallet.Entry{}, fmt.Errorf("failed to scan ledger entry: %w", err)
	}
	e.Kind = wallet.Kind(kind)
	e.ContextID = deref(contextID)
	e.Note = deref(note)
	e.RefEntryID = deref(ref)
	e.DedupeKey = deref(dkey)
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}
