package wallet

import "context"

// =============================================================================
// STORE - Ledger persistence (append-only)
// =============================================================================

// Store persists accounts and ledger entries.
// IMPORTANT: entries are APPEND-ONLY. SetBalance and RepairBalance exist
// only for reconciliation repair of the derived counter.
type Store interface {
	// Balance returns the counter for userID; 0 when no account exists.
	Balance(ctx context.Context, userID string) (int64, error)

	// ApplyEntry inserts e and moves the balance counter by e.Delta() as
	// one atomic unit, filling BalanceAfter.
	//
	// If e.DedupeKey is set and an entry with that key exists, nothing is
	// written and the existing entry is returned with created=false.
	// If a debit would take the balance below zero, nothing is written and
	// a *generic.InsufficientFundsError is returned.
	ApplyEntry(ctx context.Context, e Entry) (stored Entry, created bool, err error)

	// GetEntry returns the entry with id, or nil.
	GetEntry(ctx context.Context, id string) (*Entry, error)

	// GetEntryByKey returns the entry with the dedupe key, or nil.
	GetEntryByKey(ctx context.Context, dedupeKey string) (*Entry, error)

	// ListEntries returns a user's entries, newest first.
	ListEntries(ctx context.Context, userID string, filter EntryFilter) ([]Entry, error)

	// LedgerSum returns the signed sum of a user's entries.
	LedgerSum(ctx context.Context, userID string) (int64, error)

	// ListAccounts returns every user id with an account.
	ListAccounts(ctx context.Context) ([]string, error)

	// SetBalance overwrites the counter. Reconciliation only.
	SetBalance(ctx context.Context, userID string, balance int64) error

	// RepairBalance sets the counter to the ledger sum (clamped at zero)
	// in one atomic step, serialized with ApplyEntry. It returns the
	// counter it replaced and the sum it used.
	RepairBalance(ctx context.Context, userID string) (counter, ledgerSum int64, err error)
}
