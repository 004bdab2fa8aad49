/*
Package wallet implements the coin ledger that pays for story chapters.

PURPOSE:
  An append-only ledger of economic events (topups, deducts, refunds) plus a
  maintained balance counter. The one property everything else depends on:
  for a (userID, contextID, sequence) billing key at most one deduct entry
  ever exists, no matter how many requests race on it.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: entries are never updated or deleted. Refunds are new
     entries referencing the original deduct.
  2. NON-NEGATIVE: the balance counter never drops below zero.
  3. ONE DEDUCT PER KEY: enforced by the store's unique dedupe_key column.
  4. ATOMIC: entry insert and balance move happen in one store operation.

ENTRY KINDS:
  topup  +amount  never deduplicated, each call is a distinct purchase
  deduct -amount  dedupe key deduct:{user}:{context}:{sequence}
  refund +amount  dedupe key refund-of:{entryID}

SEE ALSO:
  - wallet.go: Topup, ChargeOnce, Refund
  - reconcile.go: counter vs ledger drift detection
  - store/sqlite/ledger.go: SQL implementation of Store
*/
package wallet

import (
	"strconv"
	"time"

	"github.com/warp/story-engine/generic"
)

// =============================================================================
// ENTRY KIND
// =============================================================================

type Kind string

const (
	KindTopup  Kind = "topup"
	KindDeduct Kind = "deduct"
	KindRefund Kind = "refund"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindTopup, KindDeduct, KindRefund:
		return true
	}
	return false
}

// Credit reports whether entries of this kind add to the balance.
func (k Kind) Credit() bool {
	return k == KindTopup || k == KindRefund
}

// =============================================================================
// LEDGER ENTRY
// =============================================================================

// Entry is an immutable ledger record. Amount is always positive; Kind
// decides the sign.
type Entry struct {
	ID           string
	UserID       string
	Kind         Kind
	Amount       int64
	ContextID    string // story id for deducts
	Sequence     *int   // chapter number for deducts, nil for topups
	Source       string
	Note         string
	RefEntryID   string // refunds point at the deduct they reverse
	DedupeKey    string // empty for topups
	BalanceAfter int64
	CreatedAt    time.Time
}

// Delta is the signed balance change of the entry.
func (e Entry) Delta() int64 {
	if e.Kind.Credit() {
		return e.Amount
	}
	return -e.Amount
}

// EntryFilter narrows ListEntries. Zero values match everything.
type EntryFilter struct {
	Kind      Kind
	ContextID string
	Limit     int
}

// Matches reports whether e passes the filter (Limit is not considered).
func (f EntryFilter) Matches(e Entry) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.ContextID != "" && e.ContextID != f.ContextID {
		return false
	}
	return true
}

// =============================================================================
// DEDUPE KEYS
// =============================================================================

// DeductKey is the billing idempotency key for one charge.
func DeductKey(userID, contextID string, sequence int) string {
	return generic.Key(string(KindDeduct), userID, contextID, strconv.Itoa(sequence))
}

// RefundKey guards against refunding the same entry twice.
func RefundKey(entryID string) string {
	return "refund-of" + generic.KeySeparator + entryID
}

// =============================================================================
// RESULTS
// =============================================================================

// ChargeRequest describes one idempotent deduct.
type ChargeRequest struct {
	UserID    string
	ContextID string
	Sequence  int
	Amount    int64
	Source    string
}

// ChargeResult is returned by ChargeOnce. Charged=false means the key was
// already paid for; callers treat both outcomes as billing satisfied.
type ChargeResult struct {
	Charged bool
	Balance int64
	Entry   Entry
}

// Summary aggregates a user's ledger.
type Summary struct {
	UserID        string
	Balance       int64
	TotalTopup    int64
	TotalDeducted int64
	TotalRefunded int64
	Entries       int
}
