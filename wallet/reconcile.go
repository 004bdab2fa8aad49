package wallet

import (
	"context"
	"fmt"
)

// =============================================================================
// RECONCILIATION - Counter vs ledger
// =============================================================================

// Reconciliation compares the maintained counter with the ledger sum.
// Drift is Counter - LedgerSum; zero means consistent.
type Reconciliation struct {
	UserID    string
	Counter   int64
	LedgerSum int64
	Drift     int64
	Repaired  bool
}

// Consistent reports whether counter and ledger agree.
func (r Reconciliation) Consistent() bool { return r.Drift == 0 }

// Reconcile reports drift for one user without changing anything.
func (w *Wallet) Reconcile(ctx context.Context, userID string) (Reconciliation, error) {
	if err := requireID("userId", userID); err != nil {
		return Reconciliation{}, err
	}
	counter, err := w.Store.Balance(ctx, userID)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("reconcile %s: balance: %w", userID, err)
	}
	sum, err := w.Store.LedgerSum(ctx, userID)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("reconcile %s: ledger sum: %w", userID, err)
	}
	return Reconciliation{UserID: userID, Counter: counter, LedgerSum: sum, Drift: counter - sum}, nil
}

// Repair rewrites the counter to the ledger sum when they disagree. The
// ledger is the source of truth; a negative sum is clamped to zero. The
// sum and the rewrite happen in one store step, so entries written while
// Repair runs are never lost from the counter.
func (w *Wallet) Repair(ctx context.Context, userID string) (Reconciliation, error) {
	r, err := w.Reconcile(ctx, userID)
	if err != nil || r.Consistent() {
		return r, err
	}
	counter, sum, err := w.Store.RepairBalance(ctx, userID)
	if err != nil {
		return r, fmt.Errorf("repair %s: %w", userID, err)
	}
	r = Reconciliation{UserID: userID, Counter: counter, LedgerSum: sum, Drift: counter - sum}
	if r.Consistent() {
		return r, nil
	}
	w.logger().Warn("balance counter repaired",
		"user_id", userID, "counter", r.Counter, "ledger_sum", r.LedgerSum)
	r.Repaired = true
	return r, nil
}

// ReconcileAll runs Reconcile (or Repair) for every account and returns
// only the inconsistent ones.
func (w *Wallet) ReconcileAll(ctx context.Context, repair bool) ([]Reconciliation, error) {
	users, err := w.Store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	var drifted []Reconciliation
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return drifted, err
		}
		var r Reconciliation
		if repair {
			r, err = w.Repair(ctx, userID)
		} else {
			r, err = w.Reconcile(ctx, userID)
		}
		if err != nil {
			return drifted, err
		}
		if !r.Consistent() {
			drifted = append(drifted, r)
		}
	}
	return drifted, nil
}
