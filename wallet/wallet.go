package wallet

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/warp/story-engine/generic"
	"github.com/warp/story-engine/metrics"
)

// =============================================================================
// WALLET - Ledger operations
// =============================================================================

// Wallet exposes the ledger operations. Stateless; any number of Wallets may
// share one Store across goroutines or processes.
type Wallet struct {
	Store   Store
	Clock   generic.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Packs   PackList
}

// New creates a Wallet over store with the system clock and default packs.
func New(store Store) *Wallet {
	return &Wallet{
		Store: store,
		Clock: generic.SystemClock{},
		Packs: DefaultPacks(),
	}
}

func (w *Wallet) clock() generic.Clock { return generic.ClockOrSystem(w.Clock) }

func (w *Wallet) logger() *slog.Logger {
	if w.Logger == nil {
		return slog.Default()
	}
	return w.Logger
}

// Balance returns the user's current balance.
func (w *Wallet) Balance(ctx context.Context, userID string) (int64, error) {
	if err := requireID("userId", userID); err != nil {
		return 0, err
	}
	return w.Store.Balance(ctx, userID)
}

// Topup credits amount coins. Every call is a distinct economic event and
// always writes a new entry.
func (w *Wallet) Topup(ctx context.Context, userID string, amount int64, source string) (entry Entry, err error) {
	ctx, span := generic.StartSpan(ctx, "wallet.Topup",
		attribute.String("user.id", userID), attribute.Int64("amount", amount))
	defer func() { generic.EndSpan(span, err) }()

	if err := requireID("userId", userID); err != nil {
		return Entry{}, err
	}
	if amount <= 0 {
		return Entry{}, generic.Invalid("amount", "must be positive")
	}

	entry, _, err = w.Store.ApplyEntry(ctx, Entry{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      KindTopup,
		Amount:    amount,
		Source:    sourceOr(source, "topup"),
		CreatedAt: w.clock().Now(),
	})
	if err != nil {
		return Entry{}, err
	}
	w.Metrics.ObserveTopup(amount)
	return entry, nil
}

// ChargeOnce is the idempotent deduct. The billing key is
// (userID, contextID, sequence).
//
//  1. If the key was already paid, return Charged=false without touching
//     the balance (even if the balance is now below the cost).
//  2. If balance < amount, fail with *InsufficientFundsError, no mutation,
//     unless a racing duplicate has paid the key by then.
//  3. Insert the deduct and move the balance atomically. Losing a
//     concurrent race on the key yields Charged=false, never an error.
func (w *Wallet) ChargeOnce(ctx context.Context, req ChargeRequest) (res ChargeResult, err error) {
	ctx, span := generic.StartSpan(ctx, "wallet.ChargeOnce",
		attribute.String("user.id", req.UserID),
		attribute.String("context.id", req.ContextID),
		attribute.Int("sequence", req.Sequence),
		attribute.Int64("amount", req.Amount))
	defer func() { generic.EndSpan(span, err) }()

	if err := validateCharge(req); err != nil {
		return ChargeResult{}, err
	}
	key := DeductKey(req.UserID, req.ContextID, req.Sequence)

	existing, err := w.Store.GetEntryByKey(ctx, key)
	if err != nil {
		w.Metrics.ObserveCharge(metrics.ChargeFailed)
		return ChargeResult{}, err
	}
	if existing != nil {
		return w.replayed(ctx, req, *existing)
	}

	balance, err := w.Store.Balance(ctx, req.UserID)
	if err != nil {
		w.Metrics.ObserveCharge(metrics.ChargeFailed)
		return ChargeResult{}, err
	}
	if balance < req.Amount {
		return w.insufficient(ctx, req, key, &generic.InsufficientFundsError{UserID: req.UserID, Needed: req.Amount, Balance: balance})
	}

	seq := req.Sequence
	stored, created, err := w.Store.ApplyEntry(ctx, Entry{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Kind:      KindDeduct,
		Amount:    req.Amount,
		ContextID: req.ContextID,
		Sequence:  &seq,
		Source:    sourceOr(req.Source, "chapter"),
		DedupeKey: key,
		CreatedAt: w.clock().Now(),
	})
	if errors.Is(err, generic.ErrInsufficientFunds) {
		// Balance moved between the check and the write.
		return w.insufficient(ctx, req, key, err)
	}
	if err != nil {
		w.Metrics.ObserveCharge(metrics.ChargeFailed)
		return ChargeResult{}, err
	}
	if !created {
		return w.replayed(ctx, req, stored)
	}

	w.Metrics.ObserveCharge(metrics.ChargeCharged)
	return ChargeResult{Charged: true, Balance: stored.BalanceAfter, Entry: stored}, nil
}

// insufficient reports a funds failure unless a racing duplicate paid the
// key in the meantime, in which case the charge is satisfied.
func (w *Wallet) insufficient(ctx context.Context, req ChargeRequest, key string, fundsErr error) (ChargeResult, error) {
	existing, err := w.Store.GetEntryByKey(ctx, key)
	if err != nil {
		w.Metrics.ObserveCharge(metrics.ChargeFailed)
		return ChargeResult{}, err
	}
	if existing != nil {
		return w.replayed(ctx, req, *existing)
	}
	w.Metrics.ObserveCharge(metrics.ChargeInsufficient)
	return ChargeResult{}, fundsErr
}

func (w *Wallet) replayed(ctx context.Context, req ChargeRequest, entry Entry) (ChargeResult, error) {
	balance, err := w.Store.Balance(ctx, req.UserID)
	if err != nil {
		return ChargeResult{}, err
	}
	w.Metrics.ObserveCharge(metrics.ChargeReplayed)
	w.logger().Debug("charge already satisfied",
		"user_id", req.UserID, "context_id", req.ContextID, "sequence", req.Sequence, "entry_id", entry.ID)
	return ChargeResult{Charged: false, Balance: balance, Entry: entry}, nil
}

// Refund reverses a deduct entry owned by userID. Rejections leave no trace:
//   - unknown entry:           ErrNotFound
//   - another user's entry:    ErrForbidden
//   - not a deduct:            ErrNotRefundable
//   - refunded before:         ErrAlreadyRefunded
func (w *Wallet) Refund(ctx context.Context, userID, entryID, note string) (entry Entry, err error) {
	ctx, span := generic.StartSpan(ctx, "wallet.Refund",
		attribute.String("user.id", userID), attribute.String("entry.id", entryID))
	defer func() { generic.EndSpan(span, err) }()

	if err := requireID("userId", userID); err != nil {
		return Entry{}, err
	}
	if err := requireID("entryId", entryID); err != nil {
		return Entry{}, err
	}

	original, err := w.Store.GetEntry(ctx, entryID)
	if err != nil {
		w.Metrics.ObserveRefund("failed")
		return Entry{}, err
	}
	switch {
	case original == nil:
		w.Metrics.ObserveRefund("not_found")
		return Entry{}, generic.ErrNotFound
	case original.UserID != userID:
		w.Metrics.ObserveRefund("forbidden")
		return Entry{}, generic.ErrForbidden
	case original.Kind != KindDeduct:
		w.Metrics.ObserveRefund("not_refundable")
		return Entry{}, generic.ErrNotRefundable
	}

	stored, created, err := w.Store.ApplyEntry(ctx, Entry{
		ID:         uuid.NewString(),
		UserID:     userID,
		Kind:       KindRefund,
		Amount:     original.Amount,
		ContextID:  original.ContextID,
		Sequence:   original.Sequence,
		Source:     "refund",
		Note:       note,
		RefEntryID: original.ID,
		DedupeKey:  RefundKey(original.ID),
		CreatedAt:  w.clock().Now(),
	})
	if err != nil {
		w.Metrics.ObserveRefund("failed")
		return Entry{}, err
	}
	if !created {
		w.Metrics.ObserveRefund("duplicate")
		return Entry{}, generic.ErrAlreadyRefunded
	}
	w.Metrics.ObserveRefund("refunded")
	return stored, nil
}

// Entries lists a user's ledger, newest first.
func (w *Wallet) Entries(ctx context.Context, userID string, filter EntryFilter) ([]Entry, error) {
	if err := requireID("userId", userID); err != nil {
		return nil, err
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		return nil, generic.Invalid("kind", "unknown entry kind")
	}
	return w.Store.ListEntries(ctx, userID, filter)
}

// Entry returns one of the user's entries. Other users' entries are NotFound.
func (w *Wallet) Entry(ctx context.Context, userID, entryID string) (*Entry, error) {
	e, err := w.Store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if e == nil || e.UserID != userID {
		return nil, generic.ErrNotFound
	}
	return e, nil
}

// Summary totals a user's ledger by kind.
func (w *Wallet) Summary(ctx context.Context, userID string) (Summary, error) {
	entries, err := w.Entries(ctx, userID, EntryFilter{})
	if err != nil {
		return Summary{}, err
	}
	balance, err := w.Store.Balance(ctx, userID)
	if err != nil {
		return Summary{}, err
	}

	s := Summary{UserID: userID, Balance: balance, Entries: len(entries)}
	for _, e := range entries {
		switch e.Kind {
		case KindTopup:
			s.TotalTopup += e.Amount
		case KindDeduct:
			s.TotalDeducted += e.Amount
		case KindRefund:
			s.TotalRefunded += e.Amount
		}
	}
	return s, nil
}

// =============================================================================
// VALIDATION
// =============================================================================

func validateCharge(req ChargeRequest) error {
	if err := requireID("userId", req.UserID); err != nil {
		return err
	}
	if err := requireID("contextId", req.ContextID); err != nil {
		return err
	}
	if req.Sequence < 1 {
		return generic.Invalid("sequence", "must be >= 1")
	}
	if req.Amount <= 0 {
		return generic.Invalid("amount", "must be positive")
	}
	return nil
}

func requireID(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return generic.Invalid(field, "required")
	}
	if strings.Contains(value, generic.KeySeparator) {
		return generic.Invalid(field, "must not contain "+generic.KeySeparator)
	}
	return nil
}

func sourceOr(source, fallback string) string {
	if source == "" {
		return fallback
	}
	return source
}
