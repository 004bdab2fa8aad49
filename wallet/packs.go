package wallet

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/story-engine/generic"
)

// =============================================================================
// TOPUP PACKS - Coin bundles sold for real currency
// =============================================================================

// Pack is a purchasable coin bundle. Price uses decimal to avoid float
// rounding in currency amounts.
type Pack struct {
	ID       string
	Coins    int64
	Price    decimal.Decimal
	Currency string
}

// UnitPrice is the price of a single coin, rounded to 4 places.
func (p Pack) UnitPrice() decimal.Decimal {
	if p.Coins <= 0 {
		return decimal.Zero
	}
	return p.Price.DivRound(decimal.NewFromInt(p.Coins), 4)
}

// PackList is a set of packs keyed by id.
type PackList map[string]Pack

// DefaultPacks is the built-in price list.
func DefaultPacks() PackList {
	return PackList{
		"starter": {ID: "starter", Coins: 100, Price: decimal.RequireFromString("0.99"), Currency: "USD"},
		"reader":  {ID: "reader", Coins: 550, Price: decimal.RequireFromString("4.99"), Currency: "USD"},
		"binge":   {ID: "binge", Coins: 1200, Price: decimal.RequireFromString("9.99"), Currency: "USD"},
	}
}

// Sorted returns the packs ordered by coin count.
func (l PackList) Sorted() []Pack {
	out := make([]Pack, 0, len(l))
	for _, p := range l {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Coins == out[j].Coins {
			return out[i].ID < out[j].ID
		}
		return out[i].Coins < out[j].Coins
	})
	return out
}

// TopupPack credits the coins of packID. The note records the price paid.
func (w *Wallet) TopupPack(ctx context.Context, userID, packID, source string) (Entry, error) {
	pack, ok := w.Packs[packID]
	if !ok {
		return Entry{}, generic.Invalid("packId", "unknown pack")
	}
	if pack.Coins <= 0 || !pack.Price.IsPositive() {
		return Entry{}, generic.Invalid("packId", "pack is not purchasable")
	}
	if err := requireID("userId", userID); err != nil {
		return Entry{}, err
	}

	entry, _, err := w.Store.ApplyEntry(ctx, Entry{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      KindTopup,
		Amount:    pack.Coins,
		Source:    sourceOr(source, "pack:"+pack.ID),
		Note:      fmt.Sprintf("pack %s %s %s", pack.ID, pack.Price.StringFixed(2), pack.Currency),
		CreatedAt: w.clock().Now(),
	})
	if err != nil {
		return Entry{}, err
	}
	w.Metrics.ObserveTopup(pack.Coins)
	return entry, nil
}
