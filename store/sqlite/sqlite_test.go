package sqlite_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/story-engine/catalog"
	"github.com/warp/story-engine/generic"
	"github.com/warp/story-engine/session"
	"github.com/warp/story-engine/store/sqlite"
	"github.com/warp/story-engine/wallet"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

var t0 = time.Date(2025, time.April, 2, 8, 30, 0, 123456789, time.UTC)

// =============================================================================
// DEDUPE RECORDS
// =============================================================================

func TestUpsertIfAbsent_ExactlyOneWinner(t *testing.T) {
	// GIVEN: 30 concurrent inserts of the same key
	// THEN: exactly one reports created=true and none error
	store := newTestStore(t)
	ctx := context.Background()

	const n = 30
	created := make([]bool, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			c, err := store.UpsertIfAbsent(ctx, generic.Record{
				Key: "achievement:u1:first_start", Payload: map[string]string{"i": "x"}, CreatedAt: t0,
			})
			created[i] = c
			return err
		})
	}
	require.NoError(t, g.Wait())

	winners := 0
	for _, c := range created {
		if c {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestDedupeRecords_GetAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, k := range []string{"achievement:u1:b", "achievement:u1:a", "achievement:u2:a", "rule:x:u1:0"} {
		_, err := store.UpsertIfAbsent(ctx, generic.Record{Key: k, Payload: map[string]string{"k": k}, CreatedAt: t0})
		require.NoError(t, err)
	}

	rec, err := store.GetRecord(ctx, "achievement:u1:a")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "achievement:u1:a", rec.Payload["k"])
	assert.True(t, t0.Equal(rec.CreatedAt))

	missing, err := store.GetRecord(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	list, err := store.ListRecords(ctx, "achievement:u1:")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "achievement:u1:a", list[0].Key)
	assert.Equal(t, "achievement:u1:b", list[1].Key)
}

// =============================================================================
// LEDGER
// =============================================================================

func newWallet(store *sqlite.Store) *wallet.Wallet {
	w := wallet.New(store)
	w.Clock = generic.NewFixedClock(t0)
	return w
}

func TestLedger_ChargeOnceConcurrent(t *testing.T) {
	store := newTestStore(t)
	w := newWallet(store)
	ctx := context.Background()

	_, err := w.Topup(ctx, "u1", 100, "test")
	require.NoError(t, err)

	var g errgroup.Group
	for i := 0; i < 12; i++ {
		g.Go(func() error {
			_, err := w.ChargeOnce(ctx, wallet.ChargeRequest{UserID: "u1", ContextID: "s1", Sequence: 1, Amount: 10})
			return err
		})
	}
	require.NoError(t, g.Wait())

	balance, err := store.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(90), balance)

	deducts, err := store.ListEntries(ctx, "u1", wallet.EntryFilter{Kind: wallet.KindDeduct})
	require.NoError(t, err)
	require.Len(t, deducts, 1)
	require.NotNil(t, deducts[0].Sequence)
	assert.Equal(t, 1, *deducts[0].Sequence)
	assert.Equal(t, int64(90), deducts[0].BalanceAfter)
	assert.Equal(t, "s1", deducts[0].ContextID)
}

func TestLedger_ApplyEntry_NegativeRejectedWithoutWrite(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seq := 1

	_, _, err := store.ApplyEntry(ctx, wallet.Entry{
		ID: "e1", UserID: "u1", Kind: wallet.KindDeduct, Amount: 10, ContextID: "s1",
		Sequence: &seq, Source: "chapter", DedupeKey: wallet.DeductKey("u1", "s1", 1), CreatedAt: t0,
	})
	var ife *generic.InsufficientFundsError
	require.ErrorAs(t, err, &ife)
	assert.Equal(t, int64(0), ife.Balance)

	entries, err := store.ListEntries(ctx, "u1", wallet.EntryFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)

	byKey, err := store.GetEntryByKey(ctx, wallet.DeductKey("u1", "s1", 1))
	require.NoError(t, err)
	assert.Nil(t, byKey)
}

func TestLedger_RefundAndReconcile(t *testing.T) {
	store := newTestStore(t)
	w := newWallet(store)
	ctx := context.Background()

	_, err := w.Topup(ctx, "u1", 30, "")
	require.NoError(t, err)
	res, err := w.ChargeOnce(ctx, wallet.ChargeRequest{UserID: "u1", ContextID: "s1", Sequence: 1, Amount: 10})
	require.NoError(t, err)

	refund, err := w.Refund(ctx, "u1", res.Entry.ID, "oops")
	require.NoError(t, err)
	assert.Equal(t, res.Entry.ID, refund.RefEntryID)
	_, err = w.Refund(ctx, "u1", res.Entry.ID, "oops")
	assert.ErrorIs(t, err, generic.ErrAlreadyRefunded)

	sum, err := store.LedgerSum(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), sum)

	require.NoError(t, store.SetBalance(ctx, "u1", 12))
	drifted, err := w.ReconcileAll(ctx, true)
	require.NoError(t, err)
	require.Len(t, drifted, 1)
	assert.Equal(t, int64(-18), drifted[0].Drift)

	balance, err := store.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), balance)

	accounts, err := store.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, accounts)
}

// =============================================================================
// SESSIONS
// =============================================================================

func testSession(id string) session.Session {
	return session.Session{
		ID:          id,
		UserID:      "u1",
		StoryID:     "lighthouse",
		CharacterID: "keeper",
		RoleIDs:     []string{"sailor"},
		Progress:    session.Progress{Chapter: 1, ChapterTarget: 3},
		Log: []session.LogEntry{{
			Speaker: session.SpeakerNarrator, Chapter: 1, Text: "Fog.", Choices: []string{"go"}, At: t0,
		}},
		CreatedAt: t0,
		UpdatedAt: t0,
		Version:   1,
	}
}

func TestSessions_OneActivePerUserStory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, created, err := store.CreateSession(ctx, testSession("s-1"))
	require.NoError(t, err)
	assert.True(t, created)

	existing, created, err := store.CreateSession(ctx, testSession("s-2"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, existing.ID)

	// Completing frees the slot.
	done := first
	done.Progress.Completed = true
	completedAt := t0.Add(time.Hour)
	done.CompletedAt = &completedAt
	_, err = store.UpdateSession(ctx, done, 1)
	require.NoError(t, err)

	_, created, err = store.CreateSession(ctx, testSession("s-3"))
	require.NoError(t, err)
	assert.True(t, created)

	list, err := store.ListSessions(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestSessions_CompareAndSwap(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	s, _, err := store.CreateSession(ctx, testSession("s-1"))
	require.NoError(t, err)

	s.Progress.Chapter = 2
	saved, err := store.UpdateSession(ctx, s, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), saved.Version)

	stale := s
	stale.Progress.Chapter = 3
	_, err = store.UpdateSession(ctx, stale, 1)
	assert.ErrorIs(t, err, generic.ErrConcurrentModification)

	_, err = store.UpdateSession(ctx, testSession("missing"), 1)
	assert.ErrorIs(t, err, generic.ErrNotFound)

	got, err := store.GetSession(ctx, "s-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.Progress.Chapter)
	assert.Equal(t, int64(2), got.Version)
	require.Len(t, got.Log, 1)
	assert.Equal(t, "Fog.", got.Log[0].Text)
	assert.True(t, t0.Equal(got.Log[0].At))
	assert.Equal(t, []string{"sailor"}, got.RoleIDs)
}

func TestSessions_EngineOverSQLite(t *testing.T) {
	store := newTestStore(t)
	w := newWallet(store)
	clock := generic.NewFixedClock(t0)
	engine := session.NewEngine(store, w)
	engine.Clock = clock
	ctx := context.Background()

	_, err := w.Topup(ctx, "u1", 15, "")
	require.NoError(t, err)

	s, err := engine.Start(ctx, session.StartInput{
		UserID: "u1", StoryID: "lighthouse", CharacterID: "keeper", ChapterCost: 10, ChapterTarget: 3,
	})
	require.NoError(t, err)

	_, err = engine.AdvanceChapter(ctx, s.ID, "u1", 10, 3)
	require.ErrorIs(t, err, generic.ErrInsufficientFunds)

	_, err = w.Topup(ctx, "u1", 10, "")
	require.NoError(t, err)
	s, err = engine.AdvanceChapter(ctx, s.ID, "u1", 10, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Progress.Chapter)

	balance, err := w.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance)

	clock.Advance(time.Hour)
	rating := 5
	s, err = engine.Complete(ctx, s.ID, "u1", &rating)
	require.NoError(t, err)

	activity, err := store.ListActivity(ctx)
	require.NoError(t, err)
	require.Len(t, activity, 1)
	assert.Equal(t, 0, activity[0].OpenSessions)
	assert.Equal(t, 1, activity[0].CompletedSessions)
	assert.True(t, t0.Add(time.Hour).Equal(activity[0].LastActiveAt))
}

// =============================================================================
// STORIES
// =============================================================================

func TestStories_SaveAndLoad(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, st := range catalog.DemoStories() {
		require.NoError(t, store.SaveStory(ctx, st))
	}

	got, err := store.GetStory(ctx, "lighthouse")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, catalog.DemoStories()[0], *got)

	list, err := store.ListStories(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "orchard", list[1].ID)
	assert.Nil(t, list[1].Roles)

	missing, err := store.GetStory(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	err = store.SaveStory(ctx, catalog.Story{ID: "bad"})
	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestLedger_SameKeyRaceWithExactFunds(t *testing.T) {
	// GIVEN: a balance equal to the chapter cost
	// WHEN: duplicate charges for that chapter race
	// THEN: none fails, one deduct is written, the balance ends at 0
	store := newTestStore(t)
	w := newWallet(store)
	ctx := context.Background()

	_, err := w.Topup(ctx, "u1", 10, "test")
	require.NoError(t, err)

	var g errgroup.Group
	for i := 0; i < 12; i++ {
		g.Go(func() error {
			_, err := w.ChargeOnce(ctx, wallet.ChargeRequest{UserID: "u1", ContextID: "s1", Sequence: 1, Amount: 10})
			return err
		})
	}
	require.NoError(t, g.Wait())

	balance, err := store.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	deducts, err := store.ListEntries(ctx, "u1", wallet.EntryFilter{Kind: wallet.KindDeduct})
	require.NoError(t, err)
	assert.Len(t, deducts, 1)
}

func TestLedger_ApplyEntry_DuplicateKeyWithExactFunds(t *testing.T) {
	// Store level: every loser gets the winner's entry back, not a funds error.
	store := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.ApplyEntry(ctx, wallet.Entry{
		ID: "topup", UserID: "u1", Kind: wallet.KindTopup, Amount: 10, Source: "test", CreatedAt: t0,
	})
	require.NoError(t, err)

	const n = 12
	created := make([]bool, n)
	ids := make([]string, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			seq := 1
			stored, c, err := store.ApplyEntry(ctx, wallet.Entry{
				ID: fmt.Sprintf("d%d", i), UserID: "u1", Kind: wallet.KindDeduct, Amount: 10, ContextID: "s1",
				Sequence: &seq, Source: "chapter", DedupeKey: wallet.DeductKey("u1", "s1", 1), CreatedAt: t0,
			})
			created[i], ids[i] = c, stored.ID
			return err
		})
	}
	require.NoError(t, g.Wait())

	winners := 0
	for i := range created {
		if created[i] {
			winners++
		}
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, 1, winners)

	balance, err := store.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestLedger_RepairBalance(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.ApplyEntry(ctx, wallet.Entry{
		ID: "topup", UserID: "u1", Kind: wallet.KindTopup, Amount: 40, Source: "test", CreatedAt: t0,
	})
	require.NoError(t, err)
	require.NoError(t, store.SetBalance(ctx, "u1", 55))

	counter, sum, err := store.RepairBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(55), counter)
	assert.Equal(t, int64(40), sum)

	balance, err := store.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), balance)
}
