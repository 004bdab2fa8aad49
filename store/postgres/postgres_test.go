package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/story-engine/catalog"
	"github.com/warp/story-engine/generic"
	"github.com/warp/story-engine/session"
	"github.com/warp/story-engine/store/postgres"
	"github.com/warp/story-engine/wallet"
)

// These tests need a disposable database. Every table is truncated first.
const dsnEnv = "STORY_TEST_POSTGRES_DSN"

var t0 = time.Date(2025, time.April, 2, 8, 30, 0, 123456000, time.UTC)

func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%s not set", dsnEnv)
	}
	ctx := context.Background()

	store, err := postgres.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	conn, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err)
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, `TRUNCATE dedupe_records, accounts, ledger_entries, sessions, stories`)
	require.NoError(t, err)
	return store
}

func TestUpsertIfAbsent_ExactlyOneWinner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const n = 30
	created := make([]bool, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			c, err := store.UpsertIfAbsent(ctx, generic.Record{
				Key: "rule:unfinished_story:u1:1743552000000", Payload: map[string]string{"rule_id": "unfinished_story"}, CreatedAt: t0,
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

	list, err := store.ListRecords(ctx, "rule:unfinished_story:")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "unfinished_story", list[0].Payload["rule_id"])
	assert.True(t, t0.Equal(list[0].CreatedAt))
}

func TestLedger_ConcurrentChargesNeverOverdraw(t *testing.T) {
	// GIVEN: balance 35 and ten distinct chapters costing 10
	// THEN: three succeed and the balance ends at 5
	store := newTestStore(t)
	w := wallet.New(store)
	w.Clock = generic.NewFixedClock(t0)
	ctx := context.Background()

	_, err := w.Topup(ctx, "u1", 35, "")
	require.NoError(t, err)

	var g errgroup.Group
	for i := 1; i <= 10; i++ {
		g.Go(func() error {
			_, err := w.ChargeOnce(ctx, wallet.ChargeRequest{UserID: "u1", ContextID: "s1", Sequence: i, Amount: 10})
			if err != nil && !generic.IsClientError(err) {
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	balance, err := store.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance)

	deducts, err := store.ListEntries(ctx, "u1", wallet.EntryFilter{Kind: wallet.KindDeduct})
	require.NoError(t, err)
	assert.Len(t, deducts, 3)

	report, err := w.Reconcile(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, report.Drift)
}

func TestSessions_OneActivePerUserStory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := session.Session{
		UserID: "u1", StoryID: "lighthouse", CharacterID: "keeper",
		Progress:  session.Progress{Chapter: 1, ChapterTarget: 3},
		CreatedAt: t0, UpdatedAt: t0, Version: 1,
	}
	a, b := base, base
	a.ID, b.ID = "s-1", "s-2"

	_, created, err := store.CreateSession(ctx, a)
	require.NoError(t, err)
	assert.True(t, created)

	existing, created, err := store.CreateSession(ctx, b)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "s-1", existing.ID)

	a.Progress.Chapter = 2
	_, err = store.UpdateSession(ctx, a, 1)
	require.NoError(t, err)
	_, err = store.UpdateSession(ctx, a, 1)
	assert.ErrorIs(t, err, generic.ErrConcurrentModification)
}

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
}

func TestLedger_SameKeyRaceWithExactFunds(t *testing.T) {
	// GIVEN: a balance equal to the chapter cost
	// WHEN: duplicate charges for that chapter race
	// THEN: none fails, one deduct is written, the balance ends at 0
	store := newTestStore(t)
	w := wallet.New(store)
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
