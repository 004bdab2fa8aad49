package rules_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/story-engine/generic"
	"github.com/warp/story-engine/generic/store"
	"github.com/warp/story-engine/rules"
	"github.com/warp/story-engine/session"
	"github.com/warp/story-engine/wallet"
)

const day = 24 * time.Hour

func newScheduler(t *testing.T, at time.Time) (*rules.Scheduler, *generic.FixedClock, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	clock := generic.NewFixedClock(at)
	s := rules.NewScheduler(mem)
	s.Clock = clock
	return s, clock, mem
}

// =============================================================================
// COOLDOWN BUCKETS
// =============================================================================

func TestCooldownBucket(t *testing.T) {
	cases := []struct {
		now, cooldown, want int64
	}{
		{0, 1000, 0},
		{999, 1000, 0},
		{1000, 1000, 1000},
		{2500, 1000, 2000},
		{-1, 1000, -1000},
		{-1000, 1000, -1000},
		{-1001, 1000, -2000},
	}
	for _, c := range cases {
		got, err := rules.CooldownBucket(c.now, c.cooldown)
		require.NoError(t, err)
		assert.Equal(t, c.want, got, "now=%d cooldown=%d", c.now, c.cooldown)
	}

	_, err := rules.CooldownBucket(10, 0)
	assert.ErrorIs(t, err, generic.ErrValidation)
}

// =============================================================================
// FIRE ONCE
// =============================================================================

func TestFireOnce_OncePerEpochAlignedWindow(t *testing.T) {
	// GIVEN: a 24h cooldown
	// WHEN: firing twice in one UTC day and once the next day
	// THEN: created, suppressed, created
	s, clock, _ := newScheduler(t, time.Date(2025, time.May, 10, 1, 0, 0, 0, time.UTC))
	ctx := context.Background()

	created, err := s.FireOnce(ctx, "nudge", "u1", day, nil)
	require.NoError(t, err)
	assert.True(t, created)

	clock.Set(time.Date(2025, time.May, 10, 23, 59, 0, 0, time.UTC))
	created, err = s.FireOnce(ctx, "nudge", "u1", day, nil)
	require.NoError(t, err)
	assert.False(t, created)

	clock.Set(time.Date(2025, time.May, 11, 0, 1, 0, 0, time.UTC))
	created, err = s.FireOnce(ctx, "nudge", "u1", day, nil)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestFireOnce_ScopedPerUserAndRule(t *testing.T) {
	s, _, _ := newScheduler(t, time.Date(2025, time.May, 10, 1, 0, 0, 0, time.UTC))
	ctx := context.Background()

	for _, c := range []struct{ rule, user string }{
		{"nudge", "u1"}, {"nudge", "u2"}, {"winback", "u1"},
	} {
		created, err := s.FireOnce(ctx, c.rule, c.user, day, nil)
		require.NoError(t, err)
		assert.True(t, created, "%s/%s", c.rule, c.user)
	}
}

func TestFireOnce_ConcurrentCallersOneWinner(t *testing.T) {
	s, _, _ := newScheduler(t, time.Date(2025, time.May, 10, 1, 0, 0, 0, time.UTC))
	ctx := context.Background()

	const n = 25
	results := make([]bool, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			created, err := s.FireOnce(ctx, "nudge", "u1", day, map[string]string{"i": "x"})
			results[i] = created
			return err
		})
	}
	require.NoError(t, g.Wait())

	winners := 0
	for _, c := range results {
		if c {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestFireOnce_Validation(t *testing.T) {
	s, _, _ := newScheduler(t, time.Now())
	ctx := context.Background()

	_, err := s.FireOnce(ctx, "", "u1", day, nil)
	assert.ErrorIs(t, err, generic.ErrValidation)
	_, err = s.FireOnce(ctx, "a:b", "u1", day, nil)
	assert.ErrorIs(t, err, generic.ErrValidation)
	_, err = s.FireOnce(ctx, "nudge", "u1", 0, nil)
	assert.ErrorIs(t, err, generic.ErrValidation)
}

// =============================================================================
// ACHIEVEMENTS
// =============================================================================

func TestUnlockOnce_Permanent(t *testing.T) {
	s, clock, _ := newScheduler(t, time.Date(2025, time.May, 10, 1, 0, 0, 0, time.UTC))
	ctx := context.Background()

	created, err := s.UnlockOnce(ctx, "u1", "first_complete", map[string]string{"title": "The End"})
	require.NoError(t, err)
	assert.True(t, created)

	clock.Advance(365 * day)
	created, err = s.UnlockOnce(ctx, "u1", "first_complete", nil)
	require.NoError(t, err)
	assert.False(t, created)

	unlocked, err := s.Unlocked(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, unlocked, 1)
	assert.Equal(t, "first_complete", unlocked[0].Code)
	assert.Equal(t, "The End", unlocked[0].Payload["title"])
}

func TestEvaluator_UnlocksThroughSessionEngine(t *testing.T) {
	mem := store.NewMemory()
	clock := generic.NewFixedClock(time.Date(2025, time.May, 10, 1, 0, 0, 0, time.UTC))
	w := wallet.New(mem)
	w.Clock = clock
	sched := rules.NewScheduler(mem)
	sched.Clock = clock
	eval := rules.NewEvaluator(sched, mem)

	engine := session.NewEngine(mem, w)
	engine.Clock = clock
	engine.Observer = eval

	ctx := context.Background()
	_, err := w.Topup(ctx, "u1", 100, "")
	require.NoError(t, err)

	s, err := engine.Start(ctx, session.StartInput{
		UserID: "u1", StoryID: "s1", CharacterID: "c1", ChapterCost: 5, ChapterTarget: 2,
	})
	require.NoError(t, err)

	unlocked, err := sched.Unlocked(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, unlocked, 1)
	assert.Equal(t, "first_start", unlocked[0].Code)

	_, err = engine.AdvanceChapter(ctx, s.ID, "u1", 5, 2)
	require.NoError(t, err)
	five := 5
	_, err = engine.Complete(ctx, s.ID, "u1", &five)
	require.NoError(t, err)

	unlocked, err = sched.Unlocked(ctx, "u1")
	require.NoError(t, err)
	codes := make([]string, 0, len(unlocked))
	for _, u := range unlocked {
		codes = append(codes, u.Code)
	}
	assert.Equal(t, []string{"first_complete", "first_start"}, codes)

	// The session completed by reaching its target, so the later rating was
	// ignored and no critic achievement is earned.
	more, err := eval.Evaluate(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, more)
}

type brokenDedupe struct{ generic.DedupeStore }

func (brokenDedupe) UpsertIfAbsent(context.Context, generic.Record) (bool, error) {
	return false, generic.ErrStoreUnavailable
}

func TestEvaluator_FailuresNeverBlockProgression(t *testing.T) {
	mem := store.NewMemory()
	w := wallet.New(mem)
	sched := rules.NewScheduler(brokenDedupe{mem})
	engine := session.NewEngine(mem, w)
	engine.Observer = rules.NewEvaluator(sched, mem)

	s, err := engine.Start(context.Background(), session.StartInput{
		UserID: "u1", StoryID: "s1", CharacterID: "c1", ChapterCost: 0, ChapterTarget: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Progress.Chapter)
}

func TestComputeStats(t *testing.T) {
	five, three := 5, 3
	stats := rules.ComputeStats([]session.Session{
		{StoryID: "a", Progress: session.Progress{Chapter: 4, Completed: true}, Rating: &five},
		{StoryID: "a", Progress: session.Progress{Chapter: 4, Completed: true}, Rating: &three},
		{StoryID: "b", Progress: session.Progress{Chapter: 3}},
	})
	assert.Equal(t, rules.Stats{
		Started:          3,
		Completed:        2,
		StoriesCompleted: 1,
		ChaptersRead:     11,
		FiveStarRatings:  1,
	}, stats)
}

// =============================================================================
// ENGAGEMENT
// =============================================================================

type recordingNotifier struct {
	mu   sync.Mutex
	sent []rules.Message
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, m rules.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, m)
	return n.err
}

type staticActivity []session.Activity

func (s staticActivity) ListActivity(context.Context) ([]session.Activity, error) {
	return s, nil
}

func TestEngagement_RunOnce_FiresOncePerWindow(t *testing.T) {
	now := time.Date(2025, time.May, 10, 12, 0, 0, 0, time.UTC)
	s, clock, _ := newScheduler(t, now)
	notifier := &recordingNotifier{}

	activity := staticActivity{
		{UserID: "idle", LastActiveAt: now.Add(-3 * day), OpenSessions: 1},
		{UserID: "fresh", LastActiveAt: now.Add(-time.Hour), OpenSessions: 1},
		{UserID: "done", LastActiveAt: now.Add(-3 * day), CompletedSessions: 2},
	}
	e := rules.NewEngagement(s, activity, notifier)
	e.Rules = []rules.EngagementRule{{
		ID: "unfinished_story", InactiveFor: 48 * time.Hour, Cooldown: day,
		Message: "come back", RequireOpenSession: true,
	}}

	report, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, rules.RunReport{Users: 3, Fired: 1}, report)
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, "idle", notifier.sent[0].UserID)

	clock.Advance(time.Hour)
	report, err = e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Suppressed)
	assert.Len(t, notifier.sent, 1)

	clock.Advance(day)
	report, err = e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Fired)
	assert.Len(t, notifier.sent, 2)
}

func TestEngagement_DeliveryFailureIsSwallowed(t *testing.T) {
	now := time.Date(2025, time.May, 10, 12, 0, 0, 0, time.UTC)
	s, _, _ := newScheduler(t, now)
	notifier := &recordingNotifier{err: errors.New("smtp down")}

	e := rules.NewEngagement(s, staticActivity{{UserID: "u1", LastActiveAt: now.Add(-30 * day)}}, notifier)
	report, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Fired, "win_back fires, unfinished_story needs an open session")
}

func TestEngagement_InvalidRule(t *testing.T) {
	s, _, _ := newScheduler(t, time.Now())
	e := rules.NewEngagement(s, staticActivity{}, nil)
	e.Rules = []rules.EngagementRule{{ID: "x", Cooldown: 0, Message: "m"}}

	_, err := e.RunOnce(context.Background())
	assert.ErrorIs(t, err, generic.ErrValidation)
}
