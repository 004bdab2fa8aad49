package api_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/story-engine/api"
	"github.com/warp/story-engine/generic"
	"github.com/warp/story-engine/generic/store"
	"github.com/warp/story-engine/rules"
	"github.com/warp/story-engine/session"
	"github.com/warp/story-engine/wallet"
)

type recordingNotifier struct {
	messages chan rules.Message
}

func (n recordingNotifier) Notify(_ context.Context, m rules.Message) error {
	n.messages <- m
	return nil
}

func TestScheduler_RunsEngagementOncePerWindow(t *testing.T) {
	// GIVEN: a user who started a story three days ago and left
	// WHEN: the scheduler runs twice in the same cooldown window
	// THEN: one unfinished_story message is delivered
	mem := store.NewMemory()
	clock := generic.NewFixedClock(time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()

	engine := session.NewEngine(mem, wallet.New(mem))
	engine.Clock = clock
	_, err := engine.Start(ctx, session.StartInput{
		UserID: "u1", StoryID: "orchard", CharacterID: "wanderer", ChapterTarget: 3,
	})
	require.NoError(t, err)
	clock.Advance(72 * time.Hour)

	scheduler := rules.NewScheduler(mem)
	scheduler.Clock = clock
	notifier := recordingNotifier{messages: make(chan rules.Message, 10)}
	engagement := rules.NewEngagement(scheduler, mem, notifier)

	s := api.NewScheduler(engagement, wallet.New(mem))
	s.RunNow(ctx)
	s.RunNow(ctx)

	require.Len(t, notifier.messages, 1)
	msg := <-notifier.messages
	assert.Equal(t, "u1", msg.UserID)
	assert.Equal(t, "unfinished_story", msg.RuleID)
}

func TestScheduler_StartStop(t *testing.T) {
	mem := store.NewMemory()
	s := api.NewScheduler(nil, wallet.New(mem))
	s.CheckInterval = time.Millisecond

	s.Start(context.Background())
	s.Start(context.Background())
	time.Sleep(5 * time.Millisecond)
	s.Stop()
	s.Stop()

	disabled := api.NewScheduler(nil, nil)
	disabled.Enabled = false
	disabled.Start(context.Background())
	disabled.Stop()
}
