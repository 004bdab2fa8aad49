package rules

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/warp/story-engine/session"
)

// =============================================================================
// ACHIEVEMENTS
// =============================================================================

// Stats is what achievement conditions are evaluated against.
type Stats struct {
	Started          int
	Completed        int
	StoriesCompleted int // distinct stories
	ChaptersRead     int
	FiveStarRatings  int
}

// Achievement is a permanent, one-shot unlock.
type Achievement struct {
	Code        string
	Title       string
	Description string
	Earned      func(Stats) bool
}

// DefaultAchievements is the built-in achievement catalog.
func DefaultAchievements() []Achievement {
	return []Achievement{
		{
			Code:        "first_start",
			Title:       "Opening Line",
			Description: "Start your first story.",
			Earned:      func(s Stats) bool { return s.Started >= 1 },
		},
		{
			Code:        "first_complete",
			Title:       "The End",
			Description: "Finish a story.",
			Earned:      func(s Stats) bool { return s.Completed >= 1 },
		},
		{
			Code:        "chapters_10",
			Title:       "Page Turner",
			Description: "Read 10 chapters.",
			Earned:      func(s Stats) bool { return s.ChaptersRead >= 10 },
		},
		{
			Code:        "stories_5",
			Title:       "Bookworm",
			Description: "Finish 5 different stories.",
			Earned:      func(s Stats) bool { return s.StoriesCompleted >= 5 },
		},
		{
			Code:        "five_star_critic",
			Title:       "Critic",
			Description: "Rate a story five stars.",
			Earned:      func(s Stats) bool { return s.FiveStarRatings >= 1 },
		},
	}
}

// SessionLister is the part of session.Store the evaluator reads.
type SessionLister interface {
	ListSessions(ctx context.Context, userID string) ([]session.Session, error)
}

// Evaluator unlocks achievements after session transitions. It implements
// session.Observer; every failure is logged and swallowed so progression
// is never affected.
type Evaluator struct {
	Scheduler    *Scheduler
	Sessions     SessionLister
	Achievements []Achievement
	Logger       *slog.Logger
}

func NewEvaluator(scheduler *Scheduler, sessions SessionLister) *Evaluator {
	return &Evaluator{Scheduler: scheduler, Sessions: sessions, Achievements: DefaultAchievements()}
}

var _ session.Observer = (*Evaluator)(nil)

// SessionChanged implements session.Observer.
func (e *Evaluator) SessionChanged(ctx context.Context, s session.Session, t session.Transition) {
	if t == session.TransitionChoice || t == session.TransitionResume {
		return
	}
	if _, err := e.Evaluate(ctx, s.UserID); err != nil {
		e.logger().Warn("achievement evaluation failed",
			"user_id", s.UserID, "session_id", s.ID, "transition", t, "error", err)
	}
}

// Evaluate computes the user's stats and unlocks every earned achievement
// not yet held. Returns the codes unlocked by this call.
func (e *Evaluator) Evaluate(ctx context.Context, userID string) ([]string, error) {
	sessions, err := e.Sessions.ListSessions(ctx, userID)
	if err != nil {
		return nil, err
	}
	stats := ComputeStats(sessions)

	var unlocked []string
	for _, a := range e.Achievements {
		if a.Earned == nil || !a.Earned(stats) {
			continue
		}
		created, err := e.Scheduler.UnlockOnce(ctx, userID, a.Code, map[string]string{
			"title":         a.Title,
			"chapters_read": strconv.Itoa(stats.ChaptersRead),
		})
		if err != nil {
			// Keep going; other unlocks are independent.
			e.logger().Warn("achievement unlock failed", "user_id", userID, "code", a.Code, "error", err)
			continue
		}
		if created {
			unlocked = append(unlocked, a.Code)
		}
	}
	return unlocked, nil
}

// ComputeStats aggregates a user's sessions.
func ComputeStats(sessions []session.Session) Stats {
	var st Stats
	stories := make(map[string]struct{})
	for _, s := range sessions {
		st.Started++
		st.ChaptersRead += s.Progress.Chapter
		if s.Progress.Completed {
			st.Completed++
			stories[s.StoryID] = struct{}{}
		}
		if s.Rating != nil && *s.Rating == 5 {
			st.FiveStarRatings++
		}
	}
	st.StoriesCompleted = len(stories)
	return st
}

func (e *Evaluator) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}
