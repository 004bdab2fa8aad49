package rules

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/warp/story-engine/generic"
	"github.com/warp/story-engine/session"
)

// =============================================================================
// RE-ENGAGEMENT RULES
// =============================================================================

// EngagementRule nudges users who have been inactive for InactiveFor. It
// fires at most once per user per Cooldown window.
type EngagementRule struct {
	ID                 string
	InactiveFor        time.Duration
	Cooldown           time.Duration
	Message            string
	RequireOpenSession bool // only users with an unfinished story
}

// Applies reports whether the rule matches the user's activity at now.
func (r EngagementRule) Applies(a session.Activity, now time.Time) bool {
	if r.RequireOpenSession && a.OpenSessions == 0 {
		return false
	}
	return now.Sub(a.LastActiveAt) >= r.InactiveFor
}

// Validate checks the rule is usable.
func (r EngagementRule) Validate() error {
	if err := requirePart("id", r.ID); err != nil {
		return err
	}
	if r.Cooldown <= 0 {
		return generic.Invalid("cooldown", "must be positive")
	}
	if r.InactiveFor < 0 {
		return generic.Invalid("inactiveFor", "must be >= 0")
	}
	if r.Message == "" {
		return generic.Invalid("message", "required")
	}
	return nil
}

// DefaultEngagementRules is the built-in rule set.
func DefaultEngagementRules() []EngagementRule {
	return []EngagementRule{
		{
			ID:                 "unfinished_story",
			InactiveFor:        48 * time.Hour,
			Cooldown:           24 * time.Hour,
			Message:            "Your story is waiting. Pick up where you left off.",
			RequireOpenSession: true,
		},
		{
			ID:          "win_back",
			InactiveFor: 7 * 24 * time.Hour,
			Cooldown:    7 * 24 * time.Hour,
			Message:     "New chapters are out. Come back and read.",
		},
	}
}

// Message is a notification to deliver.
type Message struct {
	UserID string
	RuleID string
	Text   string
}

// Notifier delivers messages. Delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, m Message) error
}

// LogNotifier writes messages to the log instead of sending them.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, m Message) error {
	l := n.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Info("engagement message", "user_id", m.UserID, "rule_id", m.RuleID, "text", m.Text)
	return nil
}

// ActivitySource lists per-user activity.
type ActivitySource interface {
	ListActivity(ctx context.Context) ([]session.Activity, error)
}

// Engagement evaluates EngagementRules over all users.
type Engagement struct {
	Scheduler *Scheduler
	Activity  ActivitySource
	Rules     []EngagementRule
	Notifier  Notifier
	Logger    *slog.Logger
}

func NewEngagement(scheduler *Scheduler, activity ActivitySource, notifier Notifier) *Engagement {
	return &Engagement{
		Scheduler: scheduler,
		Activity:  activity,
		Rules:     DefaultEngagementRules(),
		Notifier:  notifier,
	}
}

// RunReport summarizes one evaluation pass.
type RunReport struct {
	Users      int
	Fired      int
	Suppressed int
	Failed     int
}

// RunOnce evaluates every rule for every user. The firing is recorded
// before the message is sent, so a failed delivery is not retried inside
// the same window.
func (e *Engagement) RunOnce(ctx context.Context) (RunReport, error) {
	for _, r := range e.Rules {
		if err := r.Validate(); err != nil {
			return RunReport{}, fmt.Errorf("rule %q: %w", r.ID, err)
		}
	}

	activity, err := e.Activity.ListActivity(ctx)
	if err != nil {
		return RunReport{}, fmt.Errorf("list activity: %w", err)
	}

	now := generic.ClockOrSystem(e.Scheduler.Clock).Now()
	report := RunReport{Users: len(activity)}
	for _, a := range activity {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		for _, r := range e.Rules {
			if !r.Applies(a, now) {
				continue
			}
			created, err := e.Scheduler.FireOnce(ctx, r.ID, a.UserID, r.Cooldown, map[string]string{
				"message": r.Message,
			})
			if err != nil {
				report.Failed++
				e.logger().Warn("engagement rule failed", "rule_id", r.ID, "user_id", a.UserID, "error", err)
				continue
			}
			if !created {
				report.Suppressed++
				continue
			}
			report.Fired++
			if e.Notifier == nil {
				continue
			}
			if err := e.Notifier.Notify(ctx, Message{UserID: a.UserID, RuleID: r.ID, Text: r.Message}); err != nil {
				e.logger().Warn("engagement delivery failed", "rule_id", r.ID, "user_id", a.UserID, "error", err)
			}
		}
	}
	return report, nil
}

func (e *Engagement) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}
