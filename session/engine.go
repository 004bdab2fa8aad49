package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/warp/story-engine/generic"
	"github.com/warp/story-engine/metrics"
	"github.com/warp/story-engine/wallet"
)

const (
	MaxFreeTextRunes = 2000
	MaxChoiceRunes   = 200
	MinRating        = 1
	MaxRating        = 5

	defaultMaxAttempts = 5
)

// =============================================================================
// ENGINE
// =============================================================================

// Engine runs the session state machine. It holds no per-session state and
// no locks; all serialization happens in the stores.
type Engine struct {
	Store     Store
	Billing   Biller
	Cast      CastValidator // optional
	Generator Generator     // optional
	Observer  Observer      // optional
	Clock     generic.Clock
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// MaxAttempts bounds compare-and-swap retries on a busy session.
	MaxAttempts int
}

// NewEngine creates an engine with the required collaborators.
func NewEngine(store Store, billing Biller) *Engine {
	return &Engine{Store: store, Billing: billing, Clock: generic.SystemClock{}}
}

// StartInput are the arguments of Start.
type StartInput struct {
	UserID        string
	StoryID       string
	CharacterID   string
	RoleIDs       []string
	ChapterCost   int64
	ChapterTarget int
}

// Start opens a playthrough. An existing Active session for (user, story)
// is returned unchanged and nothing is charged. Otherwise chapter 1 is
// charged before the session is created; on InsufficientFunds no session
// is created.
func (e *Engine) Start(ctx context.Context, in StartInput) (s Session, err error) {
	ctx, span := generic.StartSpan(ctx, "session.Start",
		attribute.String("user.id", in.UserID), attribute.String("story.id", in.StoryID))
	defer func() { generic.EndSpan(span, err) }()

	if err := validateStart(in); err != nil {
		return Session{}, err
	}

	active, err := e.Store.FindActiveSession(ctx, in.UserID, in.StoryID)
	if err != nil {
		return Session{}, err
	}
	if active != nil {
		e.Metrics.ObserveTransition(string(TransitionResume))
		return *active, nil
	}

	if e.Cast != nil {
		if err := e.Cast.ValidateCast(ctx, in.StoryID, in.CharacterID, in.RoleIDs); err != nil {
			return Session{}, err
		}
	}

	if err := e.charge(ctx, in.UserID, in.StoryID, 1, in.ChapterCost); err != nil {
		return Session{}, err
	}

	now := e.clock().Now()
	s = Session{
		ID:          uuid.NewString(),
		UserID:      in.UserID,
		StoryID:     in.StoryID,
		CharacterID: in.CharacterID,
		RoleIDs:     append([]string(nil), in.RoleIDs...),
		Progress:    Progress{Chapter: 1, ChapterTarget: in.ChapterTarget},
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
	e.narrate(ctx, &s, GenerateInput{Chapter: 1})

	stored, created, err := e.Store.CreateSession(ctx, s)
	if err != nil {
		return Session{}, err
	}
	if !created {
		// A concurrent Start won; chapter 1 was billed once under the shared key.
		e.Metrics.ObserveTransition(string(TransitionResume))
		return stored, nil
	}
	e.Metrics.ObserveTransition(string(TransitionStart))
	e.notify(ctx, stored, TransitionStart)
	return stored, nil
}

// RecordChoice appends the user's choice (and the generator's reply, when a
// generator is configured) to the log. No billing.
func (e *Engine) RecordChoice(ctx context.Context, sessionID, userID, chosen, freeText string) (s Session, err error) {
	ctx, span := generic.StartSpan(ctx, "session.RecordChoice",
		attribute.String("session.id", sessionID), attribute.String("user.id", userID))
	defer func() { generic.EndSpan(span, err) }()

	if err := validateChoice(chosen, freeText); err != nil {
		return Session{}, err
	}

	var narration *Narration
	return e.mutate(ctx, sessionID, userID, func(s *Session) (bool, error) {
		if s.Progress.Completed {
			return false, generic.Invalid("sessionId", "session is completed")
		}
		if e.Generator != nil && narration == nil {
			n, err := e.Generator.Generate(ctx, GenerateInput{
				Session: s.Clone(), Chapter: s.Progress.Chapter, Choice: chosen, FreeText: freeText,
			})
			if err != nil {
				return false, err
			}
			narration = &n
		}

		now := e.clock().Now()
		s.Log = append(s.Log, LogEntry{
			Speaker:  SpeakerUser,
			Chapter:  s.Progress.Chapter,
			Choice:   chosen,
			FreeText: freeText,
			At:       now,
		})
		if narration != nil {
			s.Log = append(s.Log, LogEntry{
				Speaker: SpeakerNarrator,
				Chapter: s.Progress.Chapter,
				Text:    narration.Text,
				Choices: append([]string(nil), narration.Choices...),
				At:      now,
			})
		}
		return true, nil
	}, TransitionChoice)
}

// AdvanceChapter charges chapter n+1 and then moves the session to it,
// completing the session when n+1 reaches chapterTarget. A completed
// session is returned unchanged. A chapterTarget <= 0 keeps the stored target.
func (e *Engine) AdvanceChapter(ctx context.Context, sessionID, userID string, chapterCost int64, chapterTarget int) (s Session, err error) {
	ctx, span := generic.StartSpan(ctx, "session.AdvanceChapter",
		attribute.String("session.id", sessionID), attribute.String("user.id", userID))
	defer func() { generic.EndSpan(span, err) }()

	if chapterCost < 0 {
		return Session{}, generic.Invalid("chapterCost", "must be >= 0")
	}

	next := 0
	return e.mutate(ctx, sessionID, userID, func(s *Session) (bool, error) {
		if s.Progress.Completed {
			return false, nil
		}
		if next == 0 {
			next = s.Progress.Chapter + 1
		}
		if s.Progress.Chapter >= next {
			// A concurrent request already advanced to the chapter we paid for.
			return false, nil
		}

		if err := e.charge(ctx, s.UserID, s.StoryID, next, chapterCost); err != nil {
			return false, err
		}

		target := chapterTarget
		if target <= 0 {
			target = s.Progress.ChapterTarget
		}
		s.Progress.Chapter = next
		s.Progress.ChapterTarget = target
		if next >= target {
			now := e.clock().Now()
			s.Progress.Completed = true
			s.CompletedAt = &now
		}
		e.narrate(ctx, s, GenerateInput{Chapter: next})
		return true, nil
	}, TransitionAdvance)
}

// Complete marks the session completed and attaches rating. Idempotent: a
// completed session is returned as stored and rating is ignored.
func (e *Engine) Complete(ctx context.Context, sessionID, userID string, rating *int) (s Session, err error) {
	ctx, span := generic.StartSpan(ctx, "session.Complete",
		attribute.String("session.id", sessionID), attribute.String("user.id", userID))
	defer func() { generic.EndSpan(span, err) }()

	if rating != nil && (*rating < MinRating || *rating > MaxRating) {
		return Session{}, generic.Invalid("rating", "must be between 1 and 5")
	}

	return e.mutate(ctx, sessionID, userID, func(s *Session) (bool, error) {
		if s.Progress.Completed {
			return false, nil
		}
		now := e.clock().Now()
		s.Progress.Completed = true
		s.CompletedAt = &now
		if rating != nil {
			r := *rating
			s.Rating = &r
		}
		return true, nil
	}, TransitionComplete)
}

// Get returns a session owned by userID. Foreign sessions are NotFound.
func (e *Engine) Get(ctx context.Context, sessionID, userID string) (Session, error) {
	return e.load(ctx, sessionID, userID)
}

// ActiveFor returns the user's active session for storyID, or ErrNotFound.
func (e *Engine) ActiveFor(ctx context.Context, userID, storyID string) (Session, error) {
	if strings.TrimSpace(userID) == "" {
		return Session{}, generic.Invalid("userId", "required")
	}
	if strings.TrimSpace(storyID) == "" {
		return Session{}, generic.Invalid("storyId", "required")
	}
	s, err := e.Store.FindActiveSession(ctx, userID, storyID)
	if err != nil {
		return Session{}, err
	}
	if s == nil {
		return Session{}, generic.ErrNotFound
	}
	return *s, nil
}

// List returns the user's sessions, newest first.
func (e *Engine) List(ctx context.Context, userID string) ([]Session, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, generic.Invalid("userId", "required")
	}
	return e.Store.ListSessions(ctx, userID)
}

// =============================================================================
// INTERNALS
// =============================================================================

// mutate loads the session, applies fn and saves with a version check,
// retrying on conflict. fn returning changed=false ends without a save.
func (e *Engine) mutate(ctx context.Context, sessionID, userID string, fn func(s *Session) (bool, error), t Transition) (Session, error) {
	attempts := e.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}

	for i := 0; i < attempts; i++ {
		s, err := e.load(ctx, sessionID, userID)
		if err != nil {
			return Session{}, err
		}
		expected := s.Version

		changed, err := fn(&s)
		if err != nil {
			return Session{}, err
		}
		if !changed {
			return s, nil
		}

		s.UpdatedAt = e.clock().Now()
		saved, err := e.Store.UpdateSession(ctx, s, expected)
		if errors.Is(err, generic.ErrConcurrentModification) {
			e.logger().Debug("session version conflict, retrying",
				"session_id", sessionID, "attempt", i+1, "transition", t)
			continue
		}
		if err != nil {
			return Session{}, err
		}

		e.Metrics.ObserveTransition(string(t))
		if t != TransitionChoice {
			e.notify(ctx, saved, t)
		}
		return saved, nil
	}
	return Session{}, generic.ErrConcurrentModification
}

// load fetches a session and hides it unless userID owns it.
func (e *Engine) load(ctx context.Context, sessionID, userID string) (Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return Session{}, generic.Invalid("sessionId", "required")
	}
	if strings.TrimSpace(userID) == "" {
		return Session{}, generic.Invalid("userId", "required")
	}
	s, err := e.Store.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if s == nil || s.UserID != userID {
		return Session{}, generic.ErrNotFound
	}
	return *s, nil
}

// charge bills one chapter. Free chapters skip the ledger.
func (e *Engine) charge(ctx context.Context, userID, storyID string, chapter int, cost int64) error {
	if cost == 0 {
		return nil
	}
	res, err := e.Billing.ChargeOnce(ctx, wallet.ChargeRequest{
		UserID:    userID,
		ContextID: storyID,
		Sequence:  chapter,
		Amount:    cost,
		Source:    "chapter",
	})
	if err != nil {
		return err
	}
	e.logger().Info("chapter billed",
		"user_id", userID, "story_id", storyID, "chapter", chapter,
		"charged", res.Charged, "balance", res.Balance)
	return nil
}

// narrate appends generated chapter narration. Billing has already
// happened, so a generator failure is logged and the chapter proceeds
// without text.
func (e *Engine) narrate(ctx context.Context, s *Session, in GenerateInput) {
	if e.Generator == nil {
		return
	}
	in.Session = s.Clone()
	n, err := e.Generator.Generate(ctx, in)
	if err != nil {
		e.logger().Warn("content generation failed",
			"session_id", s.ID, "chapter", in.Chapter, "error", err)
		return
	}
	s.Log = append(s.Log, LogEntry{
		Speaker: SpeakerNarrator,
		Chapter: in.Chapter,
		Text:    n.Text,
		Choices: append([]string(nil), n.Choices...),
		At:      e.clock().Now(),
	})
}

func (e *Engine) notify(ctx context.Context, s Session, t Transition) {
	if e.Observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger().Error("session observer panicked", "session_id", s.ID, "transition", t, "panic", r)
		}
	}()
	e.Observer.SessionChanged(ctx, s.Clone(), t)
}

func (e *Engine) clock() generic.Clock { return generic.ClockOrSystem(e.Clock) }

func (e *Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// =============================================================================
// VALIDATION
// =============================================================================

func validateStart(in StartInput) error {
	for _, f := range []struct{ name, value string }{
		{"userId", in.UserID},
		{"storyId", in.StoryID},
		{"characterId", in.CharacterID},
	} {
		if strings.TrimSpace(f.value) == "" {
			return generic.Invalid(f.name, "required")
		}
	}
	for _, r := range in.RoleIDs {
		if strings.TrimSpace(r) == "" {
			return generic.Invalid("roleIds", "must not contain empty ids")
		}
	}
	if in.ChapterCost < 0 {
		return generic.Invalid("chapterCost", "must be >= 0")
	}
	if in.ChapterTarget < 1 {
		return generic.Invalid("chapterTarget", "must be >= 1")
	}
	return nil
}

func validateChoice(chosen, freeText string) error {
	if strings.TrimSpace(chosen) == "" && strings.TrimSpace(freeText) == "" {
		return generic.Invalid("chosen", "a choice or free text is required")
	}
	if utf8.RuneCountInString(chosen) > MaxChoiceRunes {
		return generic.Invalid("chosen", "too long")
	}
	if utf8.RuneCountInString(freeText) > MaxFreeTextRunes {
		return generic.Invalid("freeText", "too long")
	}
	return nil
}
