package session

import (
	"context"

	"github.com/warp/story-engine/wallet"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Store persists sessions.
type Store interface {
	// CreateSession inserts s. If an active session already exists for
	// (s.UserID, s.StoryID) nothing is written and the existing session is
	// returned with created=false. The uniqueness must be a store constraint.
	CreateSession(ctx context.Context, s Session) (stored Session, created bool, err error)

	// GetSession returns the session with id, or nil.
	GetSession(ctx context.Context, id string) (*Session, error)

	// FindActiveSession returns the active session for (userID, storyID), or nil.
	FindActiveSession(ctx context.Context, userID, storyID string) (*Session, error)

	// UpdateSession saves s if the stored version equals expectedVersion and
	// returns it with Version incremented. Otherwise
	// generic.ErrConcurrentModification (or generic.ErrNotFound).
	UpdateSession(ctx context.Context, s Session, expectedVersion int64) (Session, error)

	// ListSessions returns a user's sessions, newest first.
	ListSessions(ctx context.Context, userID string) ([]Session, error)

	// ListActivity returns one Activity per user with sessions.
	ListActivity(ctx context.Context) ([]Activity, error)
}

// Biller charges one chapter exactly once. *wallet.Wallet implements it.
type Biller interface {
	ChargeOnce(ctx context.Context, req wallet.ChargeRequest) (wallet.ChargeResult, error)
}

// CastValidator checks character and role ids against the story catalog.
type CastValidator interface {
	ValidateCast(ctx context.Context, storyID, characterID string, roleIDs []string) error
}

// Observer is told about successful transitions. Implementations must not
// block for long and must swallow their own errors.
type Observer interface {
	SessionChanged(ctx context.Context, s Session, t Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, s Session, t Transition)

func (f ObserverFunc) SessionChanged(ctx context.Context, s Session, t Transition) { f(ctx, s, t) }

// Observers fans out to several observers in order.
type Observers []Observer

func (os Observers) SessionChanged(ctx context.Context, s Session, t Transition) {
	for _, o := range os {
		if o != nil {
			o.SessionChanged(ctx, s, t)
		}
	}
}
