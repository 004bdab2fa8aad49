/*
Package session implements the per-user-per-story playthrough state machine.

STATES:
  NotStarted --Start--> Active(chapter=1) --AdvanceChapter--> Active(n+1)
                                   \                              |
                                    \----Complete-----> Completed <'
                                                 (or n+1 >= target)

  Active is re-entrant: RecordChoice appends to the log without changing
  state. Completed is terminal.

INVARIANTS:
  1. Progress.Chapter never decreases and grows by exactly 1 per
     successful AdvanceChapter.
  2. Completed flips false->true once and never reverts; a second
     Complete returns the stored state (rating included) unchanged.
  3. Funds are charged before any progress mutation. A request that fails
     billing leaves Progress exactly as it was.
  4. At most one Active session per (user, story), enforced by the store.

CONCURRENCY:
  Every save is a compare-and-swap on Session.Version. The engine retries
  conflicts; two racing advances to the same chapter share one charge
  (same billing key) and resolve to the same state.

SEE ALSO:
  - engine.go: Start, RecordChoice, AdvanceChapter, Complete
  - wallet/wallet.go: ChargeOnce
  - rules/achievements.go: Observer that unlocks achievements
*/
package session

import (
	"time"
)

// =============================================================================
// STATE
// =============================================================================

type State string

const (
	StateNotStarted State = "not_started"
	StateActive     State = "active"
	StateCompleted  State = "completed"
)

// Transition names what just happened to a session. Observers receive it.
type Transition string

const (
	TransitionStart    Transition = "start"
	TransitionResume   Transition = "resume"
	TransitionChoice   Transition = "choice"
	TransitionAdvance  Transition = "advance"
	TransitionComplete Transition = "complete"
)

// =============================================================================
// SESSION
// =============================================================================

// Progress tracks the paid-for position in the story.
type Progress struct {
	Chapter       int
	ChapterTarget int
	Completed     bool
}

// Speaker identifies who produced a log entry.
type Speaker string

const (
	SpeakerUser     Speaker = "user"
	SpeakerNarrator Speaker = "narrator"
)

// LogEntry is one line of the playthrough transcript.
type LogEntry struct {
	Speaker  Speaker   `json:"speaker"`
	Chapter  int       `json:"chapter"`
	Choice   string    `json:"choice,omitempty"`
	FreeText string    `json:"free_text,omitempty"`
	Text     string    `json:"text,omitempty"`
	Choices  []string  `json:"choices,omitempty"`
	At       time.Time `json:"at"`
}

// Session is one user's playthrough of one story.
type Session struct {
	ID          string
	UserID      string
	StoryID     string
	CharacterID string
	RoleIDs     []string
	Progress    Progress
	Log         []LogEntry
	Rating      *int
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Version     int64
}

// State derives the state machine position.
func (s Session) State() State {
	switch {
	case s.ID == "":
		return StateNotStarted
	case s.Progress.Completed:
		return StateCompleted
	default:
		return StateActive
	}
}

// Clone deep-copies s so stores never hand out aliased slices or pointers.
func (s Session) Clone() Session {
	out := s
	if s.RoleIDs != nil {
		out.RoleIDs = append([]string(nil), s.RoleIDs...)
	}
	if s.Log != nil {
		out.Log = make([]LogEntry, len(s.Log))
		for i, e := range s.Log {
			if e.Choices != nil {
				e.Choices = append([]string(nil), e.Choices...)
			}
			out.Log[i] = e
		}
	}
	if s.Rating != nil {
		r := *s.Rating
		out.Rating = &r
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// Activity summarizes a user's sessions for re-engagement rules.
type Activity struct {
	UserID            string
	LastActiveAt      time.Time
	OpenSessions      int
	CompletedSessions int
}
