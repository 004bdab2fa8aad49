/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done by the domain packages, not in DTOs. DTOs are pure
  data carriers; the handler maps domain errors to status codes.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/story-engine/catalog"
	"github.com/warp/story-engine/rules"
	"github.com/warp/story-engine/session"
	"github.com/warp/story-engine/wallet"
)

// =============================================================================
// WALLET
// =============================================================================

// BalanceDTO is the current coin balance.
type BalanceDTO struct {
	UserID  string `json:"userId"`
	Balance int64  `json:"balance"`
}

// EntryDTO represents a ledger entry in API responses.
type EntryDTO struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	Amount       int64     `json:"amount"`
	ContextID    string    `json:"contextId,omitempty"`
	Sequence     *int      `json:"sequence,omitempty"`
	Source       string    `json:"source"`
	Note         string    `json:"note,omitempty"`
	RefEntryID   string    `json:"refEntryId,omitempty"`
	BalanceAfter int64     `json:"balanceAfter"`
	CreatedAt    time.Time `json:"createdAt"`
}

// SummaryDTO aggregates a user's ledger.
type SummaryDTO struct {
	UserID        string `json:"userId"`
	Balance       int64  `json:"balance"`
	TotalTopup    int64  `json:"totalTopup"`
	TotalDeducted int64  `json:"totalDeducted"`
	TotalRefunded int64  `json:"totalRefunded"`
	Entries       int    `json:"entries"`
}

// PackDTO is a purchasable coin pack.
type PackDTO struct {
	ID        string `json:"id"`
	Coins     int64  `json:"coins"`
	Price     string `json:"price"`
	Currency  string `json:"currency"`
	UnitPrice string `json:"unitPrice"`
}

// TopupRequest credits either Amount coins or the coins of PackID.
type TopupRequest struct {
	Amount int64  `json:"amount,omitempty"`
	PackID string `json:"packId,omitempty"`
	Source string `json:"source,omitempty"`
}

// RefundRequest reverses one deduct.
type RefundRequest struct {
	EntryID string `json:"entryId"`
	Note    string `json:"note,omitempty"`
}

// =============================================================================
// SESSIONS
// =============================================================================

// StartSessionRequest opens (or resumes) a playthrough.
type StartSessionRequest struct {
	StoryID     string   `json:"storyId"`
	CharacterID string   `json:"characterId"`
	RoleIDs     []string `json:"roleIds,omitempty"`
}

// ChoiceRequest records one player turn.
type ChoiceRequest struct {
	Choice   string `json:"choice,omitempty"`
	FreeText string `json:"freeText,omitempty"`
}

// CompleteRequest finishes a session with an optional rating.
type CompleteRequest struct {
	Rating *int `json:"rating,omitempty"`
}

// LogEntryDTO is one transcript line.
type LogEntryDTO struct {
	Speaker  string    `json:"speaker"`
	Chapter  int       `json:"chapter"`
	Choice   string    `json:"choice,omitempty"`
	FreeText string    `json:"freeText,omitempty"`
	Text     string    `json:"text,omitempty"`
	Choices  []string  `json:"choices,omitempty"`
	At       time.Time `json:"at"`
}

// SessionDTO represents a session in API responses.
type SessionDTO struct {
	ID            string        `json:"id"`
	StoryID       string        `json:"storyId"`
	CharacterID   string        `json:"characterId"`
	RoleIDs       []string      `json:"roleIds"`
	State         string        `json:"state"`
	Chapter       int           `json:"chapter"`
	ChapterTarget int           `json:"chapterTarget"`
	Completed     bool          `json:"completed"`
	Rating        *int          `json:"rating,omitempty"`
	Log           []LogEntryDTO `json:"log"`
	CompletedAt   *time.Time    `json:"completedAt,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// SessionSummaryDTO is a session without its transcript, for lists.
type SessionSummaryDTO struct {
	ID            string    `json:"id"`
	StoryID       string    `json:"storyId"`
	State         string    `json:"state"`
	Chapter       int       `json:"chapter"`
	ChapterTarget int       `json:"chapterTarget"`
	Rating        *int      `json:"rating,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// =============================================================================
// ACHIEVEMENTS & CATALOG
// =============================================================================

// AchievementDTO is one unlocked achievement.
type AchievementDTO struct {
	Code        string    `json:"code"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	UnlockedAt  time.Time `json:"unlockedAt"`
}

// StoryDTO is a catalog entry.
type StoryDTO struct {
	ID            string              `json:"id"`
	Title         string              `json:"title"`
	Synopsis      string              `json:"synopsis,omitempty"`
	ChapterCost   int64               `json:"chapterCost"`
	ChapterTarget int                 `json:"chapterTarget"`
	Characters    []catalog.Character `json:"characters"`
	Roles         []catalog.Role      `json:"roles,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Field   string `json:"field,omitempty"`
	Needed  *int64 `json:"needed,omitempty"`
	Balance *int64 `json:"balance,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toEntryDTO(e wallet.Entry) EntryDTO {
	return EntryDTO{
		ID:           e.ID,
		Kind:         string(e.Kind),
		Amount:       e.Amount,
		ContextID:    e.ContextID,
		Sequence:     e.Sequence,
		Source:       e.Source,
		Note:         e.Note,
		RefEntryID:   e.RefEntryID,
		BalanceAfter: e.BalanceAfter,
		CreatedAt:    e.CreatedAt,
	}
}

func toEntryDTOs(entries []wallet.Entry) []EntryDTO {
	out := make([]EntryDTO, len(entries))
	for i, e := range entries {
		out[i] = toEntryDTO(e)
	}
	return out
}

func toSessionDTO(s session.Session) SessionDTO {
	log := make([]LogEntryDTO, len(s.Log))
	for i, e := range s.Log {
		log[i] = LogEntryDTO{
			Speaker:  string(e.Speaker),
			Chapter:  e.Chapter,
			Choice:   e.Choice,
			FreeText: e.FreeText,
			Text:     e.Text,
			Choices:  e.Choices,
			At:       e.At,
		}
	}
	roles := s.RoleIDs
	if roles == nil {
		roles = []string{}
	}
	return SessionDTO{
		ID:            s.ID,
		StoryID:       s.StoryID,
		CharacterID:   s.CharacterID,
		RoleIDs:       roles,
		State:         string(s.State()),
		Chapter:       s.Progress.Chapter,
		ChapterTarget: s.Progress.ChapterTarget,
		Completed:     s.Progress.Completed,
		Rating:        s.Rating,
		Log:           log,
		CompletedAt:   s.CompletedAt,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}

func toSessionSummaryDTO(s session.Session) SessionSummaryDTO {
	return SessionSummaryDTO{
		ID:            s.ID,
		StoryID:       s.StoryID,
		State:         string(s.State()),
		Chapter:       s.Progress.Chapter,
		ChapterTarget: s.Progress.ChapterTarget,
		Rating:        s.Rating,
		UpdatedAt:     s.UpdatedAt,
	}
}

func toStoryDTO(s catalog.Story) StoryDTO {
	return StoryDTO{
		ID:            s.ID,
		Title:         s.Title,
		Synopsis:      s.Synopsis,
		ChapterCost:   s.ChapterCost,
		ChapterTarget: s.ChapterTarget,
		Characters:    s.Characters,
		Roles:         s.Roles,
	}
}

func toAchievementDTO(u rules.Unlock, known map[string]rules.Achievement) AchievementDTO {
	dto := AchievementDTO{Code: u.Code, UnlockedAt: u.UnlockedAt}
	if a, ok := known[u.Code]; ok {
		dto.Title = a.Title
		dto.Description = a.Description
	}
	return dto
}

func toPackDTO(p wallet.Pack) PackDTO {
	return PackDTO{
		ID:        p.ID,
		Coins:     p.Coins,
		Price:     p.Price.StringFixed(2),
		Currency:  p.Currency,
		UnitPrice: p.UnitPrice().String(),
	}
}
