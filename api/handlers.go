/*
handlers.go - HTTP API handlers for the story engine

PURPOSE:
  Exposes the wallet, session engine, achievements and story catalog via a
  thin REST API. Handlers parse the request, take the caller from the
  request identity, call the domain package and serialize the result.

ENDPOINTS:
  Wallet:
    GET    /api/wallet                 Current balance
    GET    /api/wallet/summary         Totals per entry kind
    GET    /api/wallet/entries         Ledger entries (kind, contextId, limit)
    GET    /api/wallet/entries/{id}    One entry
    POST   /api/wallet/topup           Buy a pack (free-form amounts with DirectTopup)
    POST   /api/wallet/refund          Reverse a chapter charge
    GET    /api/packs                  Price list

  Sessions:
    POST   /api/sessions               Start (or resume) a story
    GET    /api/sessions               List own sessions
    GET    /api/sessions/active        Active session for ?storyId=
    GET    /api/sessions/{id}          One session with transcript
    POST   /api/sessions/{id}/choices  Record a choice
    POST   /api/sessions/{id}/advance  Pay for and move to the next chapter
    POST   /api/sessions/{id}/complete Finish with optional rating

  Catalog & achievements:
    GET    /api/stories                List stories
    GET    /api/stories/{id}           One story
    GET    /api/achievements           Own unlocks

IDENTITY:
  Every /api route runs behind Identity.Middleware. Handlers only ever act
  for the resolved user; ids of other users' records answer 404.

ERROR HANDLING:
  Domain errors map to status codes in writeDomainError:
  - 400: ValidationError (with field)
  - 402: InsufficientFunds (with needed and balance)
  - 403: Forbidden
  - 404: NotFound (missing or not owned)
  - 409: AlreadyRefunded, NotRefundable, ConcurrentModification
  - 503: store unavailable
  - 500: anything else, logged, generic body

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/warp/story-engine/catalog"
	"github.com/warp/story-engine/generic"
	"github.com/warp/story-engine/rules"
	"github.com/warp/story-engine/session"
	"github.com/warp/story-engine/wallet"
)

// maxBodyBytes bounds request bodies; free text is the largest field.
const maxBodyBytes = 64 << 10

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Wallet       *wallet.Wallet
	Sessions     *session.Engine
	Catalog      *catalog.Catalog
	Scheduler    *rules.Scheduler
	Achievements []rules.Achievement
	Health       Pinger // optional
	Logger       *slog.Logger

	// DirectTopup allows crediting a free-form amount. Off in production,
	// where coins only come from packs.
	DirectTopup bool
}

// NewHandler creates a handler over the domain services.
func NewHandler(w *wallet.Wallet, sessions *session.Engine, cat *catalog.Catalog, scheduler *rules.Scheduler) *Handler {
	return &Handler{
		Wallet:       w,
		Sessions:     sessions,
		Catalog:      cat,
		Scheduler:    scheduler,
		Achievements: rules.DefaultAchievements(),
	}
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// =============================================================================
// WALLET HANDLERS
// =============================================================================

// GetBalance returns the caller's balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := mustUser(r)
	balance, err := h.Wallet.Balance(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{UserID: userID, Balance: balance})
}

// GetSummary returns ledger totals.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	s, err := h.Wallet.Summary(r.Context(), mustUser(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SummaryDTO{
		UserID:        s.UserID,
		Balance:       s.Balance,
		TotalTopup:    s.TotalTopup,
		TotalDeducted: s.TotalDeducted,
		TotalRefunded: s.TotalRefunded,
		Entries:       s.Entries,
	})
}

// ListEntries returns ledger entries, newest first.
// Query: kind, contextId, limit.
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := wallet.EntryFilter{
		Kind:      wallet.Kind(q.Get("kind")),
		ContextID: q.Get("contextId"),
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		h.writeDomainError(w, r, generic.Invalid("kind", "unknown entry kind"))
		return
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			h.writeDomainError(w, r, generic.Invalid("limit", "must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}

	entries, err := h.Wallet.Entries(r.Context(), mustUser(r), filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// GetEntry returns one of the caller's entries.
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	e, err := h.Wallet.Entry(r.Context(), mustUser(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(*e))
}

// Topup credits coins. Either amount or packId must be set; amount only
// when DirectTopup is on.
func (h *Handler) Topup(w http.ResponseWriter, r *http.Request) {
	var req TopupRequest
	if !h.decode(w, r, &req) {
		return
	}

	var (
		entry wallet.Entry
		err   error
	)
	switch {
	case req.PackID != "" && req.Amount != 0:
		err = generic.Invalid("packId", "set either amount or packId")
	case req.PackID != "":
		entry, err = h.Wallet.TopupPack(r.Context(), mustUser(r), req.PackID, req.Source)
	case req.Amount != 0 && !h.DirectTopup:
		err = fmt.Errorf("%w: direct topup disabled, use packId", generic.ErrForbidden)
	default:
		entry, err = h.Wallet.Topup(r.Context(), mustUser(r), req.Amount, req.Source)
	}
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(entry))
}

// Refund reverses one of the caller's chapter charges.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if !h.decode(w, r, &req) {
		return
	}
	entry, err := h.Wallet.Refund(r.Context(), mustUser(r), req.EntryID, req.Note)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(entry))
}

// ListPacks returns the coin packs for sale.
func (h *Handler) ListPacks(w http.ResponseWriter, r *http.Request) {
	packs := h.Wallet.Packs.Sorted()
	out := make([]PackDTO, len(packs))
	for i, p := range packs {
		out[i] = toPackDTO(p)
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// SESSION HANDLERS
// =============================================================================

// StartSession starts a story, or returns the caller's active session for
// it. Chapter 1 is charged at the story's price.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx := r.Context()

	story, err := h.story(ctx, req.StoryID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	s, err := h.Sessions.Start(ctx, session.StartInput{
		UserID:        mustUser(r),
		StoryID:       story.ID,
		CharacterID:   req.CharacterID,
		RoleIDs:       req.RoleIDs,
		ChapterCost:   story.ChapterCost,
		ChapterTarget: story.ChapterTarget,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(s))
}

// ListSessions returns the caller's sessions, newest first.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := h.Sessions.List(r.Context(), mustUser(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]SessionSummaryDTO, len(list))
	for i, s := range list {
		out[i] = toSessionSummaryDTO(s)
	}
	writeJSON(w, http.StatusOK, out)
}

// GetActiveSession returns the active session for ?storyId=.
func (h *Handler) GetActiveSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.Sessions.ActiveFor(r.Context(), mustUser(r), r.URL.Query().Get("storyId"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(s))
}

// GetSession returns one session with its transcript.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.Sessions.Get(r.Context(), chi.URLParam(r, "id"), mustUser(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(s))
}

// RecordChoice appends a player turn.
func (h *Handler) RecordChoice(w http.ResponseWriter, r *http.Request) {
	var req ChoiceRequest
	if !h.decode(w, r, &req) {
		return
	}
	s, err := h.Sessions.RecordChoice(r.Context(), chi.URLParam(r, "id"), mustUser(r), req.Choice, req.FreeText)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(s))
}

// AdvanceChapter charges and moves to the next chapter at the story's
// current price and target.
func (h *Handler) AdvanceChapter(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := mustUser(r)
	sessionID := chi.URLParam(r, "id")

	current, err := h.Sessions.Get(ctx, sessionID, userID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	story, err := h.story(ctx, current.StoryID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	s, err := h.Sessions.AdvanceChapter(ctx, sessionID, userID, story.ChapterCost, story.ChapterTarget)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(s))
}

// CompleteSession finishes a session. Repeats return the stored state.
func (h *Handler) CompleteSession(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	s, err := h.Sessions.Complete(r.Context(), chi.URLParam(r, "id"), mustUser(r), req.Rating)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(s))
}

// =============================================================================
// CATALOG & ACHIEVEMENTS
// =============================================================================

// ListStories returns the catalog.
func (h *Handler) ListStories(w http.ResponseWriter, r *http.Request) {
	stories, err := h.Catalog.List(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]StoryDTO, len(stories))
	for i, s := range stories {
		out[i] = toStoryDTO(s)
	}
	writeJSON(w, http.StatusOK, out)
}

// GetStory returns one catalog entry.
func (h *Handler) GetStory(w http.ResponseWriter, r *http.Request) {
	s, err := h.Catalog.Story(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStoryDTO(s))
}

// ListAchievements returns the caller's unlocks.
func (h *Handler) ListAchievements(w http.ResponseWriter, r *http.Request) {
	unlocks, err := h.Scheduler.Unlocked(r.Context(), mustUser(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	known := make(map[string]rules.Achievement, len(h.Achievements))
	for _, a := range h.Achievements {
		known[a.Code] = a
	}
	out := make([]AchievementDTO, len(unlocks))
	for i, u := range unlocks {
		out[i] = toAchievementDTO(u, known)
	}
	writeJSON(w, http.StatusOK, out)
}

// Healthz reports whether the store answers.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health.Ping(r.Context()); err != nil {
			h.logger().Error("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// story loads a catalog entry; an unknown id is a validation error of the
// request rather than a missing resource.
func (h *Handler) story(ctx context.Context, storyID string) (catalog.Story, error) {
	if storyID == "" {
		return catalog.Story{}, generic.Invalid("storyId", "required")
	}
	s, err := h.Catalog.Story(ctx, storyID)
	if errors.Is(err, generic.ErrNotFound) {
		return catalog.Story{}, generic.Invalid("storyId", "unknown story")
	}
	return s, err
}

// mustUser returns the identity set by Identity.Middleware. Routes are only
// mounted behind it, so a missing identity is a wiring bug.
func mustUser(r *http.Request) string {
	id, ok := UserFromContext(r.Context())
	if !ok {
		panic("api: handler mounted without identity middleware")
	}
	return id
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// writeDomainError maps err to a status code. Infrastructure failures are
// logged with the request id and answered with a generic message.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ife *generic.InsufficientFundsError
		ve  *generic.ValidationError
	)
	switch {
	case errors.As(err, &ife):
		writeJSON(w, http.StatusPaymentRequired, ErrorResponse{
			Error:   "Insufficient funds",
			Details: ife.Error(),
			Needed:  &ife.Needed,
			Balance: &ife.Balance,
		})
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Details: ve.Reason, Field: ve.Field})
	case errors.Is(err, generic.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found", nil)
	case errors.Is(err, generic.ErrForbidden):
		writeError(w, http.StatusForbidden, "Forbidden", nil)
	case errors.Is(err, generic.ErrAlreadyRefunded), errors.Is(err, generic.ErrNotRefundable):
		writeError(w, http.StatusConflict, "Not refundable", err)
	case errors.Is(err, generic.ErrConcurrentModification):
		writeError(w, http.StatusConflict, "Concurrent modification, retry", nil)
	case errors.Is(err, generic.ErrStoreUnavailable):
		h.logger().Error("store unavailable", "request_id", middleware.GetReqID(r.Context()), "error", err)
		writeError(w, http.StatusServiceUnavailable, "Service unavailable", nil)
	default:
		h.logger().Error("request failed",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
