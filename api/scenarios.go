/*
scenarios.go - Demo scenario loaders for development and demonstrations

PURPOSE:
  Pre-built scenarios that put the caller's account into a known state by
  running the real wallet and session operations. Nothing is written
  directly to the store, so every invariant holds for demo data too.

AVAILABLE SCENARIOS:
  new-reader:   100 coins, nothing started
  mid-story:    lighthouse started and advanced to chapter 2
  low-balance:  lighthouse started with too few coins for chapter 2
  finished:     orchard played to the end and rated 5

USAGE VIA API (DevRoutes only):
  POST /api/scenarios/load
  {"scenario_id": "mid-story"}

NOTE:
  Scenarios add to the caller's existing data; they do not reset it.
  Loading one twice tops up twice but never double-charges a chapter.

SEE ALSO:
  - catalog/factory.go: DemoStories
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/warp/story-engine/generic"
	"github.com/warp/story-engine/session"
)

// ScenarioDTO describes a loadable scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

type scenario struct {
	ScenarioDTO
	load func(ctx context.Context, h *Handler, userID string) error
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{ID: "new-reader", Name: "New Reader", Description: "100 coins and no stories started"},
		load: func(ctx context.Context, h *Handler, userID string) error {
			_, err := h.Wallet.Topup(ctx, userID, 100, "scenario")
			return err
		},
	},
	{
		ScenarioDTO: ScenarioDTO{ID: "mid-story", Name: "Mid Story", Description: "Lighthouse paid through chapter 2"},
		load: func(ctx context.Context, h *Handler, userID string) error {
			if _, err := h.Wallet.Topup(ctx, userID, 50, "scenario"); err != nil {
				return err
			}
			s, err := h.startDemo(ctx, userID, "lighthouse", "keeper", "sailor")
			if err != nil {
				return err
			}
			if s.Progress.Chapter >= 2 {
				return nil
			}
			story, err := h.story(ctx, s.StoryID)
			if err != nil {
				return err
			}
			_, err = h.Sessions.AdvanceChapter(ctx, s.ID, userID, story.ChapterCost, story.ChapterTarget)
			return err
		},
	},
	{
		ScenarioDTO: ScenarioDTO{ID: "low-balance", Name: "Low Balance", Description: "Lighthouse started, 5 coins left"},
		load: func(ctx context.Context, h *Handler, userID string) error {
			if _, err := h.Wallet.Topup(ctx, userID, 15, "scenario"); err != nil {
				return err
			}
			_, err := h.startDemo(ctx, userID, "lighthouse", "apprentice", "inspector")
			return err
		},
	},
	{
		ScenarioDTO: ScenarioDTO{ID: "finished", Name: "Finished", Description: "Orchard completed with a five star rating"},
		load: func(ctx context.Context, h *Handler, userID string) error {
			s, err := h.startDemo(ctx, userID, "orchard", "wanderer")
			if err != nil {
				return err
			}
			if _, err := h.Sessions.RecordChoice(ctx, s.ID, userID, "walk the rows", ""); err != nil {
				return err
			}
			rating := 5
			_, err = h.Sessions.Complete(ctx, s.ID, userID, &rating)
			return err
		},
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	out := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		out[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, out)
}

// LoadScenario runs a scenario for the caller.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	userID := mustUser(r)
	if err := h.RunScenario(r.Context(), userID, req.ScenarioID); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.logger().Info("scenario loaded", "scenario_id", req.ScenarioID, "user_id", userID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario_id": req.ScenarioID})
}

// RunScenario applies scenario id for userID.
func (h *Handler) RunScenario(ctx context.Context, userID, id string) error {
	for _, s := range scenarios {
		if s.ID == id {
			if err := s.load(ctx, h, userID); err != nil {
				return fmt.Errorf("scenario %s: %w", id, err)
			}
			return nil
		}
	}
	return generic.Invalid("scenario_id", "unknown scenario")
}

func (h *Handler) startDemo(ctx context.Context, userID, storyID, characterID string, roleIDs ...string) (session.Session, error) {
	story, err := h.story(ctx, storyID)
	if err != nil {
		return session.Session{}, err
	}
	return h.Sessions.Start(ctx, session.StartInput{
		UserID:        userID,
		StoryID:       story.ID,
		CharacterID:   characterID,
		RoleIDs:       roleIDs,
		ChapterCost:   story.ChapterCost,
		ChapterTarget: story.ChapterTarget,
	})
}
