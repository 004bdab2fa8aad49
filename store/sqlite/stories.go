package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/warp/story-engine/catalog"
)

// =============================================================================
// STORY CATALOG (catalog.Source interface)
// =============================================================================

const storyColumns = `id, title, synopsis, chapter_cost, chapter_target, characters_json, roles_json`

// SaveStory inserts or replaces a catalog entry.
func (s *Store) SaveStory(ctx context.Context, st catalog.Story) error {
	if err := st.Validate(); err != nil {
		return err
	}
	chars, err := json.Marshal(st.Characters)
	if err != nil {
		return fmt.Errorf("encode characters: %w", err)
	}
	roles := st.Roles
	if roles == nil {
		roles = []catalog.Role{}
	}
	rolesJSON, err := json.Marshal(roles)
	if err != nil {
		return fmt.Errorf("encode roles: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO stories (`+storyColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			synopsis = excluded.synopsis,
			chapter_cost = excluded.chapter_cost,
			chapter_target = excluded.chapter_target,
			characters_json = excluded.characters_json,
			roles_json = excluded.roles_json,
			updated_at = excluded.updated_at
	`, st.ID, st.Title, nullString(st.Synopsis), st.ChapterCost, st.ChapterTarget,
		string(chars), string(rolesJSON), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save story: %w", err)
	}
	return nil
}

// GetStory returns the story with id, or nil.
func (s *Store) GetStory(ctx context.Context, id string) (*catalog.Story, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stories, err := s.queryStories(ctx, `WHERE id = ?`, id)
	if err != nil || len(stories) == 0 {
		return nil, err
	}
	return &stories[0], nil
}

// ListStories returns every story ordered by id.
func (s *Store) ListStories(ctx context.Context) ([]catalog.Story, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryStories(ctx, `ORDER BY id`)
}

func (s *Store) queryStories(ctx context.Context, tail string, args ...any) ([]catalog.Story, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+storyColumns+` FROM stories `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query stories: %w", err)
	}
	defer rows.Close()

	var result []catalog.Story
	for rows.Next() {
		var (
			st          catalog.Story
			synopsis    *string
			chars, role string
		)
		if err := rows.Scan(&st.ID, &st.Title, &synopsis, &st.ChapterCost, &st.ChapterTarget, &chars, &role); err != nil {
			return nil, fmt.Errorf("failed to scan story: %w", err)
		}
		if synopsis != nil {
			st.Synopsis = *synopsis
		}
		if err := json.Unmarshal([]byte(chars), &st.Characters); err != nil {
			return nil, fmt.Errorf("decode characters of %s: %w", st.ID, err)
		}
		if err := json.Unmarshal([]byte(role), &st.Roles); err != nil {
			return nil, fmt.Errorf("decode roles of %s: %w", st.ID, err)
		}
		if len(st.Roles) == 0 {
			st.Roles = nil
		}
		result = append(result, st)
	}
	return result, rows.Err()
}
