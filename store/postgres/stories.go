package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/warp/story-engine/catalog"
)

const storyColumns = `id, title, synopsis, chapter_cost, chapter_target, characters, roles`

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

	_, err = s.pool.Exec(ctx, `
		INSERT INTO stories (`+storyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			synopsis = excluded.synopsis,
			chapter_cost = excluded.chapter_cost,
			chapter_target = excluded.chapter_target,
			characters = excluded.characters,
			roles = excluded.roles,
			updated_at = now()
	`, st.ID, st.Title, nullString(st.Synopsis), st.ChapterCost, st.ChapterTarget,
		string(chars), string(rolesJSON))
	if err != nil {
		return fmt.Errorf("failed to save story: %w", err)
	}
	return nil
}

// GetStory returns the story with id, or nil.
func (s *Store) GetStory(ctx context.Context, id string) (*catalog.Story, error) {
	stories, err := s.queryStories(ctx, `WHERE id = $1`, id)
	if err != nil || len(stories) == 0 {
		return nil, err
	}
	return &stories[0], nil
}

// ListStories returns every story ordered by id.
func (s *Store) ListStories(ctx context.Context) ([]catalog.Story, error) {
	return s.queryStories(ctx, `ORDER BY id`)
}

func (s *Store) queryStories(ctx context.Context, tail string, args ...any) ([]catalog.Story, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+storyColumns+` FROM stories `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query stories: %w", err)
	}
	defer rows.Close()

	var result []catalog.Story
	for rows.Next() {
		var (
			st           catalog.Story
			synopsis     *string
			chars, roles []byte
		)
		if err := rows.Scan(&st.ID, &st.Title, &synopsis, &st.ChapterCost, &st.ChapterTarget, &chars, &roles); err != nil {
			return nil, fmt.Errorf("failed to scan story: %w", err)
		}
		st.Synopsis = deref(synopsis)
		if err := json.Unmarshal(chars, &st.Characters); err != nil {
			return nil, fmt.Errorf("decode characters of %s: %w", st.ID, err)
		}
		if err := json.Unmarshal(roles, &st.Roles); err != nil {
			return nil, fmt.Errorf("decode roles of %s: %w", st.ID, err)
		}
		if len(st.Roles) == 0 {
			st.Roles = nil
		}
		result = append(result, st)
	}
	return result, rows.Err()
}
