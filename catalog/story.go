/*
Package catalog provides the read-only story catalog.

PURPOSE:
  The session engine needs three facts about a story: what a chapter
  costs, how many chapters finish it, and which characters and roles a
  player may pick. The catalog answers those from a file, a SQL table or
  a static list, optionally behind an LRU cache.

FILE FORMAT (YAML or JSON):
  stories:
    - id: lighthouse
      title: The Lighthouse Keeper
      chapter_cost: 10
      chapter_target: 8
      characters:
        - {id: keeper, name: Keeper}
      roles:
        - {id: sailor, name: Sailor}

SEE ALSO:
  - factory.go: parsing and validation of catalog files
  - catalog.go: Source implementations and the cached Catalog
  - session/store.go: CastValidator consumed by the engine
*/
package catalog

import (
	"fmt"

	"github.com/warp/story-engine/generic"
)

// Character is a playable protagonist.
type Character struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// Role is a supporting part the player can assign.
type Role struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// Story is one catalog entry.
type Story struct {
	ID            string      `json:"id" yaml:"id"`
	Title         string      `json:"title" yaml:"title"`
	Synopsis      string      `json:"synopsis,omitempty" yaml:"synopsis,omitempty"`
	ChapterCost   int64       `json:"chapter_cost" yaml:"chapter_cost"`
	ChapterTarget int         `json:"chapter_target" yaml:"chapter_target"`
	Characters    []Character `json:"characters" yaml:"characters"`
	Roles         []Role      `json:"roles,omitempty" yaml:"roles,omitempty"`
}

// Validate checks the story is internally consistent.
func (s Story) Validate() error {
	if s.ID == "" {
		return generic.Invalid("id", "required")
	}
	if s.Title == "" {
		return generic.Invalid("title", fmt.Sprintf("story %s: required", s.ID))
	}
	if s.ChapterCost < 0 {
		return generic.Invalid("chapter_cost", fmt.Sprintf("story %s: must be >= 0", s.ID))
	}
	if s.ChapterTarget < 1 {
		return generic.Invalid("chapter_target", fmt.Sprintf("story %s: must be >= 1", s.ID))
	}
	if len(s.Characters) == 0 {
		return generic.Invalid("characters", fmt.Sprintf("story %s: at least one required", s.ID))
	}
	seen := make(map[string]bool)
	for _, c := range s.Characters {
		if c.ID == "" || seen["c:"+c.ID] {
			return generic.Invalid("characters", fmt.Sprintf("story %s: empty or duplicate id %q", s.ID, c.ID))
		}
		seen["c:"+c.ID] = true
	}
	for _, r := range s.Roles {
		if r.ID == "" || seen["r:"+r.ID] {
			return generic.Invalid("roles", fmt.Sprintf("story %s: empty or duplicate id %q", s.ID, r.ID))
		}
		seen["r:"+r.ID] = true
	}
	return nil
}

// ValidateCast checks characterID and roleIDs belong to the story. Role
// ids must be distinct.
func (s Story) ValidateCast(characterID string, roleIDs []string) error {
	found := false
	for _, c := range s.Characters {
		if c.ID == characterID {
			found = true
			break
		}
	}
	if !found {
		return generic.Invalid("characterId", "unknown character for story "+s.ID)
	}

	roles := make(map[string]bool, len(s.Roles))
	for _, r := range s.Roles {
		roles[r.ID] = true
	}
	picked := make(map[string]bool, len(roleIDs))
	for _, id := range roleIDs {
		if !roles[id] {
			return generic.Invalid("roleIds", fmt.Sprintf("unknown role %q for story %s", id, s.ID))
		}
		if picked[id] {
			return generic.Invalid("roleIds", fmt.Sprintf("duplicate role %q", id))
		}
		picked[id] = true
	}
	return nil
}
