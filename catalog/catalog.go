package catalog

import (
	"context"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/warp/story-engine/generic"
	"github.com/warp/story-engine/session"
)

const (
	defaultCacheSize = 256
	defaultCacheTTL  = 5 * time.Minute
)

// =============================================================================
// SOURCES
// =============================================================================

// Source supplies stories. GetStory returns nil for unknown ids.
type Source interface {
	GetStory(ctx context.Context, id string) (*Story, error)
	ListStories(ctx context.Context) ([]Story, error)
}

// Static serves a fixed story list.
type Static struct {
	byID map[string]Story
}

func NewStatic(stories []Story) *Static {
	s := &Static{byID: make(map[string]Story, len(stories))}
	for _, st := range stories {
		s.byID[st.ID] = st
	}
	return s
}

func (s *Static) GetStory(_ context.Context, id string) (*Story, error) {
	st, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *Static) ListStories(_ context.Context) ([]Story, error) {
	out := make([]Story, 0, len(s.byID))
	for _, st := range s.byID {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// CATALOG - cached lookups
// =============================================================================

// CacheConfig sizes the story cache. Zero values fall back to defaults.
type CacheConfig struct {
	MaxSize int
	TTL     time.Duration
}

type cacheEntry struct {
	story    *Story // nil caches a miss
	storedAt time.Time
}

// Catalog fronts a Source with an LRU cache whose entries expire after TTL.
// It implements session.CastValidator.
type Catalog struct {
	source Source
	cache  *lru.Cache[string, cacheEntry]
	ttl    time.Duration
	clock  generic.Clock
}

var _ session.CastValidator = (*Catalog)(nil)

// New creates a Catalog over source.
func New(source Source, cfg CacheConfig) (*Catalog, error) {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaultCacheSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultCacheTTL
	}
	cache, err := lru.New[string, cacheEntry](cfg.MaxSize)
	if err != nil {
		return nil, err
	}
	return &Catalog{source: source, cache: cache, ttl: cfg.TTL, clock: generic.SystemClock{}}, nil
}

// WithClock sets the clock used for cache expiry.
func (c *Catalog) WithClock(clock generic.Clock) *Catalog {
	c.clock = generic.ClockOrSystem(clock)
	return c
}

// Story returns the story with id, or ErrNotFound.
func (c *Catalog) Story(ctx context.Context, id string) (Story, error) {
	now := c.clock.Now()
	if e, ok := c.cache.Get(id); ok && now.Sub(e.storedAt) < c.ttl {
		if e.story == nil {
			return Story{}, generic.ErrNotFound
		}
		return *e.story, nil
	}

	st, err := c.source.GetStory(ctx, id)
	if err != nil {
		return Story{}, err
	}
	c.cache.Add(id, cacheEntry{story: st, storedAt: now})
	if st == nil {
		return Story{}, generic.ErrNotFound
	}
	return *st, nil
}

// List returns every story. Listing bypasses the cache.
func (c *Catalog) List(ctx context.Context) ([]Story, error) {
	return c.source.ListStories(ctx)
}

// Invalidate drops cached entries, all of them when no id is given.
func (c *Catalog) Invalidate(ids ...string) {
	if len(ids) == 0 {
		c.cache.Purge()
		return
	}
	for _, id := range ids {
		c.cache.Remove(id)
	}
}

// ValidateCast implements session.CastValidator. Unknown stories are a
// validation error for the caller, not a missing resource.
func (c *Catalog) ValidateCast(ctx context.Context, storyID, characterID string, roleIDs []string) error {
	st, err := c.Story(ctx, storyID)
	if generic.IsNotFound(err) {
		return generic.Invalid("storyId", "unknown story")
	}
	if err != nil {
		return err
	}
	return st.ValidateCast(characterID, roleIDs)
}
