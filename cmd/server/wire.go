package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/warp/story-engine/api"
	"github.com/warp/story-engine/catalog"
	"github.com/warp/story-engine/config"
	"github.com/warp/story-engine/generic"
	"github.com/warp/story-engine/generic/store"
	"github.com/warp/story-engine/metrics"
	"github.com/warp/story-engine/rules"
	"github.com/warp/story-engine/session"
	"github.com/warp/story-engine/store/postgres"
	"github.com/warp/story-engine/store/sqlite"
	"github.com/warp/story-engine/wallet"
)

// backend is what every driver provides.
type backend interface {
	generic.DedupeStore
	wallet.Store
	session.Store
}

// storyStore is implemented by the SQL drivers.
type storyStore interface {
	catalog.Source
	SaveStory(ctx context.Context, st catalog.Story) error
}

// sqlStore is a database-backed driver.
type sqlStore interface {
	backend
	storyStore
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

var (
	_ sqlStore = (*sqlite.Store)(nil)
	_ sqlStore = (*postgres.Store)(nil)
	_ backend  = (*store.Memory)(nil)
)

// stores is an opened driver. sql is nil for the memory driver.
type stores struct {
	backend
	sql sqlStore
}

func (s *stores) Close() error {
	if s.sql == nil {
		return nil
	}
	return s.sql.Close()
}

func openStores(ctx context.Context, cfg config.Config) (*stores, error) {
	switch cfg.DBDriver {
	case config.DriverMemory:
		return &stores{backend: store.NewMemory()}, nil
	case config.DriverSQLite:
		s, err := sqlite.New(cfg.DBDSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.DBDSN, err)
		}
		return &stores{backend: s, sql: s}, nil
	case config.DriverPostgres:
		s, err := postgres.New(ctx, cfg.DBDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return &stores{backend: s, sql: s}, nil
	}
	return nil, fmt.Errorf("unknown driver %q", cfg.DBDriver)
}

// storySource picks where stories come from: the catalog file when one is
// configured, else the database (seeded with the demo stories when empty),
// else the demo stories in memory.
func storySource(ctx context.Context, cfg config.Config, st *stores, logger *slog.Logger) (catalog.Source, error) {
	if cfg.CatalogPath != "" {
		stories, err := catalog.LoadFile(cfg.CatalogPath)
		if err != nil {
			return nil, err
		}
		logger.Info("catalog loaded from file", "path", cfg.CatalogPath, "stories", len(stories))
		return catalog.NewStatic(stories), nil
	}
	if st.sql == nil {
		return catalog.NewStatic(catalog.DemoStories()), nil
	}

	existing, err := st.sql.ListStories(ctx)
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		if err := seedStories(ctx, st.sql, catalog.DemoStories()); err != nil {
			return nil, err
		}
		logger.Info("seeded demo stories into empty catalog")
	}
	return st.sql, nil
}

func seedStories(ctx context.Context, s storyStore, stories []catalog.Story) error {
	for _, story := range stories {
		if err := s.SaveStory(ctx, story); err != nil {
			return fmt.Errorf("seed story %s: %w", story.ID, err)
		}
	}
	return nil
}

// app is the fully wired engine.
type app struct {
	stores    *stores
	wallet    *wallet.Wallet
	sessions  *session.Engine
	catalog   *catalog.Catalog
	scheduler *rules.Scheduler
	handler   *api.Handler
	jobs      *api.Scheduler
	metrics   *metrics.Metrics
}

func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	st, err := openStores(ctx, cfg)
	if err != nil {
		return nil, err
	}

	source, err := storySource(ctx, cfg, st, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	cat, err := catalog.New(source, catalog.CacheConfig{MaxSize: cfg.CatalogCacheSize, TTL: cfg.CatalogCacheTTL})
	if err != nil {
		st.Close()
		return nil, err
	}

	m := metrics.Default()

	w := wallet.New(st)
	w.Metrics = m
	w.Logger = logger

	scheduler := rules.NewScheduler(st)
	scheduler.Metrics = m
	scheduler.Logger = logger

	evaluator := rules.NewEvaluator(scheduler, st)
	evaluator.Logger = logger

	engine := session.NewEngine(st, w)
	engine.Cast = cat
	engine.Generator = session.EchoGenerator{}
	engine.Observer = evaluator
	engine.Metrics = m
	engine.Logger = logger

	engagement := rules.NewEngagement(scheduler, st, rules.LogNotifier{Logger: logger})
	engagement.Logger = logger

	jobs := api.NewScheduler(engagement, w)
	jobs.CheckInterval = cfg.EngagementInterval
	jobs.Enabled = cfg.EngagementEnabled
	jobs.Logger = logger

	h := api.NewHandler(w, engine, cat, scheduler)
	h.Logger = logger
	if st.sql != nil {
		h.Health = st.sql
	}

	return &app{
		stores:    st,
		wallet:    w,
		sessions:  engine,
		catalog:   cat,
		scheduler: scheduler,
		handler:   h,
		jobs:      jobs,
		metrics:   m,
	}, nil
}

func (a *app) Close() error {
	return a.stores.Close()
}
