/*
config.go - Server configuration

PURPOSE:
  One struct for everything the server reads at startup. Values come from
  STORY_* environment variables; cmd/server flags override them.

VARIABLES:
  STORY_HTTP_ADDR             listen address (default :8080)
  STORY_DB_DRIVER             sqlite | postgres | memory (default sqlite)
  STORY_DB_DSN                file path or postgres URL (default story.db)
  STORY_CATALOG_PATH          YAML/JSON story file; empty uses the database
  STORY_CATALOG_CACHE_SIZE    LRU entries (default 256)
  STORY_CATALOG_CACHE_TTL     cache entry lifetime (default 5m)
  STORY_JWT_SECRET            enables bearer identity when set
  STORY_ENGAGEMENT_ENABLED    run re-engagement rules (default true)
  STORY_ENGAGEMENT_INTERVAL   how often (default 1h)
  STORY_CORS_ORIGINS          comma separated
  STORY_LOG_LEVEL             debug | info | warn | error (default info)
*/
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config is the server configuration.
type Config struct {
	HTTPAddr string `env:"STORY_HTTP_ADDR" envDefault:":8080"`

	DBDriver string `env:"STORY_DB_DRIVER" envDefault:"sqlite"`
	DBDSN    string `env:"STORY_DB_DSN"    envDefault:"story.db"`

	CatalogPath      string        `env:"STORY_CATALOG_PATH"`
	CatalogCacheSize int           `env:"STORY_CATALOG_CACHE_SIZE" envDefault:"256"`
	CatalogCacheTTL  time.Duration `env:"STORY_CATALOG_CACHE_TTL"  envDefault:"5m"`

	JWTSecret string `env:"STORY_JWT_SECRET"`

	EngagementEnabled  bool          `env:"STORY_ENGAGEMENT_ENABLED"  envDefault:"true"`
	EngagementInterval time.Duration `env:"STORY_ENGAGEMENT_INTERVAL" envDefault:"1h"`

	CORSOrigins []string `env:"STORY_CORS_ORIGINS" envSeparator:","`
	LogLevel    string   `env:"STORY_LOG_LEVEL"    envDefault:"info"`
}

// Load reads the process environment.
func Load() (Config, error) {
	return parse(env.Options{})
}

// LoadFrom reads vars instead of the process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	switch c.DBDriver {
	case DriverSQLite, DriverPostgres:
		if c.DBDSN == "" {
			return fmt.Errorf("STORY_DB_DSN is required for driver %q", c.DBDriver)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown STORY_DB_DRIVER %q", c.DBDriver)
	}
	if c.HTTPAddr == "" {
		return fmt.Errorf("STORY_HTTP_ADDR is required")
	}
	if c.CatalogCacheSize <= 0 {
		return fmt.Errorf("STORY_CATALOG_CACHE_SIZE must be positive, got %d", c.CatalogCacheSize)
	}
	if c.CatalogCacheTTL <= 0 {
		return fmt.Errorf("STORY_CATALOG_CACHE_TTL must be positive, got %s", c.CatalogCacheTTL)
	}
	if c.EngagementEnabled && c.EngagementInterval <= 0 {
		return fmt.Errorf("STORY_ENGAGEMENT_INTERVAL must be positive, got %s", c.EngagementInterval)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel maps LogLevel to a slog.Level.
func (c Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("STORY_LOG_LEVEL: %w", err)
	}
	return level, nil
}
