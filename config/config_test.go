package config_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/story-engine/config"
)

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := config.LoadFrom(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, config.DriverSQLite, cfg.DBDriver)
	assert.Equal(t, "story.db", cfg.DBDSN)
	assert.Equal(t, 256, cfg.CatalogCacheSize)
	assert.Equal(t, 5*time.Minute, cfg.CatalogCacheTTL)
	assert.True(t, cfg.EngagementEnabled)
	assert.Equal(t, time.Hour, cfg.EngagementInterval)
	assert.Empty(t, cfg.JWTSecret)
	require.NoError(t, cfg.Validate())
}

func TestLoadFrom_Overrides(t *testing.T) {
	cfg, err := config.LoadFrom(map[string]string{
		"STORY_DB_DRIVER":           "postgres",
		"STORY_DB_DSN":              "postgres://localhost/story",
		"STORY_CORS_ORIGINS":        "https://a.example,https://b.example",
		"STORY_ENGAGEMENT_INTERVAL": "15m",
		"STORY_LOG_LEVEL":           "debug",
	})
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, config.DriverPostgres, cfg.DBDriver)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, 15*time.Minute, cfg.EngagementInterval)

	level, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoadFrom_BadDuration(t *testing.T) {
	_, err := config.LoadFrom(map[string]string{"STORY_CATALOG_CACHE_TTL": "soon"})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid, err := config.LoadFrom(map[string]string{})
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unknown driver", func(c *config.Config) { c.DBDriver = "mongo" }},
		{"missing dsn", func(c *config.Config) { c.DBDSN = "" }},
		{"zero cache size", func(c *config.Config) { c.CatalogCacheSize = 0 }},
		{"zero ttl", func(c *config.Config) { c.CatalogCacheTTL = 0 }},
		{"zero interval", func(c *config.Config) { c.EngagementInterval = 0 }},
		{"bad log level", func(c *config.Config) { c.LogLevel = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	memory := valid
	memory.DBDriver = config.DriverMemory
	memory.DBDSN = ""
	assert.NoError(t, memory.Validate())

	disabled := valid
	disabled.EngagementEnabled = false
	disabled.EngagementInterval = 0
	assert.NoError(t, disabled.Validate())
}
