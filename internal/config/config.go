// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

// Package config holds application configuration loaded via Koanf v2 from
// layered sources: built-in defaults, an optional YAML config file, and
// environment variables (highest priority).
//
// Config is immutable after Load() and safe for concurrent reads. Settings
// that can change at runtime (loop interval, merge TTLs, the shared API key)
// live in the settings store, not here; config carries only their initial
// defaults and everything needed before the database is open.
package config

import (
	"fmt"
	"net/url"
	"time"
)

// Config is the root configuration object.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Stash    StashConfig    `koanf:"stash"`
	Plugins  PluginsConfig  `koanf:"plugins"`
	Tasks    TasksConfig    `koanf:"tasks"`
	Ingest   IngestConfig   `koanf:"ingest"`
	API      APIConfig      `koanf:"api"`
	Security SecurityConfig `koanf:"security"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`
}

// DatabaseConfig holds DuckDB settings.
type DatabaseConfig struct {
	// Path is the database file path. ":memory:" opens an in-memory database.
	Path      string `koanf:"path"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads"` // 0 = runtime.NumCPU()
}

// StashConfig holds the external Stash media catalog connection.
// STASH_URL and STASH_API_KEY may also be overridden at runtime through the
// system settings store; these values seed the store on first start.
type StashConfig struct {
	URL     string        `koanf:"url"`
	APIKey  string        `koanf:"api_key"`
	Timeout time.Duration `koanf:"timeout"`
}

// PluginsConfig holds the plugin loader settings.
type PluginsConfig struct {
	// Dir is the plugins root; each plugin lives in Dir/<name>/plugin.yml.
	Dir string `koanf:"dir"`

	// WatchEnabled enables the fsnotify watcher that hot-reloads plugins
	// when their files change on disk.
	WatchEnabled bool `koanf:"watch_enabled"`

	// WatchDebounce batches rapid file events before triggering a reload.
	WatchDebounce time.Duration `koanf:"watch_debounce"`

	// CatalogCacheDir is the badger directory caching remote catalog
	// indexes. Empty disables the persistent cache.
	CatalogCacheDir string `koanf:"catalog_cache_dir"`

	// CatalogCacheTTL bounds how long a cached catalog index is served
	// without refetching.
	CatalogCacheTTL time.Duration `koanf:"catalog_cache_ttl"`

	// SourceRequestsPerSecond rate-limits fetches against one source.
	SourceRequestsPerSecond float64 `koanf:"source_requests_per_second"`
}

// TasksConfig holds task manager defaults.
type TasksConfig struct {
	// LoopInterval is the runner poll interval; overridable at runtime via
	// the TASK_LOOP_INTERVAL system setting.
	LoopInterval time.Duration `koanf:"loop_interval"`

	// HistoryRetentionCap triggers pruning when exceeded.
	HistoryRetentionCap int `koanf:"history_retention_cap"`

	// HistoryPruneTo is the row count kept after pruning.
	HistoryPruneTo int `koanf:"history_prune_to"`
}

// IngestConfig holds interaction ingestion tunables.
type IngestConfig struct {
	// MergeTTL bounds fingerprint-based session merging.
	MergeTTL time.Duration `koanf:"merge_ttl"`

	// MinSessionDuration gates derived o-count increments at finalization.
	MinSessionDuration time.Duration `koanf:"min_session_duration"`

	// SegmentMinDuration is the shortest segment ever persisted, seconds.
	SegmentMinDuration float64 `koanf:"segment_min_duration"`

	// MergeGap is the tolerance for merging adjacent segments, seconds.
	MergeGap float64 `koanf:"merge_gap"`

	// RecomputeMargin widens the replay window on both sides, seconds.
	RecomputeMargin float64 `koanf:"recompute_margin"`
}

// APIConfig holds pagination limits.
type APIConfig struct {
	DefaultPageSize int `koanf:"default_page_size"`
	MaxPageSize     int `koanf:"max_page_size"`
}

// SecurityConfig holds the admin-surface auth settings.
type SecurityConfig struct {
	// SharedAPIKey seeds the UI_SHARED_API_KEY system setting. Empty
	// disables the shared-secret gate.
	SharedAPIKey string `koanf:"shared_api_key"`

	// JWTSecret enables optional bearer-token auth beside the shared key.
	JWTSecret string `koanf:"jwt_secret"`

	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
	CORSOrigins     []string      `koanf:"cors_origins"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all defaults applied.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    9790,
			Timeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path:      "/data/tagsmith.duckdb",
			MaxMemory: "1GB",
			Threads:   0,
		},
		Stash: StashConfig{
			URL:     "",
			APIKey:  "",
			Timeout: 15 * time.Second,
		},
		Plugins: PluginsConfig{
			Dir:                     "/data/plugins",
			WatchEnabled:            false,
			WatchDebounce:           2 * time.Second,
			CatalogCacheDir:         "/data/catalog-cache",
			CatalogCacheTTL:         15 * time.Minute,
			SourceRequestsPerSecond: 2,
		},
		Tasks: TasksConfig{
			LoopInterval:        50 * time.Millisecond,
			HistoryRetentionCap: 600,
			HistoryPruneTo:      500,
		},
		Ingest: IngestConfig{
			MergeTTL:           120 * time.Second,
			MinSessionDuration: 10 * time.Minute,
			SegmentMinDuration: 1.5,
			MergeGap:           0.5,
			RecomputeMargin:    2.0,
		},
		API: APIConfig{
			DefaultPageSize: 50,
			MaxPageSize:     500,
		},
		Security: SecurityConfig{
			SharedAPIKey:    "",
			JWTSecret:       "",
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
			CORSOrigins:     []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks configuration consistency. Load() calls this; it is
// exported for tests constructing configs by hand.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Stash.URL != "" {
		if _, err := url.Parse(c.Stash.URL); err != nil {
			return fmt.Errorf("stash.url invalid: %w", err)
		}
	}
	if c.Tasks.LoopInterval <= 0 {
		return fmt.Errorf("tasks.loop_interval must be positive")
	}
	if c.Tasks.HistoryPruneTo > c.Tasks.HistoryRetentionCap {
		return fmt.Errorf("tasks.history_prune_to %d exceeds retention cap %d",
			c.Tasks.HistoryPruneTo, c.Tasks.HistoryRetentionCap)
	}
	if c.Ingest.SegmentMinDuration < 0 || c.Ingest.MergeGap < 0 || c.Ingest.RecomputeMargin < 0 {
		return fmt.Errorf("ingest durations must be non-negative")
	}
	if c.API.DefaultPageSize <= 0 || c.API.MaxPageSize < c.API.DefaultPageSize {
		return fmt.Errorf("api page sizes inconsistent")
	}
	return nil
}
