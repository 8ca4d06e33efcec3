// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package settings

import (
	"context"
	"errors"
	"testing"

	"github.com/goccy/go-json"

	"github.com/pmelling/tagsmith/internal/config"
	"github.com/pmelling/tagsmith/internal/database"
	"github.com/pmelling/tagsmith/internal/models"
	"github.com/pmelling/tagsmith/internal/refresh"
)

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(&config.DatabaseConfig{Path: ":memory:", Threads: 1})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func registerAll(t *testing.T, store *Store, plugin string) {
	t.Helper()
	ctx := context.Background()
	defs := []*models.SettingDefinition{
		{PluginName: plugin, Key: "GREETING", Type: models.SettingString,
			Default: json.RawMessage(`"hello"`)},
		{PluginName: plugin, Key: "THRESHOLD", Type: models.SettingNumber,
			Default: json.RawMessage(`2.5`)},
		{PluginName: plugin, Key: "ENABLED", Type: models.SettingBoolean,
			Default: json.RawMessage(`true`)},
		{PluginName: plugin, Key: "MODE", Type: models.SettingSelect,
			Options: []string{"average", "max", "min"},
			Default: json.RawMessage(`"average"`)},
		{PluginName: plugin, Key: "EXTRA", Type: models.SettingJSON,
			Default: json.RawMessage(`{"nested":{"depth":1}}`)},
		{PluginName: plugin, Key: "PATHS", Type: models.SettingPathMap,
			Default: json.RawMessage(`[{"source":"/mnt/media","target":"/srv/media","slash_mode":"auto"}]`)},
	}
	for _, def := range defs {
		if err := store.Register(ctx, def); err != nil {
			t.Fatalf("Register(%s): %v", def.Key, err)
		}
	}
}

// Every declared type must survive the trip through the database: a second
// store over the same connection starts with a cold cache, so each read here
// scans the persisted rows.
func TestSettingsRoundTripAllTypes(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	registerAll(t, NewStore(db, refresh.NewHub()), "tagger")

	fresh := NewStore(db, refresh.NewHub())

	if got := fresh.GetString(ctx, "tagger", "GREETING", ""); got != "hello" {
		t.Errorf("GREETING = %q, want hello", got)
	}
	if got := fresh.GetFloat(ctx, "tagger", "THRESHOLD", -1); got != 2.5 {
		t.Errorf("THRESHOLD = %v, want 2.5", got)
	}
	if got := fresh.GetBool(ctx, "tagger", "ENABLED", false); !got {
		t.Error("ENABLED = false, want true")
	}
	if got := fresh.GetString(ctx, "tagger", "MODE", ""); got != "average" {
		t.Errorf("MODE = %q, want average", got)
	}

	extra, err := fresh.Get(ctx, "tagger", "EXTRA")
	if err != nil {
		t.Fatalf("Get EXTRA: %v", err)
	}
	obj, ok := extra.(map[string]any)
	if !ok || obj["nested"] == nil {
		t.Errorf("EXTRA = %#v, want nested object", extra)
	}

	paths, err := fresh.Get(ctx, "tagger", "PATHS")
	if err != nil {
		t.Fatalf("Get PATHS: %v", err)
	}
	entries, ok := paths.([]any)
	if !ok || len(entries) != 1 {
		t.Fatalf("PATHS = %#v, want one entry", paths)
	}
	entry, ok := entries[0].(map[string]any)
	if !ok || entry["source"] != "/mnt/media" || entry["target"] != "/srv/media" {
		t.Errorf("PATHS[0] = %#v", entries[0])
	}

	defs, err := fresh.List(ctx, "tagger")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(defs) != 6 {
		t.Fatalf("List returned %d definitions, want 6", len(defs))
	}
	for _, def := range defs {
		if def.Key == "MODE" && len(def.Options) != 3 {
			t.Errorf("MODE options = %v, want 3 entries", def.Options)
		}
	}
}

func TestSetCoercesAndPersistsOverrides(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	store := NewStore(db, refresh.NewHub())
	registerAll(t, store, "tagger")

	// Numeric strings coerce, invalid options are rejected.
	if err := store.Set(ctx, "tagger", "THRESHOLD", "3.25"); err != nil {
		t.Fatalf("Set THRESHOLD: %v", err)
	}
	if err := store.Set(ctx, "tagger", "MODE", "max"); err != nil {
		t.Fatalf("Set MODE: %v", err)
	}
	if err := store.Set(ctx, "tagger", "MODE", "median"); !errors.Is(err, ErrInvalidOption) {
		t.Errorf("Set MODE=median error = %v, want ErrInvalidOption", err)
	}
	if err := store.Set(ctx, "tagger", "PATHS",
		[]models.PathMapEntry{{Source: "/a", Target: "/b", SlashMode: "unix"}}); err != nil {
		t.Fatalf("Set PATHS: %v", err)
	}

	fresh := NewStore(db, refresh.NewHub())
	if got := fresh.GetFloat(ctx, "tagger", "THRESHOLD", -1); got != 3.25 {
		t.Errorf("THRESHOLD override = %v, want 3.25", got)
	}
	if got := fresh.GetString(ctx, "tagger", "MODE", ""); got != "max" {
		t.Errorf("MODE override = %q, want max", got)
	}

	// nil clears the override back to the default.
	if err := store.Set(ctx, "tagger", "THRESHOLD", nil); err != nil {
		t.Fatalf("clear THRESHOLD: %v", err)
	}
	cleared := NewStore(db, refresh.NewHub())
	if got := cleared.GetFloat(ctx, "tagger", "THRESHOLD", -1); got != 2.5 {
		t.Errorf("THRESHOLD after clear = %v, want default 2.5", got)
	}
}

func TestSystemSettingsRequireRegistration(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	store := NewStore(db, refresh.NewHub())

	if err := store.Set(ctx, models.SystemPlugin, "NO_SUCH_KEY", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("system Set error = %v, want ErrNotFound", err)
	}

	// Plugin settings auto-create on first write.
	if err := store.Set(ctx, "tagger", "AD_HOC", "value"); err != nil {
		t.Fatalf("auto-create Set: %v", err)
	}
	if got := store.GetString(ctx, "tagger", "AD_HOC", ""); got != "value" {
		t.Errorf("AD_HOC = %q, want value", got)
	}
}
