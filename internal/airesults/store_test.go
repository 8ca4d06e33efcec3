// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package airesults

import (
	"context"
	"testing"

	"github.com/goccy/go-json"

	"github.com/pmelling/tagsmith/internal/config"
	"github.com/pmelling/tagsmith/internal/database"
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

func f64(v float64) *float64 { return &v }

func TestStoreSceneRun(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	var resolveCalls int
	resolve := func(ctx context.Context, label, category string) (*int64, error) {
		resolveCalls++
		if label == "beach" {
			id := int64(101)
			return &id, nil
		}
		return nil, nil
	}

	payload := &ScenePayload{
		SchemaVersion: 2,
		Duration:      300,
		FrameInterval: 2,
		Timespans: map[string]map[string][]Frame{
			"location": {
				"beach": {
					{Start: 10, End: f64(20), Confidence: f64(0.9)},
					{Start: 40}, // end defaults to start + frame_interval
					{Start: 44, End: f64(50)},
				},
				"indoor": {
					{Start: 100, End: f64(110)},
				},
			},
		},
	}

	runID, err := store.StoreSceneRun(ctx, "tagger-svc", "tagger", 42,
		json.RawMessage(`{"threshold": 0.5}`), payload,
		[]RequestedModel{{Name: "scene-tagger", Version: "1.2"}}, resolve)
	if err != nil {
		t.Fatalf("StoreSceneRun: %v", err)
	}
	if runID == 0 {
		t.Fatal("run id not assigned")
	}
	if resolveCalls != 2 {
		t.Errorf("resolve called %d times, want 2 (memoized per label)", resolveCalls)
	}

	run, err := store.GetLatestSceneRun(ctx, "tagger-svc", 42)
	if err != nil || run == nil {
		t.Fatalf("GetLatestSceneRun: run=%v err=%v", run, err)
	}
	if run.ID != runID || run.Status != "completed" {
		t.Errorf("run = %+v, want id %d status completed", run, runID)
	}

	timespans, err := store.GetSceneTimespans(ctx, "tagger-svc", 42, database.TimespanFilter{Category: "location"})
	if err != nil {
		t.Fatalf("GetSceneTimespans: %v", err)
	}
	if len(timespans) != 4 {
		t.Fatalf("got %d timespans, want 4", len(timespans))
	}
	// Default end for the frame with no explicit end.
	var found bool
	for _, ts := range timespans {
		if ts.StartS == 40 {
			found = true
			if ts.EndS != 42 {
				t.Errorf("defaulted end = %v, want 42 (start + frame_interval)", ts.EndS)
			}
			if ts.ReferenceID == nil || *ts.ReferenceID != 101 {
				t.Errorf("reference_id = %v, want 101", ts.ReferenceID)
			}
		}
	}
	if !found {
		t.Error("frame starting at 40 missing")
	}

	totals, err := store.GetSceneTagTotals(ctx, "tagger-svc", 42)
	if err != nil {
		t.Fatalf("GetSceneTagTotals: %v", err)
	}
	if len(totals) != 2 {
		t.Fatalf("got %d aggregates, want 2", len(totals))
	}
	// beach: (20-10) + 2 + (50-44) = 18; indoor: 10. Largest first.
	if totals[0].Label != "beach" || totals[0].ValueFloat != 18 {
		t.Errorf("top aggregate = %s/%v, want beach/18", totals[0].Label, totals[0].ValueFloat)
	}
	if totals[1].Label != "indoor" || totals[1].ValueFloat != 10 {
		t.Errorf("second aggregate = %s/%v, want indoor/10", totals[1].Label, totals[1].ValueFloat)
	}
	if totals[0].Metric != "duration_s" {
		t.Errorf("metric = %s, want duration_s", totals[0].Metric)
	}
}

func TestStoreSceneRunUpsertsModels(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	payload := &ScenePayload{FrameInterval: 1, Timespans: map[string]map[string][]Frame{}}
	models := []RequestedModel{{Name: "scene-tagger", Version: "1.0"}}

	if _, err := store.StoreSceneRun(ctx, "svc", "plug", 1, nil, payload, models, nil); err != nil {
		t.Fatalf("first run: %v", err)
	}
	models[0].Version = "1.1"
	if _, err := store.StoreSceneRun(ctx, "svc", "plug", 1, nil, payload, models, nil); err != nil {
		t.Fatalf("second run: %v", err)
	}

	var count int
	if err := db.Conn().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ai_models WHERE service = 'svc' AND name = 'scene-tagger'`).
		Scan(&count); err != nil {
		t.Fatalf("count models: %v", err)
	}
	if count != 1 {
		t.Errorf("model rows = %d, want 1 (upsert keyed by service/model_id/name)", count)
	}

	var version string
	if err := db.Conn().QueryRowContext(ctx,
		`SELECT version FROM ai_models WHERE service = 'svc' AND name = 'scene-tagger'`).
		Scan(&version); err != nil {
		t.Fatalf("read model version: %v", err)
	}
	if version != "1.1" {
		t.Errorf("version = %s, want 1.1 (upsert refreshes metadata)", version)
	}
}

func TestGetLatestSceneRunAbsent(t *testing.T) {
	store := NewStore(setupTestDB(t))
	run, err := store.GetLatestSceneRun(context.Background(), "svc", 999)
	if err != nil {
		t.Fatalf("GetLatestSceneRun: %v", err)
	}
	if run != nil {
		t.Errorf("run = %+v, want nil for unknown scene", run)
	}
}
