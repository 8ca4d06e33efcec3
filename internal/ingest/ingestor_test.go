// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/pmelling/tagsmith/internal/config"
	"github.com/pmelling/tagsmith/internal/database"
	"github.com/pmelling/tagsmith/internal/models"
)

var testBase = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(&config.DatabaseConfig{Path: ":memory:", Threads: 1})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testIngestConfig() config.IngestConfig {
	return config.IngestConfig{
		MergeTTL:           120 * time.Second,
		MinSessionDuration: 10 * time.Minute,
		SegmentMinDuration: 1.5,
		MergeGap:           0.5,
		RecomputeMargin:    2.0,
	}
}

func newTestIngestor(t *testing.T) (*Ingestor, *database.DB) {
	t.Helper()
	db := setupTestDB(t)
	in := NewIngestor(db, testIngestConfig())
	in.now = func() time.Time { return testBase.Add(time.Hour) }
	return in, db
}

func strPtr(s string) *string { return &s }
func i64Ptr(v int64) *int64   { return &v }

func sceneEvent(id, session, eventType string, sceneID int64, offsetS float64, meta string) IncomingEvent {
	ev := IncomingEvent{
		SessionID:  session,
		EventType:  eventType,
		EntityType: models.EntityScene,
		EntityID:   i64Ptr(sceneID),
		ClientTS:   Timestamp{testBase.Add(time.Duration(offsetS * float64(time.Second)))},
	}
	if id != "" {
		ev.ClientEventID = strPtr(id)
	}
	if meta != "" {
		ev.Metadata = json.RawMessage(meta)
	}
	return ev
}

func TestIngestDeduplicatesByClientEventID(t *testing.T) {
	in, _ := newTestIngestor(t)
	ctx := context.Background()

	batch := []IncomingEvent{
		sceneEvent("ev-1", "sess-a", models.EventSceneView, 7, 0, ""),
		sceneEvent("ev-2", "sess-a", models.EventSceneView, 7, 1, ""),
	}
	res, err := in.IngestEvents(ctx, batch, "")
	if err != nil {
		t.Fatalf("IngestEvents: %v", err)
	}
	if res.Accepted != 2 || res.Duplicates != 0 {
		t.Fatalf("first batch accepted=%d duplicates=%d, want 2/0", res.Accepted, res.Duplicates)
	}

	// Resubmit one old event plus one new; batch-internal duplicate too.
	batch = []IncomingEvent{
		sceneEvent("ev-2", "sess-a", models.EventSceneView, 7, 1, ""),
		sceneEvent("ev-3", "sess-a", models.EventSceneView, 7, 2, ""),
		sceneEvent("ev-3", "sess-a", models.EventSceneView, 7, 2, ""),
	}
	res, err = in.IngestEvents(ctx, batch, "")
	if err != nil {
		t.Fatalf("IngestEvents: %v", err)
	}
	if res.Accepted != 1 || res.Duplicates != 2 {
		t.Errorf("second batch accepted=%d duplicates=%d, want 1/2", res.Accepted, res.Duplicates)
	}
	if len(res.Errors) != 0 {
		t.Errorf("unexpected errors: %v", res.Errors)
	}
}

func TestSegmentReconstruction(t *testing.T) {
	in, db := newTestIngestor(t)
	ctx := context.Background()

	batch := []IncomingEvent{
		sceneEvent("w-1", "sess-b", models.EventSceneWatchStart, 9, 0, `{"position": 0, "duration": 60}`),
		sceneEvent("w-2", "sess-b", models.EventSceneWatchProgress, 9, 5, `{"position": 5}`),
		sceneEvent("w-3", "sess-b", models.EventSceneWatchProgress, 9, 10, `{"position": 10}`),
		sceneEvent("w-4", "sess-b", models.EventSceneWatchPause, 9, 15, `{"position": 15}`),
	}
	res, err := in.IngestEvents(ctx, batch, "")
	if err != nil {
		t.Fatalf("IngestEvents: %v", err)
	}
	// Progress events are folded in but never persisted as rows.
	if res.Accepted != 4 {
		t.Fatalf("accepted = %d, want 4", res.Accepted)
	}

	watch, err := db.GetSceneWatch(ctx, "sess-b", 9)
	if err != nil || watch == nil {
		t.Fatalf("GetSceneWatch: watch=%v err=%v", watch, err)
	}
	segments, err := db.ListSegments(ctx, watch.ID)
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}
	if len(segments) != 1 {
		t.Fatalf("got %d segments, want 1: %+v", len(segments), segments)
	}
	if segments[0].StartS != 0 || segments[0].EndS != 15 {
		t.Errorf("segment = [%v, %v], want [0, 15]", segments[0].StartS, segments[0].EndS)
	}
	if watch.TotalWatchedS != 15 {
		t.Errorf("total_watched_s = %v, want 15", watch.TotalWatchedS)
	}
	if watch.WatchPercent == nil || *watch.WatchPercent != 25.0 {
		t.Errorf("watch_percent = %v, want 25.0", watch.WatchPercent)
	}
}

func TestSeekSplitsSegments(t *testing.T) {
	in, db := newTestIngestor(t)
	ctx := context.Background()

	batch := []IncomingEvent{
		sceneEvent("s-1", "sess-c", models.EventSceneWatchStart, 11, 0, `{"position": 0}`),
		sceneEvent("s-2", "sess-c", models.EventSceneSeek, 11, 5, `{"from": 5, "to": 30}`),
		sceneEvent("s-3", "sess-c", models.EventSceneWatchPause, 11, 15, `{"position": 40}`),
	}
	if _, err := in.IngestEvents(ctx, batch, ""); err != nil {
		t.Fatalf("IngestEvents: %v", err)
	}

	watch, err := db.GetSceneWatch(ctx, "sess-c", 11)
	if err != nil || watch == nil {
		t.Fatalf("GetSceneWatch: watch=%v err=%v", watch, err)
	}
	segments, err := db.ListSegments(ctx, watch.ID)
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}
	if len(segments) != 2 {
		t.Fatalf("got %d segments, want 2: %+v", len(segments), segments)
	}
	if segments[0].StartS != 0 || segments[0].EndS != 5 {
		t.Errorf("segment[0] = [%v, %v], want [0, 5]", segments[0].StartS, segments[0].EndS)
	}
	if segments[1].StartS != 30 || segments[1].EndS != 40 {
		t.Errorf("segment[1] = [%v, %v], want [30, 40]", segments[1].StartS, segments[1].EndS)
	}
	if watch.TotalWatchedS != 15 {
		t.Errorf("total_watched_s = %v, want 15", watch.TotalWatchedS)
	}
}

func TestIncrementalRecomputeExtendsSegment(t *testing.T) {
	in, db := newTestIngestor(t)
	ctx := context.Background()

	first := []IncomingEvent{
		sceneEvent("i-1", "sess-d", models.EventSceneWatchStart, 13, 0, `{"position": 0}`),
		sceneEvent("i-2", "sess-d", models.EventSceneWatchPause, 13, 10, `{"position": 10}`),
	}
	if _, err := in.IngestEvents(ctx, first, ""); err != nil {
		t.Fatalf("first batch: %v", err)
	}

	// Resume right where we left off; merge gap coalesces into one segment.
	second := []IncomingEvent{
		sceneEvent("i-3", "sess-d", models.EventSceneWatchStart, 13, 11, `{"position": 10.2}`),
		sceneEvent("i-4", "sess-d", models.EventSceneWatchPause, 13, 21, `{"position": 20}`),
	}
	if _, err := in.IngestEvents(ctx, second, ""); err != nil {
		t.Fatalf("second batch: %v", err)
	}

	watch, _ := db.GetSceneWatch(ctx, "sess-d", 13)
	segments, err := db.ListSegments(ctx, watch.ID)
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}
	if len(segments) != 1 {
		t.Fatalf("got %d segments, want 1 merged: %+v", len(segments), segments)
	}
	if segments[0].StartS != 0 || segments[0].EndS != 20 {
		t.Errorf("segment = [%v, %v], want [0, 20]", segments[0].StartS, segments[0].EndS)
	}
}

func TestFingerprintMergeAliasesSession(t *testing.T) {
	in, db := newTestIngestor(t)
	ctx := context.Background()
	fingerprint := "fp-device-1"

	// now() is base+1h; keep events near that so the TTL window is live.
	in.now = func() time.Time { return testBase.Add(time.Second) }

	first := []IncomingEvent{
		sceneEvent("m-1", "sess-A", models.EventSceneView, 5, 0, ""),
	}
	if _, err := in.IngestEvents(ctx, first, fingerprint); err != nil {
		t.Fatalf("first batch: %v", err)
	}

	in.now = func() time.Time { return testBase.Add(30 * time.Second) }
	second := []IncomingEvent{
		sceneEvent("m-2", "sess-B", models.EventSceneView, 5, 29, ""),
	}
	if _, err := in.IngestEvents(ctx, second, fingerprint); err != nil {
		t.Fatalf("second batch: %v", err)
	}

	canonical, err := db.ResolveAlias(ctx, "sess-B")
	if err != nil {
		t.Fatalf("ResolveAlias: %v", err)
	}
	if canonical != "sess-A" {
		t.Fatalf("alias sess-B -> %q, want sess-A", canonical)
	}
	if sessB, _ := db.GetSession(ctx, "sess-B"); sessB != nil {
		t.Error("no standalone session row should exist for the alias")
	}

	sessA, err := db.GetSession(ctx, "sess-A")
	if err != nil || sessA == nil {
		t.Fatalf("GetSession(sess-A): %v %v", sessA, err)
	}
	wantLast := testBase.Add(29 * time.Second)
	if !sessA.LastEventTS.Equal(wantLast) {
		t.Errorf("last_event_ts = %v, want %v", sessA.LastEventTS, wantLast)
	}
}

func TestStaleSessionFinalization(t *testing.T) {
	in, db := newTestIngestor(t)
	ctx := context.Background()
	fingerprint := "fp-device-2"

	// Long-lived first session ends on scene 21.
	in.now = func() time.Time { return testBase.Add(11 * time.Minute) }
	first := []IncomingEvent{
		sceneEvent("f-1", "sess-old", models.EventSceneView, 21, 0, ""),
		sceneEvent("f-2", "sess-old", models.EventSceneView, 21, float64(11*60), ""),
	}
	if _, err := in.IngestEvents(ctx, first, fingerprint); err != nil {
		t.Fatalf("first batch: %v", err)
	}

	// Far past the merge TTL: a new session id must finalize the old one.
	in.now = func() time.Time { return testBase.Add(time.Hour) }
	second := []IncomingEvent{
		sceneEvent("f-3", "sess-new", models.EventSceneView, 22, 3600, ""),
	}
	if _, err := in.IngestEvents(ctx, second, fingerprint); err != nil {
		t.Fatalf("second batch: %v", err)
	}

	old, err := db.GetSession(ctx, "sess-old")
	if err != nil || old == nil {
		t.Fatalf("GetSession(sess-old): %v %v", old, err)
	}
	if old.EndedAt == nil {
		t.Fatal("stale session was not finalized")
	}
	if !old.EndedAt.Equal(old.LastEventTS) {
		t.Errorf("ended_at = %v, want last_event_ts %v", old.EndedAt, old.LastEventTS)
	}

	derived, err := db.GetEntityDerived(ctx, models.EntityScene, 21)
	if err != nil || derived == nil {
		t.Fatalf("GetEntityDerived: %v %v", derived, err)
	}
	if derived.DerivedOCount != 1 {
		t.Errorf("derived_o_count = %d, want 1", derived.DerivedOCount)
	}
}

func TestProgressEventsAreNotPersisted(t *testing.T) {
	in, db := newTestIngestor(t)
	ctx := context.Background()

	batch := []IncomingEvent{
		sceneEvent("p-1", "sess-e", models.EventSceneWatchStart, 31, 0, `{"position": 0}`),
		sceneEvent("p-2", "sess-e", models.EventSceneWatchProgress, 31, 5, `{"position": 5}`),
	}
	if _, err := in.IngestEvents(ctx, batch, ""); err != nil {
		t.Fatalf("IngestEvents: %v", err)
	}

	events, err := db.SceneEventsInWindow(ctx, "sess-e", 31,
		testBase.Add(-time.Minute), testBase.Add(time.Minute))
	if err != nil {
		t.Fatalf("SceneEventsInWindow: %v", err)
	}
	for _, ev := range events {
		if ev.EventType == models.EventSceneWatchProgress {
			t.Fatal("scene_watch_progress must never be persisted as a row")
		}
	}
	if len(events) != 1 {
		t.Errorf("persisted %d events, want 1 (the start)", len(events))
	}
}

func TestLostInsertRaceCountsAsDuplicate(t *testing.T) {
	in, db := newTestIngestor(t)
	ctx := context.Background()

	// The row already exists, as if a concurrent batch won the insert after
	// this batch's bulk dedupe pass.
	clientID := "race-1"
	sceneID := int64(7)
	inserted, err := db.InsertInteractionEvent(ctx, &models.InteractionEvent{
		ClientEventID: &clientID,
		SessionID:     "sess-r",
		EventType:     models.EventSceneView,
		EntityType:    models.EntityScene,
		EntityID:      &sceneID,
		ClientTS:      testBase,
	})
	if err != nil || !inserted {
		t.Fatalf("seed insert = %v, %v; want inserted", inserted, err)
	}

	ev := sceneEvent("race-1", "sess-r", models.EventSceneView, 7, 0, "")
	sess := &models.InteractionSession{
		SessionID:      "sess-r",
		SessionStartTS: testBase,
		LastEventTS:    testBase,
	}
	duplicate, err := in.persistEvent(ctx, &ev, sess)
	if err != nil {
		t.Fatalf("persistEvent: %v", err)
	}
	if !duplicate {
		t.Fatal("conflicting insert must report duplicate, not accepted")
	}
}

func TestBatchCountsPartitionInput(t *testing.T) {
	in, _ := newTestIngestor(t)
	ctx := context.Background()

	noType := sceneEvent("bad-1", "sess-p", "", 7, 1, "")
	batch := []IncomingEvent{
		sceneEvent("ok-1", "sess-p", models.EventSceneView, 7, 0, ""),
		noType,
		sceneEvent("ok-2", "sess-p", models.EventSceneView, 7, 2, ""),
		sceneEvent("ok-2", "sess-p", models.EventSceneView, 7, 2, ""),
	}
	res, err := in.IngestEvents(ctx, batch, "")
	if err != nil {
		t.Fatalf("IngestEvents: %v", err)
	}
	if res.Accepted != 2 || res.Duplicates != 1 || len(res.Errors) != 1 {
		t.Errorf("accepted=%d duplicates=%d errors=%d, want 2/1/1",
			res.Accepted, res.Duplicates, len(res.Errors))
	}
	if got := res.Accepted + res.Duplicates + len(res.Errors); got != len(batch) {
		t.Errorf("counts sum to %d, want %d", got, len(batch))
	}
}

func TestLibrarySearchProjection(t *testing.T) {
	in, db := newTestIngestor(t)
	ctx := context.Background()

	batch := []IncomingEvent{
		{
			ClientEventID: strPtr("ls-1"),
			SessionID:     "sess-f",
			EventType:     models.EventLibrarySearch,
			ClientTS:      Timestamp{testBase},
			Metadata:      json.RawMessage(`{"library": "scenes", "query": "beach", "filters": {"tags": [3]}}`),
		},
	}
	res, err := in.IngestEvents(ctx, batch, "")
	if err != nil {
		t.Fatalf("IngestEvents: %v", err)
	}
	if res.Accepted != 1 {
		t.Fatalf("accepted = %d, want 1", res.Accepted)
	}

	var (
		library, query string
	)
	err = db.Conn().QueryRowContext(ctx,
		`SELECT library, query FROM interaction_library_searches WHERE session_id = 'sess-f'`).
		Scan(&library, &query)
	if err != nil {
		t.Fatalf("query library search: %v", err)
	}
	if library != "scenes" || query != "beach" {
		t.Errorf("library/query = %q/%q, want scenes/beach", library, query)
	}
}

func TestNavigatedAwayRequiresPriorEntity(t *testing.T) {
	entity := func(entityType string, id int64) *models.InteractionSession {
		return &models.InteractionSession{
			SessionID:      "sess-n",
			LastEntityType: &entityType,
			LastEntityID:   &id,
		}
	}
	tests := []struct {
		name string
		sess *models.InteractionSession
		want bool
	}{
		{"nil session", nil, false},
		{"never attached", &models.InteractionSession{SessionID: "sess-n"}, false},
		{"still on the scene", entity(models.EntityScene, 7), false},
		{"moved to another scene", entity(models.EntityScene, 9), true},
		{"moved to an image", entity(models.EntityImage, 7), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sessionNavigatedAway(tt.sess, 7); got != tt.want {
				t.Errorf("sessionNavigatedAway = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTimestampUnmarshal(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want time.Time
	}{
		{"rfc3339", `"2026-08-01T12:00:00Z"`, testBase},
		{"epoch ms number", `1785585600000`, time.UnixMilli(1785585600000).UTC()},
		{"epoch ms string", `"1785585600000"`, time.UnixMilli(1785585600000).UTC()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ts Timestamp
			if err := json.Unmarshal([]byte(tt.in), &ts); err != nil {
				t.Fatalf("Unmarshal(%s): %v", tt.in, err)
			}
			if !ts.Time.Equal(tt.want) {
				t.Errorf("parsed %v, want %v", ts.Time, tt.want)
			}
		})
	}

	var ts Timestamp
	if err := json.Unmarshal([]byte(`"not a time"`), &ts); err == nil {
		t.Error("garbage timestamp should fail to parse")
	}
}
