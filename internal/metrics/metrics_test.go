// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordTaskEvent(t *testing.T) {
	before := testutil.ToFloat64(TaskTransitions.WithLabelValues("started", "visage"))
	RecordTaskEvent("started", "visage")
	after := testutil.ToFloat64(TaskTransitions.WithLabelValues("started", "visage"))
	if after != before+1 {
		t.Errorf("transition counter = %v, want %v", after, before+1)
	}
}

func TestUpdateQueueGaugesReplacesSnapshot(t *testing.T) {
	UpdateQueueGauges(map[string]int{"visage": 3}, map[string]int{"visage": 1})
	if got := testutil.ToFloat64(TaskQueueDepth.WithLabelValues("visage")); got != 3 {
		t.Errorf("queue depth = %v, want 3", got)
	}
	if got := testutil.ToFloat64(TaskRunning.WithLabelValues("visage")); got != 1 {
		t.Errorf("running = %v, want 1", got)
	}

	// A fresh snapshot with the service gone must drop the old series.
	UpdateQueueGauges(map[string]int{"tagger": 2}, nil)
	if got := testutil.ToFloat64(TaskQueueDepth.WithLabelValues("visage")); got != 0 {
		t.Errorf("stale queue depth = %v, want 0", got)
	}
	if got := testutil.ToFloat64(TaskQueueDepth.WithLabelValues("tagger")); got != 2 {
		t.Errorf("queue depth = %v, want 2", got)
	}
}

func TestRecordIngestBatch(t *testing.T) {
	received := testutil.ToFloat64(IngestEventsReceived)
	persisted := testutil.ToFloat64(IngestEventsPersisted)
	RecordIngestBatch(10, 7, 2, 1, 25*time.Millisecond)
	if got := testutil.ToFloat64(IngestEventsReceived); got != received+10 {
		t.Errorf("received counter = %v, want %v", got, received+10)
	}
	if got := testutil.ToFloat64(IngestEventsPersisted); got != persisted+7 {
		t.Errorf("persisted counter = %v, want %v", got, persisted+7)
	}
}

func TestUpdatePluginStatuses(t *testing.T) {
	UpdatePluginStatuses(map[string]int{"active": 4, "error": 1})
	if got := testutil.ToFloat64(PluginsByStatus.WithLabelValues("active")); got != 4 {
		t.Errorf("active gauge = %v, want 4", got)
	}
	UpdatePluginStatuses(map[string]int{"active": 5})
	if got := testutil.ToFloat64(PluginsByStatus.WithLabelValues("error")); got != 0 {
		t.Errorf("stale error gauge = %v, want 0", got)
	}
}
