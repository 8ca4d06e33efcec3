// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package ingest

import (
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/pmelling/tagsmith/internal/models"
)

func rev(t *testing.T, eventType string, offsetS int, meta string) replayEvent {
	t.Helper()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	var raw json.RawMessage
	if meta != "" {
		raw = json.RawMessage(meta)
	}
	return newReplayEvent(eventType, base.Add(time.Duration(offsetS)*time.Second), raw)
}

func TestReplayIntervals(t *testing.T) {
	tests := []struct {
		name   string
		events []replayEvent
		want   []Interval
	}{
		{
			name: "start progress pause",
			events: []replayEvent{
				rev(t, models.EventSceneWatchStart, 0, `{"position": 0}`),
				rev(t, models.EventSceneWatchProgress, 5, `{"position": 5}`),
				rev(t, models.EventSceneWatchProgress, 10, `{"position": 10}`),
				rev(t, models.EventSceneWatchPause, 15, `{"position": 15}`),
			},
			want: []Interval{{Start: 0, End: 15}},
		},
		{
			name: "seek splits playback",
			events: []replayEvent{
				rev(t, models.EventSceneWatchStart, 0, `{"position": 0}`),
				rev(t, models.EventSceneSeek, 5, `{"from": 5, "to": 30}`),
				rev(t, models.EventSceneWatchPause, 15, `{"position": 40}`),
			},
			want: []Interval{{Start: 0, End: 5}, {Start: 30, End: 40}},
		},
		{
			name: "implicit play from progress",
			events: []replayEvent{
				rev(t, models.EventSceneWatchProgress, 0, `{"position": 20}`),
				rev(t, models.EventSceneWatchProgress, 5, `{"position": 25}`),
				rev(t, models.EventSceneWatchComplete, 10, `{"position": 30}`),
			},
			want: []Interval{{Start: 20, End: 30}},
		},
		{
			name: "still playing at end closes against last position",
			events: []replayEvent{
				rev(t, models.EventSceneWatchStart, 0, `{"position": 10}`),
				rev(t, models.EventSceneWatchProgress, 5, `{"position": 18}`),
			},
			want: []Interval{{Start: 10, End: 18}},
		},
		{
			name: "pause without play emits nothing",
			events: []replayEvent{
				rev(t, models.EventSceneWatchPause, 0, `{"position": 12}`),
			},
			want: nil,
		},
		{
			name: "zero length interval discarded",
			events: []replayEvent{
				rev(t, models.EventSceneWatchStart, 0, `{"position": 5}`),
				rev(t, models.EventSceneWatchPause, 1, `{"position": 5}`),
			},
			want: nil,
		},
		{
			name: "seek while paused only moves position",
			events: []replayEvent{
				rev(t, models.EventSceneSeek, 0, `{"to": 50}`),
				rev(t, models.EventSceneWatchStart, 1, `{}`),
				rev(t, models.EventSceneWatchPause, 5, `{"position": 58}`),
			},
			want: []Interval{{Start: 50, End: 58}},
		},
		{
			name: "start without position falls back to zero",
			events: []replayEvent{
				rev(t, models.EventSceneWatchStart, 0, `{}`),
				rev(t, models.EventSceneWatchPause, 5, `{"position": 8}`),
			},
			want: []Interval{{Start: 0, End: 8}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ReplayIntervals(tt.events)
			if len(got) != len(tt.want) {
				t.Fatalf("ReplayIntervals() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("interval[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestMergeIntervals(t *testing.T) {
	tests := []struct {
		name        string
		in          []Interval
		gap         float64
		minDuration float64
		want        []Interval
	}{
		{
			name: "gap within tolerance merges",
			in:   []Interval{{0, 10}, {10.4, 20}},
			gap:  0.5, minDuration: 1.5,
			want: []Interval{{0, 20}},
		},
		{
			name: "gap beyond tolerance stays split",
			in:   []Interval{{0, 10}, {11, 20}},
			gap:  0.5, minDuration: 1.5,
			want: []Interval{{0, 10}, {11, 20}},
		},
		{
			name: "short interval dropped",
			in:   []Interval{{0, 1}, {5, 20}},
			gap:  0.5, minDuration: 1.5,
			want: []Interval{{5, 20}},
		},
		{
			name: "contained interval absorbed",
			in:   []Interval{{0, 20}, {5, 10}},
			gap:  0.5, minDuration: 1.5,
			want: []Interval{{0, 20}},
		},
		{
			name: "unsorted input",
			in:   []Interval{{30, 40}, {0, 5}},
			gap:  0.5, minDuration: 1.5,
			want: []Interval{{0, 5}, {30, 40}},
		},
		{
			name: "empty",
			in:   nil,
			gap:  0.5, minDuration: 1.5,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MergeIntervals(tt.in, tt.gap, tt.minDuration)
			if len(got) != len(tt.want) {
				t.Fatalf("MergeIntervals() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("merged[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}
