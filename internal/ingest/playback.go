// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package ingest

import (
	"sort"
	"time"

	"github.com/goccy/go-json"

	"github.com/pmelling/tagsmith/internal/models"
)

// Interval is one closed stretch of playback time in scene seconds.
type Interval struct {
	Start float64
	End   float64
}

// Duration returns the interval length in seconds.
func (iv Interval) Duration() float64 { return iv.End - iv.Start }

// playbackMeta is the slice of event metadata the replay cares about.
type playbackMeta struct {
	Position *float64 `json:"position"`
	From     *float64 `json:"from"`
	To       *float64 `json:"to"`
	Duration *float64 `json:"duration"`
}

// replayEvent is one normalized event in a replay sequence.
type replayEvent struct {
	Type string
	TS   time.Time
	Meta playbackMeta
}

func newReplayEvent(eventType string, ts time.Time, metadata json.RawMessage) replayEvent {
	ev := replayEvent{Type: eventType, TS: ts}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &ev.Meta)
	}
	return ev
}

// ReplayIntervals reconstructs playback intervals from an event sequence
// ordered by timestamp. Two state variables drive it: the position playback
// started at, and the last known position. Intervals of zero or negative
// length are discarded.
func ReplayIntervals(events []replayEvent) []Interval {
	var (
		intervals    []Interval
		playStartPos *float64 // non-nil while playing
		lastPosition *float64
	)

	emit := func(start, end float64) {
		if end > start {
			intervals = append(intervals, Interval{Start: start, End: end})
		}
	}

	for _, ev := range events {
		switch ev.Type {
		case models.EventSceneWatchStart:
			pos := 0.0
			switch {
			case ev.Meta.Position != nil:
				pos = *ev.Meta.Position
			case lastPosition != nil:
				pos = *lastPosition
			}
			playStartPos = ptr(pos)
			lastPosition = ptr(pos)

		case models.EventSceneWatchProgress:
			if ev.Meta.Position == nil {
				continue
			}
			lastPosition = ptr(*ev.Meta.Position)
			if playStartPos == nil {
				// Progress without a start implies playback is underway.
				playStartPos = ptr(*ev.Meta.Position)
			}

		case models.EventSceneWatchPause, models.EventSceneWatchComplete:
			var pos *float64
			switch {
			case ev.Meta.Position != nil:
				pos = ev.Meta.Position
			case lastPosition != nil:
				pos = lastPosition
			default:
				pos = playStartPos
			}
			if playStartPos != nil && pos != nil {
				emit(*playStartPos, *pos)
			}
			if pos != nil {
				lastPosition = ptr(*pos)
			}
			playStartPos = nil

		case models.EventSceneSeek:
			wasPlaying := playStartPos != nil
			if wasPlaying {
				from := lastPosition
				if ev.Meta.From != nil {
					from = ev.Meta.From
				}
				if from != nil {
					emit(*playStartPos, *from)
				}
			}
			if ev.Meta.To != nil {
				lastPosition = ptr(*ev.Meta.To)
				if wasPlaying {
					playStartPos = ptr(*ev.Meta.To)
				} else {
					playStartPos = nil
				}
			} else if wasPlaying {
				playStartPos = nil
			}
		}
	}

	// Still playing at end of replay: close against the last known position.
	if playStartPos != nil && lastPosition != nil {
		emit(*playStartPos, *lastPosition)
	}
	return intervals
}

// MergeIntervals sorts intervals and coalesces any pair closer than gap,
// dropping results shorter than minDuration.
func MergeIntervals(intervals []Interval, gap, minDuration float64) []Interval {
	if len(intervals) == 0 {
		return nil
	}
	sorted := make([]Interval, len(intervals))
	copy(sorted, intervals)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].End < sorted[j].End
	})

	merged := []Interval{sorted[0]}
	for _, iv := range sorted[1:] {
		last := &merged[len(merged)-1]
		if iv.Start <= last.End+gap {
			if iv.End > last.End {
				last.End = iv.End
			}
			continue
		}
		merged = append(merged, iv)
	}

	out := merged[:0]
	for _, iv := range merged {
		if iv.Duration() >= minDuration {
			out = append(out, iv)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// overlap returns the overlapping length of two intervals, zero when disjoint.
func overlap(a, b Interval) float64 {
	lo := a.Start
	if b.Start > lo {
		lo = b.Start
	}
	hi := a.End
	if b.End < hi {
		hi = b.End
	}
	if hi > lo {
		return hi - lo
	}
	return 0
}

func ptr(v float64) *float64 { return &v }
