// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package ingest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pmelling/tagsmith/internal/logging"
	"github.com/pmelling/tagsmith/internal/models"
)

var watchEventTypes = map[string]bool{
	models.EventSceneWatchStart:    true,
	models.EventSceneWatchPause:    true,
	models.EventSceneWatchComplete: true,
	models.EventSceneWatchProgress: true,
	models.EventSceneSeek:          true,
}

var controlEventTypes = map[string]bool{
	models.EventSceneWatchStart:    true,
	models.EventSceneWatchPause:    true,
	models.EventSceneWatchComplete: true,
	models.EventSceneSeek:          true,
}

type pairKey struct {
	sessionID string
	sceneID   int64
}

// updateSceneSummaries maintains the per-(session, scene) watch rows touched
// by a batch: page enter/leave bounds, segment recomputation, and derived
// view counters.
func (in *Ingestor) updateSceneSummaries(ctx context.Context, batch []IncomingEvent, sessions map[string]*models.InteractionSession) error {
	groups := make(map[pairKey][]IncomingEvent)
	for _, ev := range batch {
		if ev.EntityType != models.EntityScene || ev.EntityID == nil {
			continue
		}
		key := pairKey{sessionID: ev.SessionID, sceneID: *ev.EntityID}
		groups[key] = append(groups[key], ev)
	}

	for key, events := range groups {
		if err := in.updatePairSummary(ctx, key, events, sessions[key.sessionID]); err != nil {
			return fmt.Errorf("failed to update scene summary %s/%d: %w", key.sessionID, key.sceneID, err)
		}
	}
	return nil
}

func (in *Ingestor) updatePairSummary(ctx context.Context, key pairKey, events []IncomingEvent, sess *models.InteractionSession) error {
	watch, err := in.db.GetSceneWatch(ctx, key.sessionID, key.sceneID)
	if err != nil {
		return err
	}
	if watch == nil {
		watch = &models.SceneWatch{SessionID: key.sessionID, SceneID: key.sceneID}
		if err := in.db.CreateSceneWatch(ctx, watch); err != nil {
			return err
		}
	}

	var (
		firstEnter  *time.Time
		lastLeave   *time.Time
		viewCount   int64
		lastViewed  time.Time
		hasWatchEvt bool
	)
	for _, ev := range events {
		ts := ev.ClientTS.Time
		switch ev.EventType {
		case models.EventScenePageEnter, models.EventSceneView:
			if firstEnter == nil || ts.Before(*firstEnter) {
				t := ts
				firstEnter = &t
			}
			if ev.EventType == models.EventSceneView {
				viewCount++
				if ts.After(lastViewed) {
					lastViewed = ts
				}
			}
		case models.EventScenePageLeave:
			if lastLeave == nil || ts.After(*lastLeave) {
				t := ts
				lastLeave = &t
			}
		}
		if watchEventTypes[ev.EventType] {
			hasWatchEvt = true
		}
	}

	if firstEnter != nil && (watch.PageEnteredAt == nil || firstEnter.Before(*watch.PageEnteredAt)) {
		watch.PageEnteredAt = firstEnter
	}
	// A page_leave only sticks once the session has demonstrably moved on.
	if lastLeave != nil && sessionNavigatedAway(sess, key.sceneID) {
		if watch.PageLeftAt == nil || lastLeave.After(*watch.PageLeftAt) {
			watch.PageLeftAt = lastLeave
		}
	}

	if hasWatchEvt {
		if err := in.recomputeSegments(ctx, watch, events); err != nil {
			return err
		}
	}

	if err := in.db.UpdateSceneWatch(ctx, watch); err != nil {
		return err
	}

	if viewCount > 0 {
		if err := in.db.IncrementDerivedViews(ctx, models.EntityScene, key.sceneID, viewCount, lastViewed); err != nil {
			return err
		}
	}
	return nil
}

func sessionNavigatedAway(sess *models.InteractionSession, sceneID int64) bool {
	// A session that never attached to any entity has nowhere to have
	// navigated to.
	if sess == nil || sess.LastEntityType == nil || sess.LastEntityID == nil {
		return false
	}
	return *sess.LastEntityType != models.EntityScene || *sess.LastEntityID != sceneID
}

// recomputeSegments replays playback events inside a widened window around
// the batch and reconciles the reconstructed intervals with the persisted
// segments of the watch.
func (in *Ingestor) recomputeSegments(ctx context.Context, watch *models.SceneWatch, batchEvents []IncomingEvent) error {
	margin := time.Duration(in.cfg.RecomputeMargin * float64(time.Second))

	batchMin := batchEvents[0].ClientTS.Time
	batchMax := batchEvents[0].ClientTS.Time
	for _, ev := range batchEvents[1:] {
		ts := ev.ClientTS.Time
		if ts.Before(batchMin) {
			batchMin = ts
		}
		if ts.After(batchMax) {
			batchMax = ts
		}
	}
	windowMin := batchMin.Add(-margin)
	windowMax := batchMax.Add(margin)

	appendFast := watch.LastProcessedEventTS != nil &&
		batchMin.After(watch.LastProcessedEventTS.Add(margin))

	// Prior events give the replay its starting playback state.
	prior, err := in.db.SceneEventsBefore(ctx, watch.SessionID, watch.SceneID, windowMin, 5)
	if err != nil {
		return err
	}
	var replay []replayEvent
	if !hasControl(prior) {
		control, err := in.db.LastControlEventBefore(ctx, watch.SessionID, watch.SceneID, windowMin)
		if err != nil {
			return err
		}
		if control != nil {
			replay = append(replay, newReplayEvent(control.EventType, control.ClientTS, control.Metadata))
		}
	}
	for i := len(prior) - 1; i >= 0; i-- { // newest-first to oldest-first
		ev := prior[i]
		replay = append(replay, newReplayEvent(ev.EventType, ev.ClientTS, ev.Metadata))
	}

	window, err := in.db.SceneEventsInWindow(ctx, watch.SessionID, watch.SceneID, windowMin, windowMax)
	if err != nil {
		return err
	}
	var tail []replayEvent
	for _, ev := range window {
		tail = append(tail, newReplayEvent(ev.EventType, ev.ClientTS, ev.Metadata))
	}

	// Progress events only live in the batch; inject them synthetically.
	onlyProgress := true
	var maxProgressPos *float64
	for _, ev := range batchEvents {
		if !watchEventTypes[ev.EventType] {
			continue
		}
		if ev.EventType != models.EventSceneWatchProgress {
			onlyProgress = false
			continue
		}
		rep := newReplayEvent(ev.EventType, ev.ClientTS.Time, ev.Metadata)
		if rep.Meta.Position != nil && (maxProgressPos == nil || *rep.Meta.Position > *maxProgressPos) {
			maxProgressPos = rep.Meta.Position
		}
		tail = append(tail, rep)
	}

	if !appendFast {
		next, err := in.db.NextSceneEventAfter(ctx, watch.SessionID, watch.SceneID, windowMax)
		if err != nil {
			return err
		}
		if next != nil {
			tail = append(tail, newReplayEvent(next.EventType, next.ClientTS, next.Metadata))
		}
	}

	sort.SliceStable(tail, func(i, j int) bool { return tail[i].TS.Before(tail[j].TS) })
	replay = append(replay, tail...)

	newIntervals := ReplayIntervals(replay)

	existing, err := in.db.ListSegments(ctx, watch.ID)
	if err != nil {
		return err
	}

	if err := in.reconcileSegments(ctx, watch, existing, newIntervals, onlyProgress, maxProgressPos); err != nil {
		return err
	}

	total, err := in.db.SumSegmentWatched(ctx, watch.ID)
	if err != nil {
		return err
	}
	watch.TotalWatchedS = total
	if duration := sceneDuration(batchEvents, watch); duration > 0 {
		percent := total / duration * 100
		if percent > 100 {
			percent = 100
		}
		watch.WatchPercent = &percent
	}
	watch.LastProcessedEventTS = &batchMax

	logging.Ctx(ctx).Debug().
		Str("session_id", watch.SessionID).
		Int64("scene_id", watch.SceneID).
		Int("intervals", len(newIntervals)).
		Float64("total_watched_s", total).
		Bool("append_fast", appendFast).
		Msg("segments recomputed")
	return nil
}

// reconcileSegments applies the merged interval set to the database: each
// final interval expands the existing segment it overlaps most and displaces
// the others; intervals with no overlap become new rows.
func (in *Ingestor) reconcileSegments(ctx context.Context, watch *models.SceneWatch, existing []*models.SceneWatchSegment, newIntervals []Interval, onlyProgress bool, maxProgressPos *float64) error {
	combined := make([]Interval, 0, len(existing)+len(newIntervals))
	for _, seg := range existing {
		combined = append(combined, Interval{Start: seg.StartS, End: seg.EndS})
	}
	combined = append(combined, newIntervals...)
	final := MergeIntervals(combined, in.cfg.MergeGap, in.cfg.SegmentMinDuration)

	// Continuous playback: a progress-only batch that produced nothing new
	// may still nudge the latest segment forward a little.
	if len(newIntervals) == 0 && onlyProgress && maxProgressPos != nil && len(existing) > 0 {
		latest := existing[0]
		for _, seg := range existing[1:] {
			if seg.EndS > latest.EndS {
				latest = seg
			}
		}
		extension := *maxProgressPos - latest.EndS
		if extension > 0 && extension <= 4*in.cfg.MergeGap {
			for i := range final {
				if final[i].Start <= latest.StartS && final[i].End >= latest.EndS {
					if *maxProgressPos > final[i].End {
						final[i].End = *maxProgressPos
					}
					break
				}
			}
		}
	}

	claimed := make(map[int64]bool)
	var toDelete []int64
	for _, iv := range final {
		var best *models.SceneWatchSegment
		var bestOverlap float64
		var displaced []int64
		for _, seg := range existing {
			if claimed[seg.ID] {
				continue
			}
			ov := overlap(iv, Interval{Start: seg.StartS, End: seg.EndS})
			if ov <= 0 {
				continue
			}
			if best == nil || ov > bestOverlap {
				if best != nil {
					displaced = append(displaced, best.ID)
				}
				best = seg
				bestOverlap = ov
			} else {
				displaced = append(displaced, seg.ID)
			}
		}
		if best != nil {
			claimed[best.ID] = true
			if best.StartS != iv.Start || best.EndS != iv.End {
				if err := in.db.UpdateSegmentBounds(ctx, best.ID, iv.Start, iv.End); err != nil {
					return err
				}
			}
			for _, id := range displaced {
				claimed[id] = true
				toDelete = append(toDelete, id)
			}
			continue
		}
		if err := in.db.InsertSegment(ctx, &models.SceneWatchSegment{
			WatchID:   watch.ID,
			SessionID: watch.SessionID,
			SceneID:   watch.SceneID,
			StartS:    iv.Start,
			EndS:      iv.End,
			WatchedS:  iv.Duration(),
		}); err != nil {
			return err
		}
	}

	// Anything unclaimed was either absorbed by a merge or is below the
	// minimum duration; both go.
	for _, seg := range existing {
		if !claimed[seg.ID] {
			toDelete = append(toDelete, seg.ID)
		}
	}
	return in.db.DeleteSegments(ctx, toDelete)
}

// sceneDuration finds a usable scene duration: watch event metadata first,
// then the page enter/leave span.
func sceneDuration(batchEvents []IncomingEvent, watch *models.SceneWatch) float64 {
	for _, ev := range batchEvents {
		if !watchEventTypes[ev.EventType] || len(ev.Metadata) == 0 {
			continue
		}
		rep := newReplayEvent(ev.EventType, ev.ClientTS.Time, ev.Metadata)
		if rep.Meta.Duration != nil && *rep.Meta.Duration > 0 {
			return *rep.Meta.Duration
		}
	}
	if watch.PageEnteredAt != nil && watch.PageLeftAt != nil {
		if span := watch.PageLeftAt.Sub(*watch.PageEnteredAt).Seconds(); span > 0 {
			return span
		}
	}
	return 0
}

func hasControl(events []*models.InteractionEvent) bool {
	for _, ev := range events {
		if controlEventTypes[ev.EventType] {
			return true
		}
	}
	return false
}
