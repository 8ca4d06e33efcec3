// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

// Package ingest implements interaction ingestion: batched client telemetry
// events are deduplicated, attributed to canonical sessions, persisted, and
// folded into per-(session, scene) watch aggregates with reconstructed
// playback segments.
package ingest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/pmelling/tagsmith/internal/config"
	"github.com/pmelling/tagsmith/internal/database"
	"github.com/pmelling/tagsmith/internal/logging"
	"github.com/pmelling/tagsmith/internal/models"
)

// IncomingEvent is one client-submitted telemetry event.
type IncomingEvent struct {
	ClientEventID *string         `json:"client_event_id,omitempty"`
	SessionID     string          `json:"session_id"`
	EventType     string          `json:"event_type"`
	EntityType    string          `json:"entity_type,omitempty"`
	EntityID      *int64          `json:"entity_id,omitempty"`
	ClientTS      Timestamp       `json:"ts"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// EventError reports one event that failed without failing the batch.
type EventError struct {
	ClientEventID string `json:"client_event_id,omitempty"`
	Detail        string `json:"detail"`
}

// Result summarizes one ingest batch.
type Result struct {
	Accepted   int          `json:"accepted"`
	Duplicates int          `json:"duplicates"`
	Errors     []EventError `json:"errors"`
}

// Ingestor is the interaction ingestion component.
type Ingestor struct {
	db  *database.DB
	cfg config.IngestConfig

	now func() time.Time
}

// NewIngestor creates an ingestor.
func NewIngestor(db *database.DB, cfg config.IngestConfig) *Ingestor {
	return &Ingestor{db: db, cfg: cfg, now: time.Now}
}

// IngestEvents processes one batch: dedupe, session resolution, per-event
// persistence, then scene watch summaries. One bad event is reported in the
// result's errors and skipped; the rest of the batch proceeds.
func (in *Ingestor) IngestEvents(ctx context.Context, batch []IncomingEvent, clientFingerprint string) (*Result, error) {
	result := &Result{}
	if len(batch) == 0 {
		return result, nil
	}
	now := in.now().UTC()

	// Phase 1: order, bulk dedupe, session resolution.
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].ClientTS.Time.Before(batch[j].ClientTS.Time)
	})

	var clientIDs []string
	for _, ev := range batch {
		if ev.ClientEventID != nil && *ev.ClientEventID != "" {
			clientIDs = append(clientIDs, *ev.ClientEventID)
		}
	}
	existing, err := in.db.ExistingClientEventIDs(ctx, clientIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to dedupe batch: %w", err)
	}

	canonical := make(map[string]string)
	sessions := make(map[string]*models.InteractionSession)
	for _, ev := range batch {
		if _, done := canonical[ev.SessionID]; done {
			continue
		}
		id, sess, err := in.resolveSession(ctx, ev.SessionID, clientFingerprint, ev.ClientTS.Time, now)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve session %s: %w", ev.SessionID, err)
		}
		canonical[ev.SessionID] = id
		sessions[id] = sess
	}

	// Phase 2: per-event persistence.
	seenInBatch := make(map[string]bool)
	for i := range batch {
		ev := &batch[i]
		ev.SessionID = canonical[ev.SessionID]
		sess := sessions[ev.SessionID]

		if ev.ClientEventID != nil && *ev.ClientEventID != "" {
			if existing[*ev.ClientEventID] || seenInBatch[*ev.ClientEventID] {
				result.Duplicates++
				continue
			}
			seenInBatch[*ev.ClientEventID] = true
		}

		duplicate, err := in.persistEvent(ctx, ev, sess)
		if err != nil {
			detail := err.Error()
			var id string
			if ev.ClientEventID != nil {
				id = *ev.ClientEventID
			}
			result.Errors = append(result.Errors, EventError{ClientEventID: id, Detail: detail})
			logging.Ctx(ctx).Warn().
				Err(err).
				Str("event_type", ev.EventType).
				Str("session_id", ev.SessionID).
				Msg("interaction event rejected")
			continue
		}
		if duplicate {
			// Lost the insert race to a concurrent batch; the row already
			// counted as accepted there.
			result.Duplicates++
			continue
		}
		result.Accepted++
	}

	for _, sess := range sessions {
		if err := in.db.UpdateSession(ctx, sess); err != nil {
			return nil, fmt.Errorf("failed to persist session %s: %w", sess.SessionID, err)
		}
	}

	// Phase 3: scene summaries for every (session, scene) the batch touched.
	if err := in.updateSceneSummaries(ctx, batch, sessions); err != nil {
		return nil, err
	}
	return result, nil
}

// persistEvent writes one event and folds it into its session. Progress
// events are never stored as rows; only their session side effects apply.
// A true duplicate result means the row lost the client_event_id insert race
// and was skipped entirely.
func (in *Ingestor) persistEvent(ctx context.Context, ev *IncomingEvent, sess *models.InteractionSession) (bool, error) {
	if ev.EventType == "" {
		return false, fmt.Errorf("event_type is required")
	}

	if ev.EventType != models.EventSceneWatchProgress {
		inserted, err := in.db.InsertInteractionEvent(ctx, &models.InteractionEvent{
			ClientEventID: ev.ClientEventID,
			SessionID:     ev.SessionID,
			EventType:     ev.EventType,
			EntityType:    ev.EntityType,
			EntityID:      ev.EntityID,
			ClientTS:      ev.ClientTS.Time,
			Metadata:      ev.Metadata,
		})
		if err != nil {
			return false, err
		}
		if !inserted {
			return true, nil
		}
	}

	if ev.EventType == models.EventLibrarySearch {
		if err := in.persistLibrarySearch(ctx, ev); err != nil {
			// The raw event row stands; the search projection is best-effort.
			logging.Warn().Err(err).Msg("failed to project library search")
		}
	}

	in.applySessionEffects(ev, sess)
	return false, nil
}

func (in *Ingestor) applySessionEffects(ev *IncomingEvent, sess *models.InteractionSession) {
	ts := ev.ClientTS.Time
	if ts.After(sess.LastEventTS) {
		sess.LastEventTS = ts
	}

	switch ev.EntityType {
	case models.EntityScene, models.EntityImage, models.EntityGallery:
		if ev.EntityID != nil {
			entityType := ev.EntityType
			sess.LastEntityType = &entityType
			sess.LastEntityID = ev.EntityID
			sess.LastEntityEventTS = &ts
		}
	case models.EntitySession:
		// Clients can report the last entity indirectly, e.g. when closing.
		var meta struct {
			LastEntity *struct {
				Type string `json:"type"`
				ID   int64  `json:"id"`
				TS   any    `json:"ts"`
			} `json:"last_entity"`
		}
		if len(ev.Metadata) == 0 || json.Unmarshal(ev.Metadata, &meta) != nil || meta.LastEntity == nil {
			return
		}
		entityType := meta.LastEntity.Type
		entityID := meta.LastEntity.ID
		sess.LastEntityType = &entityType
		sess.LastEntityID = &entityID
		if parsed, ok := parseFlexibleTime(meta.LastEntity.TS); ok {
			sess.LastEntityEventTS = &parsed
		} else {
			sess.LastEntityEventTS = &ts
		}
	}
}

func (in *Ingestor) persistLibrarySearch(ctx context.Context, ev *IncomingEvent) error {
	var meta struct {
		Library string          `json:"library"`
		Query   string          `json:"query"`
		Filters json.RawMessage `json:"filters"`
	}
	if len(ev.Metadata) > 0 {
		if err := json.Unmarshal(ev.Metadata, &meta); err != nil {
			return fmt.Errorf("library_search metadata is not valid JSON: %w", err)
		}
	}
	return in.db.InsertLibrarySearch(ctx, &models.LibrarySearch{
		SessionID: ev.SessionID,
		Library:   meta.Library,
		Query:     meta.Query,
		Filters:   meta.Filters,
		CreatedAt: ev.ClientTS.Time,
	})
}

// resolveSession maps an incoming session id onto its canonical session,
// merging by fingerprint within the merge TTL and creating a fresh session
// otherwise.
func (in *Ingestor) resolveSession(ctx context.Context, incoming, fingerprint string, firstTS, now time.Time) (string, *models.InteractionSession, error) {
	if sess, err := in.db.GetSession(ctx, incoming); err != nil {
		return "", nil, err
	} else if sess != nil {
		return incoming, sess, nil
	}

	if canonical, err := in.db.ResolveAlias(ctx, incoming); err != nil {
		return "", nil, err
	} else if canonical != "" {
		sess, err := in.db.GetSession(ctx, canonical)
		if err != nil {
			return "", nil, err
		}
		if sess != nil {
			return canonical, sess, nil
		}
	}

	if fingerprint != "" {
		cutoff := now.Add(-in.cfg.MergeTTL)
		mergeable, err := in.db.FindMergeableSession(ctx, fingerprint, cutoff)
		if err != nil {
			return "", nil, err
		}
		if mergeable != nil {
			if err := in.db.InsertAlias(ctx, incoming, mergeable.SessionID); err != nil {
				return "", nil, err
			}
			logging.Ctx(ctx).Debug().
				Str("alias", incoming).
				Str("canonical", mergeable.SessionID).
				Msg("session merged by fingerprint")
			return mergeable.SessionID, mergeable, nil
		}

		if err := in.finalizeStaleSessions(ctx, fingerprint, now); err != nil {
			return "", nil, err
		}
	}

	start := firstTS
	if start.IsZero() {
		start = now
	}
	sess := &models.InteractionSession{
		SessionID:      incoming,
		SessionStartTS: start,
		LastEventTS:    start,
	}
	if fingerprint != "" {
		sess.ClientFingerprint = &fingerprint
	}
	if err := in.db.CreateSession(ctx, sess); err != nil {
		return "", nil, err
	}
	return incoming, sess, nil
}

// finalizeStaleSessions closes expired sessions of a fingerprint and, when a
// session was long enough and ended on a known entity, credits that entity's
// derived o-count.
func (in *Ingestor) finalizeStaleSessions(ctx context.Context, fingerprint string, now time.Time) error {
	cutoff := now.Add(-in.cfg.MergeTTL)
	stale, err := in.db.FindStaleSessions(ctx, fingerprint, cutoff)
	if err != nil {
		return err
	}
	for _, sess := range stale {
		ended := sess.LastEventTS
		sess.EndedAt = &ended
		if err := in.db.UpdateSession(ctx, sess); err != nil {
			return err
		}

		duration := sess.LastEventTS.Sub(sess.SessionStartTS)
		if duration >= in.cfg.MinSessionDuration &&
			sess.LastEntityType != nil && sess.LastEntityID != nil {
			if err := in.db.IncrementDerivedOCount(ctx, *sess.LastEntityType, *sess.LastEntityID); err != nil {
				logging.Warn().Err(err).
					Str("session_id", sess.SessionID).
					Msg("failed to credit derived o-count")
			}
		}
		logging.Debug().
			Str("session_id", sess.SessionID).
			Dur("duration", duration).
			Msg("session finalized")
	}
	return nil
}

// Timestamp accepts RFC 3339 strings, epoch milliseconds, and epoch-ms
// numeric strings on the wire.
type Timestamp struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var value any
	if err := json.Unmarshal(b, &value); err != nil {
		return err
	}
	parsed, ok := parseFlexibleTime(value)
	if !ok {
		return fmt.Errorf("unparseable timestamp %s", string(b))
	}
	t.Time = parsed
	return nil
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time)
}

func parseFlexibleTime(value any) (time.Time, bool) {
	switch v := value.(type) {
	case float64:
		return time.UnixMilli(int64(v)).UTC(), true
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return time.Time{}, false
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), true
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), true
			}
		}
	}
	return time.Time{}, false
}
