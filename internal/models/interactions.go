// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

// Package models defines the persisted row types shared between the database
// layer and the components that operate on them.
package models

import (
	"time"

	"github.com/goccy/go-json"
)

// Event types accepted by the interaction ingestor. The list is open-ended;
// unknown types are persisted verbatim. These constants cover the types with
// dedicated ingest semantics.
const (
	EventSceneView          = "scene_view"
	EventScenePageEnter     = "scene_page_enter"
	EventScenePageLeave     = "scene_page_leave"
	EventSceneWatchStart    = "scene_watch_start"
	EventSceneWatchPause    = "scene_watch_pause"
	EventSceneWatchComplete = "scene_watch_complete"
	EventSceneWatchProgress = "scene_watch_progress"
	EventSceneSeek          = "scene_seek"
	EventImageView          = "image_view"
	EventLibrarySearch      = "library_search"
)

// Entity types carried on interaction events.
const (
	EntityScene   = "scene"
	EntityImage   = "image"
	EntityGallery = "gallery"
	EntitySession = "session"
)

// InteractionEvent is one row of the append-only client telemetry log.
// scene_watch_progress events are never persisted as rows; their effect flows
// only into derived state.
type InteractionEvent struct {
	ID            int64           `json:"id"`
	ClientEventID *string         `json:"client_event_id,omitempty"`
	SessionID     string          `json:"session_id"`
	EventType     string          `json:"event_type"`
	EntityType    string          `json:"entity_type,omitempty"`
	EntityID      *int64          `json:"entity_id,omitempty"`
	ClientTS      time.Time       `json:"client_ts"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// InteractionSession tracks one canonical client session.
type InteractionSession struct {
	SessionID         string     `json:"session_id"`
	ClientFingerprint *string    `json:"client_fingerprint,omitempty"`
	SessionStartTS    time.Time  `json:"session_start_ts"`
	LastEventTS       time.Time  `json:"last_event_ts"`
	LastEntityType    *string    `json:"last_entity_type,omitempty"`
	LastEntityID      *int64     `json:"last_entity_id,omitempty"`
	LastEntityEventTS *time.Time `json:"last_entity_event_ts,omitempty"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
}

// SessionAlias maps an incoming session id onto the canonical session the
// fingerprint merge attached it to. Durable: alias resolution never expires.
type SessionAlias struct {
	AliasSessionID     string    `json:"alias_session_id"`
	CanonicalSessionID string    `json:"canonical_session_id"`
	CreatedAt          time.Time `json:"created_at"`
}

// SceneWatch aggregates one (session, scene) pair: time on page and total
// watched seconds across all segments.
type SceneWatch struct {
	ID                   int64      `json:"id"`
	SessionID            string     `json:"session_id"`
	SceneID              int64      `json:"scene_id"`
	PageEnteredAt        *time.Time `json:"page_entered_at,omitempty"`
	PageLeftAt           *time.Time `json:"page_left_at,omitempty"`
	TotalWatchedS        float64    `json:"total_watched_s"`
	WatchPercent         *float64   `json:"watch_percent,omitempty"`
	LastProcessedEventTS *time.Time `json:"last_processed_event_ts,omitempty"`
}

// SceneWatchSegment is one contiguous closed interval of media playback time
// attributed to a scene watch. Invariant: StartS < EndS and
// WatchedS == EndS - StartS.
type SceneWatchSegment struct {
	ID        int64   `json:"id"`
	WatchID   int64   `json:"scene_watch_id"`
	SessionID string  `json:"session_id"`
	SceneID   int64   `json:"scene_id"`
	StartS    float64 `json:"start_s"`
	EndS      float64 `json:"end_s"`
	WatchedS  float64 `json:"watched_s"`
}

// EntityDerived holds the pre-aggregated per-entity counters kept for scenes
// and images (scene_derived and image_derived tables share this shape).
type EntityDerived struct {
	EntityID      int64      `json:"entity_id"`
	ViewCount     int64      `json:"view_count"`
	DerivedOCount int64      `json:"derived_o_count"`
	LastViewedAt  *time.Time `json:"last_viewed_at,omitempty"`
}

// LibrarySearch records one library search submitted during a session.
type LibrarySearch struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	Library   string          `json:"library"`
	Query     string          `json:"query"`
	Filters   json.RawMessage `json:"filters,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
