// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

// interactions.go - CRUD for the interaction telemetry tables: the raw event
// log, sessions and aliases, per-(session, scene) watch aggregates, playback
// segments, and derived per-entity counters.

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/pmelling/tagsmith/internal/models"
)

const eventColumns = `id, client_event_id, session_id, event_type, entity_type, entity_id, client_ts, metadata, created_at`

// ExistingClientEventIDs returns the subset of the given client event ids
// that already have persisted rows. Used for batch dedupe.
func (db *DB) ExistingClientEventIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	if len(ids) == 0 {
		return map[string]bool{}, nil
	}
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT client_event_id FROM interaction_events WHERE client_event_id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query existing client event ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	existing := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		existing[id] = true
	}
	return existing, rows.Err()
}

// InsertInteractionEvent appends one event row. Returns false without error
// when the client_event_id already exists (idempotence guard).
func (db *DB) InsertInteractionEvent(ctx context.Context, ev *models.InteractionEvent) (bool, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO interaction_events
			(client_event_id, session_id, event_type, entity_type, entity_id, client_ts, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (client_event_id) DO NOTHING`,
		nullString(ev.ClientEventID), ev.SessionID, ev.EventType,
		ev.EntityType, nullInt64(ev.EntityID), ev.ClientTS, rawJSON(ev.Metadata), ev.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert interaction event: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// SceneEventsBefore returns the most recent persisted scene events for the
// pair strictly before ts, newest first, up to limit.
func (db *DB) SceneEventsBefore(ctx context.Context, sessionID string, sceneID int64, ts time.Time, limit int) ([]*models.InteractionEvent, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM interaction_events
		WHERE session_id = ? AND entity_type = 'scene' AND entity_id = ? AND client_ts < ?
		ORDER BY client_ts DESC LIMIT ?`,
		sessionID, sceneID, ts, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query scene events before window: %w", err)
	}
	return collectEvents(rows)
}

// LastControlEventBefore returns the single most recent playback control
// event (watch start/pause/complete/seek) before ts, or nil.
func (db *DB) LastControlEventBefore(ctx context.Context, sessionID string, sceneID int64, ts time.Time) (*models.InteractionEvent, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM interaction_events
		WHERE session_id = ? AND entity_type = 'scene' AND entity_id = ? AND client_ts < ?
			AND event_type IN ('scene_watch_start', 'scene_watch_pause', 'scene_watch_complete', 'scene_seek')
		ORDER BY client_ts DESC LIMIT 1`,
		sessionID, sceneID, ts)
	if err != nil {
		return nil, fmt.Errorf("failed to query last control event: %w", err)
	}
	events, err := collectEvents(rows)
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return events[0], nil
}

// SceneEventsInWindow returns persisted scene events for the pair inside
// [from, to], oldest first.
func (db *DB) SceneEventsInWindow(ctx context.Context, sessionID string, sceneID int64, from, to time.Time) ([]*models.InteractionEvent, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM interaction_events
		WHERE session_id = ? AND entity_type = 'scene' AND entity_id = ?
			AND client_ts >= ? AND client_ts <= ?
		ORDER BY client_ts ASC`,
		sessionID, sceneID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query scene events in window: %w", err)
	}
	return collectEvents(rows)
}

// NextSceneEventAfter returns the single next scene event after ts, or nil.
func (db *DB) NextSceneEventAfter(ctx context.Context, sessionID string, sceneID int64, ts time.Time) (*models.InteractionEvent, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM interaction_events
		WHERE session_id = ? AND entity_type = 'scene' AND entity_id = ? AND client_ts > ?
		ORDER BY client_ts ASC LIMIT 1`,
		sessionID, sceneID, ts)
	if err != nil {
		return nil, fmt.Errorf("failed to query next scene event: %w", err)
	}
	events, err := collectEvents(rows)
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return events[0], nil
}

func collectEvents(rows *sql.Rows) ([]*models.InteractionEvent, error) {
	defer func() { _ = rows.Close() }()

	var events []*models.InteractionEvent
	for rows.Next() {
		var (
			ev            models.InteractionEvent
			clientEventID sql.NullString
			entityType    sql.NullString
			entityID      sql.NullInt64
			metadata      sql.NullString
		)
		if err := rows.Scan(&ev.ID, &clientEventID, &ev.SessionID, &ev.EventType,
			&entityType, &entityID, &ev.ClientTS, &metadata, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan interaction event: %w", err)
		}
		if clientEventID.Valid {
			ev.ClientEventID = &clientEventID.String
		}
		ev.EntityType = entityType.String
		if entityID.Valid {
			ev.EntityID = &entityID.Int64
		}
		if metadata.Valid {
			ev.Metadata = json.RawMessage(metadata.String)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// ---- sessions & aliases ----

const sessionColumns = `session_id, client_fingerprint, session_start_ts, last_event_ts, last_entity_type, last_entity_id, last_entity_event_ts, ended_at`

// GetSession fetches one session row, or nil when absent.
func (db *DB) GetSession(ctx context.Context, sessionID string) (*models.InteractionSession, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	row := db.conn.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM interaction_sessions WHERE session_id = ?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sess, err
}

// CreateSession inserts a new canonical session row.
func (db *DB) CreateSession(ctx context.Context, sess *models.InteractionSession) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO interaction_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.SessionID, nullString(sess.ClientFingerprint), sess.SessionStartTS,
		sess.LastEventTS, nullString(sess.LastEntityType), nullInt64(sess.LastEntityID),
		nullTime(sess.LastEntityEventTS), nullTime(sess.EndedAt))
	if err != nil {
		return fmt.Errorf("failed to create session %s: %w", sess.SessionID, err)
	}
	return nil
}

// UpdateSession rewrites the mutable fields of a session row.
func (db *DB) UpdateSession(ctx context.Context, sess *models.InteractionSession) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	_, err := db.conn.ExecContext(ctx, `
		UPDATE interaction_sessions SET
			last_event_ts = ?,
			last_entity_type = ?,
			last_entity_id = ?,
			last_entity_event_ts = ?,
			ended_at = ?
		WHERE session_id = ?`,
		sess.LastEventTS, nullString(sess.LastEntityType), nullInt64(sess.LastEntityID),
		nullTime(sess.LastEntityEventTS), nullTime(sess.EndedAt), sess.SessionID)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", sess.SessionID, err)
	}
	return nil
}

// ResolveAlias returns the canonical session id an alias maps to, or "" when
// no alias exists.
func (db *DB) ResolveAlias(ctx context.Context, aliasID string) (string, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	var canonical string
	err := db.conn.QueryRowContext(ctx,
		`SELECT canonical_session_id FROM interaction_session_aliases WHERE alias_session_id = ?`,
		aliasID).Scan(&canonical)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve session alias %s: %w", aliasID, err)
	}
	return canonical, nil
}

// InsertAlias records a durable alias → canonical mapping.
func (db *DB) InsertAlias(ctx context.Context, aliasID, canonicalID string) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO interaction_session_aliases (alias_session_id, canonical_session_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (alias_session_id) DO NOTHING`,
		aliasID, canonicalID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert session alias %s -> %s: %w", aliasID, canonicalID, err)
	}
	return nil
}

// FindMergeableSession returns the most recent non-finalized session for the
// fingerprint with last_event_ts >= cutoff, or nil.
func (db *DB) FindMergeableSession(ctx context.Context, fingerprint string, cutoff time.Time) (*models.InteractionSession, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	row := db.conn.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM interaction_sessions
		WHERE client_fingerprint = ? AND ended_at IS NULL AND last_event_ts >= ?
		ORDER BY last_event_ts DESC LIMIT 1`,
		fingerprint, cutoff)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sess, err
}

// FindStaleSessions returns non-finalized sessions for the fingerprint whose
// last_event_ts is before cutoff.
func (db *DB) FindStaleSessions(ctx context.Context, fingerprint string, cutoff time.Time) ([]*models.InteractionSession, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM interaction_sessions
		WHERE client_fingerprint = ? AND ended_at IS NULL AND last_event_ts < ?`,
		fingerprint, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.InteractionSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func scanSession(row rowScanner) (*models.InteractionSession, error) {
	var (
		sess              models.InteractionSession
		fingerprint       sql.NullString
		lastEntityType    sql.NullString
		lastEntityID      sql.NullInt64
		lastEntityEventTS sql.NullTime
		endedAt           sql.NullTime
	)
	if err := row.Scan(&sess.SessionID, &fingerprint, &sess.SessionStartTS,
		&sess.LastEventTS, &lastEntityType, &lastEntityID, &lastEntityEventTS, &endedAt); err != nil {
		return nil, err
	}
	if fingerprint.Valid {
		sess.ClientFingerprint = &fingerprint.String
	}
	if lastEntityType.Valid {
		sess.LastEntityType = &lastEntityType.String
	}
	if lastEntityID.Valid {
		sess.LastEntityID = &lastEntityID.Int64
	}
	if lastEntityEventTS.Valid {
		sess.LastEntityEventTS = &lastEntityEventTS.Time
	}
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	return &sess, nil
}

// ---- scene watch & segments ----

const watchColumns = `id, session_id, scene_id, page_entered_at, page_left_at, total_watched_s, watch_percent, last_processed_event_ts`

// GetSceneWatch fetches the watch row for a (session, scene) pair, or nil.
func (db *DB) GetSceneWatch(ctx context.Context, sessionID string, sceneID int64) (*models.SceneWatch, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	row := db.conn.QueryRowContext(ctx,
		`SELECT `+watchColumns+` FROM scene_watch WHERE session_id = ? AND scene_id = ?`,
		sessionID, sceneID)
	watch, err := scanWatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return watch, err
}

// CreateSceneWatch inserts a new watch row and returns it with its id set.
func (db *DB) CreateSceneWatch(ctx context.Context, watch *models.SceneWatch) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	err := db.conn.QueryRowContext(ctx, `
		INSERT INTO scene_watch
			(session_id, scene_id, page_entered_at, page_left_at, total_watched_s, watch_percent, last_processed_event_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		watch.SessionID, watch.SceneID, nullTime(watch.PageEnteredAt),
		nullTime(watch.PageLeftAt), watch.TotalWatchedS, nullFloat(watch.WatchPercent),
		nullTime(watch.LastProcessedEventTS)).Scan(&watch.ID)
	if err != nil {
		return fmt.Errorf("failed to create scene watch %s/%d: %w", watch.SessionID, watch.SceneID, err)
	}
	return nil
}

// UpdateSceneWatch rewrites the mutable fields of a watch row.
func (db *DB) UpdateSceneWatch(ctx context.Context, watch *models.SceneWatch) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	_, err := db.conn.ExecContext(ctx, `
		UPDATE scene_watch SET
			page_entered_at = ?,
			page_left_at = ?,
			total_watched_s = ?,
			watch_percent = ?,
			last_processed_event_ts = ?
		WHERE id = ?`,
		nullTime(watch.PageEnteredAt), nullTime(watch.PageLeftAt),
		watch.TotalWatchedS, nullFloat(watch.WatchPercent),
		nullTime(watch.LastProcessedEventTS), watch.ID)
	if err != nil {
		return fmt.Errorf("failed to update scene watch %d: %w", watch.ID, err)
	}
	return nil
}

func scanWatch(row rowScanner) (*models.SceneWatch, error) {
	var (
		watch         models.SceneWatch
		pageEnteredAt sql.NullTime
		pageLeftAt    sql.NullTime
		watchPercent  sql.NullFloat64
		lastProcessed sql.NullTime
	)
	if err := row.Scan(&watch.ID, &watch.SessionID, &watch.SceneID, &pageEnteredAt,
		&pageLeftAt, &watch.TotalWatchedS, &watchPercent, &lastProcessed); err != nil {
		return nil, err
	}
	if pageEnteredAt.Valid {
		watch.PageEnteredAt = &pageEnteredAt.Time
	}
	if pageLeftAt.Valid {
		watch.PageLeftAt = &pageLeftAt.Time
	}
	if watchPercent.Valid {
		watch.WatchPercent = &watchPercent.Float64
	}
	if lastProcessed.Valid {
		watch.LastProcessedEventTS = &lastProcessed.Time
	}
	return &watch, nil
}

// ListSegments returns all segments of a watch, ordered by start_s.
func (db *DB) ListSegments(ctx context.Context, watchID int64) ([]*models.SceneWatchSegment, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, scene_watch_id, session_id, scene_id, start_s, end_s, watched_s
		FROM scene_watch_segments WHERE scene_watch_id = ? ORDER BY start_s`,
		watchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list segments for watch %d: %w", watchID, err)
	}
	defer func() { _ = rows.Close() }()

	var segments []*models.SceneWatchSegment
	for rows.Next() {
		var seg models.SceneWatchSegment
		if err := rows.Scan(&seg.ID, &seg.WatchID, &seg.SessionID, &seg.SceneID,
			&seg.StartS, &seg.EndS, &seg.WatchedS); err != nil {
			return nil, fmt.Errorf("failed to scan segment: %w", err)
		}
		segments = append(segments, &seg)
	}
	return segments, rows.Err()
}

// InsertSegment inserts one segment row and returns it with its id set.
func (db *DB) InsertSegment(ctx context.Context, seg *models.SceneWatchSegment) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	err := db.conn.QueryRowContext(ctx, `
		INSERT INTO scene_watch_segments (scene_watch_id, session_id, scene_id, start_s, end_s, watched_s)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`,
		seg.WatchID, seg.SessionID, seg.SceneID, seg.StartS, seg.EndS, seg.WatchedS).Scan(&seg.ID)
	if err != nil {
		return fmt.Errorf("failed to insert segment: %w", err)
	}
	return nil
}

// UpdateSegmentBounds rewrites the interval of a segment in place.
func (db *DB) UpdateSegmentBounds(ctx context.Context, id int64, startS, endS float64) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	_, err := db.conn.ExecContext(ctx, `
		UPDATE scene_watch_segments SET start_s = ?, end_s = ?, watched_s = ? WHERE id = ?`,
		startS, endS, endS-startS, id)
	if err != nil {
		return fmt.Errorf("failed to update segment %d: %w", id, err)
	}
	return nil
}

// DeleteSegments removes segments by id.
func (db *DB) DeleteSegments(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM scene_watch_segments WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to delete segments: %w", err)
	}
	return nil
}

// SumSegmentWatched returns the total watched seconds across a watch's
// segments.
func (db *DB) SumSegmentWatched(ctx context.Context, watchID int64) (float64, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	var total sql.NullFloat64
	err := db.conn.QueryRowContext(ctx,
		`SELECT SUM(watched_s) FROM scene_watch_segments WHERE scene_watch_id = ?`,
		watchID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum watched seconds for watch %d: %w", watchID, err)
	}
	return total.Float64, nil
}

// ---- derived counters ----

func derivedTable(entityType string) (string, error) {
	switch entityType {
	case models.EntityScene:
		return "scene_derived", nil
	case models.EntityImage:
		return "image_derived", nil
	default:
		return "", fmt.Errorf("no derived table for entity type %q", entityType)
	}
}

// IncrementDerivedViews adds view counts and advances last_viewed_at for an
// entity's derived row, creating it when absent.
func (db *DB) IncrementDerivedViews(ctx context.Context, entityType string, entityID int64, views int64, lastViewedAt time.Time) error {
	table, err := derivedTable(entityType)
	if err != nil {
		return err
	}
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	//nolint:gosec // table name comes from the closed derivedTable map
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO `+table+` (entity_id, view_count, derived_o_count, last_viewed_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT (entity_id) DO UPDATE SET
			view_count = `+table+`.view_count + excluded.view_count,
			last_viewed_at = CASE
				WHEN `+table+`.last_viewed_at IS NULL OR excluded.last_viewed_at > `+table+`.last_viewed_at
				THEN excluded.last_viewed_at ELSE `+table+`.last_viewed_at END`,
		entityID, views, lastViewedAt)
	if err != nil {
		return fmt.Errorf("failed to increment derived views for %s %d: %w", entityType, entityID, err)
	}
	return nil
}

// IncrementDerivedOCount adds one to an entity's derived o-count, creating
// the row when absent.
func (db *DB) IncrementDerivedOCount(ctx context.Context, entityType string, entityID int64) error {
	table, err := derivedTable(entityType)
	if err != nil {
		return err
	}
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	//nolint:gosec // table name comes from the closed derivedTable map
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO `+table+` (entity_id, view_count, derived_o_count)
		VALUES (?, 0, 1)
		ON CONFLICT (entity_id) DO UPDATE SET
			derived_o_count = `+table+`.derived_o_count + 1`,
		entityID)
	if err != nil {
		return fmt.Errorf("failed to increment derived o-count for %s %d: %w", entityType, entityID, err)
	}
	return nil
}

// GetEntityDerived fetches the derived row for an entity, or nil when absent.
func (db *DB) GetEntityDerived(ctx context.Context, entityType string, entityID int64) (*models.EntityDerived, error) {
	table, err := derivedTable(entityType)
	if err != nil {
		return nil, err
	}
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	var (
		derived      models.EntityDerived
		lastViewedAt sql.NullTime
	)
	//nolint:gosec // table name comes from the closed derivedTable map
	err = db.conn.QueryRowContext(ctx,
		`SELECT entity_id, view_count, derived_o_count, last_viewed_at FROM `+table+` WHERE entity_id = ?`,
		entityID).Scan(&derived.EntityID, &derived.ViewCount, &derived.DerivedOCount, &lastViewedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get derived row for %s %d: %w", entityType, entityID, err)
	}
	if lastViewedAt.Valid {
		derived.LastViewedAt = &lastViewedAt.Time
	}
	return &derived, nil
}

// TopViewedScenes pages scene derived rows ordered by view count, most
// watched first, with last_viewed_at and entity_id breaking ties for a stable
// order. Returns the page and the total row count.
func (db *DB) TopViewedScenes(ctx context.Context, limit, offset int) ([]*models.EntityDerived, int, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	var total int
	if err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scene_derived WHERE view_count > 0`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count scene derived rows: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT entity_id, view_count, derived_o_count, last_viewed_at
		FROM scene_derived
		WHERE view_count > 0
		ORDER BY view_count DESC, last_viewed_at DESC NULLS LAST, entity_id
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list top viewed scenes: %w", err)
	}
	defer rows.Close()

	var out []*models.EntityDerived
	for rows.Next() {
		var (
			derived      models.EntityDerived
			lastViewedAt sql.NullTime
		)
		if err := rows.Scan(&derived.EntityID, &derived.ViewCount, &derived.DerivedOCount, &lastViewedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan top viewed scene: %w", err)
		}
		if lastViewedAt.Valid {
			derived.LastViewedAt = &lastViewedAt.Time
		}
		out = append(out, &derived)
	}
	return out, total, rows.Err()
}

// InsertLibrarySearch records one library search.
func (db *DB) InsertLibrarySearch(ctx context.Context, search *models.LibrarySearch) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	if search.CreatedAt.IsZero() {
		search.CreatedAt = time.Now().UTC()
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO interaction_library_searches (session_id, library, query, filters, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		search.SessionID, search.Library, search.Query, rawJSON(search.Filters), search.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert library search: %w", err)
	}
	return nil
}
