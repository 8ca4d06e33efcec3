// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

// schema.go - Database schema management.
//
// All core tables are defined in the initial CREATE statements; plugins
// evolve their own tables through per-plugin migrations applied by the
// loader. BIGINT ids draw from per-table sequences (DuckDB has no
// auto-increment columns). Opaque blobs (context, params, metadata,
// manifests) are JSON text in TEXT columns: the duckdb driver hands
// JSON-typed columns back as decoded Go values, which breaks the plain
// string round-trip the scanners rely on.

package database

import (
	"context"
	"fmt"
	"time"
)

func schemaContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 60*time.Second)
}

// createSchema creates all sequences, tables and indexes.
func (db *DB) createSchema() error {
	ctx, cancel := schemaContext()
	defer cancel()

	statements := make([]string, 0, 32)
	statements = append(statements, sequenceStatements()...)
	statements = append(statements, tableStatements()...)
	statements = append(statements, indexStatements()...)

	for _, stmt := range statements {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %s: %w", stmt, err)
		}
	}
	return nil
}

func sequenceStatements() []string {
	return []string{
		`CREATE SEQUENCE IF NOT EXISTS seq_interaction_events START 1`,
		`CREATE SEQUENCE IF NOT EXISTS seq_scene_watch START 1`,
		`CREATE SEQUENCE IF NOT EXISTS seq_scene_watch_segments START 1`,
		`CREATE SEQUENCE IF NOT EXISTS seq_library_searches START 1`,
		`CREATE SEQUENCE IF NOT EXISTS seq_ai_models START 1`,
		`CREATE SEQUENCE IF NOT EXISTS seq_ai_model_runs START 1`,
		`CREATE SEQUENCE IF NOT EXISTS seq_ai_result_timespans START 1`,
		`CREATE SEQUENCE IF NOT EXISTS seq_ai_result_aggregates START 1`,
	}
}

func tableStatements() []string {
	return []string{
		// ---- settings & plugins ----
		`CREATE TABLE IF NOT EXISTS plugin_settings (
			plugin_name TEXT NOT NULL,
			key TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'string',
			label TEXT,
			description TEXT,
			default_value TEXT,
			options TEXT,
			value TEXT,
			PRIMARY KEY (plugin_name, key)
		)`,
		`CREATE TABLE IF NOT EXISTS plugin_sources (
			name TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT true,
			last_refreshed TIMESTAMP,
			last_error TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS plugin_catalog (
			source TEXT NOT NULL,
			plugin_name TEXT NOT NULL,
			version TEXT NOT NULL,
			description TEXT,
			human_name TEXT,
			server_link TEXT,
			depends_on TEXT,
			path TEXT,
			manifest TEXT,
			refreshed_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (source, plugin_name)
		)`,
		`CREATE TABLE IF NOT EXISTS plugin_meta (
			name TEXT PRIMARY KEY,
			version TEXT NOT NULL DEFAULT '',
			required_backend TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'new',
			migration_head TEXT NOT NULL DEFAULT '',
			last_error TEXT,
			installed_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// ---- tasks ----
		`CREATE TABLE IF NOT EXISTS task_history (
			task_id TEXT PRIMARY KEY,
			action_id TEXT NOT NULL,
			service TEXT NOT NULL,
			status TEXT NOT NULL,
			submitted_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			finished_at TIMESTAMP NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			child_count INTEGER NOT NULL DEFAULT 0,
			item_id TEXT,
			error TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// ---- interactions ----
		`CREATE TABLE IF NOT EXISTS interaction_events (
			id BIGINT PRIMARY KEY DEFAULT nextval('seq_interaction_events'),
			client_event_id TEXT UNIQUE,
			session_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			entity_type TEXT,
			entity_id BIGINT,
			client_ts TIMESTAMP NOT NULL,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS interaction_sessions (
			session_id TEXT PRIMARY KEY,
			client_fingerprint TEXT,
			session_start_ts TIMESTAMP NOT NULL,
			last_event_ts TIMESTAMP NOT NULL,
			last_entity_type TEXT,
			last_entity_id BIGINT,
			last_entity_event_ts TIMESTAMP,
			ended_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS interaction_session_aliases (
			alias_session_id TEXT PRIMARY KEY,
			canonical_session_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS scene_watch (
			id BIGINT PRIMARY KEY DEFAULT nextval('seq_scene_watch'),
			session_id TEXT NOT NULL,
			scene_id BIGINT NOT NULL,
			page_entered_at TIMESTAMP,
			page_left_at TIMESTAMP,
			total_watched_s DOUBLE NOT NULL DEFAULT 0,
			watch_percent DOUBLE,
			last_processed_event_ts TIMESTAMP,
			UNIQUE (session_id, scene_id)
		)`,
		`CREATE TABLE IF NOT EXISTS scene_watch_segments (
			id BIGINT PRIMARY KEY DEFAULT nextval('seq_scene_watch_segments'),
			scene_watch_id BIGINT NOT NULL,
			session_id TEXT NOT NULL,
			scene_id BIGINT NOT NULL,
			start_s DOUBLE NOT NULL,
			end_s DOUBLE NOT NULL,
			watched_s DOUBLE NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scene_derived (
			entity_id BIGINT PRIMARY KEY,
			view_count BIGINT NOT NULL DEFAULT 0,
			derived_o_count BIGINT NOT NULL DEFAULT 0,
			last_viewed_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS image_derived (
			entity_id BIGINT PRIMARY KEY,
			view_count BIGINT NOT NULL DEFAULT 0,
			derived_o_count BIGINT NOT NULL DEFAULT 0,
			last_viewed_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS interaction_library_searches (
			id BIGINT PRIMARY KEY DEFAULT nextval('seq_library_searches'),
			session_id TEXT NOT NULL,
			library TEXT NOT NULL,
			query TEXT NOT NULL,
			filters TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// ---- AI results ----
		`CREATE TABLE IF NOT EXISTS ai_models (
			id BIGINT PRIMARY KEY DEFAULT nextval('seq_ai_models'),
			service TEXT NOT NULL,
			model_id TEXT,
			name TEXT NOT NULL,
			version TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT '',
			categories TEXT,
			extra TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS ai_model_runs (
			id BIGINT PRIMARY KEY DEFAULT nextval('seq_ai_model_runs'),
			service TEXT NOT NULL,
			plugin TEXT NOT NULL DEFAULT '',
			entity_type TEXT NOT NULL,
			entity_id BIGINT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			input_params TEXT,
			result_metadata TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS ai_model_run_models (
			run_id BIGINT NOT NULL,
			model_id BIGINT NOT NULL,
			input_params TEXT,
			frame_interval DOUBLE NOT NULL DEFAULT 0,
			PRIMARY KEY (run_id, model_id)
		)`,
		`CREATE TABLE IF NOT EXISTS ai_result_timespans (
			id BIGINT PRIMARY KEY DEFAULT nextval('seq_ai_result_timespans'),
			run_id BIGINT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id BIGINT NOT NULL,
			payload_type TEXT NOT NULL,
			category TEXT,
			label TEXT NOT NULL,
			reference_id BIGINT,
			start_s DOUBLE NOT NULL,
			end_s DOUBLE NOT NULL,
			confidence DOUBLE
		)`,
		`CREATE TABLE IF NOT EXISTS ai_result_aggregates (
			id BIGINT PRIMARY KEY DEFAULT nextval('seq_ai_result_aggregates'),
			run_id BIGINT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id BIGINT NOT NULL,
			payload_type TEXT NOT NULL,
			category TEXT NOT NULL,
			label TEXT NOT NULL,
			reference_id BIGINT,
			metric TEXT NOT NULL,
			value_float DOUBLE NOT NULL
		)`,
	}
}

func indexStatements() []string {
	return []string{
		`CREATE INDEX IF NOT EXISTS idx_events_session_ts ON interaction_events (session_id, client_ts)`,
		`CREATE INDEX IF NOT EXISTS idx_events_entity ON interaction_events (entity_type, entity_id, client_ts)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_fingerprint ON interaction_sessions (client_fingerprint, last_event_ts)`,
		`CREATE INDEX IF NOT EXISTS idx_segments_watch ON scene_watch_segments (scene_watch_id, start_s)`,
		`CREATE INDEX IF NOT EXISTS idx_task_history_created ON task_history (created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_ai_runs_entity ON ai_model_runs (service, entity_type, entity_id, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_ai_timespans_run ON ai_result_timespans (run_id, payload_type)`,
		`CREATE INDEX IF NOT EXISTS idx_ai_aggregates_run ON ai_result_aggregates (run_id, payload_type, category)`,
	}
}
