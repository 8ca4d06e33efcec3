// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

// airesults.go - CRUD for AI model runs, their timespans, and the
// per-(category, label) aggregates written beside them. A whole run is
// persisted in one transaction so timespans and aggregates stay consistent.

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/pmelling/tagsmith/internal/models"
)

// AIRunBundle carries everything persisted for one completed run.
type AIRunBundle struct {
	Run        *models.AIModelRun
	Models     []*models.AIModel
	Links      []*models.AIRunModel // Links[i].ModelID is filled from Models[i] after upsert
	Timespans  []*models.AIResultTimespan
	Aggregates []*models.AIResultAggregate
}

// StoreAIRunBundle persists a run with its models, links, timespans and
// aggregates in a single transaction. Returns the new run id.
func (db *DB) StoreAIRunBundle(ctx context.Context, bundle *AIRunBundle) (int64, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin run transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	run := bundle.Run
	err = tx.QueryRowContext(ctx, `
		INSERT INTO ai_model_runs
			(service, plugin, entity_type, entity_id, status, started_at, completed_at, input_params, result_metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		run.Service, run.Plugin, run.EntityType, run.EntityID, run.Status,
		run.StartedAt, nullTime(run.CompletedAt), rawJSON(run.InputParams),
		rawJSON(run.ResultMetadata)).Scan(&run.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert ai run: %w", err)
	}

	for i, model := range bundle.Models {
		modelID, err := upsertAIModelTx(ctx, tx, model)
		if err != nil {
			return 0, err
		}
		model.ID = modelID

		if i < len(bundle.Links) {
			link := bundle.Links[i]
			link.RunID = run.ID
			link.ModelID = modelID
			_, err = tx.ExecContext(ctx, `
				INSERT INTO ai_model_run_models (run_id, model_id, input_params, frame_interval)
				VALUES (?, ?, ?, ?)
				ON CONFLICT (run_id, model_id) DO NOTHING`,
				link.RunID, link.ModelID, rawJSON(link.InputParams), link.FrameInterval)
			if err != nil {
				return 0, fmt.Errorf("failed to insert run-model link: %w", err)
			}
		}
	}

	for _, ts := range bundle.Timespans {
		ts.RunID = run.ID
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ai_result_timespans
				(run_id, entity_type, entity_id, payload_type, category, label, reference_id, start_s, end_s, confidence)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ts.RunID, ts.EntityType, ts.EntityID, ts.PayloadType,
			nullString(ts.Category), ts.Label, nullInt64(ts.ReferenceID),
			ts.StartS, ts.EndS, nullFloat(ts.Confidence))
		if err != nil {
			return 0, fmt.Errorf("failed to insert timespan: %w", err)
		}
	}

	for _, agg := range bundle.Aggregates {
		agg.RunID = run.ID
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ai_result_aggregates
				(run_id, entity_type, entity_id, payload_type, category, label, reference_id, metric, value_float)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			agg.RunID, agg.EntityType, agg.EntityID, agg.PayloadType,
			agg.Category, agg.Label, nullInt64(agg.ReferenceID), agg.Metric, agg.ValueFloat)
		if err != nil {
			return 0, fmt.Errorf("failed to insert aggregate: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit run transaction: %w", err)
	}
	return run.ID, nil
}

// upsertAIModelTx finds or creates a model row keyed by
// (service, model_id, name). A NULL model_id participates in the key, which
// ON CONFLICT cannot express, so resolve with select-then-insert inside the
// transaction.
func upsertAIModelTx(ctx context.Context, tx *sql.Tx, model *models.AIModel) (int64, error) {
	var id int64
	var err error
	if model.ModelID == nil {
		err = tx.QueryRowContext(ctx,
			`SELECT id FROM ai_models WHERE service = ? AND model_id IS NULL AND name = ?`,
			model.Service, model.Name).Scan(&id)
	} else {
		err = tx.QueryRowContext(ctx,
			`SELECT id FROM ai_models WHERE service = ? AND model_id = ? AND name = ?`,
			model.Service, *model.ModelID, model.Name).Scan(&id)
	}
	if err == nil {
		_, err = tx.ExecContext(ctx,
			`UPDATE ai_models SET version = ?, type = ?, categories = ?, extra = ? WHERE id = ?`,
			model.Version, model.Type, marshalStrings(model.Categories), rawJSON(model.Extra), id)
		return id, err
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to look up ai model %s/%s: %w", model.Service, model.Name, err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO ai_models (service, model_id, name, version, type, categories, extra)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		model.Service, nullString(model.ModelID), model.Name, model.Version,
		model.Type, marshalStrings(model.Categories), rawJSON(model.Extra)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert ai model %s/%s: %w", model.Service, model.Name, err)
	}
	return id, nil
}

func marshalStrings(values []string) any {
	if len(values) == 0 {
		return nil
	}
	b, err := json.Marshal(values)
	if err != nil {
		return nil
	}
	return string(b)
}

const runColumns = `id, service, plugin, entity_type, entity_id, status, started_at, completed_at, input_params, result_metadata`

// GetLatestRun returns the most recent run for (service, entity), or nil.
func (db *DB) GetLatestRun(ctx context.Context, service, entityType string, entityID int64) (*models.AIModelRun, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	row := db.conn.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM ai_model_runs
		WHERE service = ? AND entity_type = ? AND entity_id = ?
		ORDER BY started_at DESC, id DESC LIMIT 1`,
		service, entityType, entityID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

func scanRun(row rowScanner) (*models.AIModelRun, error) {
	var (
		run            models.AIModelRun
		completedAt    sql.NullTime
		inputParams    sql.NullString
		resultMetadata sql.NullString
	)
	if err := row.Scan(&run.ID, &run.Service, &run.Plugin, &run.EntityType,
		&run.EntityID, &run.Status, &run.StartedAt, &completedAt,
		&inputParams, &resultMetadata); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	if inputParams.Valid {
		run.InputParams = json.RawMessage(inputParams.String)
	}
	if resultMetadata.Valid {
		run.ResultMetadata = json.RawMessage(resultMetadata.String)
	}
	return &run, nil
}

// TimespanFilter narrows ListRunTimespans results.
type TimespanFilter struct {
	PayloadType   string
	Category      string
	MinConfidence *float64
}

// ListRunTimespans returns a run's timespans ordered by start_s.
func (db *DB) ListRunTimespans(ctx context.Context, runID int64, filter TimespanFilter) ([]*models.AIResultTimespan, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	query := `SELECT id, run_id, entity_type, entity_id, payload_type, category, label, reference_id, start_s, end_s, confidence
		FROM ai_result_timespans WHERE run_id = ?`
	args := []any{runID}
	if filter.PayloadType != "" {
		query += ` AND payload_type = ?`
		args = append(args, filter.PayloadType)
	}
	if filter.Category != "" {
		query += ` AND category = ?`
		args = append(args, filter.Category)
	}
	if filter.MinConfidence != nil {
		query += ` AND confidence >= ?`
		args = append(args, *filter.MinConfidence)
	}
	query += ` ORDER BY start_s, id`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list run timespans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var timespans []*models.AIResultTimespan
	for rows.Next() {
		var (
			ts          models.AIResultTimespan
			category    sql.NullString
			referenceID sql.NullInt64
			confidence  sql.NullFloat64
		)
		if err := rows.Scan(&ts.ID, &ts.RunID, &ts.EntityType, &ts.EntityID,
			&ts.PayloadType, &category, &ts.Label, &referenceID,
			&ts.StartS, &ts.EndS, &confidence); err != nil {
			return nil, fmt.Errorf("failed to scan timespan: %w", err)
		}
		if category.Valid {
			ts.Category = &category.String
		}
		if referenceID.Valid {
			ts.ReferenceID = &referenceID.Int64
		}
		if confidence.Valid {
			ts.Confidence = &confidence.Float64
		}
		timespans = append(timespans, &ts)
	}
	return timespans, rows.Err()
}

// ListRunAggregates returns a run's aggregates, largest value first.
func (db *DB) ListRunAggregates(ctx context.Context, runID int64, payloadType string) ([]*models.AIResultAggregate, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	query := `SELECT id, run_id, entity_type, entity_id, payload_type, category, label, reference_id, metric, value_float
		FROM ai_result_aggregates WHERE run_id = ?`
	args := []any{runID}
	if payloadType != "" {
		query += ` AND payload_type = ?`
		args = append(args, payloadType)
	}
	query += ` ORDER BY value_float DESC, label`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list run aggregates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var aggregates []*models.AIResultAggregate
	for rows.Next() {
		var (
			agg         models.AIResultAggregate
			referenceID sql.NullInt64
		)
		if err := rows.Scan(&agg.ID, &agg.RunID, &agg.EntityType, &agg.EntityID,
			&agg.PayloadType, &agg.Category, &agg.Label, &referenceID,
			&agg.Metric, &agg.ValueFloat); err != nil {
			return nil, fmt.Errorf("failed to scan aggregate: %w", err)
		}
		if referenceID.Valid {
			agg.ReferenceID = &referenceID.Int64
		}
		aggregates = append(aggregates, &agg)
	}
	return aggregates, rows.Err()
}
