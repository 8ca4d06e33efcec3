// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

// Package airesults persists the structured output of AI model runs: timed
// label detections per scene plus per-label duration aggregates, with labels
// resolved once against the external catalog at write time.
package airesults

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"

	"github.com/pmelling/tagsmith/internal/database"
	"github.com/pmelling/tagsmith/internal/logging"
	"github.com/pmelling/tagsmith/internal/models"
)

// PayloadTimespans is the payload type written for frame-based detections.
const PayloadTimespans = "timespans"

// ResolveReference maps a detection label (optionally scoped by category)
// onto an external catalog id, or nil when no match exists.
type ResolveReference func(ctx context.Context, label, category string) (*int64, error)

// Frame is one raw detection interval in a scene run payload. A missing end
// defaults to start plus the run's frame interval.
type Frame struct {
	Start      float64  `json:"start"`
	End        *float64 `json:"end,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// ScenePayload is the result document a model service returns for one scene:
// category, then label, then the detected frames.
type ScenePayload struct {
	SchemaVersion int                           `json:"schema_version,omitempty"`
	Duration      float64                       `json:"duration,omitempty"`
	FrameInterval float64                       `json:"frame_interval,omitempty"`
	Timespans     map[string]map[string][]Frame `json:"timespans"`
}

// RequestedModel names one model the run was asked to use.
type RequestedModel struct {
	ModelID     *string         `json:"model_id,omitempty"`
	Name        string          `json:"name"`
	Version     string          `json:"version,omitempty"`
	Type        string          `json:"type,omitempty"`
	Categories  []string        `json:"categories,omitempty"`
	InputParams json.RawMessage `json:"input_params,omitempty"`
}

// Store is the AI results component.
type Store struct {
	db *database.DB
}

// NewStore creates an AI results store.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// StoreSceneRun persists one completed scene run: the run row, model upserts
// and links, one timespan per frame, and one duration aggregate per
// (category, label). The whole write is a single transaction.
func (s *Store) StoreSceneRun(ctx context.Context, service, plugin string, sceneID int64,
	inputParams json.RawMessage, payload *ScenePayload, requested []RequestedModel,
	resolve ResolveReference) (int64, error) {

	if payload == nil {
		return 0, fmt.Errorf("scene run payload is required")
	}

	now := time.Now().UTC()
	metadata, err := json.Marshal(map[string]any{
		"schema_version": payload.SchemaVersion,
		"duration":       payload.Duration,
		"frame_interval": payload.FrameInterval,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to encode run metadata: %w", err)
	}

	bundle := &database.AIRunBundle{
		Run: &models.AIModelRun{
			Service:        service,
			Plugin:         plugin,
			EntityType:     models.EntityScene,
			EntityID:       sceneID,
			Status:         "completed",
			StartedAt:      now,
			CompletedAt:    &now,
			InputParams:    inputParams,
			ResultMetadata: metadata,
		},
	}
	for _, req := range requested {
		bundle.Models = append(bundle.Models, &models.AIModel{
			Service:    service,
			ModelID:    req.ModelID,
			Name:       req.Name,
			Version:    req.Version,
			Type:       req.Type,
			Categories: req.Categories,
		})
		bundle.Links = append(bundle.Links, &models.AIRunModel{
			InputParams:   req.InputParams,
			FrameInterval: payload.FrameInterval,
		})
	}

	resolver := newMemoizedResolver(resolve)
	if err := s.appendDetections(ctx, bundle, sceneID, payload, resolver); err != nil {
		return 0, err
	}

	runID, err := s.db.StoreAIRunBundle(ctx, bundle)
	if err != nil {
		return 0, err
	}
	logging.Ctx(ctx).Info().
		Str("service", service).
		Str("plugin", plugin).
		Int64("scene_id", sceneID).
		Int64("run_id", runID).
		Int("timespans", len(bundle.Timespans)).
		Int("aggregates", len(bundle.Aggregates)).
		Msg("ai scene run stored")
	return runID, nil
}

// appendDetections flattens the payload's category/label/frame tree into
// timespan rows and duration aggregates.
func (s *Store) appendDetections(ctx context.Context, bundle *database.AIRunBundle,
	sceneID int64, payload *ScenePayload, resolver *memoizedResolver) error {

	categories := make([]string, 0, len(payload.Timespans))
	for category := range payload.Timespans {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	for _, category := range categories {
		labels := payload.Timespans[category]
		labelNames := make([]string, 0, len(labels))
		for label := range labels {
			labelNames = append(labelNames, label)
		}
		sort.Strings(labelNames)

		for _, label := range labelNames {
			referenceID, err := resolver.resolve(ctx, label, category)
			if err != nil {
				return fmt.Errorf("failed to resolve reference for %s/%s: %w", category, label, err)
			}

			var totalDuration float64
			cat := category
			for _, frame := range labels[label] {
				end := frame.Start + payload.FrameInterval
				if frame.End != nil {
					end = *frame.End
				}
				bundle.Timespans = append(bundle.Timespans, &models.AIResultTimespan{
					EntityType:  models.EntityScene,
					EntityID:    sceneID,
					PayloadType: PayloadTimespans,
					Category:    &cat,
					Label:       label,
					ReferenceID: referenceID,
					StartS:      frame.Start,
					EndS:        end,
					Confidence:  frame.Confidence,
				})
				totalDuration += end - frame.Start
			}

			bundle.Aggregates = append(bundle.Aggregates, &models.AIResultAggregate{
				EntityType:  models.EntityScene,
				EntityID:    sceneID,
				PayloadType: PayloadTimespans,
				Category:    category,
				Label:       label,
				ReferenceID: referenceID,
				Metric:      models.MetricDurationS,
				ValueFloat:  totalDuration,
			})
		}
	}
	return nil
}

// GetLatestSceneRun returns the most recent run of a service for a scene, or
// nil when none exists.
func (s *Store) GetLatestSceneRun(ctx context.Context, service string, sceneID int64) (*models.AIModelRun, error) {
	return s.db.GetLatestRun(ctx, service, models.EntityScene, sceneID)
}

// GetSceneTimespans returns the timespans of the latest run of a service for
// a scene, filtered.
func (s *Store) GetSceneTimespans(ctx context.Context, service string, sceneID int64, filter database.TimespanFilter) ([]*models.AIResultTimespan, error) {
	run, err := s.GetLatestSceneRun(ctx, service, sceneID)
	if err != nil || run == nil {
		return nil, err
	}
	return s.db.ListRunTimespans(ctx, run.ID, filter)
}

// GetSceneTagTotals returns the duration aggregates of the latest run of a
// service for a scene, largest first.
func (s *Store) GetSceneTagTotals(ctx context.Context, service string, sceneID int64) ([]*models.AIResultAggregate, error) {
	run, err := s.GetLatestSceneRun(ctx, service, sceneID)
	if err != nil || run == nil {
		return nil, err
	}
	return s.db.ListRunAggregates(ctx, run.ID, PayloadTimespans)
}

// memoizedResolver caches reference lookups per (label, category) for the
// duration of one store call.
type memoizedResolver struct {
	fn    ResolveReference
	cache map[string]*int64
}

func newMemoizedResolver(fn ResolveReference) *memoizedResolver {
	return &memoizedResolver{fn: fn, cache: make(map[string]*int64)}
}

func (r *memoizedResolver) resolve(ctx context.Context, label, category string) (*int64, error) {
	if r.fn == nil {
		return nil, nil
	}
	key := category + "\x00" + label
	if id, ok := r.cache[key]; ok {
		return id, nil
	}
	id, err := r.fn(ctx, label, category)
	if err != nil {
		return nil, err
	}
	r.cache[key] = id
	return id, nil
}
