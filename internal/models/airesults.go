// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package models

import (
	"time"

	"github.com/goccy/go-json"
)

// AIModel identifies one remote model, unique per (service, model_id, name).
type AIModel struct {
	ID         int64           `json:"id"`
	Service    string          `json:"service"`
	ModelID    *string         `json:"model_id,omitempty"`
	Name       string          `json:"name"`
	Version    string          `json:"version,omitempty"`
	Type       string          `json:"type,omitempty"`
	Categories []string        `json:"categories,omitempty"`
	Extra      json.RawMessage `json:"extra,omitempty"`
}

// AIModelRun is one completed invocation of an AI pipeline against one
// entity. Parent of timespans and aggregates.
type AIModelRun struct {
	ID             int64           `json:"id"`
	Service        string          `json:"service"`
	Plugin         string          `json:"plugin,omitempty"`
	EntityType     string          `json:"entity_type"`
	EntityID       int64           `json:"entity_id"`
	Status         string          `json:"status"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	InputParams    json.RawMessage `json:"input_params,omitempty"`
	ResultMetadata json.RawMessage `json:"result_metadata,omitempty"`
}

// AIRunModel joins a run to a model, carrying per-model input parameters.
type AIRunModel struct {
	RunID         int64           `json:"run_id"`
	ModelID       int64           `json:"model_id"`
	InputParams   json.RawMessage `json:"input_params,omitempty"`
	FrameInterval float64         `json:"frame_interval,omitempty"`
}

// AIResultTimespan is one labeled interval of media time produced by a run.
type AIResultTimespan struct {
	ID          int64    `json:"id"`
	RunID       int64    `json:"run_id"`
	EntityType  string   `json:"entity_type"`
	EntityID    int64    `json:"entity_id"`
	PayloadType string   `json:"payload_type"`
	Category    *string  `json:"category,omitempty"`
	Label       string   `json:"label"`
	ReferenceID *int64   `json:"reference_id,omitempty"`
	StartS      float64  `json:"start_s"`
	EndS        float64  `json:"end_s"`
	Confidence  *float64 `json:"confidence,omitempty"`
}

// AIResultAggregate is one pre-computed per-(category, label) metric written
// alongside the timespans to accelerate threshold queries.
type AIResultAggregate struct {
	ID          int64   `json:"id"`
	RunID       int64   `json:"run_id"`
	EntityType  string  `json:"entity_type"`
	EntityID    int64   `json:"entity_id"`
	PayloadType string  `json:"payload_type"`
	Category    string  `json:"category"`
	Label       string  `json:"label"`
	ReferenceID *int64  `json:"reference_id,omitempty"`
	Metric      string  `json:"metric"`
	ValueFloat  float64 `json:"value_float"`
}

// MetricDurationS is the aggregate metric written for every (category, label)
// pair of a stored run.
const MetricDurationS = "duration_s"
