// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package models

import (
	"time"

	"github.com/goccy/go-json"
)

// TaskStatus enumerates task lifecycle states.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskStreaming TaskStatus = "streaming"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// TaskPriority orders dispatch within a service queue. Lower integer values
// dispatch first.
type TaskPriority int

const (
	PriorityHigh   TaskPriority = 0
	PriorityNormal TaskPriority = 1
	PriorityLow    TaskPriority = 2
)

// ParseTaskPriority maps the wire names onto priorities. Unknown names map
// to normal.
func ParseTaskPriority(s string) TaskPriority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// String returns the wire name of the priority.
func (p TaskPriority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// TaskRecord is the in-memory state of one submitted task. Only terminal
// top-level tasks are projected into TaskHistoryEntry rows; live records are
// not persisted.
type TaskRecord struct {
	ID              string          `json:"id"`
	ActionID        string          `json:"action_id"`
	Service         string          `json:"service"`
	Priority        TaskPriority    `json:"priority"`
	Status          TaskStatus      `json:"status"`
	SubmittedAt     time.Time       `json:"submitted_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	Context         json.RawMessage `json:"context,omitempty"`
	Params          json.RawMessage `json:"params,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	GroupID         string          `json:"group_id,omitempty"`
	SkipConcurrency bool            `json:"skip_concurrency"`
	CancelRequested bool            `json:"cancel_requested"`

	// Dedupe fingerprint pair, computed once at submit.
	CtxKey    string `json:"-"`
	ParamsKey string `json:"-"`
}

// TaskHistoryEntry is the persisted terminal-state projection of a top-level
// task.
type TaskHistoryEntry struct {
	TaskID     string     `json:"task_id"`
	ActionID   string     `json:"action_id"`
	Service    string     `json:"service"`
	Status     TaskStatus `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time  `json:"finished_at"`
	DurationMS int64      `json:"duration_ms"`
	ChildCount int        `json:"child_count"`
	ItemID     *string    `json:"item_id,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
