// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package task

import (
	"context"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/pmelling/tagsmith/internal/logging"
	"github.com/pmelling/tagsmith/internal/models"
)

// persistHistory projects a terminal top-level task into the task_history
// table and prunes old rows past the retention cap. Best-effort: failures are
// logged, never surfaced.
func (m *Manager) persistHistory(task *models.TaskRecord) {
	if m.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	finished := time.Now()
	if task.FinishedAt != nil {
		finished = *task.FinishedAt
	}
	var durationMS int64
	if task.StartedAt != nil {
		durationMS = finished.Sub(*task.StartedAt).Milliseconds()
	}

	entry := &models.TaskHistoryEntry{
		TaskID:      task.ID,
		ActionID:    task.ActionID,
		Service:     task.Service,
		Status:      task.Status,
		SubmittedAt: task.SubmittedAt,
		StartedAt:   task.StartedAt,
		FinishedAt:  finished,
		DurationMS:  durationMS,
		ChildCount:  m.childCount(task.ID),
		ItemID:      itemIDFromContext(task.Context),
		Error:       task.Error,
		CreatedAt:   time.Now(),
	}

	if err := m.db.InsertTaskHistory(ctx, entry); err != nil {
		logging.Warn().Err(err).Str("task_id", task.ID).Msg("failed to persist task history")
		return
	}

	count, err := m.db.CountTaskHistory(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("failed to count task history")
		return
	}
	if count > m.historyCap {
		if err := m.db.PruneTaskHistory(ctx, m.historyKeep); err != nil {
			logging.Warn().Err(err).Msg("failed to prune task history")
		}
	}
}

func (m *Manager) childCount(taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for _, task := range m.tasks {
		if task.GroupID == taskID {
			n++
		}
	}
	return n
}

// itemIDFromContext extracts the primary entity id a task acted on, when the
// submission context carried one.
func itemIDFromContext(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	var ctx struct {
		ItemID   any `json:"item_id"`
		EntityID any `json:"entityId"`
	}
	if err := json.Unmarshal(raw, &ctx); err != nil {
		return nil
	}
	value := ctx.ItemID
	if value == nil {
		value = ctx.EntityID
	}
	switch v := value.(type) {
	case string:
		return &v
	case float64:
		s := strconv.FormatFloat(v, 'f', -1, 64)
		return &s
	default:
		return nil
	}
}
