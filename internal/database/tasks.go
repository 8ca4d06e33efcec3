// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pmelling/tagsmith/internal/models"
)

const historyColumns = `task_id, action_id, service, status, submitted_at, started_at, finished_at, duration_ms, child_count, item_id, error, created_at`

// InsertTaskHistory writes the terminal-state projection of a top-level task.
// Duplicate task ids are ignored so a racing double-terminal transition
// cannot fail the runner.
func (db *DB) InsertTaskHistory(ctx context.Context, entry *models.TaskHistoryEntry) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	query := `INSERT INTO task_history (` + historyColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (task_id) DO NOTHING`

	_, err := db.conn.ExecContext(ctx, query,
		entry.TaskID, entry.ActionID, entry.Service, string(entry.Status),
		entry.SubmittedAt, nullTime(entry.StartedAt), entry.FinishedAt,
		entry.DurationMS, entry.ChildCount, nullString(entry.ItemID),
		entry.Error, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert task history %s: %w", entry.TaskID, err)
	}
	return nil
}

// CountTaskHistory returns the total number of history rows.
func (db *DB) CountTaskHistory(ctx context.Context) (int, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	var count int
	if err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_history`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count task history: %w", err)
	}
	return count, nil
}

// PruneTaskHistory deletes the oldest rows by created_at until only keep
// rows remain.
func (db *DB) PruneTaskHistory(ctx context.Context, keep int) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	_, err := db.conn.ExecContext(ctx, `
		DELETE FROM task_history WHERE task_id IN (
			SELECT task_id FROM task_history
			ORDER BY created_at DESC
			OFFSET ?
		)`, keep)
	if err != nil {
		return fmt.Errorf("failed to prune task history: %w", err)
	}
	return nil
}

// TaskHistoryFilter narrows ListTaskHistory results.
type TaskHistoryFilter struct {
	Service string
	Status  string
	Limit   int
}

// ListTaskHistory returns terminal task rows, newest first.
func (db *DB) ListTaskHistory(ctx context.Context, filter TaskHistoryFilter) ([]*models.TaskHistoryEntry, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	query := `SELECT ` + historyColumns + ` FROM task_history`
	var conditions []string
	var args []any
	if filter.Service != "" {
		conditions = append(conditions, "service = ?")
		args = append(args, filter.Service)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	for i, cond := range conditions {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list task history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*models.TaskHistoryEntry
	for rows.Next() {
		var (
			entry     models.TaskHistoryEntry
			status    string
			startedAt sql.NullTime
			itemID    sql.NullString
			errStr    sql.NullString
		)
		if err := rows.Scan(&entry.TaskID, &entry.ActionID, &entry.Service, &status,
			&entry.SubmittedAt, &startedAt, &entry.FinishedAt, &entry.DurationMS,
			&entry.ChildCount, &itemID, &errStr, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task history row: %w", err)
		}
		entry.Status = models.TaskStatus(status)
		if startedAt.Valid {
			entry.StartedAt = &startedAt.Time
		}
		if itemID.Valid {
			entry.ItemID = &itemID.String
		}
		entry.Error = errStr.String
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}
