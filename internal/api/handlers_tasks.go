// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pmelling/tagsmith/internal/database"
	"github.com/pmelling/tagsmith/internal/models"
	"github.com/pmelling/tagsmith/internal/task"
)

// handleTaskList returns live tasks, optionally filtered by service and
// status.
func (rt *Router) handleTaskList(w http.ResponseWriter, r *http.Request) {
	service := r.URL.Query().Get("service")
	status := models.TaskStatus(r.URL.Query().Get("status"))
	tasks := rt.tasks.List(service, status)
	if tasks == nil {
		tasks = []*models.TaskRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (rt *Router) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	record, err := rt.tasks.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handleTaskCancel requests cooperative cancellation. Queued tasks cancel
// immediately; running tasks observe the token at their next poll.
func (rt *Router) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cancelled := rt.tasks.Cancel(id)
	if !cancelled {
		if _, err := rt.tasks.Get(id); errors.Is(err, task.ErrTaskNotFound) {
			respondError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "cancelled": cancelled})
}

// handleTaskHistory returns persisted terminal tasks, newest first.
func (rt *Router) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 100
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeDetail(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if parsed > 500 {
			parsed = 500
		}
		limit = parsed
	}

	entries, err := rt.db.ListTaskHistory(r.Context(), database.TaskHistoryFilter{
		Service: q.Get("service"),
		Status:  q.Get("status"),
		Limit:   limit,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	if entries == nil {
		entries = []*models.TaskHistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}
