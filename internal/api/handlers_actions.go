// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package api

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/pmelling/tagsmith/internal/models"
	"github.com/pmelling/tagsmith/internal/registry"
	"github.com/pmelling/tagsmith/internal/task"
)

type availableRequest struct {
	Context registry.ContextInput `json:"context"`
}

// handleActionsAvailable returns the actions whose context rules match the
// UI context in the request.
func (rt *Router) handleActionsAvailable(w http.ResponseWriter, r *http.Request) {
	var req availableRequest
	if !decodeBody(w, r, &req) {
		return
	}
	actions := rt.actions.Resolve(req.Context)
	if actions == nil {
		actions = []*registry.Action{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

type submitRequest struct {
	ActionID string          `json:"action_id" validate:"required"`
	Context  json.RawMessage `json:"context,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
	Priority string          `json:"priority,omitempty"`
	GroupID  string          `json:"group_id,omitempty"`
}

// handleActionSubmit enqueues a task for the named action. A submission
// matching a live task's fingerprint returns that task instead of queueing
// a second copy.
func (rt *Router) handleActionSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if existing := rt.tasks.FindDuplicate(req.ActionID, req.Context, req.Params); existing != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"task_id":   existing.ID,
			"status":    existing.Status,
			"duplicate": true,
		})
		return
	}

	record, err := rt.tasks.Submit(r.Context(), task.Submission{
		ActionID: req.ActionID,
		Context:  req.Context,
		Params:   req.Params,
		Priority: models.ParseTaskPriority(req.Priority),
		GroupID:  req.GroupID,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id": record.ID,
		"status":  record.Status,
	})
}
