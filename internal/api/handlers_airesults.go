// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/pmelling/tagsmith/internal/airesults"
	"github.com/pmelling/tagsmith/internal/database"
	"github.com/pmelling/tagsmith/internal/models"
)

func sceneIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "sceneId"), 10, 64)
	if err != nil || id < 1 {
		writeDetail(w, http.StatusBadRequest, "sceneId must be a positive integer")
		return 0, false
	}
	return id, true
}

func serviceParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	service := r.URL.Query().Get("service")
	if service == "" {
		writeDetail(w, http.StatusBadRequest, "service query parameter is required")
		return "", false
	}
	return service, true
}

type sceneRunRequest struct {
	Service         string                     `json:"service" validate:"required"`
	Plugin          string                     `json:"plugin" validate:"required"`
	InputParams     json.RawMessage            `json:"input_params,omitempty"`
	Payload         *airesults.ScenePayload    `json:"payload" validate:"required"`
	RequestedModels []airesults.RequestedModel `json:"requested_models,omitempty"`
}

// handleSceneRunStore persists one completed scene run. Detection labels are
// resolved to Stash tag ids at write time.
func (rt *Router) handleSceneRunStore(w http.ResponseWriter, r *http.Request) {
	sceneID, ok := sceneIDParam(w, r)
	if !ok {
		return
	}
	var req sceneRunRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var resolve airesults.ResolveReference
	if rt.stash != nil {
		resolve = func(ctx context.Context, label, category string) (*int64, error) {
			return rt.stash.FindTagID(ctx, label)
		}
	}

	runID, err := rt.results.StoreSceneRun(r.Context(), req.Service, req.Plugin, sceneID,
		req.InputParams, req.Payload, req.RequestedModels, resolve)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"run_id": runID})
}

func (rt *Router) handleSceneRunLatest(w http.ResponseWriter, r *http.Request) {
	sceneID, ok := sceneIDParam(w, r)
	if !ok {
		return
	}
	service, ok := serviceParam(w, r)
	if !ok {
		return
	}
	run, err := rt.results.GetLatestSceneRun(r.Context(), service, sceneID)
	if err != nil {
		respondError(w, err)
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "no run recorded for scene")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (rt *Router) handleSceneTimespans(w http.ResponseWriter, r *http.Request) {
	sceneID, ok := sceneIDParam(w, r)
	if !ok {
		return
	}
	service, ok := serviceParam(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := database.TimespanFilter{
		PayloadType: q.Get("payload_type"),
		Category:    q.Get("category"),
	}
	if raw := q.Get("min_confidence"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeDetail(w, http.StatusBadRequest, "min_confidence must be a number")
			return
		}
		filter.MinConfidence = &parsed
	}

	spans, err := rt.results.GetSceneTimespans(r.Context(), service, sceneID, filter)
	if err != nil {
		respondError(w, err)
		return
	}
	if spans == nil {
		spans = []*models.AIResultTimespan{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"timespans": spans})
}

func (rt *Router) handleSceneTagTotals(w http.ResponseWriter, r *http.Request) {
	sceneID, ok := sceneIDParam(w, r)
	if !ok {
		return
	}
	service, ok := serviceParam(w, r)
	if !ok {
		return
	}
	totals, err := rt.results.GetSceneTagTotals(r.Context(), service, sceneID)
	if err != nil {
		respondError(w, err)
		return
	}
	if totals == nil {
		totals = []*models.AIResultAggregate{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tags": totals})
}
