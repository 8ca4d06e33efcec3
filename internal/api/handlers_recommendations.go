// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package api

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/pmelling/tagsmith/internal/registry"
)

// handleRecommenderList returns the recommenders declaring the requested
// context.
func (rt *Router) handleRecommenderList(w http.ResponseWriter, r *http.Request) {
	recContext := r.URL.Query().Get("context")
	recs, err := rt.recommenders.ListByContext(recContext)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownRecContext) {
			writeDetail(w, http.StatusBadRequest, err.Error())
			return
		}
		respondError(w, err)
		return
	}
	if recs == nil {
		recs = []*registry.Recommender{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"recommenders": recs})
}

type recommenderQueryRequest struct {
	Context       string          `json:"context" validate:"required"`
	RecommenderID string          `json:"recommenderId" validate:"required"`
	Config        json.RawMessage `json:"config,omitempty"`
	SeedSceneIDs  []int64         `json:"seedSceneIds,omitempty"`
	Limit         int             `json:"limit,omitempty"`
	Offset        int             `json:"offset,omitempty"`
}

// handleRecommenderQuery validates the config against the recommender's
// schema and returns one page of scenes.
func (rt *Router) handleRecommenderQuery(w http.ResponseWriter, r *http.Request) {
	var req recommenderQueryRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := rt.recommenders.RunQuery(r.Context(), req.RecommenderID, registry.RecommenderQuery{
		Context:      req.Context,
		SeedSceneIDs: req.SeedSceneIDs,
		Config:       req.Config,
		Limit:        req.Limit,
		Offset:       req.Offset,
	})
	if err != nil {
		if errors.Is(err, registry.ErrUnknownRecContext) {
			writeDetail(w, http.StatusBadRequest, err.Error())
			return
		}
		respondError(w, err)
		return
	}
	if result.Scenes == nil {
		result.Scenes = []json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, result)
}
