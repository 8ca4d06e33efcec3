// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/pmelling/tagsmith/internal/logging"
	"github.com/pmelling/tagsmith/internal/version"
)

func (rt *Router) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":              version.Version,
		"frontend_min_version": version.FrontendMinVersion,
		"db_schema_head":       version.SchemaHead,
	})
}

// handleHealth reports healthy, warn or error. An unreachable Stash degrades
// to warn because the backend itself keeps serving; a failed database ping
// is an error.
func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	databaseState := "ok"
	if err := rt.db.Ping(ctx); err != nil {
		logging.Error().Err(err).Msg("database ping failed")
		status = "error"
		databaseState = "error"
	}

	stashState := "ok"
	if status != "error" && rt.stash != nil {
		if err := rt.stash.Ping(ctx); err != nil {
			status = "warn"
			stashState = "unreachable"
		}
	}

	code := http.StatusOK
	if status == "error" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":          status,
		"backend_version": version.Version,
		"database":        databaseState,
		"stash":           stashState,
	})
}
