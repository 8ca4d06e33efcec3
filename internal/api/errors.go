// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package api

import (
	"errors"
	"net/http"

	"github.com/pmelling/tagsmith/internal/plugin"
	"github.com/pmelling/tagsmith/internal/registry"
	"github.com/pmelling/tagsmith/internal/settings"
	"github.com/pmelling/tagsmith/internal/task"
)

// codedError maps a package sentinel error onto its HTTP status and
// enumerated code. ok is false for errors with no dedicated mapping.
func codedError(err error) (status int, code string, ok bool) {
	switch {
	case errors.Is(err, plugin.ErrPluginNotFound):
		return http.StatusNotFound, CodePluginNotFound, true
	case errors.Is(err, plugin.ErrSourceNotFound):
		return http.StatusNotFound, CodeSourceNotFound, true
	case errors.Is(err, plugin.ErrSourceDisabled):
		return http.StatusConflict, CodeSourceDisabled, true
	case errors.Is(err, plugin.ErrSourceImmutable):
		return http.StatusConflict, CodeSourceImmutable, true
	case errors.Is(err, plugin.ErrBackendTooOld):
		return http.StatusConflict, CodeBackendTooOld, true
	case errors.Is(err, plugin.ErrDependenciesRequired):
		return http.StatusConflict, CodeDependenciesRequired, true
	case errors.Is(err, plugin.ErrDependentPlugins):
		return http.StatusConflict, CodeDependentPlugins, true
	case errors.Is(err, settings.ErrInvalidNumber):
		return http.StatusBadRequest, CodeInvalidNumber, true
	case errors.Is(err, settings.ErrInvalidBoolean):
		return http.StatusBadRequest, CodeInvalidBoolean, true
	case errors.Is(err, settings.ErrInvalidOption):
		return http.StatusBadRequest, CodeInvalidOption, true
	case errors.Is(err, settings.ErrInvalidJSON), errors.Is(err, settings.ErrInvalidPathMap):
		return http.StatusBadRequest, CodeInvalidJSON, true
	case errors.Is(err, settings.ErrNotFound):
		return http.StatusNotFound, CodeNotFound, true
	case errors.Is(err, task.ErrTaskNotFound):
		return http.StatusNotFound, CodeNotFound, true
	case errors.Is(err, registry.ErrActionNotFound):
		return http.StatusNotFound, CodeNotFound, true
	case errors.Is(err, registry.ErrRecommenderNotFound):
		return http.StatusNotFound, CodeNotFound, true
	case errors.Is(err, registry.ErrInvalidRecConfig):
		return http.StatusBadRequest, CodeInvalidJSON, true
	default:
		return 0, "", false
	}
}

// respondError writes the mapped error, falling back to a 500 with the bare
// message for unmapped errors.
func respondError(w http.ResponseWriter, err error) {
	if status, code, ok := codedError(err); ok {
		writeError(w, status, code, err.Error())
		return
	}
	writeDetail(w, http.StatusInternalServerError, err.Error())
}
