// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package api

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/pmelling/tagsmith/internal/logging"
)

// Enumerated error codes carried inside the {detail} envelope.
const (
	CodeNotFound             = "NOT_FOUND"
	CodeSourceDisabled       = "SOURCE_DISABLED"
	CodeSourceImmutable      = "SOURCE_IMMUTABLE"
	CodeSourceNotFound       = "SOURCE_NOT_FOUND"
	CodePluginNotFound       = "PLUGIN_NOT_FOUND"
	CodePluginInactive       = "PLUGIN_INACTIVE"
	CodePluginRequired       = "PLUGIN_REQUIRED"
	CodeBackendTooOld        = "BACKEND_TOO_OLD"
	CodeDependencyMissing    = "DEPENDENCY_MISSING"
	CodeDependenciesRequired = "DEPENDENCIES_REQUIRED"
	CodeDependentPlugins     = "DEPENDENT_PLUGINS"
	CodeInvalidNumber        = "INVALID_NUMBER"
	CodeInvalidBoolean       = "INVALID_BOOLEAN"
	CodeInvalidOption        = "INVALID_OPTION"
	CodeInvalidJSON          = "INVALID_JSON"
	CodeReloadFailed         = "RELOAD_FAILED"
)

// errorDetail is the structured variant of the detail payload.
type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorBody struct {
	Detail any `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("failed to encode response")
	}
}

// writeError writes a coded error: {"detail": {"code", "message"}}.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Detail: errorDetail{Code: code, Message: message}})
}

// writeDetail writes a plain-string detail: {"detail": "..."}.
func writeDetail(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Detail: message})
}
