// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package api

import (
	"io"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/pmelling/tagsmith/internal/ingest"
)

// ClientFingerprintHeader identifies the submitting device for session
// merging. Absent means sessions never merge across ids, which is safe.
const ClientFingerprintHeader = "x-client-fingerprint"

// handleInteractionsSync ingests a batch of interaction events. The body is
// a bare JSON array; per-event failures are reported in errors[] without
// failing the batch.
func (rt *Router) handleInteractionsSync(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	var batch []ingest.IncomingEvent
	if err := json.Unmarshal(raw, &batch); err != nil {
		writeDetail(w, http.StatusBadRequest, "body must be a JSON array of events: "+err.Error())
		return
	}

	result, err := rt.ingestor.IngestEvents(r.Context(), batch, r.Header.Get(ClientFingerprintHeader))
	if err != nil {
		respondError(w, err)
		return
	}
	if result.Errors == nil {
		result.Errors = []ingest.EventError{}
	}
	writeJSON(w, http.StatusOK, result)
}
