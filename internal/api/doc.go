// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

// Package api is the HTTP surface: the /api/v1 router, request validation,
// the {detail} error envelope with its enumerated codes, the shared-key
// admin gate, and the task event WebSocket endpoint.
package api
