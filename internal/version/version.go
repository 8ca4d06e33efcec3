// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

// Package version carries the build identity reported by /version and used
// by the plugin loader for compatibility gating.
package version

const (
	// Version is the backend version. Overridden at build time via
	// -ldflags "-X ...".
	Version = "1.2.0"

	// FrontendMinVersion is the oldest UI build this backend supports.
	FrontendMinVersion = "0.6.0"

	// SchemaHead identifies the core schema revision created at startup.
	SchemaHead = "0003_ai_results"
)
