// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

// Package registry holds the context-filtered dispatch tables plugins
// register into: actions, recommenders, and services. Entries carry an
// origin token (the owning plugin's name) so a plugin's registrations can be
// removed as a unit on unload.
package registry

// Selection constrains how many entities a context rule requires.
type Selection string

const (
	SelectionNone   Selection = "none"
	SelectionSingle Selection = "single"
	SelectionMulti  Selection = "multi"
	SelectionPage   Selection = "page"
)

// ContextInput describes the UI state an action resolution runs against.
type ContextInput struct {
	Page         string  `json:"page"`
	EntityID     *int64  `json:"entityId,omitempty"`
	EntityType   string  `json:"entityType,omitempty"`
	IsDetailView bool    `json:"isDetailView"`
	SelectedIDs  []int64 `json:"selectedIds"`
	VisibleIDs   []int64 `json:"visibleIds"`
}

// ContextRule is one visibility rule of an action. Empty Pages means "any
// page"; empty EntityTypes means "any entity type".
type ContextRule struct {
	Pages       []string  `json:"pages,omitempty"`
	Selection   Selection `json:"selection"`
	EntityTypes []string  `json:"entityTypes,omitempty"`
}

// Matches reports whether the rule admits the given context.
func (r ContextRule) Matches(in ContextInput) bool {
	if len(r.Pages) > 0 && !containsString(r.Pages, in.Page) {
		return false
	}
	if len(r.EntityTypes) > 0 && in.EntityType != "" && !containsString(r.EntityTypes, in.EntityType) {
		return false
	}
	switch r.Selection {
	case SelectionSingle:
		return in.IsDetailView || len(in.SelectedIDs) == 1
	case SelectionMulti:
		return len(in.SelectedIDs) >= 1
	case SelectionPage:
		return len(in.VisibleIDs) >= 1
	default: // SelectionNone or unset
		return true
	}
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
