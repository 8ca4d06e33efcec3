// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package plugin

import (
	"context"
	"sync"

	"github.com/pmelling/tagsmith/internal/airesults"
	"github.com/pmelling/tagsmith/internal/database"
	"github.com/pmelling/tagsmith/internal/registry"
	"github.com/pmelling/tagsmith/internal/settings"
	"github.com/pmelling/tagsmith/internal/stash"
	"github.com/pmelling/tagsmith/internal/task"
)

// Bundle is the component handle a plugin's hooks register against. Every
// registration carries the plugin name as origin token, so an unload removes
// the plugin's entries as a unit.
type Bundle struct {
	DB           *database.DB
	Settings     *settings.Store
	Actions      *registry.ActionRegistry
	Recommenders *registry.RecommenderRegistry
	Services     *registry.ServiceRegistry
	Results      *airesults.Store
	Stash        stash.Client
	Tasks        *task.Manager
}

// Hooks are the compiled-in entry points of one plugin. Register runs during
// activation; Unregister (optional) runs before unload, after which all
// registry entries with the plugin's origin are purged regardless.
type Hooks struct {
	Register   func(ctx context.Context, origin string, b *Bundle) error
	Unregister func(ctx context.Context, origin string, b *Bundle) error
}

var (
	hooksMu sync.RWMutex
	hooks   = make(map[string]Hooks)
)

// RegisterHooks binds compiled-in hooks to a plugin name. Typically called
// from an init() in the plugin's package.
func RegisterHooks(name string, h Hooks) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	hooks[name] = h
}

func lookupHooks(name string) (Hooks, bool) {
	hooksMu.RLock()
	defer hooksMu.RUnlock()
	h, ok := hooks[name]
	return h, ok
}
