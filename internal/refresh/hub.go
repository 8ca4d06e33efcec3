// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

// Package refresh provides the backend-refresh hub: a keyed subscription
// registry that components use to react to settings changes. Writing a
// system setting fires the hooks subscribed to its key, e.g. STASH_URL
// triggers a Stash client reconnect and TASK_LOOP_INTERVAL re-reads the
// runner interval.
//
// Hooks run synchronously in subscription order; a panicking hook is
// recovered and logged so one bad subscriber cannot poison the chain.
package refresh

import (
	"sync"

	"github.com/pmelling/tagsmith/internal/logging"
)

// Hook is invoked with the setting key that changed.
type Hook func(key string)

// Hub routes settings-change notifications to keyed subscribers.
type Hub struct {
	mu     sync.RWMutex
	byKey  map[string][]Hook
	global []Hook
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{byKey: make(map[string][]Hook)}
}

// Subscribe registers a hook for specific setting keys. With no keys the
// hook fires on every change.
func (h *Hub) Subscribe(hook Hook, keys ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(keys) == 0 {
		h.global = append(h.global, hook)
		return
	}
	for _, key := range keys {
		h.byKey[key] = append(h.byKey[key], hook)
	}
}

// Notify fires the hooks subscribed to key, then the global hooks.
func (h *Hub) Notify(key string) {
	h.mu.RLock()
	hooks := make([]Hook, 0, len(h.byKey[key])+len(h.global))
	hooks = append(hooks, h.byKey[key]...)
	hooks = append(hooks, h.global...)
	h.mu.RUnlock()

	for _, hook := range hooks {
		runHook(hook, key)
	}
}

func runHook(hook Hook, key string) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().
				Str("key", key).
				Interface("panic", r).
				Msg("refresh hook panicked")
		}
	}()
	hook(key)
}
