// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/goccy/go-json"

	"github.com/pmelling/tagsmith/internal/models"
)

// ErrActionNotFound is returned when an action id is not registered.
var ErrActionNotFound = errors.New("action not found")

// ResultKind describes what an action returns to the UI.
type ResultKind string

const (
	ResultDialog ResultKind = "dialog"
	ResultStream ResultKind = "stream"
	ResultVoid   ResultKind = "void"
)

// Handler is the plain action handler variant: it receives the opaque UI
// context and params and returns an opaque result.
type Handler interface {
	Run(ctx context.Context, uiContext, params json.RawMessage) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, uiContext, params json.RawMessage) (json.RawMessage, error)

// Run implements Handler.
func (f HandlerFunc) Run(ctx context.Context, uiContext, params json.RawMessage) (json.RawMessage, error) {
	return f(ctx, uiContext, params)
}

// ControllerHandler is the controller variant: it additionally receives its
// own task record so it can spawn child tasks under its group.
type ControllerHandler interface {
	RunController(ctx context.Context, uiContext, params json.RawMessage, task *models.TaskRecord) (json.RawMessage, error)
}

// ControllerFunc adapts a function to ControllerHandler.
type ControllerFunc func(ctx context.Context, uiContext, params json.RawMessage, task *models.TaskRecord) (json.RawMessage, error)

// RunController implements ControllerHandler.
func (f ControllerFunc) RunController(ctx context.Context, uiContext, params json.RawMessage, task *models.TaskRecord) (json.RawMessage, error) {
	return f(ctx, uiContext, params, task)
}

// Action is one registered operation a plugin exposes to the UI.
// Exactly one of Handler or Controller is set, per the Controller flag.
type Action struct {
	ID         string        `json:"id"`
	Label      string        `json:"label"`
	Service    string        `json:"service"`
	Kind       ResultKind    `json:"result_kind"`
	Contexts   []ContextRule `json:"contexts"`
	Controller bool          `json:"controller"`

	Handler           Handler           `json:"-"`
	ControllerHandler ControllerHandler `json:"-"`

	// Origin is the owning plugin's name; used for unload-by-origin.
	Origin string `json:"-"`
}

// ActionRegistry maps action ids to their handlers and context filters.
// Safe for concurrent use.
type ActionRegistry struct {
	mu      sync.RWMutex
	actions map[string]*Action
}

// NewActionRegistry creates an empty action registry.
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{actions: make(map[string]*Action)}
}

// Register adds or replaces an action. The zero Selection of each rule is
// normalized to none.
func (r *ActionRegistry) Register(action *Action) error {
	if action.ID == "" {
		return fmt.Errorf("action id is required")
	}
	if action.Controller && action.ControllerHandler == nil {
		return fmt.Errorf("controller action %s has no controller handler", action.ID)
	}
	if !action.Controller && action.Handler == nil {
		return fmt.Errorf("action %s has no handler", action.ID)
	}
	for i := range action.Contexts {
		if action.Contexts[i].Selection == "" {
			action.Contexts[i].Selection = SelectionNone
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[action.ID] = action
	return nil
}

// Get returns an action by id.
func (r *ActionRegistry) Get(id string) (*Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	action, ok := r.actions[id]
	if !ok {
		return nil, ErrActionNotFound
	}
	return action, nil
}

// Resolve returns all actions with at least one context rule matching the
// input, ordered by id for stable responses. An action with no rules never
// matches.
func (r *ActionRegistry) Resolve(in ContextInput) []*Action {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*Action
	for _, action := range r.actions {
		for _, rule := range action.Contexts {
			if rule.Matches(in) {
				matched = append(matched, action)
				break
			}
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	return matched
}

// List returns all registered actions ordered by id.
func (r *ActionRegistry) List() []*Action {
	r.mu.RLock()
	defer r.mu.RUnlock()

	actions := make([]*Action, 0, len(r.actions))
	for _, action := range r.actions {
		actions = append(actions, action)
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i].ID < actions[j].ID })
	return actions
}

// Unregister removes one action by id.
func (r *ActionRegistry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.actions, id)
}

// UnregisterByOrigin removes every action registered by the given plugin.
// Returns the removed ids.
func (r *ActionRegistry) UnregisterByOrigin(origin string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, action := range r.actions {
		if action.Origin == origin {
			delete(r.actions, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}
