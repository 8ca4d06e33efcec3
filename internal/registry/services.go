// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/pmelling/tagsmith/internal/logging"
)

// ErrServiceNotFound is returned when a service name is not registered.
var ErrServiceNotFound = errors.New("service not found")

// ServiceConfig declares one service's dispatch limits and optional remote
// endpoint.
type ServiceConfig struct {
	Name                  string `json:"name"`
	MaxConcurrency        int    `json:"max_concurrency"`
	ServerURL             string `json:"server_url,omitempty"`
	ReadyEndpoint         string `json:"ready_endpoint,omitempty"`
	ReadinessCacheSeconds int    `json:"readiness_cache_seconds"`
	FailureBackoffSeconds int    `json:"failure_backoff_seconds"`
}

// Service is a registered service: its config, its readiness probe, and the
// ids of the actions it bundles.
type Service struct {
	Config    ServiceConfig `json:"config"`
	ActionIDs []string      `json:"action_ids"`
	Origin    string        `json:"-"`

	probe *ReadinessProbe
}

// Probe returns the service's readiness probe.
func (s *Service) Probe() *ReadinessProbe { return s.probe }

// ServiceRegistry groups actions under named services and owns their
// readiness probes. Safe for concurrent use.
type ServiceRegistry struct {
	actions *ActionRegistry
	client  *http.Client

	mu       sync.RWMutex
	services map[string]*Service
}

// NewServiceRegistry creates a service registry forwarding action
// registrations into actions.
func NewServiceRegistry(actions *ActionRegistry) *ServiceRegistry {
	return &ServiceRegistry{
		actions:  actions,
		client:   &http.Client{Timeout: 5 * time.Second},
		services: make(map[string]*Service),
	}
}

// Register declares a service and forwards its bundled actions to the action
// registry. Actions inherit the service name and origin.
func (r *ServiceRegistry) Register(origin string, cfg ServiceConfig, actions []*Action) error {
	if cfg.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.ReadinessCacheSeconds <= 0 {
		cfg.ReadinessCacheSeconds = 30
	}
	if cfg.FailureBackoffSeconds <= 0 {
		cfg.FailureBackoffSeconds = 15
	}
	if cfg.ServerURL != "" && cfg.ReadyEndpoint == "" {
		cfg.ReadyEndpoint = "/ready"
	}

	svc := &Service{
		Config: cfg,
		Origin: origin,
		probe:  newReadinessProbe(cfg, r.client),
	}
	for _, action := range actions {
		action.Service = cfg.Name
		action.Origin = origin
		if err := r.actions.Register(action); err != nil {
			return fmt.Errorf("service %s: %w", cfg.Name, err)
		}
		svc.ActionIDs = append(svc.ActionIDs, action.ID)
	}
	sort.Strings(svc.ActionIDs)

	r.mu.Lock()
	r.services[cfg.Name] = svc
	r.mu.Unlock()

	logging.Info().
		Str("service", cfg.Name).
		Str("origin", origin).
		Int("actions", len(svc.ActionIDs)).
		Int("max_concurrency", cfg.MaxConcurrency).
		Msg("service registered")
	return nil
}

// Get returns a service by name.
func (r *ServiceRegistry) Get(name string) (*Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	if !ok {
		return nil, ErrServiceNotFound
	}
	return svc, nil
}

// List returns all services ordered by name.
func (r *ServiceRegistry) List() []*Service {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Service, 0, len(r.services))
	for _, svc := range r.services {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.Name < out[j].Config.Name })
	return out
}

// MaxConcurrency returns the dispatch limit for a service, defaulting to 1
// for unknown names so ad-hoc tasks still serialize.
func (r *ServiceRegistry) MaxConcurrency(name string) int {
	svc, err := r.Get(name)
	if err != nil {
		return 1
	}
	return svc.Config.MaxConcurrency
}

// CheckReady probes the named service. Unknown services count as local so
// their tasks are never starved by a missing probe.
func (r *ServiceRegistry) CheckReady(ctx context.Context, name string) ReadinessResult {
	svc, err := r.Get(name)
	if err != nil {
		return ReadinessResult{State: StateLocal, Detail: "service not registered"}
	}
	return svc.probe.Check(ctx)
}

// UnregisterByOrigin removes every service registered by the given plugin,
// along with their forwarded actions. Returns the removed service names.
func (r *ServiceRegistry) UnregisterByOrigin(origin string) []string {
	r.mu.Lock()
	var removed []string
	for name, svc := range r.services {
		if svc.Origin == origin {
			delete(r.services, name)
			removed = append(removed, name)
		}
	}
	r.mu.Unlock()

	r.actions.UnregisterByOrigin(origin)
	sort.Strings(removed)
	return removed
}
