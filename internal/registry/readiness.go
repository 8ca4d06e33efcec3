// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package registry

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/pmelling/tagsmith/internal/logging"
)

// ReadyState is the probe outcome for a service.
type ReadyState string

const (
	StateUnknown     ReadyState = "unknown"
	StateReady       ReadyState = "ready"
	StateWaiting     ReadyState = "waiting"
	StateUnreachable ReadyState = "unreachable"
	StateLocal       ReadyState = "local"
)

// ReadinessResult is the cached or fresh outcome of a probe.
type ReadinessResult struct {
	State            ReadyState `json:"state"`
	Detail           string     `json:"detail,omitempty"`
	LastReadySuccess *time.Time `json:"last_ready_success,omitempty"`
	LastReadyFailure *time.Time `json:"last_ready_failure,omitempty"`
}

// Dispatchable reports whether tasks may be dispatched under this result.
func (r ReadinessResult) Dispatchable() bool {
	return r.State == StateReady || r.State == StateLocal
}

// ReadinessProbe checks a remote service's ready endpoint. Successes are
// cached for the configured window; failures open a breaker whose timeout is
// the failure backoff, during which Check reports waiting without probing.
type ReadinessProbe struct {
	url     string
	cache   time.Duration
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[struct{}]

	mu          sync.Mutex
	lastSuccess time.Time
	lastFailure time.Time
	lastDetail  string
}

func newReadinessProbe(cfg ServiceConfig, client *http.Client) *ReadinessProbe {
	if cfg.ServerURL == "" {
		return &ReadinessProbe{} // local service, no probing
	}
	p := &ReadinessProbe{
		url:    strings.TrimRight(cfg.ServerURL, "/") + "/" + strings.TrimLeft(cfg.ReadyEndpoint, "/"),
		cache:  time.Duration(cfg.ReadinessCacheSeconds) * time.Second,
		client: client,
	}
	p.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "readiness:" + cfg.Name,
		MaxRequests: 1,
		Timeout:     time.Duration(cfg.FailureBackoffSeconds) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Debug().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("readiness breaker state change")
		},
	})
	return p
}

// Check returns the current readiness. Local services (no server_url) always
// report local.
func (p *ReadinessProbe) Check(ctx context.Context) ReadinessResult {
	if p.breaker == nil {
		return ReadinessResult{State: StateLocal}
	}

	p.mu.Lock()
	if !p.lastSuccess.IsZero() && time.Since(p.lastSuccess) < p.cache {
		res := p.result(StateReady, "cached")
		p.mu.Unlock()
		return res
	}
	p.mu.Unlock()

	_, err := p.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, p.probe(ctx)
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case err == nil:
		p.lastSuccess = time.Now()
		return p.result(StateReady, "")
	case err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests:
		return p.result(StateWaiting, "in failure backoff")
	default:
		p.lastFailure = time.Now()
		p.lastDetail = err.Error()
		return p.result(StateUnreachable, err.Error())
	}
}

func (p *ReadinessProbe) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ready endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// result assembles a ReadinessResult; callers must hold p.mu.
func (p *ReadinessProbe) result(state ReadyState, detail string) ReadinessResult {
	res := ReadinessResult{State: state, Detail: detail}
	if !p.lastSuccess.IsZero() {
		t := p.lastSuccess
		res.LastReadySuccess = &t
	}
	if !p.lastFailure.IsZero() {
		t := p.lastFailure
		res.LastReadyFailure = &t
	}
	if detail == "" && state != StateReady {
		res.Detail = p.lastDetail
	}
	return res
}
