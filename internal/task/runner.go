// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package task

import (
	"context"
	"time"

	"github.com/pmelling/tagsmith/internal/logging"
	"github.com/pmelling/tagsmith/internal/refresh"
	"github.com/pmelling/tagsmith/internal/settings"
)

// Runner is the dispatch loop, run as a supervised service. It polls the
// manager's queues every loop interval and exits cleanly on context
// cancellation.
type Runner struct {
	manager *Manager
}

// NewRunner creates the dispatch loop service.
func NewRunner(m *Manager) *Runner {
	return &Runner{manager: m}
}

// Serve implements suture.Service.
func (r *Runner) Serve(ctx context.Context) error {
	logging.Info().
		Dur("loop_interval", time.Duration(r.manager.loopInterval.Load())).
		Msg("task runner started")

	timer := time.NewTimer(time.Duration(r.manager.loopInterval.Load()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("task runner stopping")
			return ctx.Err()
		case <-timer.C:
			r.manager.dispatch(ctx)
			// Re-arm from the atomic so settings changes apply without
			// restarting the service.
			timer.Reset(time.Duration(r.manager.loopInterval.Load()))
		}
	}
}

// String names the service in supervisor logs.
func (r *Runner) String() string { return "task-runner" }

// BindSettings subscribes the manager to runtime setting changes: the loop
// interval and the debug flag reload on write.
func (m *Manager) BindSettings(store *settings.Store, hub *refresh.Hub) {
	reload := func(key string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		seconds := store.GetFloat(ctx, settings.SystemNamespace, settings.KeyTaskLoopInterval,
			time.Duration(m.loopInterval.Load()).Seconds())
		if seconds > 0 {
			m.loopInterval.Store(int64(time.Duration(seconds * float64(time.Second))))
		}
		m.debug.Store(store.GetBool(ctx, settings.SystemNamespace, settings.KeyTaskDebug, false))
		logging.Debug().
			Float64("loop_interval_s", seconds).
			Bool("debug", m.debug.Load()).
			Msg("task runner settings reloaded")
	}

	hub.Subscribe(reload, settings.KeyTaskLoopInterval, settings.KeyTaskDebug)
	reload(settings.KeyTaskLoopInterval)
}
