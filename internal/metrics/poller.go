// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package metrics

import (
	"context"
	"time"
)

// QueueSampler is the slice of the task manager the poller reads.
type QueueSampler interface {
	QueueDepths() map[string]int
	RunningCounts() map[string]int
}

// Poller samples queue gauges on an interval, run as a supervised service.
type Poller struct {
	sampler  QueueSampler
	interval time.Duration
	started  time.Time
}

// NewPoller creates the gauge sampling service.
func NewPoller(sampler QueueSampler, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{sampler: sampler, interval: interval, started: time.Now()}
}

// Serve implements suture.Service.
func (p *Poller) Serve(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			UpdateQueueGauges(p.sampler.QueueDepths(), p.sampler.RunningCounts())
			AppUptime.Set(time.Since(p.started).Seconds())
		}
	}
}

// String names the service in supervisor logs.
func (p *Poller) String() string { return "metrics-poller" }
