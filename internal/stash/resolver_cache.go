// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package stash

import (
	"context"
	"time"

	"github.com/pmelling/tagsmith/internal/cache"
	"github.com/pmelling/tagsmith/internal/refresh"
	"github.com/pmelling/tagsmith/internal/settings"
)

// CachingClient wraps a Client with LRU caches over tag and performer name
// resolution. AI result stores resolve the same labels for every scene in a
// batch; caching keeps that to one Stash round-trip per label. Misses (nil
// ids) are cached too, so unknown labels do not hammer the catalog.
//
// The caches clear when the Stash connection settings change: ids from one
// Stash instance mean nothing on another.
type CachingClient struct {
	inner Client

	tags       *cache.LRU[*int64]
	performers *cache.LRU[*int64]
}

// NewCachingClient wraps inner with resolution caches and subscribes their
// invalidation to the connection settings keys.
func NewCachingClient(inner Client, hub *refresh.Hub) *CachingClient {
	c := &CachingClient{
		inner:      inner,
		tags:       cache.NewLRU[*int64](4096, 15*time.Minute),
		performers: cache.NewLRU[*int64](4096, 15*time.Minute),
	}
	if hub != nil {
		hub.Subscribe(func(string) { c.Invalidate() },
			settings.KeyStashURL, settings.KeyStashAPIKey)
	}
	return c
}

// Invalidate clears both resolution caches.
func (c *CachingClient) Invalidate() {
	c.tags.Invalidate()
	c.performers.Invalidate()
}

// FindTagID implements Client.
func (c *CachingClient) FindTagID(ctx context.Context, name string) (*int64, error) {
	if id, ok := c.tags.Get(name); ok {
		return id, nil
	}
	id, err := c.inner.FindTagID(ctx, name)
	if err != nil {
		return nil, err
	}
	c.tags.Add(name, id)
	return id, nil
}

// FindPerformerID implements Client.
func (c *CachingClient) FindPerformerID(ctx context.Context, name string) (*int64, error) {
	if id, ok := c.performers.Get(name); ok {
		return id, nil
	}
	id, err := c.inner.FindPerformerID(ctx, name)
	if err != nil {
		return nil, err
	}
	c.performers.Add(name, id)
	return id, nil
}

// Ping implements Client. Health checks are never cached.
func (c *CachingClient) Ping(ctx context.Context) error {
	return c.inner.Ping(ctx)
}
