// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package stash

import (
	"context"
	"testing"
)

// countingClient records how many times each resolver hit the backend.
type countingClient struct {
	tagCalls       int
	performerCalls int
	ids            map[string]int64
}

func (c *countingClient) FindTagID(_ context.Context, name string) (*int64, error) {
	c.tagCalls++
	if id, ok := c.ids[name]; ok {
		return &id, nil
	}
	return nil, nil
}

func (c *countingClient) FindPerformerID(_ context.Context, name string) (*int64, error) {
	c.performerCalls++
	if id, ok := c.ids[name]; ok {
		return &id, nil
	}
	return nil, nil
}

func (c *countingClient) Ping(context.Context) error { return nil }

func TestCachingClientResolvesOncePerLabel(t *testing.T) {
	backend := &countingClient{ids: map[string]int64{"outdoor": 12}}
	client := NewCachingClient(backend, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id, err := client.FindTagID(ctx, "outdoor")
		if err != nil {
			t.Fatalf("FindTagID: %v", err)
		}
		if id == nil || *id != 12 {
			t.Fatalf("FindTagID = %v; want 12", id)
		}
	}
	if backend.tagCalls != 1 {
		t.Fatalf("backend tag calls = %d; want 1", backend.tagCalls)
	}
}

func TestCachingClientCachesMisses(t *testing.T) {
	backend := &countingClient{ids: map[string]int64{}}
	client := NewCachingClient(backend, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id, err := client.FindTagID(ctx, "unknown_label")
		if err != nil {
			t.Fatalf("FindTagID: %v", err)
		}
		if id != nil {
			t.Fatalf("FindTagID = %v; want nil for unknown label", id)
		}
	}
	if backend.tagCalls != 1 {
		t.Fatalf("backend tag calls = %d; want 1 (miss cached)", backend.tagCalls)
	}
}

func TestCachingClientInvalidate(t *testing.T) {
	backend := &countingClient{ids: map[string]int64{"alice": 3}}
	client := NewCachingClient(backend, nil)
	ctx := context.Background()

	if _, err := client.FindPerformerID(ctx, "alice"); err != nil {
		t.Fatalf("FindPerformerID: %v", err)
	}
	client.Invalidate()
	if _, err := client.FindPerformerID(ctx, "alice"); err != nil {
		t.Fatalf("FindPerformerID: %v", err)
	}
	if backend.performerCalls != 2 {
		t.Fatalf("backend performer calls = %d; want 2 after invalidate", backend.performerCalls)
	}
}
