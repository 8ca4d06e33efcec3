// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package cache

import (
	"fmt"
	"testing"
	"time"
)

func TestLRUAddGet(t *testing.T) {
	c := NewLRU[int64](4, time.Minute)

	if _, ok := c.Get("missing"); ok {
		t.Fatal("expected miss on empty cache")
	}

	c.Add("a", 1)
	c.Add("b", 2)

	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("Get(a) = %d, %v; want 1, true", v, ok)
	}
	if v, ok := c.Get("b"); !ok || v != 2 {
		t.Fatalf("Get(b) = %d, %v; want 2, true", v, ok)
	}

	hits, misses := c.Stats()
	if hits != 2 || misses != 1 {
		t.Fatalf("stats = %d hits, %d misses; want 2, 1", hits, misses)
	}
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRU[int](3, time.Minute)
	c.Add("a", 1)
	c.Add("b", 2)
	c.Add("c", 3)

	// Touch a so b becomes the eviction candidate.
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected hit on a")
	}
	c.Add("d", 4)

	if _, ok := c.Get("b"); ok {
		t.Fatal("expected b to be evicted")
	}
	for _, key := range []string{"a", "c", "d"} {
		if _, ok := c.Get(key); !ok {
			t.Fatalf("expected %s to survive eviction", key)
		}
	}
}

func TestLRUOverwriteKeepsSingleEntry(t *testing.T) {
	c := NewLRU[string](2, time.Minute)
	c.Add("k", "old")
	c.Add("k", "new")

	if c.Len() != 1 {
		t.Fatalf("Len() = %d; want 1", c.Len())
	}
	if v, _ := c.Get("k"); v != "new" {
		t.Fatalf("Get(k) = %q; want new", v)
	}
}

func TestLRUTTLExpiry(t *testing.T) {
	c := NewLRU[int](4, 10*time.Millisecond)
	c.Add("a", 1)

	time.Sleep(25 * time.Millisecond)

	if _, ok := c.Get("a"); ok {
		t.Fatal("expected expired entry to miss")
	}
	if c.Len() != 0 {
		t.Fatalf("Len() = %d after lazy expiry; want 0", c.Len())
	}
}

func TestLRUInvalidate(t *testing.T) {
	c := NewLRU[int](8, time.Minute)
	for i := 0; i < 5; i++ {
		c.Add(fmt.Sprintf("k%d", i), i)
	}

	c.Invalidate()

	if c.Len() != 0 {
		t.Fatalf("Len() = %d after Invalidate; want 0", c.Len())
	}
	// The cache still works after a clear.
	c.Add("x", 42)
	if v, ok := c.Get("x"); !ok || v != 42 {
		t.Fatalf("Get(x) = %d, %v; want 42, true", v, ok)
	}
}

func TestLRUCapacityFloor(t *testing.T) {
	c := NewLRU[int](0, time.Minute)
	for i := 0; i < 100; i++ {
		c.Add(fmt.Sprintf("k%d", i), i)
	}
	if c.Len() != 100 {
		t.Fatalf("Len() = %d; default capacity should hold 100 entries", c.Len())
	}
}
