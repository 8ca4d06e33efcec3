// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/pmelling/tagsmith/internal/config"
	"github.com/pmelling/tagsmith/internal/models"
	"github.com/pmelling/tagsmith/internal/registry"
)

type fakeServices struct {
	maxConcurrency int
	ready          bool
}

func (f *fakeServices) MaxConcurrency(string) int { return f.maxConcurrency }

func (f *fakeServices) CheckReady(context.Context, string) registry.ReadinessResult {
	if f.ready {
		return registry.ReadinessResult{State: registry.StateLocal}
	}
	return registry.ReadinessResult{State: registry.StateWaiting}
}

func testTasksConfig() config.TasksConfig {
	return config.TasksConfig{
		LoopInterval:        time.Millisecond,
		HistoryRetentionCap: 600,
		HistoryPruneTo:      500,
	}
}

func newTestManager(t *testing.T, services ServiceDirectory, handler Handler) (*Manager, *registry.ActionRegistry) {
	t.Helper()
	actions := registry.NewActionRegistry()
	if handler != nil {
		if err := actions.Register(&registry.Action{
			ID:       "svc.work",
			Label:    "Work",
			Service:  "svc",
			Contexts: []registry.ContextRule{{Selection: registry.SelectionNone}},
			Handler:  handler,
		}); err != nil {
			t.Fatalf("register action: %v", err)
		}
	}
	return NewManager(nil, actions, services, testTasksConfig()), actions
}

// Handler aliases the registry type for test readability.
type Handler = registry.Handler

func waitTerminal(t *testing.T, m *Manager, ids ...string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		done := true
		for _, id := range ids {
			task, err := m.Get(id)
			if err != nil {
				t.Fatalf("Get(%s): %v", id, err)
			}
			if !task.Status.Terminal() {
				done = false
			}
		}
		if done {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("tasks did not reach a terminal state")
		}
		m.dispatch(context.Background())
		time.Sleep(2 * time.Millisecond)
	}
}

func TestDispatchOrderByPriority(t *testing.T) {
	var mu sync.Mutex
	var order []string

	handler := registry.HandlerFunc(func(ctx context.Context, uiContext, params json.RawMessage) (json.RawMessage, error) {
		var p struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(params, &p)
		mu.Lock()
		order = append(order, p.Name)
		mu.Unlock()
		return nil, nil
	})

	m, _ := newTestManager(t, &fakeServices{maxConcurrency: 1, ready: true}, handler)

	var ids []string
	for _, sub := range []struct {
		name     string
		priority models.TaskPriority
	}{
		{"low", models.PriorityLow},
		{"high", models.PriorityHigh},
		{"normal", models.PriorityNormal},
	} {
		record, err := m.Submit(context.Background(), Submission{
			ActionID: "svc.work",
			Params:   json.RawMessage(`{"name":"` + sub.name + `"}`),
			Priority: sub.priority,
		})
		if err != nil {
			t.Fatalf("Submit(%s): %v", sub.name, err)
		}
		ids = append(ids, record.ID)
	}

	waitTerminal(t, m, ids...)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"high", "normal", "low"}
	if len(order) != 3 {
		t.Fatalf("ran %d tasks, want 3", len(order))
	}
	for i, name := range want {
		if order[i] != name {
			t.Errorf("dispatch order[%d] = %s, want %s (full order %v)", i, order[i], name, order)
		}
	}
}

func TestConcurrencyLimitHoldsOne(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var concurrent, peak int

	handler := registry.HandlerFunc(func(ctx context.Context, uiContext, params json.RawMessage) (json.RawMessage, error) {
		mu.Lock()
		concurrent++
		if concurrent > peak {
			peak = concurrent
		}
		mu.Unlock()
		<-release
		mu.Lock()
		concurrent--
		mu.Unlock()
		return nil, nil
	})

	m, _ := newTestManager(t, &fakeServices{maxConcurrency: 1, ready: true}, handler)

	var ids []string
	for i := 0; i < 5; i++ {
		record, err := m.Submit(context.Background(), Submission{ActionID: "svc.work"})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		ids = append(ids, record.ID)
	}

	for i := 0; i < 10; i++ {
		m.dispatch(context.Background())
		time.Sleep(2 * time.Millisecond)
	}
	close(release)
	waitTerminal(t, m, ids...)

	mu.Lock()
	defer mu.Unlock()
	if peak != 1 {
		t.Errorf("peak concurrency = %d, want 1", peak)
	}
}

func TestReadinessGateLeavesTasksQueued(t *testing.T) {
	handler := registry.HandlerFunc(func(ctx context.Context, uiContext, params json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	services := &fakeServices{maxConcurrency: 1, ready: false}
	m, _ := newTestManager(t, services, handler)

	record, err := m.Submit(context.Background(), Submission{ActionID: "svc.work"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	for i := 0; i < 5; i++ {
		m.dispatch(context.Background())
	}
	got, _ := m.Get(record.ID)
	if got.Status != models.TaskQueued {
		t.Fatalf("task status = %s while service not ready, want queued", got.Status)
	}

	services.ready = true
	waitTerminal(t, m, record.ID)
	got, _ = m.Get(record.ID)
	if got.Status != models.TaskCompleted {
		t.Errorf("task status = %s after readiness, want completed", got.Status)
	}
}

func TestFindDuplicate(t *testing.T) {
	handler := registry.HandlerFunc(func(ctx context.Context, uiContext, params json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	m, _ := newTestManager(t, &fakeServices{maxConcurrency: 1, ready: true}, handler)

	_, err := m.Submit(context.Background(), Submission{
		ActionID: "svc.work",
		Context:  json.RawMessage(`{"page":"scenes","entityId":7,"unused":null}`),
		Params:   json.RawMessage(`{"b":2,"a":1}`),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Same semantics: different key order, null field dropped.
	dup := m.FindDuplicate("svc.work",
		json.RawMessage(`{"entityId":7,"page":"scenes"}`),
		json.RawMessage(`{"a":1,"b":2}`))
	if dup == nil {
		t.Fatal("expected duplicate for semantically equal submission")
	}

	if m.FindDuplicate("svc.work",
		json.RawMessage(`{"entityId":8,"page":"scenes"}`),
		json.RawMessage(`{"a":1,"b":2}`)) != nil {
		t.Error("different context must not count as duplicate")
	}
}

func TestCancelCascadesToGroup(t *testing.T) {
	handler := registry.HandlerFunc(func(ctx context.Context, uiContext, params json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	m, _ := newTestManager(t, &fakeServices{maxConcurrency: 1, ready: true}, handler)

	var events []string
	var emu sync.Mutex
	m.AddListener(func(event string, task *models.TaskRecord) {
		emu.Lock()
		events = append(events, event)
		emu.Unlock()
	})

	parent, err := m.Submit(context.Background(), Submission{ActionID: "svc.work"})
	if err != nil {
		t.Fatalf("Submit parent: %v", err)
	}
	var children []string
	for i := 0; i < 2; i++ {
		child, err := m.Submit(context.Background(), Submission{
			ActionID: "svc.work",
			GroupID:  parent.ID,
		})
		if err != nil {
			t.Fatalf("Submit child: %v", err)
		}
		children = append(children, child.ID)
	}

	if !m.Cancel(parent.ID) {
		t.Fatal("Cancel returned false for a queued task")
	}

	for _, id := range append([]string{parent.ID}, children...) {
		got, _ := m.Get(id)
		if got.Status != models.TaskCancelled {
			t.Errorf("task %s status = %s, want cancelled", id, got.Status)
		}
	}
	if m.Cancel(parent.ID) {
		t.Error("second Cancel on a terminal task should return false")
	}

	emu.Lock()
	defer emu.Unlock()
	var cancelled int
	for _, e := range events {
		if e == EventCancelled {
			cancelled++
		}
	}
	if cancelled != 3 {
		t.Errorf("cancelled events = %d, want 3", cancelled)
	}
}

func TestCancelRunningIsCooperative(t *testing.T) {
	started := make(chan struct{})
	handler := registry.HandlerFunc(func(ctx context.Context, uiContext, params json.RawMessage) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	m, _ := newTestManager(t, &fakeServices{maxConcurrency: 1, ready: true}, handler)

	record, err := m.Submit(context.Background(), Submission{ActionID: "svc.work"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	m.dispatch(context.Background())
	<-started

	if !m.Cancel(record.ID) {
		t.Fatal("Cancel returned false for a running task")
	}
	waitTerminal(t, m, record.ID)
	got, _ := m.Get(record.ID)
	if got.Status != models.TaskCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
}

func TestFailedHandlerRecordsError(t *testing.T) {
	handler := registry.HandlerFunc(func(ctx context.Context, uiContext, params json.RawMessage) (json.RawMessage, error) {
		return nil, errBoom
	})
	m, _ := newTestManager(t, &fakeServices{maxConcurrency: 1, ready: true}, handler)

	record, err := m.Submit(context.Background(), Submission{ActionID: "svc.work"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitTerminal(t, m, record.ID)
	got, _ := m.Get(record.ID)
	if got.Status != models.TaskFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.Error != errBoom.Error() {
		t.Errorf("error = %q, want %q", got.Error, errBoom.Error())
	}
}

var errBoom = errTest("model server exploded")

type errTest string

func (e errTest) Error() string { return string(e) }

func TestFingerprintCanonicalization(t *testing.T) {
	tests := []struct {
		name  string
		a, b  json.RawMessage
		equal bool
	}{
		{
			name:  "key order irrelevant",
			a:     json.RawMessage(`{"a":1,"b":"x"}`),
			b:     json.RawMessage(`{"b":"x","a":1}`),
			equal: true,
		},
		{
			name:  "nulls dropped",
			a:     json.RawMessage(`{"a":1,"gone":null}`),
			b:     json.RawMessage(`{"a":1}`),
			equal: true,
		},
		{
			name:  "whitespace irrelevant",
			a:     json.RawMessage(`{ "a": 1 }`),
			b:     json.RawMessage(`{"a":1}`),
			equal: true,
		},
		{
			name:  "different values differ",
			a:     json.RawMessage(`{"a":1}`),
			b:     json.RawMessage(`{"a":2}`),
			equal: false,
		},
		{
			name:  "array order significant",
			a:     json.RawMessage(`{"ids":[1,2]}`),
			b:     json.RawMessage(`{"ids":[2,1]}`),
			equal: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Fingerprint(tt.a) == Fingerprint(tt.b)
			if got != tt.equal {
				t.Errorf("fingerprint equality = %v, want %v", got, tt.equal)
			}
		})
	}
	if Fingerprint(nil) != "" {
		t.Error("empty input should fingerprint to empty string")
	}
}
