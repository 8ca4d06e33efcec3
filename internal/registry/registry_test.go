// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
)

func int64Ptr(v int64) *int64 { return &v }

func TestContextRuleMatches(t *testing.T) {
	tests := []struct {
		name string
		rule ContextRule
		in   ContextInput
		want bool
	}{
		{
			name: "none matches anything",
			rule: ContextRule{Selection: SelectionNone},
			in:   ContextInput{Page: "scenes"},
			want: true,
		},
		{
			name: "page filter rejects other pages",
			rule: ContextRule{Pages: []string{"scenes"}, Selection: SelectionNone},
			in:   ContextInput{Page: "images"},
			want: false,
		},
		{
			name: "single via detail view",
			rule: ContextRule{Selection: SelectionSingle},
			in:   ContextInput{Page: "scenes", IsDetailView: true, EntityID: int64Ptr(7)},
			want: true,
		},
		{
			name: "single via one selected",
			rule: ContextRule{Selection: SelectionSingle},
			in:   ContextInput{Page: "scenes", SelectedIDs: []int64{7}},
			want: true,
		},
		{
			name: "single rejects two selected off detail view",
			rule: ContextRule{Selection: SelectionSingle},
			in:   ContextInput{Page: "scenes", SelectedIDs: []int64{7, 8}},
			want: false,
		},
		{
			name: "multi needs at least one",
			rule: ContextRule{Selection: SelectionMulti},
			in:   ContextInput{Page: "scenes"},
			want: false,
		},
		{
			name: "multi accepts several",
			rule: ContextRule{Selection: SelectionMulti},
			in:   ContextInput{Page: "scenes", SelectedIDs: []int64{1, 2, 3}},
			want: true,
		},
		{
			name: "page needs visible entities",
			rule: ContextRule{Selection: SelectionPage},
			in:   ContextInput{Page: "scenes"},
			want: false,
		},
		{
			name: "page accepts visible entities",
			rule: ContextRule{Selection: SelectionPage},
			in:   ContextInput{Page: "scenes", VisibleIDs: []int64{1, 2}},
			want: true,
		},
		{
			name: "entity type filter",
			rule: ContextRule{Selection: SelectionSingle, EntityTypes: []string{"scene"}},
			in:   ContextInput{Page: "images", IsDetailView: true, EntityType: "image"},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rule.Matches(tt.in); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func noopHandler() Handler {
	return HandlerFunc(func(ctx context.Context, uiContext, params json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
}

func TestActionRegistryResolve(t *testing.T) {
	r := NewActionRegistry()

	actions := []*Action{
		{
			ID: "tagger.tag_scene", Label: "Tag scene", Origin: "tagger",
			Contexts: []ContextRule{{Pages: []string{"scenes"}, Selection: SelectionSingle}},
			Handler:  noopHandler(),
		},
		{
			ID: "tagger.tag_page", Label: "Tag visible", Origin: "tagger",
			Contexts: []ContextRule{{Pages: []string{"scenes"}, Selection: SelectionPage}},
			Handler:  noopHandler(),
		},
		{
			ID: "curator.rescan", Label: "Rescan", Origin: "curator",
			Contexts: []ContextRule{{Selection: SelectionNone}},
			Handler:  noopHandler(),
		},
	}
	for _, a := range actions {
		if err := r.Register(a); err != nil {
			t.Fatalf("Register(%s): %v", a.ID, err)
		}
	}

	got := r.Resolve(ContextInput{Page: "scenes", IsDetailView: true})
	if len(got) != 2 {
		t.Fatalf("Resolve returned %d actions, want 2", len(got))
	}
	if got[0].ID != "curator.rescan" || got[1].ID != "tagger.tag_scene" {
		t.Errorf("Resolve order = [%s %s]", got[0].ID, got[1].ID)
	}

	removed := r.UnregisterByOrigin("tagger")
	if len(removed) != 2 {
		t.Fatalf("UnregisterByOrigin removed %d, want 2", len(removed))
	}
	if _, err := r.Get("tagger.tag_scene"); err != ErrActionNotFound {
		t.Errorf("Get after unregister: err = %v, want ErrActionNotFound", err)
	}
	if _, err := r.Get("curator.rescan"); err != nil {
		t.Errorf("other origin's action should survive: %v", err)
	}
}

func TestActionRegistryRejectsHandlerMismatch(t *testing.T) {
	r := NewActionRegistry()
	err := r.Register(&Action{ID: "x", Controller: true})
	if err == nil {
		t.Fatal("controller action without controller handler should fail")
	}
	err = r.Register(&Action{ID: "y"})
	if err == nil {
		t.Fatal("plain action without handler should fail")
	}
}

func TestRecommenderRegistry(t *testing.T) {
	r := NewRecommenderRegistry()

	rec := &Recommender{
		ID:       "tagger.similar",
		Label:    "Similar scenes",
		Contexts: []string{RecSimilarScene},
		ConfigSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"min_score": {"type": "number"}},
			"additionalProperties": false
		}`),
		SupportsPagination: true,
		NeedsSeedScenes:    true,
		Origin:             "tagger",
		Query: func(ctx context.Context, q RecommenderQuery) (*RecommenderResult, error) {
			return &RecommenderResult{Total: 1, HasMore: false}, nil
		},
	}
	if err := r.Register(rec); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := r.Lookup("tagger.similar", RecGlobalFeed); err != ErrRecommenderNotFound {
		t.Errorf("Lookup wrong context: err = %v, want ErrRecommenderNotFound", err)
	}
	if _, err := r.Lookup("tagger.similar", "nope"); err != ErrUnknownRecContext {
		t.Errorf("Lookup unknown context: err = %v, want ErrUnknownRecContext", err)
	}

	ctx := context.Background()
	_, err := r.RunQuery(ctx, "tagger.similar", RecommenderQuery{
		Context: RecSimilarScene,
	})
	if err == nil {
		t.Error("query without seeds should fail for needs_seed_scenes")
	}

	_, err = r.RunQuery(ctx, "tagger.similar", RecommenderQuery{
		Context:      RecSimilarScene,
		SeedSceneIDs: []int64{42},
		Config:       json.RawMessage(`{"min_score": "high"}`),
	})
	if err == nil {
		t.Error("query with schema-violating config should fail")
	}

	res, err := r.RunQuery(ctx, "tagger.similar", RecommenderQuery{
		Context:      RecSimilarScene,
		SeedSceneIDs: []int64{42},
		Config:       json.RawMessage(`{"min_score": 0.5}`),
	})
	if err != nil {
		t.Fatalf("valid query: %v", err)
	}
	if res.Total != 1 {
		t.Errorf("Total = %d, want 1", res.Total)
	}
}

func TestRecommenderRegistryRejectsUnknownContext(t *testing.T) {
	r := NewRecommenderRegistry()
	err := r.Register(&Recommender{
		ID:       "bad",
		Contexts: []string{"sidebar"},
		Query: func(ctx context.Context, q RecommenderQuery) (*RecommenderResult, error) {
			return nil, nil
		},
	})
	if err == nil {
		t.Fatal("registration with unknown context should fail")
	}
}

func TestServiceRegistryDefaults(t *testing.T) {
	actions := NewActionRegistry()
	r := NewServiceRegistry(actions)

	err := r.Register("tagger", ServiceConfig{Name: "tagger-svc"}, []*Action{
		{ID: "tagger.run", Label: "Run", Handler: noopHandler()},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	svc, err := r.Get("tagger-svc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if svc.Config.MaxConcurrency != 1 {
		t.Errorf("MaxConcurrency = %d, want 1", svc.Config.MaxConcurrency)
	}
	if got := r.MaxConcurrency("missing"); got != 1 {
		t.Errorf("MaxConcurrency(missing) = %d, want 1", got)
	}

	// Action was forwarded with the service name stamped on.
	action, err := actions.Get("tagger.run")
	if err != nil {
		t.Fatalf("forwarded action missing: %v", err)
	}
	if action.Service != "tagger-svc" {
		t.Errorf("action.Service = %q, want tagger-svc", action.Service)
	}

	res := r.CheckReady(context.Background(), "tagger-svc")
	if res.State != StateLocal {
		t.Errorf("local service state = %s, want local", res.State)
	}

	r.UnregisterByOrigin("tagger")
	if _, err := r.Get("tagger-svc"); err != ErrServiceNotFound {
		t.Errorf("Get after unregister: err = %v, want ErrServiceNotFound", err)
	}
	if _, err := actions.Get("tagger.run"); err != ErrActionNotFound {
		t.Errorf("forwarded action should be removed with its service")
	}
}

func TestReadinessProbe(t *testing.T) {
	var healthy bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if healthy {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := ServiceConfig{
		Name:                  "remote",
		ServerURL:             srv.URL,
		ReadyEndpoint:         "/ready",
		ReadinessCacheSeconds: 30,
		FailureBackoffSeconds: 60,
	}
	probe := newReadinessProbe(cfg, srv.Client())
	ctx := context.Background()

	res := probe.Check(ctx)
	if res.State != StateUnreachable {
		t.Fatalf("unhealthy probe state = %s, want unreachable", res.State)
	}
	if res.LastReadyFailure == nil {
		t.Error("LastReadyFailure should be set after a failed probe")
	}
	if res.Dispatchable() {
		t.Error("unreachable must not be dispatchable")
	}

	// Breaker is now open: the next check reports waiting without probing.
	healthy = true
	res = probe.Check(ctx)
	if res.State != StateWaiting {
		t.Fatalf("backoff probe state = %s, want waiting", res.State)
	}
}

func TestReadinessProbeCachesSuccess(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := ServiceConfig{
		Name:                  "remote",
		ServerURL:             srv.URL,
		ReadyEndpoint:         "/ready",
		ReadinessCacheSeconds: 300,
		FailureBackoffSeconds: 15,
	}
	probe := newReadinessProbe(cfg, srv.Client())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res := probe.Check(ctx)
		if res.State != StateReady {
			t.Fatalf("check %d state = %s, want ready", i, res.State)
		}
	}
	if calls != 1 {
		t.Errorf("probe endpoint hit %d times, want 1 (cached)", calls)
	}
}
