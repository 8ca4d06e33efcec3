// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/goccy/go-json"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

func bytesReader(raw []byte) io.Reader { return bytes.NewReader(raw) }

// Recommendation contexts form a closed set; registrations outside it are
// rejected.
const (
	RecGlobalFeed    = "global_feed"
	RecSimilarScene  = "similar_scene"
	RecSimilarImage  = "similar_image"
	RecPerformerFeed = "performer_feed"
	RecTagFeed       = "tag_feed"
)

var recContexts = map[string]bool{
	RecGlobalFeed:    true,
	RecSimilarScene:  true,
	RecSimilarImage:  true,
	RecPerformerFeed: true,
	RecTagFeed:       true,
}

// Recommender registry errors.
var (
	ErrRecommenderNotFound = errors.New("recommender not found")
	ErrUnknownRecContext   = errors.New("unknown recommendation context")
	ErrInvalidRecConfig    = errors.New("recommender config failed schema validation")
)

// RecommenderQuery is one query against a recommender.
type RecommenderQuery struct {
	Context      string          `json:"context"`
	SeedSceneIDs []int64         `json:"seedSceneIds,omitempty"`
	Config       json.RawMessage `json:"config,omitempty"`
	Limit        int             `json:"limit"`
	Offset       int             `json:"offset"`
}

// RecommenderResult is the page a recommender returns.
type RecommenderResult struct {
	Scenes  []json.RawMessage `json:"scenes"`
	Total   int               `json:"total"`
	HasMore bool              `json:"has_more"`
}

// RecommenderFunc produces one page of recommendations.
type RecommenderFunc func(ctx context.Context, q RecommenderQuery) (*RecommenderResult, error)

// Recommender is one registered recommendation strategy.
type Recommender struct {
	ID       string   `json:"id"`
	Label    string   `json:"label"`
	Contexts []string `json:"contexts"`

	// ConfigSchema is an optional JSON Schema the query config is validated
	// against before dispatch.
	ConfigSchema json.RawMessage `json:"config_schema,omitempty"`

	SupportsPagination bool `json:"supports_pagination"`
	ExposesScores      bool `json:"exposes_scores"`
	NeedsSeedScenes    bool `json:"needs_seed_scenes"`
	AllowsMultiSeed    bool `json:"allows_multi_seed"`

	Query  RecommenderFunc `json:"-"`
	Origin string          `json:"-"`

	schema *jsonschema.Schema
}

// RecommenderRegistry maps recommender ids to strategies, with lookup
// filtered by recommendation context. Safe for concurrent use.
type RecommenderRegistry struct {
	mu           sync.RWMutex
	recommenders map[string]*Recommender
}

// NewRecommenderRegistry creates an empty recommender registry.
func NewRecommenderRegistry() *RecommenderRegistry {
	return &RecommenderRegistry{recommenders: make(map[string]*Recommender)}
}

// Register adds or replaces a recommender, compiling its config schema.
func (r *RecommenderRegistry) Register(rec *Recommender) error {
	if rec.ID == "" {
		return fmt.Errorf("recommender id is required")
	}
	if rec.Query == nil {
		return fmt.Errorf("recommender %s has no query function", rec.ID)
	}
	if len(rec.Contexts) == 0 {
		return fmt.Errorf("recommender %s declares no contexts", rec.ID)
	}
	for _, c := range rec.Contexts {
		if !recContexts[c] {
			return fmt.Errorf("recommender %s: %w: %s", rec.ID, ErrUnknownRecContext, c)
		}
	}
	if len(rec.ConfigSchema) > 0 {
		schema, err := compileConfigSchema(rec.ID, rec.ConfigSchema)
		if err != nil {
			return err
		}
		rec.schema = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.recommenders[rec.ID] = rec
	return nil
}

func compileConfigSchema(id string, raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytesReader(raw))
	if err != nil {
		return nil, fmt.Errorf("recommender %s: config schema is not valid JSON: %w", id, err)
	}
	compiler := jsonschema.NewCompiler()
	resource := fmt.Sprintf("tagsmith://recommenders/%s/config.json", id)
	if err := compiler.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("recommender %s: failed to add config schema: %w", id, err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("recommender %s: config schema does not compile: %w", id, err)
	}
	return schema, nil
}

// Lookup returns the recommender by id, restricted to recommenders declaring
// the given context.
func (r *RecommenderRegistry) Lookup(id, recContext string) (*Recommender, error) {
	if !recContexts[recContext] {
		return nil, ErrUnknownRecContext
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.recommenders[id]
	if !ok {
		return nil, ErrRecommenderNotFound
	}
	if !containsString(rec.Contexts, recContext) {
		return nil, ErrRecommenderNotFound
	}
	return rec, nil
}

// ListByContext returns all recommenders declaring the given context,
// ordered by id.
func (r *RecommenderRegistry) ListByContext(recContext string) ([]*Recommender, error) {
	if !recContexts[recContext] {
		return nil, ErrUnknownRecContext
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Recommender
	for _, rec := range r.recommenders {
		if containsString(rec.Contexts, recContext) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RunQuery validates the config against the recommender's schema, clamps the
// page, and dispatches.
func (r *RecommenderRegistry) RunQuery(ctx context.Context, id string, q RecommenderQuery) (*RecommenderResult, error) {
	rec, err := r.Lookup(id, q.Context)
	if err != nil {
		return nil, err
	}
	if rec.NeedsSeedScenes && len(q.SeedSceneIDs) == 0 {
		return nil, fmt.Errorf("recommender %s requires seed scenes", id)
	}
	if !rec.AllowsMultiSeed && len(q.SeedSceneIDs) > 1 {
		q.SeedSceneIDs = q.SeedSceneIDs[:1]
	}
	if rec.schema != nil && len(q.Config) > 0 {
		doc, err := jsonschema.UnmarshalJSON(bytesReader(q.Config))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRecConfig, err)
		}
		if err := rec.schema.Validate(doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRecConfig, err)
		}
	}
	if q.Limit <= 0 || q.Limit > 200 {
		q.Limit = 40
	}
	if q.Offset < 0 || !rec.SupportsPagination {
		q.Offset = 0
	}
	return rec.Query(ctx, q)
}

// UnregisterByOrigin removes every recommender registered by the given
// plugin. Returns the removed ids.
func (r *RecommenderRegistry) UnregisterByOrigin(origin string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, rec := range r.recommenders {
		if rec.Origin == origin {
			delete(r.recommenders, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}
