// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

// Package aitagger is the built-in scene tagging plugin. It registers the
// ai_tagger service with one plain action that sends a scene to the remote
// model server and persists the returned detections, one controller action
// that fans a whole page of scenes out into child tasks, and a
// frequently-watched recommender backed by the derived view counters.
//
// Like every plugin, its executable hooks are compiled in and bound by name;
// the plugins/ai_tagger directory on disk carries the manifest, settings
// schema, and migrations that drive its lifecycle.
package aitagger

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/pmelling/tagsmith/internal/airesults"
	"github.com/pmelling/tagsmith/internal/models"
	"github.com/pmelling/tagsmith/internal/plugin"
	"github.com/pmelling/tagsmith/internal/registry"
	"github.com/pmelling/tagsmith/internal/task"
)

// PluginName is the manifest name this package's hooks bind to.
const PluginName = "ai_tagger"

// Plugin setting keys, declared in plugins/ai_tagger/plugin.yml.
const (
	KeyServerURL      = "AI_SERVER_URL"
	KeyFrameInterval  = "FRAME_INTERVAL"
	KeyMaxConcurrency = "MAX_CONCURRENCY"
)

func init() {
	plugin.RegisterHooks(PluginName, plugin.Hooks{Register: register})
}

type tagger struct {
	bundle *plugin.Bundle
	client *http.Client
}

func register(ctx context.Context, origin string, b *plugin.Bundle) error {
	t := &tagger{
		bundle: b,
		// Model inference is slow; the per-request deadline comes from the
		// task's cancel context, this is only a hard ceiling.
		client: &http.Client{Timeout: 10 * time.Minute},
	}

	serverURL := b.Settings.GetString(ctx, PluginName, KeyServerURL, "")
	maxConcurrency := int(b.Settings.GetFloat(ctx, PluginName, KeyMaxConcurrency, 2))

	svc := registry.ServiceConfig{
		Name:           PluginName,
		MaxConcurrency: maxConcurrency,
		ServerURL:      serverURL,
		ReadyEndpoint:  "/ready",
	}
	actions := []*registry.Action{
		{
			ID:    "ai_tagger.tag_scene",
			Label: "Tag scene",
			Kind:  registry.ResultDialog,
			Contexts: []registry.ContextRule{
				{Pages: []string{"scenes"}, Selection: registry.SelectionSingle, EntityTypes: []string{models.EntityScene}},
			},
			Handler: registry.HandlerFunc(t.tagScene),
		},
		{
			ID:    "ai_tagger.tag_page",
			Label: "Tag visible scenes",
			Kind:  registry.ResultVoid,
			Contexts: []registry.ContextRule{
				{Pages: []string{"scenes"}, Selection: registry.SelectionPage},
			},
			Controller:        true,
			ControllerHandler: registry.ControllerFunc(t.tagPage),
		},
	}
	if err := b.Services.Register(origin, svc, actions); err != nil {
		return err
	}

	return b.Recommenders.Register(&registry.Recommender{
		ID:       "frequently_watched",
		Label:    "Frequently watched",
		Contexts: []string{registry.RecGlobalFeed},
		ConfigSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"min_views": {"type": "integer", "minimum": 1}
			},
			"additionalProperties": false
		}`),
		SupportsPagination: true,
		Query:              t.frequentlyWatched,
		Origin:             origin,
	})
}

// tagParams are the accepted params of both actions.
type tagParams struct {
	SceneID       int64    `json:"scene_id,omitempty"`
	Models        []string `json:"models,omitempty"`
	FrameInterval float64  `json:"frame_interval,omitempty"`
}

// tagScene sends one scene to the model server and persists the run. The
// scene id comes from params, falling back to the UI context's entity.
func (t *tagger) tagScene(ctx context.Context, uiContext, params json.RawMessage) (json.RawMessage, error) {
	var p tagParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("malformed params: %w", err)
		}
	}
	sceneID := p.SceneID
	if sceneID == 0 {
		var in registry.ContextInput
		if len(uiContext) > 0 {
			if err := json.Unmarshal(uiContext, &in); err == nil {
				switch {
				case in.EntityID != nil:
					sceneID = *in.EntityID
				case len(in.SelectedIDs) == 1:
					sceneID = in.SelectedIDs[0]
				}
			}
		}
	}
	if sceneID == 0 {
		return nil, fmt.Errorf("no scene id in params or context")
	}

	if p.FrameInterval <= 0 {
		p.FrameInterval = t.bundle.Settings.GetFloat(ctx, PluginName, KeyFrameInterval, 2.0)
	}

	payload, err := t.processScene(ctx, sceneID, &p)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		// Cancelled mid-flight; do not persist a partial run.
		return nil, err
	}

	runID, err := t.bundle.Results.StoreSceneRun(ctx, PluginName, PluginName, sceneID,
		params, payload, requestedModels(p.Models), t.resolveReference)
	if err != nil {
		return nil, fmt.Errorf("failed to persist scene run: %w", err)
	}

	return json.Marshal(map[string]any{"run_id": runID, "scene_id": sceneID})
}

// tagPage spawns one child tag_scene task per visible scene. The parent is a
// controller: it holds no concurrency slot while its children queue.
func (t *tagger) tagPage(ctx context.Context, uiContext, params json.RawMessage, parent *models.TaskRecord) (json.RawMessage, error) {
	var in registry.ContextInput
	if err := json.Unmarshal(uiContext, &in); err != nil {
		return nil, fmt.Errorf("malformed context: %w", err)
	}
	if len(in.VisibleIDs) == 0 {
		return nil, fmt.Errorf("no visible scenes in context")
	}

	var spawned []string
	for _, sceneID := range in.VisibleIDs {
		if err := ctx.Err(); err != nil {
			break
		}
		childParams, _ := json.Marshal(tagParams{SceneID: sceneID})
		child, err := t.bundle.Tasks.Submit(ctx, task.Submission{
			ActionID: "ai_tagger.tag_scene",
			Context:  uiContext,
			Params:   childParams,
			Priority: models.PriorityLow,
			GroupID:  parent.ID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to spawn child for scene %d: %w", sceneID, err)
		}
		spawned = append(spawned, child.ID)
	}
	return json.Marshal(map[string]any{"children": spawned})
}

// processScene calls the model server's scene endpoint and decodes the
// detection payload.
func (t *tagger) processScene(ctx context.Context, sceneID int64, p *tagParams) (*airesults.ScenePayload, error) {
	serverURL := strings.TrimRight(t.bundle.Settings.GetString(ctx, PluginName, KeyServerURL, ""), "/")
	if serverURL == "" {
		return nil, fmt.Errorf("%s is not configured", KeyServerURL)
	}

	body, err := json.Marshal(map[string]any{
		"scene_id":       sceneID,
		"models":         p.Models,
		"frame_interval": p.FrameInterval,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL+"/process_scene", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model server request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model server returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, err
	}
	var payload airesults.ScenePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("malformed model server response: %w", err)
	}
	if payload.FrameInterval == 0 {
		payload.FrameInterval = p.FrameInterval
	}
	return &payload, nil
}

// resolveReference maps detection labels onto Stash ids: performer categories
// resolve against performers, everything else against tags. Resolution
// failures degrade to unresolved references rather than failing the run.
func (t *tagger) resolveReference(ctx context.Context, label, category string) (*int64, error) {
	if t.bundle.Stash == nil {
		return nil, nil
	}
	if category == "performers" {
		id, err := t.bundle.Stash.FindPerformerID(ctx, label)
		if err != nil {
			return nil, nil //nolint:nilerr // unresolved is acceptable
		}
		return id, nil
	}
	id, err := t.bundle.Stash.FindTagID(ctx, label)
	if err != nil {
		return nil, nil //nolint:nilerr // unresolved is acceptable
	}
	return id, nil
}

// requestedModels turns the requested model names into run metadata rows.
func requestedModels(names []string) []airesults.RequestedModel {
	out := make([]airesults.RequestedModel, 0, len(names))
	for _, name := range names {
		out = append(out, airesults.RequestedModel{Name: name})
	}
	return out
}

// frequentlyWatched pages scenes by derived view count.
func (t *tagger) frequentlyWatched(ctx context.Context, q registry.RecommenderQuery) (*registry.RecommenderResult, error) {
	var cfg struct {
		MinViews int64 `json:"min_views"`
	}
	if len(q.Config) > 0 {
		if err := json.Unmarshal(q.Config, &cfg); err != nil {
			return nil, fmt.Errorf("malformed config: %w", err)
		}
	}

	rows, total, err := t.bundle.DB.TopViewedScenes(ctx, q.Limit, q.Offset)
	if err != nil {
		return nil, err
	}

	result := &registry.RecommenderResult{Total: total, Scenes: []json.RawMessage{}}
	for _, row := range rows {
		if row.ViewCount < cfg.MinViews {
			continue
		}
		scene, err := json.Marshal(map[string]any{
			"id":             row.EntityID,
			"view_count":     row.ViewCount,
			"last_viewed_at": row.LastViewedAt,
		})
		if err != nil {
			return nil, err
		}
		result.Scenes = append(result.Scenes, scene)
	}
	result.HasMore = q.Offset+len(rows) < total
	return result, nil
}
