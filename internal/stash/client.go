// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

// Package stash is the client for the external Stash media catalog. Tagsmith
// treats Stash as a collaborator: it resolves detection labels to tag ids and
// answers health checks; it never owns Stash data.
package stash

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/pmelling/tagsmith/internal/logging"
	"github.com/pmelling/tagsmith/internal/refresh"
	"github.com/pmelling/tagsmith/internal/settings"
)

// ErrNotConfigured is returned when no Stash URL has been set.
var ErrNotConfigured = errors.New("stash connection not configured")

// Client resolves references against the Stash catalog.
type Client interface {
	// FindTagID resolves a tag name to its Stash id, nil when unknown.
	FindTagID(ctx context.Context, name string) (*int64, error)

	// FindPerformerID resolves a performer name to its Stash id, nil when
	// unknown.
	FindPerformerID(ctx context.Context, name string) (*int64, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error
}

// HTTPClient talks to Stash's GraphQL endpoint. URL and API key live in the
// system settings store and reload on change.
type HTTPClient struct {
	store  *settings.Store
	client *http.Client

	mu     sync.RWMutex
	url    string
	apiKey string
}

// NewHTTPClient creates a Stash client bound to the settings store. It
// subscribes to the connection settings so writes take effect immediately.
func NewHTTPClient(store *settings.Store, hub *refresh.Hub) *HTTPClient {
	c := &HTTPClient{
		store:  store,
		client: &http.Client{Timeout: 15 * time.Second},
	}
	reload := func(string) { c.reload() }
	if hub != nil {
		hub.Subscribe(reload, settings.KeyStashURL, settings.KeyStashAPIKey)
	}
	c.reload()
	return c
}

func (c *HTTPClient) reload() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := c.store.GetString(ctx, settings.SystemNamespace, settings.KeyStashURL, "")
	apiKey := c.store.GetString(ctx, settings.SystemNamespace, settings.KeyStashAPIKey, "")

	c.mu.Lock()
	changed := url != c.url
	c.url = url
	c.apiKey = apiKey
	c.mu.Unlock()

	if changed {
		logging.Info().Str("url", url).Msg("stash connection reconfigured")
	}
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

func (c *HTTPClient) execute(ctx context.Context, query string, variables map[string]any, out any) error {
	c.mu.RLock()
	url := c.url
	apiKey := c.apiKey
	c.mu.RUnlock()
	if url == "" {
		return ErrNotConfigured
	}

	body, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/graphql", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("ApiKey", apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("stash request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stash returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("malformed stash response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("stash query failed: %s", envelope.Errors[0].Message)
	}
	return json.Unmarshal(envelope.Data, out)
}

const findTagsQuery = `query FindTags($name: String!) {
  findTags(tag_filter: { name: { value: $name, modifier: EQUALS } }) {
    tags { id name }
  }
}`

// FindTagID implements Client.
func (c *HTTPClient) FindTagID(ctx context.Context, name string) (*int64, error) {
	var data struct {
		FindTags struct {
			Tags []struct {
				ID string `json:"id"`
			} `json:"tags"`
		} `json:"findTags"`
	}
	if err := c.execute(ctx, findTagsQuery, map[string]any{"name": name}, &data); err != nil {
		return nil, err
	}
	if len(data.FindTags.Tags) == 0 {
		return nil, nil
	}
	id, err := strconv.ParseInt(data.FindTags.Tags[0].ID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("stash returned non-numeric tag id %q", data.FindTags.Tags[0].ID)
	}
	return &id, nil
}

const findPerformersQuery = `query FindPerformers($name: String!) {
  findPerformers(performer_filter: { name: { value: $name, modifier: EQUALS } }) {
    performers { id name }
  }
}`

// FindPerformerID implements Client.
func (c *HTTPClient) FindPerformerID(ctx context.Context, name string) (*int64, error) {
	var data struct {
		FindPerformers struct {
			Performers []struct {
				ID string `json:"id"`
			} `json:"performers"`
		} `json:"findPerformers"`
	}
	if err := c.execute(ctx, findPerformersQuery, map[string]any{"name": name}, &data); err != nil {
		return nil, err
	}
	if len(data.FindPerformers.Performers) == 0 {
		return nil, nil
	}
	id, err := strconv.ParseInt(data.FindPerformers.Performers[0].ID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("stash returned non-numeric performer id %q", data.FindPerformers.Performers[0].ID)
	}
	return &id, nil
}

// Ping implements Client.
func (c *HTTPClient) Ping(ctx context.Context) error {
	var data struct {
		Version struct {
			Version string `json:"version"`
		} `json:"version"`
	}
	return c.execute(ctx, `query Version { version { version } }`, nil, &data)
}
