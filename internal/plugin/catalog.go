// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package plugin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/pmelling/tagsmith/internal/config"
	"github.com/pmelling/tagsmith/internal/database"
	"github.com/pmelling/tagsmith/internal/logging"
	"github.com/pmelling/tagsmith/internal/models"
)

// IndexFileName is the index document a remote plugin source serves.
const IndexFileName = "plugins_index.json"

// IndexSchemaVersion is the wire schema this parser understands.
const IndexSchemaVersion = 1

// indexDocument is the wrapper object a source serves at plugins_index.json.
type indexDocument struct {
	SchemaVersion int          `json:"schemaVersion"`
	Plugins       []indexEntry `json:"plugins"`
}

// indexEntry is one plugin listing in a source's index document. Path is the
// plugin's subpath relative to the source root.
type indexEntry struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	HumanName   string   `json:"humanName"`
	ServerLink  string   `json:"serverLink"`
	DependsOn   []string `json:"dependsOn"`
	Path        string   `json:"path"`
}

// cachedIndex is the badger payload for one source.
type cachedIndex struct {
	FetchedAt time.Time    `json:"fetched_at"`
	Entries   []indexEntry `json:"entries"`
}

// CatalogFetcher refreshes remote plugin catalogs. Index fetches are rate
// limited per source and cached in badger, so a flaky source still serves its
// last known index.
type CatalogFetcher struct {
	db     *database.DB
	cfg    config.PluginsConfig
	client *http.Client
	cache  *badger.DB

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewCatalogFetcher opens the badger-backed index cache. A cache that fails
// to open degrades to direct fetches instead of blocking startup.
func NewCatalogFetcher(db *database.DB, cfg config.PluginsConfig) *CatalogFetcher {
	f := &CatalogFetcher{
		db:       db,
		cfg:      cfg,
		client:   &http.Client{Timeout: 30 * time.Second},
		limiters: make(map[string]*rate.Limiter),
	}
	if cfg.CatalogCacheDir != "" {
		opts := badger.DefaultOptions(cfg.CatalogCacheDir).WithLogger(nil)
		cache, err := badger.Open(opts)
		if err != nil {
			logging.Warn().Err(err).Str("dir", cfg.CatalogCacheDir).Msg("catalog cache unavailable")
		} else {
			f.cache = cache
		}
	}
	return f
}

// Close releases the index cache.
func (f *CatalogFetcher) Close() error {
	if f.cache == nil {
		return nil
	}
	return f.cache.Close()
}

func (f *CatalogFetcher) limiter(source string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[source]
	if !ok {
		rps := f.cfg.SourceRequestsPerSecond
		if rps <= 0 {
			rps = 1
		}
		lim = rate.NewLimiter(rate.Limit(rps), 1)
		f.limiters[source] = lim
	}
	return lim
}

// RefreshSource refetches one source's index and mirrors it into the plugin
// catalog. A fresh cached index short-circuits the network; a failed fetch
// falls back to the stale cache when one exists.
func (f *CatalogFetcher) RefreshSource(ctx context.Context, name string, force bool) error {
	if name == models.LocalSource {
		return ErrSourceImmutable
	}
	src, err := f.db.GetPluginSource(ctx, name)
	if err != nil {
		return err
	}
	if src == nil {
		return ErrSourceNotFound
	}
	if !src.Enabled {
		return ErrSourceDisabled
	}

	if !force {
		if cached, ok := f.cachedIndex(name); ok && time.Since(cached.FetchedAt) < f.cfg.CatalogCacheTTL {
			return f.mirrorIndex(ctx, src, cached.Entries)
		}
	}

	entries, err := f.fetchIndex(ctx, src)
	if err != nil {
		detail := truncateError(err)
		src.LastError = &detail
		if updErr := f.db.UpsertPluginSource(ctx, src); updErr != nil {
			logging.Warn().Err(updErr).Str("source", name).Msg("failed to record source error")
		}
		if cached, ok := f.cachedIndex(name); ok {
			logging.Warn().Err(err).Str("source", name).Msg("index fetch failed, serving cached catalog")
			return f.mirrorIndex(ctx, src, cached.Entries)
		}
		return fmt.Errorf("failed to refresh source %s: %w", name, err)
	}

	f.storeIndex(name, entries)

	now := time.Now().UTC()
	src.LastRefreshed = &now
	src.LastError = nil
	if err := f.db.UpsertPluginSource(ctx, src); err != nil {
		return err
	}
	return f.mirrorIndex(ctx, src, entries)
}

func (f *CatalogFetcher) fetchIndex(ctx context.Context, src *models.PluginSource) ([]indexEntry, error) {
	if err := f.limiter(src.Name).Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, indexURL(src.URL), nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("source returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	var doc indexDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("malformed index document: %w", err)
	}
	if doc.SchemaVersion != IndexSchemaVersion {
		return nil, fmt.Errorf("unsupported index schema version %d", doc.SchemaVersion)
	}
	return doc.Plugins, nil
}

// mirrorIndex upserts the index entries into the catalog table and prunes
// rows the source no longer lists.
func (f *CatalogFetcher) mirrorIndex(ctx context.Context, src *models.PluginSource, entries []indexEntry) error {
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Name == "" {
			continue
		}
		raw, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		row := &models.CatalogEntry{
			Source:      src.Name,
			PluginName:  entry.Name,
			Version:     entry.Version,
			Description: entry.Description,
			HumanName:   entry.HumanName,
			ServerLink:  entry.ServerLink,
			DependsOn:   entry.DependsOn,
			Path:        entry.Path,
			Manifest:    raw,
		}
		if err := f.db.UpsertCatalogEntry(ctx, row); err != nil {
			return err
		}
		names = append(names, entry.Name)
	}
	return f.db.DeleteCatalogEntriesNotIn(ctx, src.Name, names)
}

func (f *CatalogFetcher) cachedIndex(source string) (*cachedIndex, bool) {
	if f.cache == nil {
		return nil, false
	}
	var cached cachedIndex
	err := f.cache.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("index/" + source))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cached)
		})
	})
	if err != nil {
		return nil, false
	}
	return &cached, true
}

func (f *CatalogFetcher) storeIndex(source string, entries []indexEntry) {
	if f.cache == nil {
		return
	}
	raw, err := json.Marshal(cachedIndex{FetchedAt: time.Now().UTC(), Entries: entries})
	if err != nil {
		return
	}
	err = f.cache.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("index/"+source), raw)
	})
	if err != nil {
		logging.Warn().Err(err).Str("source", source).Msg("failed to cache catalog index")
	}
}

// FetchFile downloads one plugin file from a source, rate limited like index
// fetches.
func (f *CatalogFetcher) FetchFile(ctx context.Context, source, fileURL string) ([]byte, error) {
	if err := f.limiter(source).Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download of %s returned status %d", fileURL, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 32<<20))
}

func indexURL(sourceURL string) string {
	if strings.HasSuffix(sourceURL, ".json") {
		return sourceURL
	}
	return strings.TrimSuffix(sourceURL, "/") + "/" + IndexFileName
}

func baseURL(sourceURL string) string {
	if strings.HasSuffix(sourceURL, ".json") {
		if idx := strings.LastIndex(sourceURL, "/"); idx > 0 {
			return sourceURL[:idx]
		}
	}
	return strings.TrimSuffix(sourceURL, "/")
}
