// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/goccy/go-json"

	"github.com/pmelling/tagsmith/internal/config"
	"github.com/pmelling/tagsmith/internal/database"
	"github.com/pmelling/tagsmith/internal/logging"
	"github.com/pmelling/tagsmith/internal/models"
)

// Loader errors surfaced to the API layer.
var (
	ErrPluginNotFound       = errors.New("plugin not found")
	ErrBackendTooOld        = errors.New("backend version does not satisfy plugin requirement")
	ErrDependenciesRequired = errors.New("plugin has uninstalled dependencies")
	ErrDependentPlugins     = errors.New("plugin has active dependents")
	ErrSourceNotFound       = errors.New("plugin source not found")
	ErrSourceDisabled       = errors.New("plugin source is disabled")
	ErrSourceImmutable      = errors.New("the local plugin source cannot be modified")
)

// lastErrorLimit caps the stored failure message so one runaway stack trace
// does not bloat the meta table.
const lastErrorLimit = 500

// Loader discovers on-disk plugins, activates them in dependency order, and
// manages install, removal, and reload.
type Loader struct {
	db             *database.DB
	bundle         *Bundle
	cfg            config.PluginsConfig
	backendVersion string
	catalog        *CatalogFetcher

	mu     sync.Mutex
	loaded map[string]*Manifest
}

// NewLoader wires the loader to its component bundle.
func NewLoader(db *database.DB, bundle *Bundle, cfg config.PluginsConfig, backendVersion string) *Loader {
	return &Loader{
		db:             db,
		bundle:         bundle,
		cfg:            cfg,
		backendVersion: backendVersion,
		catalog:        NewCatalogFetcher(db, cfg),
		loaded:         make(map[string]*Manifest),
	}
}

// PluginDir returns the on-disk directory of a named plugin.
func (l *Loader) PluginDir(name string) string {
	return filepath.Join(l.cfg.Dir, name)
}

// Catalog exposes the remote-source fetcher.
func (l *Loader) Catalog() *CatalogFetcher { return l.catalog }

// LoadedManifest returns the manifest of an active plugin, nil when the
// plugin is not loaded.
func (l *Loader) LoadedManifest(name string) *Manifest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded[name]
}

// InitializePlugins runs the full startup sequence: discover manifests,
// synchronize the local catalog, then activate everything in dependency
// order. One broken plugin never blocks the rest; its failure lands in the
// meta row and activation continues.
func (l *Loader) InitializePlugins(ctx context.Context) error {
	manifests, err := l.discover()
	if err != nil {
		return err
	}

	if err := l.syncLocalCatalog(ctx, manifests); err != nil {
		return err
	}

	for name, manifest := range manifests {
		if err := l.ensureMeta(ctx, name, manifest); err != nil {
			return err
		}
	}

	// Plugins with a dependency that is not on disk at all cannot take part
	// in activation ordering.
	remaining := make(map[string]*Manifest, len(manifests))
	for name, manifest := range manifests {
		missing := missingDeps(manifest, manifests)
		if len(missing) > 0 {
			detail := fmt.Sprintf("missing dependencies: %s", joinSorted(missing))
			l.setStatus(ctx, name, models.PluginStatusDependencyMissing, &detail)
			continue
		}
		remaining[name] = manifest
	}

	active := l.activeSet()

	// Iterate to a fixed point: each pass activates every plugin whose
	// dependencies are already active. A pass with no progress means the
	// leftovers are cyclic or blocked on a failed dependency.
	for len(remaining) > 0 {
		progressed := false
		for _, name := range sortedKeys(remaining) {
			manifest := remaining[name]
			if !depsActive(manifest, active) {
				continue
			}
			delete(remaining, name)
			progressed = true
			if err := l.loadOne(ctx, name, manifest); err != nil {
				detail := truncateError(err)
				status := models.PluginStatusError
				if errors.Is(err, ErrBackendTooOld) {
					status = models.PluginStatusIncompatible
				}
				l.setStatus(ctx, name, status, &detail)
				logging.Warn().Err(err).Str("plugin", name).Msg("plugin activation failed")
				continue
			}
			active[name] = true
		}
		if !progressed {
			break
		}
	}

	for _, name := range sortedKeys(remaining) {
		manifest := remaining[name]
		status := models.PluginStatusDependencyInactive
		if allDepsRemaining(manifest, remaining) {
			status = models.PluginStatusDependencyCycle
		}
		detail := fmt.Sprintf("unmet dependencies: %s", joinSorted(unmetDeps(manifest, active)))
		l.setStatus(ctx, name, status, &detail)
	}

	logging.Info().
		Int("discovered", len(manifests)).
		Int("active", len(l.loaded)).
		Msg("plugin initialization complete")
	return nil
}

// discover scans the plugins directory for manifests. Directories with a
// broken manifest are logged and skipped.
func (l *Loader) discover() (map[string]*Manifest, error) {
	entries, err := os.ReadDir(l.cfg.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]*Manifest{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read plugins dir %s: %w", l.cfg.Dir, err)
	}

	manifests := make(map[string]*Manifest)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(l.cfg.Dir, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, ManifestFileName)); err != nil {
			continue
		}
		manifest, err := LoadManifest(dir)
		if err != nil {
			logging.Warn().Err(err).Str("dir", dir).Msg("skipping plugin with invalid manifest")
			continue
		}
		manifests[manifest.Name] = manifest
	}
	return manifests, nil
}

// syncLocalCatalog mirrors the on-disk manifests into the "local" catalog
// source and drops rows for plugins no longer present.
func (l *Loader) syncLocalCatalog(ctx context.Context, manifests map[string]*Manifest) error {
	names := make([]string, 0, len(manifests))
	for name, manifest := range manifests {
		entry := CatalogEntryFromManifest(manifest, l.PluginDir(name))
		if raw, err := json.Marshal(manifest); err == nil {
			entry.Manifest = raw
		}
		if err := l.db.UpsertCatalogEntry(ctx, entry); err != nil {
			return err
		}
		names = append(names, name)
	}
	return l.db.DeleteCatalogEntriesNotIn(ctx, models.LocalSource, names)
}

func (l *Loader) ensureMeta(ctx context.Context, name string, manifest *Manifest) error {
	meta, err := l.db.GetPluginMeta(ctx, name)
	if errors.Is(err, database.ErrPluginMetaNotFound) {
		return l.db.UpsertPluginMeta(ctx, &models.PluginMeta{
			Name:            name,
			Version:         manifest.Version,
			RequiredBackend: manifest.RequiredBackend,
			Status:          models.PluginStatusNew,
		})
	}
	if err != nil {
		return err
	}
	if meta.Version != manifest.Version || meta.RequiredBackend != manifest.RequiredBackend {
		meta.Version = manifest.Version
		meta.RequiredBackend = manifest.RequiredBackend
		return l.db.UpsertPluginMeta(ctx, meta)
	}
	return nil
}

// loadOne activates a single plugin: backend compatibility, pending SQL
// migrations, settings registration, then the compiled-in Register hook.
func (l *Loader) loadOne(ctx context.Context, name string, manifest *Manifest) error {
	if err := CheckBackendCompatible(manifest.RequiredBackend, l.backendVersion); err != nil {
		return fmt.Errorf("%w: %s", ErrBackendTooOld, err)
	}

	if err := l.runMigrations(ctx, name); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}

	if err := l.registerSettings(ctx, name, manifest); err != nil {
		return fmt.Errorf("settings registration failed: %w", err)
	}

	if h, ok := lookupHooks(name); ok && h.Register != nil {
		if err := h.Register(ctx, name, l.bundle); err != nil {
			// A half-registered plugin must not leave stray entries behind.
			l.purgeRegistrations(ctx, name)
			return fmt.Errorf("register hook failed: %w", err)
		}
	}

	if err := l.db.SetPluginStatus(ctx, name, models.PluginStatusActive, nil); err != nil {
		return err
	}

	l.mu.Lock()
	l.loaded[name] = manifest
	l.mu.Unlock()

	logging.Info().Str("plugin", name).Str("version", manifest.Version).Msg("plugin activated")
	return nil
}

// unloadOne tears a plugin down in memory without touching its files: the
// Unregister hook runs best-effort, then every registry entry carrying the
// plugin's origin is purged.
func (l *Loader) unloadOne(ctx context.Context, name string) {
	if h, ok := lookupHooks(name); ok && h.Unregister != nil {
		if err := h.Unregister(ctx, name, l.bundle); err != nil {
			logging.Warn().Err(err).Str("plugin", name).Msg("unregister hook failed")
		}
	}
	l.purgeRegistrations(ctx, name)

	l.mu.Lock()
	delete(l.loaded, name)
	l.mu.Unlock()
}

func (l *Loader) purgeRegistrations(_ context.Context, name string) {
	l.bundle.Services.UnregisterByOrigin(name)
	l.bundle.Actions.UnregisterByOrigin(name)
	l.bundle.Recommenders.UnregisterByOrigin(name)
	l.bundle.Settings.Invalidate(name)
}

// registerSettings upserts the manifest's declared settings schema. Existing
// value overrides survive because registration never touches the value
// column.
func (l *Loader) registerSettings(ctx context.Context, name string, manifest *Manifest) error {
	for _, decl := range manifest.AllSettings() {
		def := &models.SettingDefinition{
			PluginName:  name,
			Key:         decl.Key,
			Type:        models.SettingType(decl.Type),
			Label:       decl.Label,
			Description: decl.Description,
			Options:     decl.Options,
		}
		if decl.Default != nil {
			raw, err := json.Marshal(decl.Default)
			if err != nil {
				return fmt.Errorf("setting %s has an unserializable default: %w", decl.Key, err)
			}
			def.Default = raw
		}
		if err := l.bundle.Settings.Register(ctx, def); err != nil {
			return err
		}
	}
	return nil
}

// Reload unloads and re-activates one plugin from its current on-disk state.
// The plugin's files are left untouched.
func (l *Loader) Reload(ctx context.Context, name string) error {
	dir := l.PluginDir(name)
	if _, err := os.Stat(filepath.Join(dir, ManifestFileName)); err != nil {
		return ErrPluginNotFound
	}
	manifest, err := LoadManifest(dir)
	if err != nil {
		return err
	}

	l.unloadOne(ctx, name)

	if err := l.ensureMeta(ctx, name, manifest); err != nil {
		return err
	}
	if err := l.loadOne(ctx, name, manifest); err != nil {
		detail := truncateError(err)
		status := models.PluginStatusError
		if errors.Is(err, ErrBackendTooOld) {
			status = models.PluginStatusIncompatible
		}
		l.setStatus(ctx, name, status, &detail)
		return err
	}
	return nil
}

func (l *Loader) setStatus(ctx context.Context, name string, status models.PluginStatus, detail *string) {
	if err := l.db.SetPluginStatus(ctx, name, status, detail); err != nil {
		logging.Warn().Err(err).Str("plugin", name).Msg("failed to record plugin status")
	}
}

func (l *Loader) activeSet() map[string]bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	active := make(map[string]bool, len(l.loaded))
	for name := range l.loaded {
		active[name] = true
	}
	return active
}

func missingDeps(manifest *Manifest, discovered map[string]*Manifest) []string {
	var missing []string
	for _, dep := range manifest.DependsOn {
		if _, ok := discovered[dep]; !ok {
			missing = append(missing, dep)
		}
	}
	return missing
}

func depsActive(manifest *Manifest, active map[string]bool) bool {
	for _, dep := range manifest.DependsOn {
		if !active[dep] {
			return false
		}
	}
	return true
}

func unmetDeps(manifest *Manifest, active map[string]bool) []string {
	var unmet []string
	for _, dep := range manifest.DependsOn {
		if !active[dep] {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

func allDepsRemaining(manifest *Manifest, remaining map[string]*Manifest) bool {
	for _, dep := range manifest.DependsOn {
		if _, ok := remaining[dep]; !ok {
			return false
		}
	}
	return len(manifest.DependsOn) > 0
}

func sortedKeys(m map[string]*Manifest) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func joinSorted(items []string) string {
	sort.Strings(items)
	out := ""
	for i, item := range items {
		if i > 0 {
			out += ", "
		}
		out += item
	}
	return out
}

func truncateError(err error) string {
	msg := err.Error()
	if len(msg) > lastErrorLimit {
		msg = msg[:lastErrorLimit]
	}
	return msg
}
