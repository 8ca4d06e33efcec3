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
	"strings"

	"github.com/pmelling/tagsmith/internal/database"
	"github.com/pmelling/tagsmith/internal/logging"
	"github.com/pmelling/tagsmith/internal/models"
)

// InstallPlan describes what installing one plugin from a source entails.
type InstallPlan struct {
	Source        string            `json:"source"`
	Plugin        string            `json:"plugin"`
	Order         []string          `json:"order"`
	Dependencies  []string          `json:"dependencies"`
	AlreadyActive []string          `json:"already_active"`
	Missing       []string          `json:"missing"`
	HumanNames    map[string]string `json:"human_names"`
}

// PlanInstall walks the dependency graph of a catalog plugin and returns the
// dependency-first install order. Dependencies that are already active are
// reported but excluded from the order; dependencies absent from the catalog
// land in Missing.
func (l *Loader) PlanInstall(ctx context.Context, source, name string) (*InstallPlan, error) {
	root, err := l.db.GetCatalogEntry(ctx, source, name)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, ErrPluginNotFound
	}

	plan := &InstallPlan{
		Source:     source,
		Plugin:     name,
		HumanNames: make(map[string]string),
	}

	visiting := make(map[string]bool)
	done := make(map[string]bool)

	var visit func(entry *models.CatalogEntry) error
	visit = func(entry *models.CatalogEntry) error {
		if done[entry.PluginName] || visiting[entry.PluginName] {
			return nil
		}
		visiting[entry.PluginName] = true
		defer func() {
			visiting[entry.PluginName] = false
			done[entry.PluginName] = true
		}()

		for _, dep := range entry.DependsOn {
			if l.isActive(ctx, dep) {
				plan.AlreadyActive = appendUnique(plan.AlreadyActive, dep)
				continue
			}
			if dep != name {
				plan.Dependencies = appendUnique(plan.Dependencies, dep)
			}
			depEntry, err := l.db.GetCatalogEntry(ctx, source, dep)
			if err != nil {
				return err
			}
			if depEntry == nil {
				plan.Missing = appendUnique(plan.Missing, dep)
				continue
			}
			if err := visit(depEntry); err != nil {
				return err
			}
		}

		plan.Order = append(plan.Order, entry.PluginName)
		if entry.HumanName != "" {
			plan.HumanNames[entry.PluginName] = entry.HumanName
		}
		return nil
	}

	if err := visit(root); err != nil {
		return nil, err
	}
	sort.Strings(plan.Dependencies)
	sort.Strings(plan.AlreadyActive)
	sort.Strings(plan.Missing)
	return plan, nil
}

// ExecuteInstall downloads and activates a plugin and its missing
// dependencies, dependencies first. Missing dependencies abort before any
// file is written.
func (l *Loader) ExecuteInstall(ctx context.Context, source, name string) error {
	plan, err := l.PlanInstall(ctx, source, name)
	if err != nil {
		return err
	}
	if len(plan.Missing) > 0 {
		return fmt.Errorf("%w: %s", ErrDependenciesRequired, strings.Join(plan.Missing, ", "))
	}

	for _, pluginName := range plan.Order {
		entry, err := l.db.GetCatalogEntry(ctx, source, pluginName)
		if err != nil {
			return err
		}
		if entry == nil {
			return fmt.Errorf("%w: %s vanished from source %s", ErrPluginNotFound, pluginName, source)
		}
		if err := l.installOne(ctx, entry); err != nil {
			return fmt.Errorf("failed to install %s: %w", pluginName, err)
		}
	}
	return nil
}

// installOne materializes one catalog entry on disk and activates it. The
// entry's path is the plugin subtree relative to the source root; the
// manifest is fetched first and its files list drives the remaining
// downloads.
func (l *Loader) installOne(ctx context.Context, entry *models.CatalogEntry) error {
	src, err := l.db.GetPluginSource(ctx, entry.Source)
	if err != nil {
		return err
	}
	if src == nil {
		return ErrSourceNotFound
	}
	root := baseURL(src.URL)
	if sub := strings.Trim(entry.Path, "/"); sub != "" {
		root += "/" + sub
	}

	dir := l.PluginDir(entry.PluginName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	raw, err := l.catalog.FetchFile(ctx, entry.Source, root+"/"+ManifestFileName)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFileName), raw, 0o644); err != nil {
		return err
	}
	manifest, err := LoadManifest(dir)
	if err != nil {
		return err
	}

	for _, file := range manifest.Files {
		clean := filepath.Clean(file)
		if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
			return fmt.Errorf("source lists unsafe file path %q", file)
		}
		data, err := l.catalog.FetchFile(ctx, entry.Source, root+"/"+clean)
		if err != nil {
			return err
		}
		target := filepath.Join(dir, clean)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return err
		}
	}
	if err := l.db.UpsertCatalogEntry(ctx, CatalogEntryFromManifest(manifest, dir)); err != nil {
		return err
	}
	if err := l.ensureMeta(ctx, entry.PluginName, manifest); err != nil {
		return err
	}
	if err := l.loadOne(ctx, entry.PluginName, manifest); err != nil {
		detail := truncateError(err)
		status := models.PluginStatusError
		if errors.Is(err, ErrBackendTooOld) {
			status = models.PluginStatusIncompatible
		}
		l.setStatus(ctx, entry.PluginName, status, &detail)
		return err
	}

	logging.Info().
		Str("plugin", entry.PluginName).
		Str("source", entry.Source).
		Str("version", manifest.Version).
		Msg("plugin installed")
	return nil
}

// isActive reports whether a plugin's meta row says active. Used when
// planning installs against a partially-populated system.
func (l *Loader) isActive(ctx context.Context, name string) bool {
	meta, err := l.db.GetPluginMeta(ctx, name)
	if errors.Is(err, database.ErrPluginMetaNotFound) {
		return false
	}
	if err != nil {
		logging.Warn().Err(err).Str("plugin", name).Msg("failed to read plugin meta")
		return false
	}
	return meta.Status == models.PluginStatusActive
}

func appendUnique(items []string, item string) []string {
	for _, existing := range items {
		if existing == item {
			return items
		}
	}
	return append(items, item)
}
