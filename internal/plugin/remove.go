// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package plugin

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/pmelling/tagsmith/internal/logging"
	"github.com/pmelling/tagsmith/internal/models"
)

// RemovePlan describes what removing a plugin entails: the plugins that
// depend on it, directly or transitively, ordered dependents-first so each
// unload happens before the thing it depends on disappears.
type RemovePlan struct {
	Plugin     string   `json:"plugin"`
	Order      []string `json:"order"`
	Dependents []string `json:"dependents"`
}

// PlanRemove computes the dependents-first removal order for a plugin.
func (l *Loader) PlanRemove(ctx context.Context, name string) (*RemovePlan, error) {
	if _, err := os.Stat(l.PluginDir(name)); err != nil {
		return nil, ErrPluginNotFound
	}

	dependents, err := l.directDependents(ctx)
	if err != nil {
		return nil, err
	}

	plan := &RemovePlan{Plugin: name}
	seen := map[string]bool{name: true}

	var collect func(target string)
	collect = func(target string) {
		deps := dependents[target]
		sort.Strings(deps)
		for _, dep := range deps {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			collect(dep)
			plan.Order = append(plan.Order, dep)
			plan.Dependents = append(plan.Dependents, dep)
		}
	}
	collect(name)
	plan.Order = append(plan.Order, name)
	sort.Strings(plan.Dependents)
	return plan, nil
}

// ExecuteRemove unloads a plugin, deletes its settings and files, and marks
// it removed. With active dependents the call fails unless forced; a forced
// removal leaves direct dependents in dependency_missing.
func (l *Loader) ExecuteRemove(ctx context.Context, name string, force bool) error {
	plan, err := l.PlanRemove(ctx, name)
	if err != nil {
		return err
	}
	if len(plan.Dependents) > 0 && !force {
		return fmt.Errorf("%w: %s", ErrDependentPlugins, strings.Join(plan.Dependents, ", "))
	}

	l.unloadOne(ctx, name)

	if err := l.db.DeletePluginSettings(ctx, name); err != nil {
		return err
	}
	if err := os.RemoveAll(l.PluginDir(name)); err != nil {
		return err
	}
	l.setStatus(ctx, name, models.PluginStatusRemoved, nil)

	// Direct dependents lose a dependency they declared; unload them and
	// record why they stopped.
	dependents, err := l.directDependents(ctx)
	if err != nil {
		return err
	}
	for _, dep := range dependents[name] {
		l.unloadOne(ctx, dep)
		detail := fmt.Sprintf("missing dependencies: %s", name)
		l.setStatus(ctx, dep, models.PluginStatusDependencyMissing, &detail)
	}

	logging.Info().Str("plugin", name).Bool("forced", force).Msg("plugin removed")
	return nil
}

// directDependents maps each plugin to the on-disk plugins that declare it as
// a dependency.
func (l *Loader) directDependents(_ context.Context) (map[string][]string, error) {
	manifests, err := l.discover()
	if err != nil {
		return nil, err
	}
	dependents := make(map[string][]string)
	for name, manifest := range manifests {
		for _, dep := range manifest.DependsOn {
			dependents[dep] = append(dependents[dep], name)
		}
	}
	return dependents, nil
}
