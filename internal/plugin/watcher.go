// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pmelling/tagsmith/internal/logging"
)

// Watcher hot-reloads plugins whose files change on disk. Events are
// debounced per plugin so an editor save burst triggers one reload.
type Watcher struct {
	loader   *Loader
	debounce time.Duration
}

// NewWatcher creates the hot-reload service.
func NewWatcher(loader *Loader) *Watcher {
	debounce := loader.cfg.WatchDebounce
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Watcher{loader: loader, debounce: debounce}
}

// Serve implements suture.Service.
func (w *Watcher) Serve(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fsw.Close() }()

	if err := w.watchTree(fsw); err != nil {
		return err
	}
	logging.Info().Str("dir", w.loader.cfg.Dir).Msg("plugin watcher started")

	pending := make(map[string]bool)
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fsw.Events:
			if !ok {
				return errors.New("plugin watcher event channel closed")
			}
			name := w.pluginForPath(event.Name)
			if name == "" {
				continue
			}
			// A freshly created plugin directory needs its own watch.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = fsw.Add(event.Name)
				}
			}
			if len(pending) == 0 {
				timer.Reset(w.debounce)
			}
			pending[name] = true

		case err, ok := <-fsw.Errors:
			if !ok {
				return errors.New("plugin watcher error channel closed")
			}
			logging.Warn().Err(err).Msg("plugin watcher error")

		case <-timer.C:
			for name := range pending {
				delete(pending, name)
				if err := w.loader.Reload(ctx, name); err != nil {
					if errors.Is(err, ErrPluginNotFound) {
						continue
					}
					logging.Warn().Err(err).Str("plugin", name).Msg("hot reload failed")
					continue
				}
				logging.Info().Str("plugin", name).Msg("plugin hot reloaded")
			}
		}
	}
}

// String names the service in supervisor logs.
func (w *Watcher) String() string { return "plugin-watcher" }

func (w *Watcher) watchTree(fsw *fsnotify.Watcher) error {
	root := w.loader.cfg.Dir
	if err := fsw.Add(root); err != nil {
		return err
	}
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			if err := fsw.Add(filepath.Join(root, entry.Name())); err != nil {
				logging.Warn().Err(err).Str("dir", entry.Name()).Msg("failed to watch plugin dir")
			}
		}
	}
	return nil
}

// pluginForPath maps a changed path to the plugin folder it belongs to.
func (w *Watcher) pluginForPath(path string) string {
	rel, err := filepath.Rel(w.loader.cfg.Dir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	parts := strings.Split(rel, string(filepath.Separator))
	return parts[0]
}
