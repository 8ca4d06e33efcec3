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
)

// migrationsDirName is the per-plugin SQL migrations directory.
const migrationsDirName = "migrations"

// runMigrations applies a plugin's pending SQL migrations in lexicographic
// order. Each file runs in its own transaction and the migration head
// advances after each commit, so a mid-sequence failure resumes at the file
// that broke.
func (l *Loader) runMigrations(ctx context.Context, name string) error {
	dir := filepath.Join(l.PluginDir(name), migrationsDirName)
	files, err := listMigrationFiles(dir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}

	head := ""
	meta, err := l.db.GetPluginMeta(ctx, name)
	if err == nil {
		head = meta.MigrationHead
	} else if !errors.Is(err, database.ErrPluginMetaNotFound) {
		return err
	}

	for _, file := range files {
		if file <= head {
			continue
		}
		if err := l.applyMigration(ctx, name, dir, file); err != nil {
			return fmt.Errorf("migration %s: %w", file, err)
		}
		logging.Info().Str("plugin", name).Str("migration", file).Msg("applied plugin migration")
	}
	return nil
}

func (l *Loader) applyMigration(ctx context.Context, name, dir, file string) error {
	raw, err := os.ReadFile(filepath.Join(dir, file))
	if err != nil {
		return err
	}

	tx, err := l.db.BeginTx(ctx)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, string(raw)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return l.db.SetPluginMigrationHead(ctx, name, file)
}

func listMigrationFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations dir %s: %w", dir, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	return files, nil
}
