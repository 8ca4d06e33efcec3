// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/pmelling/tagsmith/internal/models"
)

// ErrPluginMetaNotFound is returned when a plugin_meta row is absent.
var ErrPluginMetaNotFound = errors.New("plugin meta not found")

const metaColumns = `name, version, required_backend, status, migration_head, last_error, installed_at, updated_at`

// UpsertPluginMeta creates or fully updates a plugin's meta row.
func (db *DB) UpsertPluginMeta(ctx context.Context, meta *models.PluginMeta) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	now := time.Now().UTC()
	if meta.InstalledAt.IsZero() {
		meta.InstalledAt = now
	}
	meta.UpdatedAt = now

	query := `INSERT INTO plugin_meta (` + metaColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			version = excluded.version,
			required_backend = excluded.required_backend,
			status = excluded.status,
			migration_head = excluded.migration_head,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`

	_, err := db.conn.ExecContext(ctx, query,
		meta.Name, meta.Version, meta.RequiredBackend, string(meta.Status),
		meta.MigrationHead, nullString(meta.LastError), meta.InstalledAt, meta.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert plugin meta %s: %w", meta.Name, err)
	}
	return nil
}

// GetPluginMeta fetches one plugin's meta row.
func (db *DB) GetPluginMeta(ctx context.Context, name string) (*models.PluginMeta, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	row := db.conn.QueryRowContext(ctx,
		`SELECT `+metaColumns+` FROM plugin_meta WHERE name = ?`, name)
	meta, err := scanMeta(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPluginMetaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plugin meta %s: %w", name, err)
	}
	return meta, nil
}

// ListPluginMeta returns all plugin meta rows, ordered by name.
func (db *DB) ListPluginMeta(ctx context.Context) ([]*models.PluginMeta, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+metaColumns+` FROM plugin_meta ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list plugin meta: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var metas []*models.PluginMeta
	for rows.Next() {
		meta, err := scanMeta(rows)
		if err != nil {
			return nil, err
		}
		metas = append(metas, meta)
	}
	return metas, rows.Err()
}

// SetPluginStatus updates only status and last_error of a plugin.
func (db *DB) SetPluginStatus(ctx context.Context, name string, status models.PluginStatus, lastError *string) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	_, err := db.conn.ExecContext(ctx,
		`UPDATE plugin_meta SET status = ?, last_error = ?, updated_at = ? WHERE name = ?`,
		string(status), nullString(lastError), time.Now().UTC(), name)
	if err != nil {
		return fmt.Errorf("failed to set plugin status %s: %w", name, err)
	}
	return nil
}

// SetPluginMigrationHead advances the migration head after a successful
// migration step.
func (db *DB) SetPluginMigrationHead(ctx context.Context, name, head string) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	_, err := db.conn.ExecContext(ctx,
		`UPDATE plugin_meta SET migration_head = ?, updated_at = ? WHERE name = ?`,
		head, time.Now().UTC(), name)
	if err != nil {
		return fmt.Errorf("failed to set migration head for %s: %w", name, err)
	}
	return nil
}

func scanMeta(row rowScanner) (*models.PluginMeta, error) {
	var (
		meta      models.PluginMeta
		status    string
		lastError sql.NullString
	)
	if err := row.Scan(&meta.Name, &meta.Version, &meta.RequiredBackend, &status,
		&meta.MigrationHead, &lastError, &meta.InstalledAt, &meta.UpdatedAt); err != nil {
		return nil, err
	}
	meta.Status = models.PluginStatus(status)
	if lastError.Valid {
		meta.LastError = &lastError.String
	}
	return &meta, nil
}

// ---- plugin catalog ----

const catalogColumns = `source, plugin_name, version, description, human_name, server_link, depends_on, path, manifest, refreshed_at`

// UpsertCatalogEntry creates or refreshes one (source, plugin) catalog row.
func (db *DB) UpsertCatalogEntry(ctx context.Context, entry *models.CatalogEntry) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	dependsOn, err := json.Marshal(entry.DependsOn)
	if err != nil {
		return fmt.Errorf("failed to marshal depends_on: %w", err)
	}
	if entry.RefreshedAt.IsZero() {
		entry.RefreshedAt = time.Now().UTC()
	}

	query := `INSERT INTO plugin_catalog (` + catalogColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source, plugin_name) DO UPDATE SET
			version = excluded.version,
			description = excluded.description,
			human_name = excluded.human_name,
			server_link = excluded.server_link,
			depends_on = excluded.depends_on,
			path = excluded.path,
			manifest = excluded.manifest,
			refreshed_at = excluded.refreshed_at`

	_, err = db.conn.ExecContext(ctx, query,
		entry.Source, entry.PluginName, entry.Version, entry.Description,
		entry.HumanName, entry.ServerLink, string(dependsOn), entry.Path,
		rawJSON(entry.Manifest), entry.RefreshedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert catalog entry %s/%s: %w", entry.Source, entry.PluginName, err)
	}
	return nil
}

// GetCatalogEntry fetches one catalog row, or nil when absent.
func (db *DB) GetCatalogEntry(ctx context.Context, source, plugin string) (*models.CatalogEntry, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	row := db.conn.QueryRowContext(ctx,
		`SELECT `+catalogColumns+` FROM plugin_catalog WHERE source = ? AND plugin_name = ?`,
		source, plugin)
	entry, err := scanCatalogEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return entry, err
}

// ListCatalogEntries returns catalog rows, optionally filtered by source.
func (db *DB) ListCatalogEntries(ctx context.Context, source string) ([]*models.CatalogEntry, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	query := `SELECT ` + catalogColumns + ` FROM plugin_catalog`
	var args []any
	if source != "" {
		query += ` WHERE source = ?`
		args = append(args, source)
	}
	query += ` ORDER BY source, plugin_name`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list catalog entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*models.CatalogEntry
	for rows.Next() {
		entry, err := scanCatalogEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// DeleteCatalogEntriesNotIn removes stale rows of a source that are absent
// from the latest refresh.
func (db *DB) DeleteCatalogEntriesNotIn(ctx context.Context, source string, keep []string) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	if len(keep) == 0 {
		_, err := db.conn.ExecContext(ctx, `DELETE FROM plugin_catalog WHERE source = ?`, source)
		return err
	}

	placeholders := ""
	args := []any{source}
	for i, name := range keep {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, name)
	}
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM plugin_catalog WHERE source = ? AND plugin_name NOT IN (`+placeholders+`)`, args...)
	return err
}

func scanCatalogEntry(row rowScanner) (*models.CatalogEntry, error) {
	var (
		entry      models.CatalogEntry
		desc       sql.NullString
		humanName  sql.NullString
		serverLink sql.NullString
		dependsOn  sql.NullString
		path       sql.NullString
		manifest   sql.NullString
	)
	if err := row.Scan(&entry.Source, &entry.PluginName, &entry.Version, &desc,
		&humanName, &serverLink, &dependsOn, &path, &manifest, &entry.RefreshedAt); err != nil {
		return nil, err
	}
	entry.Description = desc.String
	entry.HumanName = humanName.String
	entry.ServerLink = serverLink.String
	entry.Path = path.String
	if manifest.Valid {
		entry.Manifest = json.RawMessage(manifest.String)
	}
	if dependsOn.Valid && dependsOn.String != "" {
		if err := json.Unmarshal([]byte(dependsOn.String), &entry.DependsOn); err != nil {
			return nil, fmt.Errorf("malformed depends_on for %s/%s: %w", entry.Source, entry.PluginName, err)
		}
	}
	return &entry, nil
}
