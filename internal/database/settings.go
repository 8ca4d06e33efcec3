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

	"github.com/goccy/go-json"

	"github.com/pmelling/tagsmith/internal/models"
)

// ErrSettingNotFound is returned when a (plugin, key) settings row is absent.
var ErrSettingNotFound = errors.New("setting not found")

const settingColumns = `plugin_name, key, type, label, description, default_value, options, value`

// UpsertSettingDefinition registers or refreshes a setting's declared
// metadata. The current override value is preserved on conflict.
func (db *DB) UpsertSettingDefinition(ctx context.Context, def *models.SettingDefinition) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	options, err := marshalOptions(def.Options)
	if err != nil {
		return err
	}

	query := `INSERT INTO plugin_settings (` + settingColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (plugin_name, key) DO UPDATE SET
			type = excluded.type,
			label = excluded.label,
			description = excluded.description,
			default_value = excluded.default_value,
			options = excluded.options`

	_, err = db.conn.ExecContext(ctx, query,
		def.PluginName, def.Key, string(def.Type), def.Label, def.Description,
		rawJSON(def.Default), options, rawJSON(def.Value),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert setting %s/%s: %w", def.PluginName, def.Key, err)
	}
	return nil
}

// GetSettingDefinition fetches one (plugin, key) row.
func (db *DB) GetSettingDefinition(ctx context.Context, plugin, key string) (*models.SettingDefinition, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	row := db.conn.QueryRowContext(ctx,
		`SELECT `+settingColumns+` FROM plugin_settings WHERE plugin_name = ? AND key = ?`,
		plugin, key)

	def, err := scanSetting(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSettingNotFound
		}
		return nil, fmt.Errorf("failed to get setting %s/%s: %w", plugin, key, err)
	}
	return def, nil
}

// SetSettingValue writes the override value for a (plugin, key). A nil value
// clears the override so reads fall back to the default.
func (db *DB) SetSettingValue(ctx context.Context, plugin, key string, value []byte) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	res, err := db.conn.ExecContext(ctx,
		`UPDATE plugin_settings SET value = ? WHERE plugin_name = ? AND key = ?`,
		rawJSON(value), plugin, key)
	if err != nil {
		return fmt.Errorf("failed to set setting %s/%s: %w", plugin, key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrSettingNotFound
	}
	return nil
}

// ListSettings returns all settings rows for a plugin, ordered by key.
func (db *DB) ListSettings(ctx context.Context, plugin string) ([]*models.SettingDefinition, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+settingColumns+` FROM plugin_settings WHERE plugin_name = ? ORDER BY key`,
		plugin)
	if err != nil {
		return nil, fmt.Errorf("failed to list settings for %s: %w", plugin, err)
	}
	defer func() { _ = rows.Close() }()

	var defs []*models.SettingDefinition
	for rows.Next() {
		def, err := scanSetting(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// DeletePluginSettings removes every settings row of a plugin. Used on
// plugin removal.
func (db *DB) DeletePluginSettings(ctx context.Context, plugin string) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	if _, err := db.conn.ExecContext(ctx,
		`DELETE FROM plugin_settings WHERE plugin_name = ?`, plugin); err != nil {
		return fmt.Errorf("failed to delete settings for %s: %w", plugin, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSetting(row rowScanner) (*models.SettingDefinition, error) {
	var (
		def          models.SettingDefinition
		settingType  string
		label, desc  sql.NullString
		defaultValue sql.NullString
		options      sql.NullString
		value        sql.NullString
	)
	if err := row.Scan(&def.PluginName, &def.Key, &settingType, &label, &desc,
		&defaultValue, &options, &value); err != nil {
		return nil, err
	}
	def.Type = models.SettingType(settingType)
	def.Label = label.String
	def.Description = desc.String
	if defaultValue.Valid {
		def.Default = json.RawMessage(defaultValue.String)
	}
	if value.Valid {
		def.Value = json.RawMessage(value.String)
	}
	if options.Valid && options.String != "" {
		if err := json.Unmarshal([]byte(options.String), &def.Options); err != nil {
			return nil, fmt.Errorf("malformed options for %s/%s: %w", def.PluginName, def.Key, err)
		}
	}
	return &def, nil
}

func marshalOptions(options []string) (any, error) {
	if len(options) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(options)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal options: %w", err)
	}
	return string(b), nil
}

// ---- plugin sources ----

const sourceColumns = `name, url, enabled, last_refreshed, last_error`

// UpsertPluginSource creates or updates a named source row.
func (db *DB) UpsertPluginSource(ctx context.Context, src *models.PluginSource) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	query := `INSERT INTO plugin_sources (` + sourceColumns + `)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			url = excluded.url,
			enabled = excluded.enabled,
			last_refreshed = excluded.last_refreshed,
			last_error = excluded.last_error`

	_, err := db.conn.ExecContext(ctx, query,
		src.Name, src.URL, src.Enabled, nullTime(src.LastRefreshed), nullString(src.LastError))
	if err != nil {
		return fmt.Errorf("failed to upsert plugin source %s: %w", src.Name, err)
	}
	return nil
}

// GetPluginSource fetches one source by name, or nil when absent.
func (db *DB) GetPluginSource(ctx context.Context, name string) (*models.PluginSource, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	row := db.conn.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM plugin_sources WHERE name = ?`, name)
	src, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return src, err
}

// ListPluginSources returns all sources, ordered by name.
func (db *DB) ListPluginSources(ctx context.Context) ([]*models.PluginSource, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+sourceColumns+` FROM plugin_sources ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list plugin sources: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sources []*models.PluginSource
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// DeletePluginSource removes a source row and its catalog entries.
func (db *DB) DeletePluginSource(ctx context.Context, name string) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	if _, err := db.conn.ExecContext(ctx,
		`DELETE FROM plugin_catalog WHERE source = ?`, name); err != nil {
		return fmt.Errorf("failed to delete catalog rows for source %s: %w", name, err)
	}
	if _, err := db.conn.ExecContext(ctx,
		`DELETE FROM plugin_sources WHERE name = ?`, name); err != nil {
		return fmt.Errorf("failed to delete plugin source %s: %w", name, err)
	}
	return nil
}

func scanSource(row rowScanner) (*models.PluginSource, error) {
	var (
		src           models.PluginSource
		lastRefreshed sql.NullTime
		lastError     sql.NullString
	)
	if err := row.Scan(&src.Name, &src.URL, &src.Enabled, &lastRefreshed, &lastError); err != nil {
		return nil, err
	}
	if lastRefreshed.Valid {
		src.LastRefreshed = &lastRefreshed.Time
	}
	if lastError.Valid {
		src.LastError = &lastError.String
	}
	return &src, nil
}
