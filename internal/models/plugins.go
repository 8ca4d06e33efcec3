// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package models

import (
	"time"

	"github.com/goccy/go-json"
)

// PluginStatus enumerates the loader's per-plugin lifecycle states.
type PluginStatus string

const (
	PluginStatusNew                PluginStatus = "new"
	PluginStatusActive             PluginStatus = "active"
	PluginStatusError              PluginStatus = "error"
	PluginStatusIncompatible       PluginStatus = "incompatible"
	PluginStatusDependencyMissing  PluginStatus = "dependency_missing"
	PluginStatusDependencyInactive PluginStatus = "dependency_inactive"
	PluginStatusDependencyCycle    PluginStatus = "dependency_cycle"
	PluginStatusRemoved            PluginStatus = "removed"
)

// LocalSource is the distinguished, immutable plugin source synthesized from
// on-disk manifests.
const LocalSource = "local"

// SystemPlugin is the distinguished settings namespace holding global
// settings.
const SystemPlugin = "__system__"

// PluginMeta is the loader's per-plugin runtime state row.
type PluginMeta struct {
	Name            string       `json:"name"`
	Version         string       `json:"version"`
	RequiredBackend string       `json:"required_backend,omitempty"`
	Status          PluginStatus `json:"status"`
	MigrationHead   string       `json:"migration_head,omitempty"`
	LastError       *string      `json:"last_error,omitempty"`
	InstalledAt     time.Time    `json:"installed_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// PluginSource is a named remote plugin index.
type PluginSource struct {
	Name          string     `json:"name"`
	URL           string     `json:"url"`
	Enabled       bool       `json:"enabled"`
	LastRefreshed *time.Time `json:"last_refreshed,omitempty"`
	LastError     *string    `json:"last_error,omitempty"`
}

// CatalogEntry is one (source, plugin) row of the plugin catalog. Source
// "local" rows are synthesized from on-disk manifests.
type CatalogEntry struct {
	Source      string          `json:"source"`
	PluginName  string          `json:"plugin_name"`
	Version     string          `json:"version"`
	Description string          `json:"description,omitempty"`
	HumanName   string          `json:"human_name,omitempty"`
	ServerLink  string          `json:"server_link,omitempty"`
	DependsOn   []string        `json:"depends_on,omitempty"`
	Path        string          `json:"path,omitempty"`
	Manifest    json.RawMessage `json:"manifest,omitempty"`
	RefreshedAt time.Time       `json:"refreshed_at"`
}

// SettingType enumerates the declared types of plugin settings.
type SettingType string

const (
	SettingString  SettingType = "string"
	SettingNumber  SettingType = "number"
	SettingBoolean SettingType = "boolean"
	SettingSelect  SettingType = "select"
	SettingJSON    SettingType = "json"
	SettingPathMap SettingType = "path_map"
)

// SettingDefinition is one (plugin, key) settings row: declared metadata plus
// the current override. A nil Value means "use default".
type SettingDefinition struct {
	PluginName  string          `json:"plugin_name"`
	Key         string          `json:"key"`
	Type        SettingType     `json:"type"`
	Label       string          `json:"label,omitempty"`
	Description string          `json:"description,omitempty"`
	Default     json.RawMessage `json:"default,omitempty"`
	Options     []string        `json:"options,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
}

// PathMapEntry is one element of a path_map setting value.
type PathMapEntry struct {
	Source    string `json:"source"`
	Target    string `json:"target"`
	SlashMode string `json:"slash_mode,omitempty"` // auto, unix, win, unchanged
}
