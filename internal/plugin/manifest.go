// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

// Package plugin implements the plugin loader: manifest discovery,
// dependency-ordered activation with backend compatibility checks, per-plugin
// SQL migrations, catalog sources, install/remove/reload, and the fsnotify
// hot-reload watcher.
//
// Plugin code is compiled in and registered through the hook registry; the
// on-disk manifest drives lifecycle, settings schema, and migrations.
package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	goversion "github.com/hashicorp/go-version"
	"gopkg.in/yaml.v3"

	"github.com/pmelling/tagsmith/internal/models"
)

// ManifestFileName is the per-plugin manifest file.
const ManifestFileName = "plugin.yml"

// SettingDecl is one settings-schema entry of a manifest.
type SettingDecl struct {
	Key         string   `yaml:"key"`
	Type        string   `yaml:"type"`
	Label       string   `yaml:"label"`
	Description string   `yaml:"description"`
	Default     any      `yaml:"default"`
	Options     []string `yaml:"options"`
}

// Manifest is the parsed plugin.yml of one plugin.
type Manifest struct {
	Name            string        `yaml:"name"`
	Version         string        `yaml:"version"`
	RequiredBackend string        `yaml:"required_backend"`
	HumanName       string        `yaml:"human_name"`
	Description     string        `yaml:"description"`
	ServerLink      string        `yaml:"server_link"`
	Files           []string      `yaml:"files"`
	DependsOn       []string      `yaml:"depends_on"`
	Settings        []SettingDecl `yaml:"settings"`
	UISettings      []SettingDecl `yaml:"ui_settings"`
	Config          []SettingDecl `yaml:"config"`
}

// AllSettings merges the three accepted settings-schema keys.
func (m *Manifest) AllSettings() []SettingDecl {
	out := make([]SettingDecl, 0, len(m.Settings)+len(m.UISettings)+len(m.Config))
	out = append(out, m.Settings...)
	out = append(out, m.UISettings...)
	out = append(out, m.Config...)
	return out
}

// LoadManifest reads and validates the manifest in dir. The folder name must
// match the declared plugin name.
func LoadManifest(dir string) (*Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("malformed manifest in %s: %w", dir, err)
	}
	if manifest.Name == "" {
		return nil, fmt.Errorf("manifest in %s declares no name", dir)
	}
	if folder := filepath.Base(dir); folder != manifest.Name {
		return nil, fmt.Errorf("plugin folder %q does not match declared name %q", folder, manifest.Name)
	}
	// A literal `depends_on: null` reads as nil; normalize empty strings out.
	deps := manifest.DependsOn[:0]
	for _, dep := range manifest.DependsOn {
		if dep != "" {
			deps = append(deps, dep)
		}
	}
	manifest.DependsOn = deps
	return &manifest, nil
}

// ParseBackendConstraint parses the manifest's version constraint language:
// whitespace or comma separated tokens, each an operator-prefixed version or
// a bare version meaning exact match. All tokens must hold.
func ParseBackendConstraint(raw string) (goversion.Constraints, error) {
	tokens := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t' || r == '\n'
	})
	if len(tokens) == 0 {
		return nil, nil
	}
	normalized := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		switch {
		case strings.HasPrefix(tok, "=="):
			normalized = append(normalized, "="+tok[2:])
		case strings.HasPrefix(tok, ">="), strings.HasPrefix(tok, "<="),
			strings.HasPrefix(tok, ">"), strings.HasPrefix(tok, "<"),
			strings.HasPrefix(tok, "="):
			normalized = append(normalized, tok)
		default:
			normalized = append(normalized, "="+tok)
		}
	}
	constraints, err := goversion.NewConstraint(strings.Join(normalized, ", "))
	if err != nil {
		return nil, fmt.Errorf("invalid version constraint %q: %w", raw, err)
	}
	return constraints, nil
}

// CheckBackendCompatible reports whether the backend version satisfies a
// manifest's required_backend constraint. An empty constraint always passes.
func CheckBackendCompatible(requiredBackend, backendVersion string) error {
	if strings.TrimSpace(requiredBackend) == "" {
		return nil
	}
	constraints, err := ParseBackendConstraint(requiredBackend)
	if err != nil {
		return err
	}
	if constraints == nil {
		return nil
	}
	current, err := goversion.NewVersion(backendVersion)
	if err != nil {
		return fmt.Errorf("invalid backend version %q: %w", backendVersion, err)
	}
	if !constraints.Check(current) {
		return fmt.Errorf("backend %s does not satisfy required constraint %q", backendVersion, requiredBackend)
	}
	return nil
}

// CatalogEntryFromManifest synthesizes the local catalog row of an on-disk
// plugin.
func CatalogEntryFromManifest(manifest *Manifest, path string) *models.CatalogEntry {
	return &models.CatalogEntry{
		Source:      models.LocalSource,
		PluginName:  manifest.Name,
		Version:     manifest.Version,
		Description: manifest.Description,
		HumanName:   manifest.HumanName,
		ServerLink:  manifest.ServerLink,
		DependsOn:   manifest.DependsOn,
		Path:        path,
	}
}
