// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

// Package settings implements the typed key/value configuration store
// persisted per-plugin and per-system. Values are coerced on write against
// the declared setting type; reads return the override value or the declared
// default. A per-plugin cache fronts the database and is invalidated on
// every write, which also fires the backend-refresh hub for the written key.
package settings

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	"github.com/pmelling/tagsmith/internal/database"
	"github.com/pmelling/tagsmith/internal/logging"
	"github.com/pmelling/tagsmith/internal/models"
	"github.com/pmelling/tagsmith/internal/refresh"
)

// Coercion and lookup errors. The API layer maps these onto its enumerated
// error codes.
var (
	ErrNotFound       = errors.New("setting not found")
	ErrInvalidNumber  = errors.New("value is not a valid number")
	ErrInvalidBoolean = errors.New("value is not a valid boolean")
	ErrInvalidOption  = errors.New("value is not among the declared options")
	ErrInvalidJSON    = errors.New("value is not valid JSON")
	ErrInvalidPathMap = errors.New("value is not a valid path map")
)

// Store is the settings component. Safe for concurrent use.
type Store struct {
	db  *database.DB
	hub *refresh.Hub

	mu    sync.RWMutex
	cache map[string]map[string]*models.SettingDefinition
}

// NewStore creates a settings store backed by db, firing change
// notifications into hub.
func NewStore(db *database.DB, hub *refresh.Hub) *Store {
	return &Store{
		db:    db,
		hub:   hub,
		cache: make(map[string]map[string]*models.SettingDefinition),
	}
}

// Register declares (or re-declares) a setting's metadata. Any existing
// override value is preserved.
func (s *Store) Register(ctx context.Context, def *models.SettingDefinition) error {
	if def.Type == "" {
		def.Type = models.SettingString
	}
	if err := s.db.UpsertSettingDefinition(ctx, def); err != nil {
		return err
	}
	s.Invalidate(def.PluginName)
	return nil
}

// Get returns the effective value for (plugin, key): the override when set,
// else the declared default (nil when neither exists).
func (s *Store) Get(ctx context.Context, plugin, key string) (any, error) {
	def, err := s.definition(ctx, plugin, key)
	if err != nil {
		return nil, err
	}
	raw := def.Value
	if raw == nil {
		raw = def.Default
	}
	if raw == nil {
		return nil, nil
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("stored value for %s/%s is corrupt: %w", plugin, key, err)
	}
	return value, nil
}

// GetString returns the effective value as a string, or fallback.
func (s *Store) GetString(ctx context.Context, plugin, key, fallback string) string {
	value, err := s.Get(ctx, plugin, key)
	if err != nil || value == nil {
		return fallback
	}
	if str, ok := value.(string); ok {
		return str
	}
	return fallback
}

// GetFloat returns the effective value as a float64, or fallback.
func (s *Store) GetFloat(ctx context.Context, plugin, key string, fallback float64) float64 {
	value, err := s.Get(ctx, plugin, key)
	if err != nil || value == nil {
		return fallback
	}
	if f, ok := value.(float64); ok {
		return f
	}
	return fallback
}

// GetBool returns the effective value as a bool, or fallback.
func (s *Store) GetBool(ctx context.Context, plugin, key string, fallback bool) bool {
	value, err := s.Get(ctx, plugin, key)
	if err != nil || value == nil {
		return fallback
	}
	if b, ok := value.(bool); ok {
		return b
	}
	return fallback
}

// Set writes the override value for (plugin, key) after coercing it against
// the declared type. A nil value clears the override. System settings must
// already be registered; plugin settings are auto-created on write with
// minimal metadata.
func (s *Store) Set(ctx context.Context, plugin, key string, value any) error {
	def, err := s.definition(ctx, plugin, key)
	if errors.Is(err, ErrNotFound) {
		if plugin == models.SystemPlugin {
			return ErrNotFound
		}
		// Auto-create plugin settings on first write.
		def = &models.SettingDefinition{
			PluginName: plugin,
			Key:        key,
			Type:       models.SettingString,
		}
		if err := s.db.UpsertSettingDefinition(ctx, def); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	var raw []byte
	if value != nil {
		coerced, err := Coerce(def.Type, def.Options, value)
		if err != nil {
			return err
		}
		raw, err = json.Marshal(coerced)
		if err != nil {
			return fmt.Errorf("failed to encode setting value: %w", err)
		}
	}

	if err := s.db.SetSettingValue(ctx, plugin, key, raw); err != nil {
		if errors.Is(err, database.ErrSettingNotFound) {
			return ErrNotFound
		}
		return err
	}

	s.Invalidate(plugin)
	if s.hub != nil {
		s.hub.Notify(key)
	}
	logging.Debug().Str("plugin", plugin).Str("key", key).Msg("setting written")
	return nil
}

// List returns all settings definitions of a plugin.
func (s *Store) List(ctx context.Context, plugin string) ([]*models.SettingDefinition, error) {
	return s.db.ListSettings(ctx, plugin)
}

// Invalidate drops the cached rows of one plugin.
func (s *Store) Invalidate(plugin string) {
	s.mu.Lock()
	delete(s.cache, plugin)
	s.mu.Unlock()
}

func (s *Store) definition(ctx context.Context, plugin, key string) (*models.SettingDefinition, error) {
	s.mu.RLock()
	if byKey, ok := s.cache[plugin]; ok {
		if def, ok := byKey[key]; ok {
			s.mu.RUnlock()
			return def, nil
		}
	}
	s.mu.RUnlock()

	// Load the whole plugin's rows; settings cluster by plugin and reads
	// tend to sweep a namespace.
	defs, err := s.db.ListSettings(ctx, plugin)
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]*models.SettingDefinition, len(defs))
	for _, def := range defs {
		byKey[def.Key] = def
	}
	s.mu.Lock()
	s.cache[plugin] = byKey
	s.mu.Unlock()

	def, ok := byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	return def, nil
}

// Coerce validates and converts a raw value against a declared setting type.
func Coerce(settingType models.SettingType, options []string, value any) (any, error) {
	switch settingType {
	case models.SettingNumber:
		return coerceNumber(value)
	case models.SettingBoolean:
		return coerceBoolean(value)
	case models.SettingSelect:
		return coerceSelect(options, value)
	case models.SettingJSON:
		return coerceJSON(value)
	case models.SettingPathMap:
		return coercePathMap(value)
	default:
		return coerceString(value), nil
	}
}

func coerceNumber(value any) (any, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, ErrInvalidNumber
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, ErrInvalidNumber
		}
		return f, nil
	default:
		return nil, ErrInvalidNumber
	}
}

func coerceBoolean(value any) (any, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case float64:
		if v == 0 {
			return false, nil
		}
		if v == 1 {
			return true, nil
		}
		return nil, ErrInvalidBoolean
	case int:
		if v == 0 {
			return false, nil
		}
		if v == 1 {
			return true, nil
		}
		return nil, ErrInvalidBoolean
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return nil, ErrInvalidBoolean
	default:
		return nil, ErrInvalidBoolean
	}
}

func coerceSelect(options []string, value any) (any, error) {
	str, ok := value.(string)
	if !ok {
		return nil, ErrInvalidOption
	}
	for _, opt := range options {
		if opt == str {
			return str, nil
		}
	}
	return nil, ErrInvalidOption
}

func coerceJSON(value any) (any, error) {
	switch v := value.(type) {
	case string:
		var parsed any
		if err := json.Unmarshal([]byte(v), &parsed); err != nil {
			return nil, ErrInvalidJSON
		}
		return parsed, nil
	case nil:
		return nil, ErrInvalidJSON
	default:
		// Already structured (map, slice, scalar from decoded JSON).
		return v, nil
	}
}

var validSlashModes = map[string]bool{
	"": true, "auto": true, "unix": true, "win": true, "unchanged": true,
}

func coercePathMap(value any) (any, error) {
	// Round-trip through JSON so both []any and []models.PathMapEntry inputs
	// normalize to the same shape.
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, ErrInvalidPathMap
	}
	var entries []models.PathMapEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, ErrInvalidPathMap
	}
	for _, entry := range entries {
		if entry.Source == "" || entry.Target == "" {
			return nil, ErrInvalidPathMap
		}
		if !validSlashModes[entry.SlashMode] {
			return nil, ErrInvalidPathMap
		}
	}
	return entries, nil
}

func coerceString(value any) any {
	switch v := value.(type) {
	case string:
		return v
	case float64, bool:
		return fmt.Sprint(v)
	default:
		return fmt.Sprint(v)
	}
}
