// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package settings

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/pmelling/tagsmith/internal/config"
	"github.com/pmelling/tagsmith/internal/models"
)

// SystemNamespace is the settings namespace holding global settings.
const SystemNamespace = models.SystemPlugin

// Well-known system setting keys.
const (
	KeyStashURL         = "STASH_URL"
	KeyStashAPIKey      = "STASH_API_KEY"
	KeyUISharedAPIKey   = "UI_SHARED_API_KEY"
	KeyTaskLoopInterval = "TASK_LOOP_INTERVAL"
	KeyTaskDebug        = "TASK_DEBUG"
)

// SeedSystemSettings registers the global settings under the __system__
// namespace. Defaults come from the startup config; runtime overrides are
// preserved across restarts because Register never touches the value column.
func (s *Store) SeedSystemSettings(ctx context.Context, cfg *config.Config) error {
	defs := []*models.SettingDefinition{
		{
			Key:         KeyStashURL,
			Type:        models.SettingString,
			Label:       "Stash URL",
			Description: "Base URL of the Stash media catalog",
			Default:     mustJSON(cfg.Stash.URL),
		},
		{
			Key:         KeyStashAPIKey,
			Type:        models.SettingString,
			Label:       "Stash API key",
			Description: "API key used when connecting to Stash",
			Default:     mustJSON(cfg.Stash.APIKey),
		},
		{
			Key:         KeyUISharedAPIKey,
			Type:        models.SettingString,
			Label:       "UI shared API key",
			Description: "Shared secret gating admin routes; empty disables the gate",
			Default:     mustJSON(cfg.Security.SharedAPIKey),
		},
		{
			Key:         KeyTaskLoopInterval,
			Type:        models.SettingNumber,
			Label:       "Task loop interval",
			Description: "Runner poll interval in seconds",
			Default:     mustJSON(cfg.Tasks.LoopInterval.Seconds()),
		},
		{
			Key:         KeyTaskDebug,
			Type:        models.SettingBoolean,
			Label:       "Task debug logging",
			Description: "Log every task state transition at debug level",
			Default:     mustJSON(false),
		},
	}

	for _, def := range defs {
		def.PluginName = models.SystemPlugin
		if err := s.Register(ctx, def); err != nil {
			return fmt.Errorf("failed to seed system setting %s: %w", def.Key, err)
		}
	}
	return nil
}

func mustJSON(value any) json.RawMessage {
	b, err := json.Marshal(value)
	if err != nil {
		panic(err)
	}
	return b
}
