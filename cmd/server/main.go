// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

// Package main is the entry point for the Tagsmith server.
//
// Tagsmith orchestrates AI-assisted tagging for a Stash media library. It
// ingests interaction telemetry from the UI, reconstructs watch segments and
// derived statistics, runs plugin-provided tagging actions through an
// asynchronous task manager, persists AI model results, and answers
// recommendation queries.
//
// The server initializes components in dependency order:
//
//  1. Configuration: Koanf v2 over defaults, config.yaml, and environment
//  2. Database: embedded DuckDB, schema created in code
//  3. Settings store and refresh hub: runtime-tunable settings
//  4. Registries: actions, recommenders, services
//  5. Task manager: per-service priority queues and the dispatch loop
//  6. Plugin loader: manifest discovery, migrations, hook activation
//  7. WebSocket hub: task event stream to connected UI clients
//  8. HTTP server: REST API under /api/v1 plus /metrics
//
// Long-running services (dispatch loop, websocket hub, plugin watcher,
// metrics poller, HTTP server) run under a suture supervision tree and shut
// down gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pmelling/tagsmith/internal/airesults"
	"github.com/pmelling/tagsmith/internal/api"
	"github.com/pmelling/tagsmith/internal/config"
	"github.com/pmelling/tagsmith/internal/database"
	"github.com/pmelling/tagsmith/internal/ingest"
	"github.com/pmelling/tagsmith/internal/logging"
	"github.com/pmelling/tagsmith/internal/metrics"
	"github.com/pmelling/tagsmith/internal/models"
	"github.com/pmelling/tagsmith/internal/plugin"
	"github.com/pmelling/tagsmith/internal/refresh"
	"github.com/pmelling/tagsmith/internal/registry"
	"github.com/pmelling/tagsmith/internal/settings"
	"github.com/pmelling/tagsmith/internal/stash"
	"github.com/pmelling/tagsmith/internal/supervisor"
	"github.com/pmelling/tagsmith/internal/task"
	"github.com/pmelling/tagsmith/internal/version"
	ws "github.com/pmelling/tagsmith/internal/websocket"

	// Built-in plugins register their hooks via init(). Their lifecycle is
	// still driven by the manifests under the plugins directory.
	_ "github.com/pmelling/tagsmith/internal/plugin/builtin/aitagger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("version", version.Version).
		Str("db_path", cfg.Database.Path).
		Str("plugins_dir", cfg.Plugins.Dir).
		Msg("Starting Tagsmith")

	db, err := database.New(&cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing database")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Settings and the refresh hub come first: nearly everything else reads
	// runtime-tunable settings through them.
	hub := refresh.NewHub()
	store := settings.NewStore(db, hub)
	if err := store.SeedSystemSettings(ctx, cfg); err != nil {
		logging.Fatal().Err(err).Msg("Failed to seed system settings")
	}

	stashClient := stash.NewCachingClient(stash.NewHTTPClient(store, hub), hub)

	actions := registry.NewActionRegistry()
	recommenders := registry.NewRecommenderRegistry()
	services := registry.NewServiceRegistry(actions)

	manager := task.NewManager(db, actions, services, cfg.Tasks)
	manager.BindSettings(store, hub)

	wsHub := ws.NewHub()
	manager.AddListener(wsHub.TaskListener())
	manager.AddListener(func(event string, t *models.TaskRecord) {
		metrics.RecordTaskEvent(event, t.Service)
		if t.Status.Terminal() && t.StartedAt != nil && t.FinishedAt != nil {
			metrics.RecordTaskFinished(t.Service, string(t.Status), t.FinishedAt.Sub(*t.StartedAt))
		}
	})

	results := airesults.NewStore(db)
	ingestor := ingest.NewIngestor(db, cfg.Ingest)

	bundle := &plugin.Bundle{
		DB:           db,
		Settings:     store,
		Actions:      actions,
		Recommenders: recommenders,
		Services:     services,
		Results:      results,
		Stash:        stashClient,
		Tasks:        manager,
	}
	loader := plugin.NewLoader(db, bundle, cfg.Plugins, version.Version)
	if err := loader.InitializePlugins(ctx); err != nil {
		// Individual plugin failures land in their meta rows; this is a
		// broken plugins root or an unreachable database.
		logging.Fatal().Err(err).Msg("Failed to initialize plugins")
	}

	router := api.NewRouter(api.Deps{
		Config:       cfg,
		DB:           db,
		Settings:     store,
		Tasks:        manager,
		Actions:      actions,
		Recommenders: recommenders,
		Services:     services,
		Ingestor:     ingestor,
		Results:      results,
		Loader:       loader,
		Hub:          wsHub,
		Stash:        stashClient,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Handler(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
		IdleTimeout:  60 * time.Second,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddTaskService(task.NewRunner(manager))
	tree.AddTaskService(metrics.NewPoller(manager, 5*time.Second))
	tree.AddMessagingService(wsHub)
	if cfg.Plugins.WatchEnabled {
		tree.AddMessagingService(plugin.NewWatcher(loader))
		logging.Info().Msg("Plugin hot-reload watcher enabled")
	}
	tree.AddAPIService(supervisor.NewHTTPServerService(server, 10*time.Second))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Tagsmith stopped gracefully")
}
