// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package api

import (
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pmelling/tagsmith/internal/airesults"
	"github.com/pmelling/tagsmith/internal/config"
	"github.com/pmelling/tagsmith/internal/database"
	"github.com/pmelling/tagsmith/internal/ingest"
	"github.com/pmelling/tagsmith/internal/plugin"
	"github.com/pmelling/tagsmith/internal/registry"
	"github.com/pmelling/tagsmith/internal/settings"
	"github.com/pmelling/tagsmith/internal/stash"
	"github.com/pmelling/tagsmith/internal/task"
	"github.com/pmelling/tagsmith/internal/websocket"
)

// maxBodySize bounds request bodies. Interaction batches are the largest
// legitimate payloads and stay well under this.
const maxBodySize = 4 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

// Router holds the wired components behind the HTTP surface.
type Router struct {
	cfg          *config.Config
	db           *database.DB
	store        *settings.Store
	tasks        *task.Manager
	actions      *registry.ActionRegistry
	recommenders *registry.RecommenderRegistry
	services     *registry.ServiceRegistry
	ingestor     *ingest.Ingestor
	results      *airesults.Store
	loader       *plugin.Loader
	hub          *websocket.Hub
	stash        stash.Client
	auth         *Authenticator
}

// Deps lists everything the router serves.
type Deps struct {
	Config       *config.Config
	DB           *database.DB
	Settings     *settings.Store
	Tasks        *task.Manager
	Actions      *registry.ActionRegistry
	Recommenders *registry.RecommenderRegistry
	Services     *registry.ServiceRegistry
	Ingestor     *ingest.Ingestor
	Results      *airesults.Store
	Loader       *plugin.Loader
	Hub          *websocket.Hub
	Stash        stash.Client
}

// NewRouter creates the API router.
func NewRouter(deps Deps) *Router {
	return &Router{
		cfg:          deps.Config,
		db:           deps.DB,
		store:        deps.Settings,
		tasks:        deps.Tasks,
		actions:      deps.Actions,
		recommenders: deps.Recommenders,
		services:     deps.Services,
		ingestor:     deps.Ingestor,
		results:      deps.Results,
		loader:       deps.Loader,
		hub:          deps.Hub,
		stash:        deps.Stash,
		auth:         NewAuthenticator(deps.Settings, deps.Config.Security.SharedAPIKey, deps.Config.Security.JWTSecret),
	}
}

// Handler builds the chi mux.
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger())
	r.Use(securityHeaders())
	if len(rt.cfg.Security.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: rt.cfg.Security.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization", APIKeyHeader},
			MaxAge:         86400,
		}))
	}
	r.Use(requestMetrics())

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/version", rt.handleVersion)
		r.Get("/system/health", rt.handleHealth)

		r.Route("/actions", func(r chi.Router) {
			r.Post("/available", rt.handleActionsAvailable)
			r.With(rt.writeLimit()).Post("/submit", rt.handleActionSubmit)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", rt.handleTaskList)
			r.Get("/history", rt.handleTaskHistory)
			r.Get("/{id}", rt.handleTaskGet)
			r.Post("/{id}/cancel", rt.handleTaskCancel)
		})

		r.Post("/interactions/sync", rt.handleInteractionsSync)

		r.Route("/recommendations", func(r chi.Router) {
			r.Get("/recommenders", rt.handleRecommenderList)
			r.Post("/query", rt.handleRecommenderQuery)
		})

		r.Get("/ws/tasks", rt.handleTaskSocket)

		// Admin surface behind the shared-key gate.
		r.Group(func(r chi.Router) {
			r.Use(rt.auth.Middleware)
			r.Use(rt.adminLimit())

			r.Route("/plugins", func(r chi.Router) {
				r.Get("/installed", rt.handlePluginsInstalled)

				r.Route("/sources", func(r chi.Router) {
					r.Get("/", rt.handleSourceList)
					r.Post("/", rt.handleSourceUpsert)
					r.Delete("/{name}", rt.handleSourceDelete)
					r.Post("/{name}/refresh", rt.handleSourceRefresh)
				})

				r.Get("/catalog", rt.handleCatalogList)
				r.Post("/install/plan", rt.handleInstallPlan)
				r.Post("/install", rt.handleInstall)
				r.Post("/update", rt.handleInstall)
				r.Post("/remove/plan", rt.handleRemovePlan)
				r.Post("/remove", rt.handleRemove)

				r.Route("/system/settings", func(r chi.Router) {
					r.Get("/", rt.handleSystemSettingsList)
					r.Put("/{key}", rt.handleSystemSettingSet)
				})

				r.Route("/{name}", func(r chi.Router) {
					r.Post("/reload", rt.handlePluginReload)
					r.Get("/settings", rt.handlePluginSettingsList)
					r.Put("/settings/{key}", rt.handlePluginSettingSet)
				})
			})

			r.Route("/ai/scenes/{sceneId}", func(r chi.Router) {
				r.Post("/runs", rt.handleSceneRunStore)
				r.Get("/runs/latest", rt.handleSceneRunLatest)
				r.Get("/timespans", rt.handleSceneTimespans)
				r.Get("/tags", rt.handleSceneTagTotals)
			})
		})
	})

	return r
}

func (rt *Router) adminLimit() func(http.Handler) http.Handler {
	reqs := rt.cfg.Security.RateLimitReqs
	window := rt.cfg.Security.RateLimitWindow
	if reqs <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if window <= 0 {
		window = time.Minute
	}
	return httprate.LimitByIP(reqs, window)
}

// writeLimit is a moderate per-IP limit on the task submission path.
func (rt *Router) writeLimit() func(http.Handler) http.Handler {
	if rt.cfg.Security.RateLimitReqs <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.LimitByIP(60, time.Minute)
}

// decodeBody unmarshals a bounded JSON request body and runs struct
// validation when the target declares rules.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		writeDetail(w, http.StatusBadRequest, "malformed JSON body: "+err.Error())
		return false
	}
	if err := validate.Struct(v); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return false
	}
	return true
}

func (rt *Router) handleTaskSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWS(rt.hub, w, r)
}
