// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pmelling/tagsmith/internal/models"
	"github.com/pmelling/tagsmith/internal/plugin"
	"github.com/pmelling/tagsmith/internal/settings"
)

// handlePluginsInstalled returns the loader's per-plugin state rows.
func (rt *Router) handlePluginsInstalled(w http.ResponseWriter, r *http.Request) {
	metas, err := rt.db.ListPluginMeta(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	if metas == nil {
		metas = []*models.PluginMeta{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"plugins": metas})
}

func (rt *Router) handleSourceList(w http.ResponseWriter, r *http.Request) {
	sources, err := rt.db.ListPluginSources(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	if sources == nil {
		sources = []*models.PluginSource{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

type sourceUpsertRequest struct {
	Name    string `json:"name" validate:"required"`
	URL     string `json:"url" validate:"required,url"`
	Enabled *bool  `json:"enabled,omitempty"`
}

func (rt *Router) handleSourceUpsert(w http.ResponseWriter, r *http.Request) {
	var req sourceUpsertRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == models.LocalSource {
		writeError(w, http.StatusConflict, CodeSourceImmutable, "the local source cannot be modified")
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	src := &models.PluginSource{Name: req.Name, URL: req.URL, Enabled: enabled}
	if err := rt.db.UpsertPluginSource(r.Context(), src); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func (rt *Router) handleSourceDelete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == models.LocalSource {
		writeError(w, http.StatusConflict, CodeSourceImmutable, "the local source cannot be removed")
		return
	}
	src, err := rt.db.GetPluginSource(r.Context(), name)
	if err != nil {
		respondError(w, err)
		return
	}
	if src == nil {
		writeError(w, http.StatusNotFound, CodeSourceNotFound, "unknown source: "+name)
		return
	}
	if err := rt.db.DeletePluginSource(r.Context(), name); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": name})
}

// handleSourceRefresh re-fetches a source's remote index, bypassing the
// cache TTL when force=true.
func (rt *Router) handleSourceRefresh(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	force := r.URL.Query().Get("force") == "true"
	if err := rt.loader.Catalog().RefreshSource(r.Context(), name, force); err != nil {
		respondError(w, err)
		return
	}
	src, err := rt.db.GetPluginSource(r.Context(), name)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func (rt *Router) handleCatalogList(w http.ResponseWriter, r *http.Request) {
	entries, err := rt.db.ListCatalogEntries(r.Context(), r.URL.Query().Get("source"))
	if err != nil {
		respondError(w, err)
		return
	}
	if entries == nil {
		entries = []*models.CatalogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"catalog": entries})
}

type installRequest struct {
	Source string `json:"source" validate:"required"`
	Name   string `json:"name" validate:"required"`
}

func (rt *Router) handleInstallPlan(w http.ResponseWriter, r *http.Request) {
	var req installRequest
	if !decodeBody(w, r, &req) {
		return
	}
	plan, err := rt.loader.PlanInstall(r.Context(), req.Source, req.Name)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (rt *Router) handleInstall(w http.ResponseWriter, r *http.Request) {
	var req installRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := rt.loader.ExecuteInstall(r.Context(), req.Source, req.Name); err != nil {
		respondError(w, err)
		return
	}
	meta, err := rt.db.GetPluginMeta(r.Context(), req.Name)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

type removeRequest struct {
	Name  string `json:"name" validate:"required"`
	Force bool   `json:"force,omitempty"`
}

func (rt *Router) handleRemovePlan(w http.ResponseWriter, r *http.Request) {
	var req removeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	plan, err := rt.loader.PlanRemove(r.Context(), req.Name)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (rt *Router) handleRemove(w http.ResponseWriter, r *http.Request) {
	var req removeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := rt.loader.ExecuteRemove(r.Context(), req.Name, req.Force); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": req.Name})
}

// handlePluginReload tears a plugin down and activates it again from its
// current on-disk state.
func (rt *Router) handlePluginReload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := rt.loader.Reload(r.Context(), name); err != nil {
		if errors.Is(err, plugin.ErrPluginNotFound) {
			respondError(w, err)
			return
		}
		writeError(w, http.StatusInternalServerError, CodeReloadFailed, err.Error())
		return
	}
	meta, err := rt.db.GetPluginMeta(r.Context(), name)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (rt *Router) handlePluginSettingsList(w http.ResponseWriter, r *http.Request) {
	rt.settingsList(w, r, chi.URLParam(r, "name"))
}

func (rt *Router) handleSystemSettingsList(w http.ResponseWriter, r *http.Request) {
	rt.settingsList(w, r, settings.SystemNamespace)
}

func (rt *Router) settingsList(w http.ResponseWriter, r *http.Request, namespace string) {
	if namespace == "" {
		writeError(w, http.StatusBadRequest, CodePluginRequired, "plugin name is required")
		return
	}
	defs, err := rt.store.List(r.Context(), namespace)
	if err != nil {
		respondError(w, err)
		return
	}
	if defs == nil {
		defs = []*models.SettingDefinition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": defs})
}

type settingSetRequest struct {
	Value any `json:"value"`
}

func (rt *Router) handlePluginSettingSet(w http.ResponseWriter, r *http.Request) {
	rt.settingSet(w, r, chi.URLParam(r, "name"))
}

func (rt *Router) handleSystemSettingSet(w http.ResponseWriter, r *http.Request) {
	rt.settingSet(w, r, settings.SystemNamespace)
}

func (rt *Router) settingSet(w http.ResponseWriter, r *http.Request, namespace string) {
	if namespace == "" {
		writeError(w, http.StatusBadRequest, CodePluginRequired, "plugin name is required")
		return
	}
	key := chi.URLParam(r, "key")
	var req settingSetRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := rt.store.Set(r.Context(), namespace, key, req.Value); err != nil {
		respondError(w, err)
		return
	}
	value, err := rt.store.Get(r.Context(), namespace, key)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": value})
}
