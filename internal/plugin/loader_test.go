// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/pmelling/tagsmith/internal/config"
	"github.com/pmelling/tagsmith/internal/database"
	"github.com/pmelling/tagsmith/internal/models"
	"github.com/pmelling/tagsmith/internal/refresh"
	"github.com/pmelling/tagsmith/internal/registry"
	"github.com/pmelling/tagsmith/internal/settings"
)

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(&config.DatabaseConfig{Path: ":memory:", Threads: 1})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestLoader(t *testing.T, backendVersion string) (*Loader, *database.DB, string) {
	t.Helper()
	db := setupTestDB(t)
	root := t.TempDir()

	actions := registry.NewActionRegistry()
	bundle := &Bundle{
		DB:           db,
		Settings:     settings.NewStore(db, refresh.NewHub()),
		Actions:      actions,
		Recommenders: registry.NewRecommenderRegistry(),
		Services:     registry.NewServiceRegistry(actions),
	}
	loader := NewLoader(db, bundle, config.PluginsConfig{Dir: root}, backendVersion)
	return loader, db, root
}

func writePlugin(t *testing.T, root, name, manifest string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFileName), []byte(manifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return dir
}

func pluginStatus(t *testing.T, db *database.DB, name string) models.PluginStatus {
	t.Helper()
	meta, err := db.GetPluginMeta(context.Background(), name)
	if err != nil {
		t.Fatalf("GetPluginMeta(%s): %v", name, err)
	}
	return meta.Status
}

func TestInitializeActivatesInDependencyOrder(t *testing.T) {
	loader, db, root := newTestLoader(t, "1.2.0")
	writePlugin(t, root, "alpha", "name: alpha\nversion: 1.0.0\ndepends_on: [beta]\n")
	writePlugin(t, root, "beta", "name: beta\nversion: 2.1.0\n")

	var order []string
	RegisterHooks("alpha", Hooks{Register: func(_ context.Context, origin string, _ *Bundle) error {
		order = append(order, origin)
		return nil
	}})
	RegisterHooks("beta", Hooks{Register: func(_ context.Context, origin string, _ *Bundle) error {
		order = append(order, origin)
		return nil
	}})

	if err := loader.InitializePlugins(context.Background()); err != nil {
		t.Fatalf("InitializePlugins: %v", err)
	}

	if got := pluginStatus(t, db, "alpha"); got != models.PluginStatusActive {
		t.Errorf("alpha status = %s, want active", got)
	}
	if got := pluginStatus(t, db, "beta"); got != models.PluginStatusActive {
		t.Errorf("beta status = %s, want active", got)
	}
	if len(order) != 2 || order[0] != "beta" || order[1] != "alpha" {
		t.Errorf("register order = %v, want [beta alpha]", order)
	}
}

func TestInitializeMarksMissingDependency(t *testing.T) {
	loader, db, root := newTestLoader(t, "1.2.0")
	writePlugin(t, root, "orphan", "name: orphan\nversion: 0.1.0\ndepends_on: [nowhere]\n")

	if err := loader.InitializePlugins(context.Background()); err != nil {
		t.Fatalf("InitializePlugins: %v", err)
	}
	if got := pluginStatus(t, db, "orphan"); got != models.PluginStatusDependencyMissing {
		t.Errorf("orphan status = %s, want dependency_missing", got)
	}
}

func TestInitializeDetectsDependencyCycle(t *testing.T) {
	loader, db, root := newTestLoader(t, "1.2.0")
	writePlugin(t, root, "ouro", "name: ouro\nversion: 1.0.0\ndepends_on: [boros]\n")
	writePlugin(t, root, "boros", "name: boros\nversion: 1.0.0\ndepends_on: [ouro]\n")

	if err := loader.InitializePlugins(context.Background()); err != nil {
		t.Fatalf("InitializePlugins: %v", err)
	}
	for _, name := range []string{"ouro", "boros"} {
		if got := pluginStatus(t, db, name); got != models.PluginStatusDependencyCycle {
			t.Errorf("%s status = %s, want dependency_cycle", name, got)
		}
	}
}

func TestInitializeIsolatesBrokenPlugin(t *testing.T) {
	loader, db, root := newTestLoader(t, "1.2.0")
	writePlugin(t, root, "broken", "name: broken\nversion: 1.0.0\n")
	writePlugin(t, root, "healthy", "name: healthy\nversion: 1.0.0\n")
	writePlugin(t, root, "leans", "name: leans\nversion: 1.0.0\ndepends_on: [broken]\n")

	RegisterHooks("broken", Hooks{Register: func(context.Context, string, *Bundle) error {
		return errors.New("boom at startup")
	}})
	RegisterHooks("healthy", Hooks{Register: func(context.Context, string, *Bundle) error {
		return nil
	}})

	if err := loader.InitializePlugins(context.Background()); err != nil {
		t.Fatalf("InitializePlugins: %v", err)
	}

	if got := pluginStatus(t, db, "broken"); got != models.PluginStatusError {
		t.Errorf("broken status = %s, want error", got)
	}
	if got := pluginStatus(t, db, "healthy"); got != models.PluginStatusActive {
		t.Errorf("healthy status = %s, want active", got)
	}
	if got := pluginStatus(t, db, "leans"); got != models.PluginStatusDependencyInactive {
		t.Errorf("leans status = %s, want dependency_inactive", got)
	}

	meta, err := db.GetPluginMeta(context.Background(), "broken")
	if err != nil {
		t.Fatalf("GetPluginMeta: %v", err)
	}
	if meta.LastError == nil || *meta.LastError == "" {
		t.Error("broken plugin has no recorded last_error")
	}
}

func TestBackendConstraintGatesActivation(t *testing.T) {
	loader, db, root := newTestLoader(t, "1.2.0")
	writePlugin(t, root, "future", "name: future\nversion: 1.0.0\nrequired_backend: '>=9.0'\n")

	if err := loader.InitializePlugins(context.Background()); err != nil {
		t.Fatalf("InitializePlugins: %v", err)
	}
	if got := pluginStatus(t, db, "future"); got != models.PluginStatusIncompatible {
		t.Errorf("future status = %s, want incompatible", got)
	}
}

func TestMigrationsApplyInOrderAndAdvanceHead(t *testing.T) {
	loader, db, root := newTestLoader(t, "1.2.0")
	dir := writePlugin(t, root, "schema", "name: schema\nversion: 1.0.0\n")

	migrations := filepath.Join(dir, migrationsDirName)
	if err := os.MkdirAll(migrations, 0o755); err != nil {
		t.Fatalf("mkdir migrations: %v", err)
	}
	writeFile := func(name, sql string) {
		if err := os.WriteFile(filepath.Join(migrations, name), []byte(sql), 0o644); err != nil {
			t.Fatalf("write migration: %v", err)
		}
	}
	writeFile("0001_init.sql", "CREATE TABLE schema_things (id INTEGER PRIMARY KEY, label VARCHAR)")
	writeFile("0002_seed.sql", "INSERT INTO schema_things (id, label) VALUES (1, 'first')")

	if err := loader.InitializePlugins(context.Background()); err != nil {
		t.Fatalf("InitializePlugins: %v", err)
	}

	meta, err := db.GetPluginMeta(context.Background(), "schema")
	if err != nil {
		t.Fatalf("GetPluginMeta: %v", err)
	}
	if meta.MigrationHead != "0002_seed.sql" {
		t.Errorf("migration head = %q, want 0002_seed.sql", meta.MigrationHead)
	}

	var count int
	if err := db.Conn().QueryRow(`SELECT COUNT(*) FROM schema_things`).Scan(&count); err != nil {
		t.Fatalf("query migrated table: %v", err)
	}
	if count != 1 {
		t.Errorf("schema_things rows = %d, want 1", count)
	}

	// A second pass must not re-run anything.
	if err := loader.runMigrations(context.Background(), "schema"); err != nil {
		t.Fatalf("rerun migrations: %v", err)
	}
	if err := db.Conn().QueryRow(`SELECT COUNT(*) FROM schema_things`).Scan(&count); err != nil {
		t.Fatalf("query migrated table: %v", err)
	}
	if count != 1 {
		t.Errorf("after rerun rows = %d, want 1", count)
	}
}

func TestManifestSettingsAreRegistered(t *testing.T) {
	loader, _, root := newTestLoader(t, "1.2.0")
	writePlugin(t, root, "tunable", `name: tunable
version: 1.0.0
settings:
  - key: THRESHOLD
    type: number
    label: Threshold
    default: 0.5
`)

	if err := loader.InitializePlugins(context.Background()); err != nil {
		t.Fatalf("InitializePlugins: %v", err)
	}

	got := loader.bundle.Settings.GetFloat(context.Background(), "tunable", "THRESHOLD", -1)
	if got != 0.5 {
		t.Errorf("THRESHOLD = %v, want 0.5", got)
	}
}

func TestPlanInstallOrdersDependenciesFirst(t *testing.T) {
	loader, db, _ := newTestLoader(t, "1.2.0")
	ctx := context.Background()

	upsert := func(name string, deps []string) {
		err := db.UpsertCatalogEntry(ctx, &models.CatalogEntry{
			Source:     "main",
			PluginName: name,
			Version:    "1.0.0",
			HumanName:  "The " + name,
			DependsOn:  deps,
		})
		if err != nil {
			t.Fatalf("UpsertCatalogEntry(%s): %v", name, err)
		}
	}
	upsert("alpha", []string{"beta"})
	upsert("beta", nil)

	plan, err := loader.PlanInstall(ctx, "main", "alpha")
	if err != nil {
		t.Fatalf("PlanInstall: %v", err)
	}
	if len(plan.Order) != 2 || plan.Order[0] != "beta" || plan.Order[1] != "alpha" {
		t.Errorf("order = %v, want [beta alpha]", plan.Order)
	}
	if len(plan.Dependencies) != 1 || plan.Dependencies[0] != "beta" {
		t.Errorf("dependencies = %v, want [beta]", plan.Dependencies)
	}
	if plan.HumanNames["beta"] != "The beta" {
		t.Errorf("human name for beta = %q", plan.HumanNames["beta"])
	}
}

func TestPlanInstallSkipsActiveDependencies(t *testing.T) {
	loader, db, _ := newTestLoader(t, "1.2.0")
	ctx := context.Background()

	upsert := func(name string, deps []string) {
		err := db.UpsertCatalogEntry(ctx, &models.CatalogEntry{
			Source:     "main",
			PluginName: name,
			Version:    "1.0.0",
			DependsOn:  deps,
		})
		if err != nil {
			t.Fatalf("UpsertCatalogEntry(%s): %v", name, err)
		}
	}
	upsert("alpha", []string{"beta"})
	upsert("beta", []string{"gamma"})
	upsert("gamma", nil)

	err := db.UpsertPluginMeta(ctx, &models.PluginMeta{
		Name:    "gamma",
		Version: "1.0.0",
		Status:  models.PluginStatusActive,
	})
	if err != nil {
		t.Fatalf("UpsertPluginMeta: %v", err)
	}

	plan, err := loader.PlanInstall(ctx, "main", "alpha")
	if err != nil {
		t.Fatalf("PlanInstall: %v", err)
	}
	if len(plan.Order) != 2 || plan.Order[0] != "beta" || plan.Order[1] != "alpha" {
		t.Errorf("order = %v, want [beta alpha]", plan.Order)
	}
	if len(plan.Dependencies) != 1 || plan.Dependencies[0] != "beta" {
		t.Errorf("dependencies = %v, want [beta]", plan.Dependencies)
	}
	if len(plan.AlreadyActive) != 1 || plan.AlreadyActive[0] != "gamma" {
		t.Errorf("already_active = %v, want [gamma]", plan.AlreadyActive)
	}
	if len(plan.Missing) != 0 {
		t.Errorf("missing = %v, want none", plan.Missing)
	}
}

func TestPlanInstallReportsMissingDependency(t *testing.T) {
	loader, db, _ := newTestLoader(t, "1.2.0")
	ctx := context.Background()

	err := db.UpsertCatalogEntry(ctx, &models.CatalogEntry{
		Source:     "main",
		PluginName: "gamma",
		Version:    "1.0.0",
		DependsOn:  []string{"vanished"},
	})
	if err != nil {
		t.Fatalf("UpsertCatalogEntry: %v", err)
	}

	plan, err := loader.PlanInstall(ctx, "main", "gamma")
	if err != nil {
		t.Fatalf("PlanInstall: %v", err)
	}
	if len(plan.Missing) != 1 || plan.Missing[0] != "vanished" {
		t.Errorf("missing = %v, want [vanished]", plan.Missing)
	}

	if err := loader.ExecuteInstall(ctx, "main", "gamma"); !errors.Is(err, ErrDependenciesRequired) {
		t.Errorf("ExecuteInstall error = %v, want ErrDependenciesRequired", err)
	}
}

func TestRemoveRefusesWithDependents(t *testing.T) {
	loader, db, root := newTestLoader(t, "1.2.0")
	writePlugin(t, root, "base", "name: base\nversion: 1.0.0\n")
	writePlugin(t, root, "rider", "name: rider\nversion: 1.0.0\ndepends_on: [base]\n")
	ctx := context.Background()

	if err := loader.InitializePlugins(ctx); err != nil {
		t.Fatalf("InitializePlugins: %v", err)
	}

	if err := loader.ExecuteRemove(ctx, "base", false); !errors.Is(err, ErrDependentPlugins) {
		t.Fatalf("ExecuteRemove error = %v, want ErrDependentPlugins", err)
	}

	if err := loader.ExecuteRemove(ctx, "base", true); err != nil {
		t.Fatalf("forced ExecuteRemove: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "base")); !errors.Is(err, os.ErrNotExist) {
		t.Error("base plugin dir still exists after removal")
	}
	if got := pluginStatus(t, db, "base"); got != models.PluginStatusRemoved {
		t.Errorf("base status = %s, want removed", got)
	}
	if got := pluginStatus(t, db, "rider"); got != models.PluginStatusDependencyMissing {
		t.Errorf("rider status = %s, want dependency_missing", got)
	}
}

func TestReloadUnknownPlugin(t *testing.T) {
	loader, _, _ := newTestLoader(t, "1.2.0")
	if err := loader.Reload(context.Background(), "ghost"); !errors.Is(err, ErrPluginNotFound) {
		t.Errorf("Reload error = %v, want ErrPluginNotFound", err)
	}
}

func TestLoadManifestRejectsFolderMismatch(t *testing.T) {
	root := t.TempDir()
	dir := writePlugin(t, root, "folder-name", "name: other-name\nversion: 1.0.0\n")
	if _, err := LoadManifest(dir); err == nil {
		t.Error("expected folder/name mismatch error")
	}
}

func TestParseBackendConstraint(t *testing.T) {
	tests := []struct {
		constraint string
		version    string
		ok         bool
	}{
		{">=1.0", "1.2.0", true},
		{">=1.0 <2.0", "1.2.0", true},
		{">=1.0, <2.0", "2.1.0", false},
		{"==1.2.0", "1.2.0", true},
		{"==1.2.0", "1.2.1", false},
		{"1.2.0", "1.2.0", true},
		{"1.2.0", "1.3.0", false},
		{"", "0.0.1", true},
	}
	for _, tt := range tests {
		err := CheckBackendCompatible(tt.constraint, tt.version)
		if tt.ok && err != nil {
			t.Errorf("CheckBackendCompatible(%q, %q) = %v, want nil", tt.constraint, tt.version, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("CheckBackendCompatible(%q, %q) = nil, want error", tt.constraint, tt.version)
		}
	}
}
