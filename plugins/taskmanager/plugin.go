// Package taskmanager is the built-in reference plugin: a small task list
// that exercises every extension point of the runtime (lifecycle hooks, a
// mounted backend router, and a frontend bundle with native exports).
package taskmanager

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/preto960/pluginbay/internal/bundle"
	"github.com/preto960/pluginbay/internal/db"
	"github.com/preto960/pluginbay/internal/hooks"
	"github.com/preto960/pluginbay/internal/manifest"
	"github.com/preto960/pluginbay/internal/mount"
)

const (
	Slug      = "task-manager"
	Version   = "1.0.0"
	routerRef = "task-manager.router"
	nativeRef = "task-manager.native"
	bundleRef = "task-manager"
)

// Manifest returns the plugin's manifest as it would arrive in an install
// request.
func Manifest() manifest.Manifest {
	return manifest.Manifest{
		Name:        "Task Manager",
		Version:     Version,
		Slug:        Slug,
		Description: "Simple task tracking with per-plugin storage",
		Author:      "pluginbay",
		Category:    "productivity",
		Frontend: &manifest.Frontend{
			EntryBundleRef: bundleRef,
			Routes: []manifest.Route{
				{Path: "/", Name: "tasks", ComponentRef: "TaskList"},
			},
			ComponentRefs: []string{"TaskList"},
			StoreRef:      "tasks",
		},
		Backend: &manifest.Backend{
			EntryRouterRef: routerRef,
			ModelRefs:      []string{"task"},
		},
		Permissions: []manifest.Permission{
			{Resource: "tasks", Action: "read", Roles: []string{"admin", "operator"}},
			{Resource: "tasks", Action: "write", Roles: []string{"admin", "operator"}},
		},
		Hooks: manifest.HookRefs{
			OnInstall:   Slug + ".onInstall",
			OnActivate:  Slug + ".onActivate",
			OnUninstall: Slug + ".onUninstall",
		},
	}
}

// Plugin implements the lifecycle hooks and owns the task storage. With no
// database attached it falls back to an in-memory store, so the runtime
// works in DB-less development mode.
type Plugin struct {
	db     *db.DB
	mem    *memStore
	logger zerolog.Logger
}

func New(database *db.DB, logger zerolog.Logger) *Plugin {
	return &Plugin{
		db:     database,
		mem:    newMemStore(),
		logger: logger.With().Str("plugin", Slug).Logger(),
	}
}

// Register wires the plugin into the runtime's registries. Call once at
// startup, before any install request referencing this plugin arrives.
func (p *Plugin) Register(hookReg *hooks.Registry, routers *mount.RouterRegistry, natives *bundle.NativeRegistry) {
	hookReg.RegisterHooks(Slug, p)
	routers.Register(routerRef, p.buildRouter)
	natives.Register(nativeRef, Natives())
}

// Natives returns the plugin's frontend exports. Observer processes register
// these under the same native ref so fetched bundles resolve locally.
func Natives() bundle.Native {
	return bundle.Native{
		Components: map[string]bundle.Component{
			"TaskList": renderTaskList,
		},
		NewStore: func() bundle.Store { return bundle.NewMapStore() },
	}
}

// NativeRef is the descriptor ref the bundle resolves against.
func NativeRef() string { return nativeRef }

func (p *Plugin) OnInstall(ctx context.Context, hc hooks.HookContext) error {
	if p.db == nil {
		return nil
	}
	_, err := p.db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS plugin_task_manager_tasks (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			title TEXT NOT NULL,
			done BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return err
	}
	p.logger.Info().Str("plugin_id", hc.PluginID).Msg("task table created")
	return nil
}

func (p *Plugin) OnActivate(ctx context.Context, hc hooks.HookContext) error {
	p.logger.Info().Str("plugin_id", hc.PluginID).Msg("activated")
	return nil
}

func (p *Plugin) OnDeactivate(ctx context.Context, hc hooks.HookContext) error {
	return nil
}

func (p *Plugin) OnUpdate(ctx context.Context, hc hooks.HookContext) error {
	p.logger.Info().
		Str("plugin_id", hc.PluginID).
		Str("previous_version", hc.PreviousVersion).
		Msg("updated")
	return nil
}

func (p *Plugin) OnUninstall(ctx context.Context, hc hooks.HookContext) error {
	p.mem.reset()
	if p.db == nil {
		return nil
	}
	if _, err := p.db.Pool.Exec(ctx, `DROP TABLE IF EXISTS plugin_task_manager_tasks`); err != nil {
		return err
	}
	p.logger.Info().Str("plugin_id", hc.PluginID).Msg("task table dropped")
	return nil
}
