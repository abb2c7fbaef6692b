// Package hooks defines the lifecycle hook contract plugins implement and
// the bounded invoker that runs hooks without letting them crash or stall
// the host.
package hooks

import (
	"context"
	"sync"
)

// HookContext carries the fields a hook is allowed to see. PreviousVersion
// is set only for update hooks.
type HookContext struct {
	PluginID        string `json:"plugin_id"`
	Slug            string `json:"slug"`
	PreviousVersion string `json:"previous_version,omitempty"`
}

// Func is a single lifecycle callable.
type Func func(ctx context.Context, hc HookContext) error

// Hooks is the typed lifecycle interface a plugin implements once. Manifests
// reference the individual callables by name through a Registry.
type Hooks interface {
	OnInstall(ctx context.Context, hc HookContext) error
	OnActivate(ctx context.Context, hc HookContext) error
	OnDeactivate(ctx context.Context, hc HookContext) error
	OnUpdate(ctx context.Context, hc HookContext) error
	OnUninstall(ctx context.Context, hc HookContext) error
}

// Registry resolves manifest hook references to callables.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register binds a single callable to a reference.
func (r *Registry) Register(ref string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[ref] = fn
}

// RegisterHooks binds all five callables of h under "<ref>.onInstall",
// "<ref>.onActivate" and so on. Plugins typically call this once with their
// slug as the ref prefix.
func (r *Registry) RegisterHooks(ref string, h Hooks) {
	r.Register(ref+".onInstall", h.OnInstall)
	r.Register(ref+".onActivate", h.OnActivate)
	r.Register(ref+".onDeactivate", h.OnDeactivate)
	r.Register(ref+".onUpdate", h.OnUpdate)
	r.Register(ref+".onUninstall", h.OnUninstall)
}

// Resolve returns the callable bound to ref.
func (r *Registry) Resolve(ref string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[ref]
	return fn, ok
}
