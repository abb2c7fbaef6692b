// Package loader is the observer-side runtime: it fetches active plugins'
// bundles, tracks loaded handles per session, and exposes the merged
// route/component view the host UI consumes. Loader state is an explicit
// per-session struct, created by whoever owns the connection, never a
// process-global.
package loader

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/preto960/pluginbay/internal/bundle"
	"github.com/preto960/pluginbay/internal/events"
	"github.com/preto960/pluginbay/internal/manifest"
)

// Handle is the transient, per-session record of a loaded plugin. Destroyed
// on unload/reload; reconstructed from snapshots on reconnect.
type Handle struct {
	PluginID string
	Slug     string
	Version  string
	Module   *bundle.Module
	Store    bundle.Store
	// Degraded marks a handle built from manifest routes only because the
	// bundle could not be fetched or evaluated.
	Degraded bool
}

// Loader owns the handles of one observer session.
type Loader struct {
	transport bundle.Transport
	logger    zerolog.Logger

	mu      sync.Mutex
	handles map[string]*Handle             // by plugin id
	locks   map[string]*sync.Mutex         // per-plugin serialization
	fetches map[string]context.CancelFunc  // in-flight fetch per plugin id
	known   map[string]events.PluginStatus // last status seen per plugin id
}

func New(transport bundle.Transport, logger zerolog.Logger) *Loader {
	return &Loader{
		transport: transport,
		logger:    logger.With().Str("component", "loader").Logger(),
		handles:   make(map[string]*Handle),
		locks:     make(map[string]*sync.Mutex),
		fetches:   make(map[string]context.CancelFunc),
		known:     make(map[string]events.PluginStatus),
	}
}

func (l *Loader) lockFor(pluginID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[pluginID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[pluginID] = m
	}
	return m
}

// Load fetches and mounts the plugin described by st. Already-loaded plugins
// are a no-op; inactive plugins are refused. A bundle fetch or evaluation
// failure degrades to manifest-only routes instead of failing the load.
func (l *Loader) Load(ctx context.Context, st events.PluginStatus) error {
	lock := l.lockFor(st.ID)
	lock.Lock()
	defer lock.Unlock()

	l.mu.Lock()
	_, loaded := l.handles[st.ID]
	l.known[st.ID] = st
	l.mu.Unlock()
	if loaded {
		return nil
	}

	if !st.IsActive {
		return fmt.Errorf("plugin %q is not active", st.Slug)
	}

	h := &Handle{PluginID: st.ID, Slug: st.Slug, Version: st.Version}

	mod, err := l.fetch(ctx, st)
	if err != nil {
		l.logger.Warn().Err(err).Str("slug", st.Slug).Msg("bundle load failed, using manifest fallback")
		h.Degraded = true
		mod = l.fallbackModule(st)
	}
	h.Module = mod

	if mod.NewStore != nil {
		h.Store = mod.NewStore()
	}
	if mod.Initialize != nil {
		if err := mod.Initialize(ctx); err != nil {
			l.logger.Warn().Err(err).Str("slug", st.Slug).Msg("bundle initialize failed")
		}
	}

	l.mu.Lock()
	l.handles[st.ID] = h
	l.mu.Unlock()

	l.logger.Info().Str("slug", st.Slug).Str("version", st.Version).
		Bool("degraded", h.Degraded).Msg("plugin loaded")
	return nil
}

// Unload invokes the bundle's destroy (best-effort) and drops the handle.
func (l *Loader) Unload(ctx context.Context, pluginID string) {
	lock := l.lockFor(pluginID)
	lock.Lock()
	defer lock.Unlock()

	l.unloadLocked(ctx, pluginID)
}

func (l *Loader) unloadLocked(ctx context.Context, pluginID string) {
	l.mu.Lock()
	h, ok := l.handles[pluginID]
	if cancel, inflight := l.fetches[pluginID]; inflight {
		cancel()
		delete(l.fetches, pluginID)
	}
	delete(l.handles, pluginID)
	l.mu.Unlock()

	if !ok {
		return
	}
	if h.Module != nil && h.Module.Destroy != nil {
		if err := h.Module.Destroy(ctx); err != nil {
			l.logger.Warn().Err(err).Str("slug", h.Slug).Msg("bundle destroy failed")
		}
	}
	if h.Store != nil {
		h.Store.Reset()
	}
	l.logger.Info().Str("slug", h.Slug).Msg("plugin unloaded")
}

// Reload unloads then loads, so the old bundle's destroy runs before the new
// bundle's initialize. Used on updated/reloaded events.
func (l *Loader) Reload(ctx context.Context, st events.PluginStatus) error {
	lock := l.lockFor(st.ID)
	lock.Lock()
	defer lock.Unlock()

	l.unloadLocked(ctx, st.ID)

	l.mu.Lock()
	l.known[st.ID] = st
	l.mu.Unlock()

	if !st.IsActive {
		return fmt.Errorf("plugin %q is not active", st.Slug)
	}

	h := &Handle{PluginID: st.ID, Slug: st.Slug, Version: st.Version}
	mod, err := l.fetch(ctx, st)
	if err != nil {
		l.logger.Warn().Err(err).Str("slug", st.Slug).Msg("bundle reload failed, using manifest fallback")
		h.Degraded = true
		mod = l.fallbackModule(st)
	}
	h.Module = mod
	if mod.NewStore != nil {
		h.Store = mod.NewStore()
	}
	if mod.Initialize != nil {
		if err := mod.Initialize(ctx); err != nil {
			l.logger.Warn().Err(err).Str("slug", st.Slug).Msg("bundle initialize failed")
		}
	}

	l.mu.Lock()
	l.handles[st.ID] = h
	l.mu.Unlock()
	return nil
}

// fetch runs the transport fetch under a cancellable context so a newer
// reload can supersede an in-flight fetch.
func (l *Loader) fetch(ctx context.Context, st events.PluginStatus) (*bundle.Module, error) {
	if st.BundleRef == "" {
		return nil, &bundle.LoadError{Ref: st.Slug, Err: fmt.Errorf("no bundle ref")}
	}

	fctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	l.mu.Lock()
	if prev, ok := l.fetches[st.ID]; ok {
		prev()
	}
	l.fetches[st.ID] = cancel
	l.mu.Unlock()

	defer func() {
		cancel()
		l.mu.Lock()
		delete(l.fetches, st.ID)
		l.mu.Unlock()
	}()

	return l.transport.Fetch(fctx, st.BundleRef, st.BundleChecksum)
}

// fallbackModule builds the degraded, manifest-only module: navigation
// entries survive, components and store do not.
func (l *Loader) fallbackModule(st events.PluginStatus) *bundle.Module {
	var routes []manifest.Route
	if st.Manifest.Frontend != nil {
		routes = st.Manifest.Frontend.Routes
	}
	return &bundle.Module{Routes: routes, Components: map[string]bundle.Component{}}
}

// IsLoaded reports whether the plugin has a handle (degraded or not).
func (l *Loader) IsLoaded(pluginID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.handles[pluginID]
	return ok
}

// Handle returns the live handle for pluginID.
func (l *Loader) Handle(pluginID string) (*Handle, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.handles[pluginID]
	return h, ok
}

// Routes returns the merged route set across all loaded handles, each path
// namespaced under /plugins/{slug}. It reflects exactly the currently-loaded
// set.
func (l *Loader) Routes() []manifest.Route {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []manifest.Route
	for _, h := range l.handles {
		if h.Module == nil {
			continue
		}
		for _, r := range h.Module.Routes {
			nr := r
			nr.Path = namespacePath(h.Slug, r.Path)
			if nr.Name != "" {
				nr.Name = h.Slug + ":" + r.Name
			}
			out = append(out, nr)
		}
	}
	return out
}

// Component resolves a namespaced component name ("slug:Name"). Absent
// components (unknown name, degraded handle) return false.
func (l *Loader) Component(name string) (bundle.Component, bool) {
	slug, comp, ok := strings.Cut(name, ":")
	if !ok {
		return nil, false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, h := range l.handles {
		if h.Slug != slug || h.Module == nil {
			continue
		}
		c, ok := h.Module.Components[comp]
		return c, ok
	}
	return nil, false
}

// Apply reacts to a lifecycle event using the last known status for the
// plugin, falling back to snapshot reconciliation when the event alone is
// not enough.
func (l *Loader) Apply(ctx context.Context, ev events.LifecycleEvent, current *events.PluginStatus) {
	switch ev.Type {
	case events.EventActivated:
		if current != nil {
			if err := l.Load(ctx, *current); err != nil {
				l.logger.Warn().Err(err).Str("slug", ev.Slug).Msg("load on activation failed")
			}
		}
	case events.EventDeactivated, events.EventUninstalled:
		l.Unload(ctx, ev.PluginID)
	case events.EventUpdated, events.EventReloaded:
		if current != nil {
			if l.IsLoaded(ev.PluginID) || current.IsActive {
				if err := l.Reload(ctx, *current); err != nil {
					l.logger.Warn().Err(err).Str("slug", ev.Slug).Msg("reload failed")
				}
			}
		}
	case events.EventInstalled, events.EventError:
		// Nothing to mount; status surfaces through snapshots.
	}
}

// Reconcile converges the session to a registry snapshot: loads what should
// be loaded, unloads what should not, reloads what changed version. After
// Reconcile the session state matches one that observed every event live.
func (l *Loader) Reconcile(ctx context.Context, snapshot []events.PluginStatus) {
	want := make(map[string]events.PluginStatus, len(snapshot))
	for _, st := range snapshot {
		want[st.ID] = st
	}

	l.mu.Lock()
	var stale []string
	var reload []events.PluginStatus
	for id, h := range l.handles {
		st, ok := want[id]
		switch {
		case !ok || !st.IsActive:
			stale = append(stale, id)
		case st.Version != h.Version:
			reload = append(reload, st)
		}
	}
	l.mu.Unlock()

	for _, id := range stale {
		l.Unload(ctx, id)
	}
	for _, st := range reload {
		if err := l.Reload(ctx, st); err != nil {
			l.logger.Warn().Err(err).Str("slug", st.Slug).Msg("reconcile reload failed")
		}
	}
	for _, st := range snapshot {
		if st.IsActive && !l.IsLoaded(st.ID) {
			if err := l.Load(ctx, st); err != nil {
				l.logger.Warn().Err(err).Str("slug", st.Slug).Msg("reconcile load failed")
			}
		}
	}
}

// Status returns the last status seen for a plugin, if any.
func (l *Loader) Status(pluginID string) (events.PluginStatus, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.known[pluginID]
	return st, ok
}

func namespacePath(slug, path string) string {
	prefix := "/plugins/" + slug
	if path == "" || path == "/" {
		return prefix
	}
	if strings.HasPrefix(path, prefix) {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return prefix + path
}
