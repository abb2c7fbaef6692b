// Package lifecycle drives plugins through install, activate, deactivate,
// update and uninstall. Transitions for one plugin are serialized; distinct
// plugins transition independently. The registry is the single source of
// truth; mounts and observer loaders converge to it via events and
// snapshots.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/preto960/pluginbay/internal/bundle"
	"github.com/preto960/pluginbay/internal/events"
	"github.com/preto960/pluginbay/internal/hooks"
	"github.com/preto960/pluginbay/internal/manifest"
	"github.com/preto960/pluginbay/internal/mount"
	"github.com/preto960/pluginbay/internal/registry"
)

// Orchestrator is the state machine behind every operator command.
type Orchestrator struct {
	store   registry.Store
	hookReg *hooks.Registry
	invoker *hooks.Invoker
	mounts  *mount.Manager
	routers *mount.RouterRegistry
	pub     events.Publisher
	logger  zerolog.Logger

	mu       sync.Mutex
	inflight map[string]string // slug -> transient state
}

func NewOrchestrator(
	store registry.Store,
	hookReg *hooks.Registry,
	invoker *hooks.Invoker,
	mounts *mount.Manager,
	routers *mount.RouterRegistry,
	pub events.Publisher,
	logger zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		store:    store,
		hookReg:  hookReg,
		invoker:  invoker,
		mounts:   mounts,
		routers:  routers,
		pub:      pub,
		logger:   logger.With().Str("component", "lifecycle").Logger(),
		inflight: make(map[string]string),
	}
}

// begin claims the per-slug critical section. Concurrent requests for the
// same slug are rejected rather than queued.
func (o *Orchestrator) begin(slug, state string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if op, busy := o.inflight[slug]; busy {
		return &ConflictError{Slug: slug, Op: op}
	}
	o.inflight[slug] = state
	return nil
}

func (o *Orchestrator) finish(slug string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, slug)
}

// Install validates the manifest, persists the registry row optimistically,
// runs onInstall, and rolls the row back if the hook fails.
func (o *Orchestrator) Install(ctx context.Context, m manifest.Manifest, artifact bundle.Artifact) (*registry.InstalledPlugin, error) {
	if err := o.validateManifest(&m); err != nil {
		return nil, err
	}

	if err := o.begin(m.Slug, "installing"); err != nil {
		return nil, err
	}
	defer o.finish(m.Slug)

	if _, err := o.store.GetBySlug(ctx, m.Slug); err == nil {
		return nil, &ValidationError{Msg: fmt.Sprintf("plugin %q is already installed", m.Slug)}
	} else if !errors.Is(err, registry.ErrNotFound) {
		return nil, fmt.Errorf("install %s: %w", m.Slug, err)
	}

	row := &registry.InstalledPlugin{
		ID:             uuid.New().String(),
		Slug:           m.Slug,
		Version:        m.Version,
		Manifest:       m,
		BundleRef:      artifact.BundleRef,
		BundleChecksum: artifact.Checksum,
	}
	if err := o.store.Save(ctx, row); err != nil {
		return nil, fmt.Errorf("install %s: %w", m.Slug, err)
	}

	hc := hooks.HookContext{PluginID: row.ID, Slug: row.Slug}
	if res := o.invoke(ctx, "onInstall", m.Hooks.OnInstall, hc); !res.OK {
		// Roll back the optimistic row.
		if err := o.store.Delete(ctx, row.ID); err != nil {
			o.logger.Error().Err(err).Str("slug", m.Slug).Msg("failed to roll back install")
		}
		return nil, fmt.Errorf("install %s: %w", m.Slug, &HookFailure{Hook: "onInstall", TimedOut: res.TimedOut, Err: res.Err})
	}

	o.logger.Info().Str("slug", row.Slug).Str("version", row.Version).Msg("plugin installed")
	o.publish(events.EventInstalled, row.ID, row.Slug, map[string]string{"version": row.Version})
	return row, nil
}

// Activate runs onActivate and, on success, flips is_active and attaches the
// plugin's backend routes. Hook failure leaves the plugin installed-inactive
// with no routes mounted. Activating an active plugin is a no-op.
func (o *Orchestrator) Activate(ctx context.Context, slug string) (*registry.InstalledPlugin, error) {
	if err := o.begin(slug, "activating"); err != nil {
		return nil, err
	}
	defer o.finish(slug)

	// Read inside the critical section so a concurrent transition cannot
	// invalidate the row between the read and the state change.
	row, err := o.store.GetBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}

	if row.IsActive {
		return row, nil
	}

	hc := hooks.HookContext{PluginID: row.ID, Slug: row.Slug}
	if res := o.invoke(ctx, "onActivate", row.Manifest.Hooks.OnActivate, hc); !res.OK {
		hf := &HookFailure{Hook: "onActivate", TimedOut: res.TimedOut, Err: res.Err}
		o.recordError(ctx, row.ID, hf.Error())
		return nil, fmt.Errorf("activate %s: %w", slug, hf)
	}

	if err := o.store.SetActive(ctx, row.ID, true); err != nil {
		return nil, fmt.Errorf("activate %s: %w", slug, err)
	}

	if err := o.attachRoutes(row); err != nil {
		// Mount failure fails the transition: revert the flag.
		if rerr := o.store.SetActive(ctx, row.ID, false); rerr != nil {
			o.logger.Error().Err(rerr).Str("slug", slug).Msg("failed to revert activation")
		}
		o.mounts.Detach(slug)
		o.recordError(ctx, row.ID, err.Error())
		return nil, fmt.Errorf("activate %s: %w", slug, err)
	}

	o.recordError(ctx, row.ID, "")
	row.IsActive = true
	o.logger.Info().Str("slug", slug).Msg("plugin activated")
	o.publish(events.EventActivated, row.ID, row.Slug, map[string]string{"version": row.Version})
	return row, nil
}

// Deactivate runs onDeactivate, then unconditionally detaches routes and
// flips is_active off — hook failure is recorded, never fatal, so resources
// are always freed.
func (o *Orchestrator) Deactivate(ctx context.Context, slug string) (*registry.InstalledPlugin, error) {
	if err := o.begin(slug, "deactivating"); err != nil {
		return nil, err
	}
	defer o.finish(slug)

	row, err := o.store.GetBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}

	if !row.IsActive {
		return nil, &ValidationError{Msg: fmt.Sprintf("plugin %q is not active", slug)}
	}

	hc := hooks.HookContext{PluginID: row.ID, Slug: row.Slug}
	res := o.invoke(ctx, "onDeactivate", row.Manifest.Hooks.OnDeactivate, hc)

	o.mounts.Detach(slug)
	if err := o.store.SetActive(ctx, row.ID, false); err != nil {
		return nil, fmt.Errorf("deactivate %s: %w", slug, err)
	}

	payload := map[string]string{}
	if !res.OK {
		payload["hook_error"] = res.Err.Error()
		o.recordError(ctx, row.ID, res.Err.Error())
	} else {
		o.recordError(ctx, row.ID, "")
	}

	row.IsActive = false
	o.logger.Info().Str("slug", slug).Bool("hook_ok", res.OK).Msg("plugin deactivated")
	o.publish(events.EventDeactivated, row.ID, row.Slug, payload)
	return row, nil
}

// Update swaps the manifest and version, runs onUpdate, and reloads mounts
// if the plugin was active. The swap is not rolled back on hook failure —
// the new artifact is already staged — but the transition reports
// UpdateFailed and broadcasts an error event instead of updated.
func (o *Orchestrator) Update(ctx context.Context, slug string, m manifest.Manifest, artifact bundle.Artifact) (*registry.InstalledPlugin, error) {
	if err := o.validateManifest(&m); err != nil {
		return nil, err
	}
	if m.Slug != slug {
		return nil, &ValidationError{Msg: fmt.Sprintf("manifest slug %q does not match plugin %q", m.Slug, slug)}
	}

	if err := o.begin(slug, "updating"); err != nil {
		return nil, err
	}
	defer o.finish(slug)

	row, err := o.store.GetBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}

	cmp, err := manifest.CompareVersions(m.Version, row.Version)
	if err != nil {
		return nil, &ValidationError{Msg: err.Error()}
	}
	if cmp == 0 {
		return nil, &ValidationError{Msg: fmt.Sprintf("plugin %q is already at version %s", slug, m.Version)}
	}
	if cmp < 0 {
		o.logger.Warn().Str("slug", slug).Str("from", row.Version).Str("to", m.Version).Msg("downgrading plugin")
	}

	previous := row.Version
	wasActive := row.IsActive

	row.Manifest = m
	row.Version = m.Version
	row.BundleRef = artifact.BundleRef
	row.BundleChecksum = artifact.Checksum
	if err := o.store.Save(ctx, row); err != nil {
		return nil, fmt.Errorf("update %s: %w", slug, err)
	}

	hc := hooks.HookContext{PluginID: row.ID, Slug: row.Slug, PreviousVersion: previous}
	res := o.invoke(ctx, "onUpdate", m.Hooks.OnUpdate, hc)

	var reloadErr error
	if wasActive {
		o.mounts.Detach(slug)
		reloadErr = o.attachRoutes(row)
	}

	if res.OK && reloadErr == nil {
		o.recordError(ctx, row.ID, "")
		o.logger.Info().Str("slug", slug).Str("from", previous).Str("to", row.Version).Msg("plugin updated")
		// Observers reload from this payload without waiting for a snapshot,
		// so it has to carry the new artifact refs.
		o.publish(events.EventUpdated, row.ID, row.Slug, map[string]string{
			"version":          row.Version,
			"previous_version": previous,
			"bundle_ref":       row.BundleRef,
			"bundle_checksum":  row.BundleChecksum,
		})
		return row, nil
	}

	failure := reloadErr
	if failure == nil {
		failure = &HookFailure{Hook: "onUpdate", TimedOut: res.TimedOut, Err: res.Err}
	}
	o.recordError(ctx, row.ID, failure.Error())
	o.publish(events.EventError, row.ID, row.Slug, map[string]string{
		"stage":            "update",
		"message":          failure.Error(),
		"version":          row.Version,
		"previous_version": previous,
	})
	return row, fmt.Errorf("update %s: %w", slug, failure)
}

// Uninstall is always terminal: the registry row is deleted regardless of
// hook outcome. An active plugin is implicitly deactivated first.
func (o *Orchestrator) Uninstall(ctx context.Context, slug string) error {
	if err := o.begin(slug, "uninstalling"); err != nil {
		return err
	}
	defer o.finish(slug)

	row, err := o.store.GetBySlug(ctx, slug)
	if err != nil {
		return err
	}

	hc := hooks.HookContext{PluginID: row.ID, Slug: row.Slug}

	if row.IsActive {
		if res := o.invoke(ctx, "onDeactivate", row.Manifest.Hooks.OnDeactivate, hc); !res.OK {
			o.logger.Warn().Str("slug", slug).Err(res.Err).Msg("deactivate hook failed during uninstall")
		}
		o.mounts.Detach(slug)
	}

	res := o.invoke(ctx, "onUninstall", row.Manifest.Hooks.OnUninstall, hc)

	if err := o.store.Delete(ctx, row.ID); err != nil {
		return fmt.Errorf("uninstall %s: %w", slug, err)
	}

	payload := map[string]string{}
	if !res.OK {
		payload["hook_error"] = res.Err.Error()
	}
	o.logger.Info().Str("slug", slug).Bool("hook_ok", res.OK).Msg("plugin uninstalled")
	o.publish(events.EventUninstalled, row.ID, row.Slug, payload)
	return nil
}

// RestoreMounts re-attaches the backend routes of every active plugin after
// a restart. Plugins whose routers can no longer be built are marked with
// last_error but stay active; operators resolve them explicitly.
func (o *Orchestrator) RestoreMounts(ctx context.Context) error {
	rows, err := o.store.List(ctx)
	if err != nil {
		return err
	}

	for _, row := range rows {
		if !row.IsActive {
			continue
		}
		if err := o.attachRoutes(row); err != nil {
			o.logger.Error().Err(err).Str("slug", row.Slug).Msg("failed to restore plugin mount")
			o.recordError(ctx, row.ID, fmt.Sprintf("mount restore failed: %v", err))
			continue
		}
		o.logger.Info().Str("slug", row.Slug).Str("version", row.Version).Msg("plugin mount restored")
	}
	return nil
}

// Get returns one installed plugin by slug.
func (o *Orchestrator) Get(ctx context.Context, slug string) (*registry.InstalledPlugin, error) {
	return o.store.GetBySlug(ctx, slug)
}

// List returns every installed plugin.
func (o *Orchestrator) List(ctx context.Context) ([]*registry.InstalledPlugin, error) {
	return o.store.List(ctx)
}

// Snapshot builds the full status view observers reconcile against,
// including transient transition states for in-flight work.
func (o *Orchestrator) Snapshot(ctx context.Context) []events.PluginStatus {
	rows, err := o.store.List(ctx)
	if err != nil {
		o.logger.Error().Err(err).Msg("failed to build snapshot")
		return nil
	}

	o.mu.Lock()
	inflight := make(map[string]string, len(o.inflight))
	for k, v := range o.inflight {
		inflight[k] = v
	}
	o.mu.Unlock()

	statuses := make([]events.PluginStatus, 0, len(rows))
	for _, row := range rows {
		state := "inactive"
		if row.IsActive {
			state = "active"
		}
		if s, ok := inflight[row.Slug]; ok {
			state = s
		}
		statuses = append(statuses, events.PluginStatus{
			ID:             row.ID,
			Slug:           row.Slug,
			Version:        row.Version,
			State:          state,
			IsActive:       row.IsActive,
			BundleRef:      row.BundleRef,
			BundleChecksum: row.BundleChecksum,
			LastError:      row.LastError,
			Manifest:       row.Manifest,
		})
	}
	return statuses
}

// Status returns the status entry for one plugin.
func (o *Orchestrator) Status(ctx context.Context, slug string) (*events.PluginStatus, error) {
	if _, err := o.store.GetBySlug(ctx, slug); err != nil {
		return nil, err
	}
	for _, st := range o.Snapshot(ctx) {
		if st.Slug == slug {
			return &st, nil
		}
	}
	return nil, registry.ErrNotFound
}

func (o *Orchestrator) validateManifest(m *manifest.Manifest) error {
	if err := m.Validate(); err != nil {
		return &ValidationError{Msg: err.Error()}
	}
	for name, ref := range m.Hooks.All() {
		if _, ok := o.hookReg.Resolve(ref); !ok {
			return &ValidationError{Msg: fmt.Sprintf("hook %s references unknown callable %q", name, ref)}
		}
	}
	if m.Backend != nil {
		if _, ok := o.routers.Resolve(m.Backend.EntryRouterRef); !ok {
			return &ValidationError{Msg: fmt.Sprintf("backend router ref %q is not registered", m.Backend.EntryRouterRef)}
		}
	}
	return nil
}

func (o *Orchestrator) invoke(ctx context.Context, name, ref string, hc hooks.HookContext) hooks.Result {
	if ref == "" {
		return hooks.Result{OK: true}
	}
	fn, _ := o.hookReg.Resolve(ref)
	return o.invoker.Invoke(ctx, name, fn, hc)
}

func (o *Orchestrator) attachRoutes(row *registry.InstalledPlugin) error {
	if row.Manifest.Backend == nil {
		return nil
	}
	h, err := o.routers.Build(row.Manifest.Backend.EntryRouterRef)
	if err != nil {
		return &mount.Error{Slug: row.Slug, Msg: err.Error()}
	}
	return o.mounts.Attach(row.Slug, h)
}

func (o *Orchestrator) recordError(ctx context.Context, id, msg string) {
	if err := o.store.SetError(ctx, id, msg); err != nil {
		o.logger.Error().Err(err).Str("plugin", id).Msg("failed to record plugin error")
	}
}

func (o *Orchestrator) publish(t events.EventType, pluginID, slug string, payload map[string]string) {
	if o.pub == nil {
		return
	}
	var raw json.RawMessage
	if len(payload) > 0 {
		raw, _ = json.Marshal(payload) //nolint:errcheck
	}
	o.pub.Publish(events.LifecycleEvent{Type: t, PluginID: pluginID, Slug: slug, Payload: raw})
}
