package loader

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/preto960/pluginbay/internal/bundle"
	"github.com/preto960/pluginbay/internal/events"
	"github.com/preto960/pluginbay/internal/manifest"
)

type fetchCall struct {
	Ref      string
	Checksum string
}

// fakeTransport verifies checksums like the real transport: a ref with a
// registered checksum rejects fetches presenting a different one.
type fakeTransport struct {
	mu        sync.Mutex
	modules   map[string]*bundle.Module
	checksums map[string]string
	fail      map[string]error
	fetches   []fetchCall
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		modules:   make(map[string]*bundle.Module),
		checksums: make(map[string]string),
		fail:      make(map[string]error),
	}
}

func (t *fakeTransport) Fetch(ctx context.Context, ref, checksum string) (*bundle.Module, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fetches = append(t.fetches, fetchCall{Ref: ref, Checksum: checksum})
	if err, ok := t.fail[ref]; ok {
		return nil, err
	}
	if want, ok := t.checksums[ref]; ok && want != checksum {
		return nil, &bundle.LoadError{Ref: ref, Err: errors.New("checksum mismatch")}
	}
	mod, ok := t.modules[ref]
	if !ok {
		return nil, &bundle.LoadError{Ref: ref, Err: errors.New("not found")}
	}
	return mod, nil
}

func (t *fakeTransport) calls() []fetchCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]fetchCall(nil), t.fetches...)
}

func status(id, slug, version, ref string, active bool) events.PluginStatus {
	return events.PluginStatus{
		ID:        id,
		Slug:      slug,
		Version:   version,
		IsActive:  active,
		BundleRef: ref,
		Manifest: manifest.Manifest{
			Name:    slug,
			Slug:    slug,
			Version: version,
			Frontend: &manifest.Frontend{
				EntryBundleRef: ref,
				Routes:         []manifest.Route{{Path: "/", Name: "home"}},
			},
		},
	}
}

func testModule(routes []manifest.Route, hooks *lifecycleRecorder) *bundle.Module {
	mod := &bundle.Module{
		Routes: routes,
		Components: map[string]bundle.Component{
			"Dashboard": func(props map[string]any) ([]byte, error) {
				return []byte("<dashboard>"), nil
			},
		},
		NewStore: func() bundle.Store { return bundle.NewMapStore() },
	}
	if hooks != nil {
		mod.Initialize = func(ctx context.Context) error {
			hooks.record("initialize")
			return nil
		}
		mod.Destroy = func(ctx context.Context) error {
			hooks.record("destroy")
			return nil
		}
	}
	return mod
}

type lifecycleRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *lifecycleRecorder) record(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
}

func (r *lifecycleRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func TestLoadExposesNamespacedRoutesAndComponents(t *testing.T) {
	tr := newFakeTransport()
	tr.modules["bundle-a"] = testModule([]manifest.Route{{Path: "/tasks", Name: "tasks"}}, nil)
	l := New(tr, zerolog.Nop())

	st := status("id-1", "task-manager", "1.0.0", "bundle-a", true)
	if err := l.Load(context.Background(), st); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	routes := l.Routes()
	if len(routes) != 1 {
		t.Fatalf("expected 1 route, got %d", len(routes))
	}
	if routes[0].Path != "/plugins/task-manager/tasks" {
		t.Errorf("expected namespaced path, got %q", routes[0].Path)
	}
	if routes[0].Name != "task-manager:tasks" {
		t.Errorf("expected namespaced name, got %q", routes[0].Name)
	}

	comp, ok := l.Component("task-manager:Dashboard")
	if !ok {
		t.Fatal("expected component to resolve")
	}
	out, err := comp(nil)
	if err != nil || string(out) != "<dashboard>" {
		t.Errorf("unexpected component output %q, err %v", out, err)
	}
}

func TestLoadIsIdempotent(t *testing.T) {
	tr := newFakeTransport()
	tr.modules["bundle-a"] = testModule(nil, nil)
	l := New(tr, zerolog.Nop())

	st := status("id-1", "task-manager", "1.0.0", "bundle-a", true)
	if err := l.Load(context.Background(), st); err != nil {
		t.Fatalf("first load failed: %v", err)
	}
	if err := l.Load(context.Background(), st); err != nil {
		t.Fatalf("second load failed: %v", err)
	}
	if len(tr.fetches) != 1 {
		t.Errorf("expected 1 fetch, got %d", len(tr.fetches))
	}
}

func TestLoadRefusesInactivePlugin(t *testing.T) {
	l := New(newFakeTransport(), zerolog.Nop())
	st := status("id-1", "task-manager", "1.0.0", "bundle-a", false)
	if err := l.Load(context.Background(), st); err == nil {
		t.Fatal("expected error loading inactive plugin")
	}
	if l.IsLoaded("id-1") {
		t.Error("inactive plugin must not be loaded")
	}
}

func TestLoadFallsBackToManifestRoutesOnFetchFailure(t *testing.T) {
	tr := newFakeTransport()
	tr.fail["bundle-a"] = &bundle.LoadError{Ref: "bundle-a", Err: errors.New("boom")}
	l := New(tr, zerolog.Nop())

	st := status("id-1", "task-manager", "1.0.0", "bundle-a", true)
	if err := l.Load(context.Background(), st); err != nil {
		t.Fatalf("degraded load must not fail: %v", err)
	}

	h, ok := l.Handle("id-1")
	if !ok || !h.Degraded {
		t.Fatal("expected a degraded handle")
	}
	if !l.IsLoaded("id-1") {
		t.Error("degraded plugin still counts as loaded")
	}

	routes := l.Routes()
	if len(routes) != 1 || routes[0].Path != "/plugins/task-manager" {
		t.Errorf("expected manifest route namespaced, got %+v", routes)
	}
	if _, ok := l.Component("task-manager:Dashboard"); ok {
		t.Error("degraded handle must not expose components")
	}
}

func TestUnloadRunsDestroyAndRemovesContributions(t *testing.T) {
	rec := &lifecycleRecorder{}
	tr := newFakeTransport()
	tr.modules["bundle-a"] = testModule([]manifest.Route{{Path: "/tasks"}}, rec)
	l := New(tr, zerolog.Nop())

	st := status("id-1", "task-manager", "1.0.0", "bundle-a", true)
	if err := l.Load(context.Background(), st); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	l.Unload(context.Background(), "id-1")

	if l.IsLoaded("id-1") {
		t.Error("plugin still loaded after unload")
	}
	if len(l.Routes()) != 0 {
		t.Error("routes survived unload")
	}
	calls := rec.snapshot()
	if len(calls) != 2 || calls[0] != "initialize" || calls[1] != "destroy" {
		t.Errorf("unexpected lifecycle calls %v", calls)
	}
}

func TestReloadDestroysBeforeInitializing(t *testing.T) {
	rec := &lifecycleRecorder{}
	tr := newFakeTransport()
	tr.modules["bundle-a"] = testModule(nil, rec)
	l := New(tr, zerolog.Nop())

	st := status("id-1", "task-manager", "1.0.0", "bundle-a", true)
	if err := l.Load(context.Background(), st); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	st.Version = "1.1.0"
	if err := l.Reload(context.Background(), st); err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	calls := rec.snapshot()
	want := []string{"initialize", "destroy", "initialize"}
	if len(calls) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("expected calls %v, got %v", want, calls)
		}
	}
	h, _ := l.Handle("id-1")
	if h.Version != "1.1.0" {
		t.Errorf("expected version 1.1.0 after reload, got %q", h.Version)
	}
}

func TestReconcileConvergesToSnapshot(t *testing.T) {
	tr := newFakeTransport()
	tr.modules["bundle-a"] = testModule(nil, nil)
	tr.modules["bundle-b"] = testModule(nil, nil)
	tr.modules["bundle-c"] = testModule(nil, nil)
	l := New(tr, zerolog.Nop())
	ctx := context.Background()

	// Session state before the outage: a loaded at 1.0.0, b loaded.
	if err := l.Load(ctx, status("id-a", "alpha", "1.0.0", "bundle-a", true)); err != nil {
		t.Fatalf("load alpha: %v", err)
	}
	if err := l.Load(ctx, status("id-b", "beta", "1.0.0", "bundle-b", true)); err != nil {
		t.Fatalf("load beta: %v", err)
	}

	// While disconnected: alpha updated to 2.0.0, beta uninstalled, gamma
	// installed and activated.
	l.Reconcile(ctx, []events.PluginStatus{
		status("id-a", "alpha", "2.0.0", "bundle-a", true),
		status("id-c", "gamma", "1.0.0", "bundle-c", true),
	})

	if !l.IsLoaded("id-a") || !l.IsLoaded("id-c") {
		t.Error("expected alpha and gamma loaded after reconcile")
	}
	if l.IsLoaded("id-b") {
		t.Error("expected beta unloaded after reconcile")
	}
	if h, _ := l.Handle("id-a"); h.Version != "2.0.0" {
		t.Errorf("expected alpha at 2.0.0, got %q", h.Version)
	}
}

func TestApplyMapsEventsToTransitions(t *testing.T) {
	tr := newFakeTransport()
	tr.modules["bundle-a"] = testModule(nil, nil)
	l := New(tr, zerolog.Nop())
	ctx := context.Background()

	st := status("id-1", "task-manager", "1.0.0", "bundle-a", true)
	l.Apply(ctx, events.LifecycleEvent{Type: events.EventActivated, PluginID: "id-1", Slug: "task-manager"}, &st)
	if !l.IsLoaded("id-1") {
		t.Fatal("activated event must load the plugin")
	}

	l.Apply(ctx, events.LifecycleEvent{Type: events.EventDeactivated, PluginID: "id-1", Slug: "task-manager"}, nil)
	if l.IsLoaded("id-1") {
		t.Fatal("deactivated event must unload the plugin")
	}

	l.Apply(ctx, events.LifecycleEvent{Type: events.EventInstalled, PluginID: "id-2", Slug: "other"}, nil)
	if l.IsLoaded("id-2") {
		t.Error("installed event alone must not load anything")
	}
}
