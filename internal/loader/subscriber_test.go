package loader

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"

	"github.com/preto960/pluginbay/internal/events"
)

func newTestSubscriber(tr *fakeTransport) (*Subscriber, *Loader) {
	ld := New(tr, zerolog.Nop())
	return NewSubscriber("ws://unused/ws", ld, zerolog.Nop()), ld
}

func TestSnapshotFrameReconcilesLoader(t *testing.T) {
	tr := newFakeTransport()
	tr.modules["bundle-a"] = testModule(nil, nil)
	sub, ld := newTestSubscriber(tr)

	want := sub.handle(context.Background(), events.Frame{
		Kind:    "snapshot",
		Plugins: []events.PluginStatus{status("id-1", "task-manager", "1.0.0", "bundle-a", true)},
	})

	if want {
		t.Error("snapshot frames must not request another snapshot")
	}
	if !ld.IsLoaded("id-1") {
		t.Error("active plugin from snapshot must be loaded")
	}
}

func TestEventFrameForKnownPluginLoads(t *testing.T) {
	tr := newFakeTransport()
	tr.modules["bundle-a"] = testModule(nil, nil)
	sub, ld := newTestSubscriber(tr)

	// Seed statuses via a snapshot of an inactive plugin.
	sub.handle(context.Background(), events.Frame{
		Kind:    "snapshot",
		Plugins: []events.PluginStatus{status("id-1", "task-manager", "1.0.0", "bundle-a", false)},
	})
	if ld.IsLoaded("id-1") {
		t.Fatal("inactive plugin must not load from snapshot")
	}

	want := sub.handle(context.Background(), events.Frame{
		Kind:  "event",
		Event: &events.LifecycleEvent{Type: events.EventActivated, PluginID: "id-1", Slug: "task-manager"},
	})

	if want {
		t.Error("known plugin must not trigger a snapshot request")
	}
	if !ld.IsLoaded("id-1") {
		t.Error("activation of a known plugin must load it")
	}
}

func TestEventFrameForUnknownPluginRequestsSnapshot(t *testing.T) {
	sub, ld := newTestSubscriber(newFakeTransport())

	want := sub.handle(context.Background(), events.Frame{
		Kind:  "event",
		Event: &events.LifecycleEvent{Type: events.EventActivated, PluginID: "id-9", Slug: "mystery"},
	})

	if !want {
		t.Error("unknown plugin activation must request a snapshot")
	}
	if ld.IsLoaded("id-9") {
		t.Error("nothing to load without a status")
	}
}

func TestUpdatedEventReloadsFromNewArtifact(t *testing.T) {
	tr := newFakeTransport()
	tr.modules["v1.json"] = testModule(nil, nil)
	tr.modules["v2.json"] = testModule(nil, nil)
	tr.checksums["v1.json"] = "sha256:aaa"
	tr.checksums["v2.json"] = "sha256:bbb"
	sub, ld := newTestSubscriber(tr)
	ctx := context.Background()

	st := status("id-1", "task-manager", "1.0.0", "v1.json", true)
	st.BundleChecksum = "sha256:aaa"
	sub.handle(ctx, events.Frame{Kind: "snapshot", Plugins: []events.PluginStatus{st}})
	if !ld.IsLoaded("id-1") {
		t.Fatal("plugin should be loaded from snapshot")
	}

	payload, err := json.Marshal(map[string]string{
		"version":          "2.0.0",
		"previous_version": "1.0.0",
		"bundle_ref":       "v2.json",
		"bundle_checksum":  "sha256:bbb",
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	want := sub.handle(ctx, events.Frame{
		Kind:  "event",
		Event: &events.LifecycleEvent{Type: events.EventUpdated, PluginID: "id-1", Slug: "task-manager", Payload: payload},
	})
	if want {
		t.Error("updated event for a known plugin must not request a snapshot")
	}

	calls := tr.calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 fetches, got %d: %v", len(calls), calls)
	}
	if calls[1].Ref != "v2.json" || calls[1].Checksum != "sha256:bbb" {
		t.Fatalf("reload fetched %+v, want the new artifact v2.json/sha256:bbb", calls[1])
	}

	h, ok := ld.Handle("id-1")
	if !ok {
		t.Fatal("handle missing after reload")
	}
	if h.Version != "2.0.0" {
		t.Errorf("handle version = %q, want 2.0.0", h.Version)
	}
	if h.Degraded {
		t.Error("reload from the new artifact must not degrade")
	}
}

func TestUninstalledEventDropsStatusAndUnloads(t *testing.T) {
	tr := newFakeTransport()
	tr.modules["bundle-a"] = testModule(nil, nil)
	sub, ld := newTestSubscriber(tr)

	sub.handle(context.Background(), events.Frame{
		Kind:    "snapshot",
		Plugins: []events.PluginStatus{status("id-1", "task-manager", "1.0.0", "bundle-a", true)},
	})
	if !ld.IsLoaded("id-1") {
		t.Fatal("plugin should be loaded from snapshot")
	}

	want := sub.handle(context.Background(), events.Frame{
		Kind:  "event",
		Event: &events.LifecycleEvent{Type: events.EventUninstalled, PluginID: "id-1", Slug: "task-manager"},
	})

	if want {
		t.Error("uninstall never needs a snapshot")
	}
	if ld.IsLoaded("id-1") {
		t.Error("uninstalled plugin must be unloaded")
	}

	sub.mu.Lock()
	_, tracked := sub.statuses["id-1"]
	sub.mu.Unlock()
	if tracked {
		t.Error("uninstalled plugin must leave the status map")
	}
}
