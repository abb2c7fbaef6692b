package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testClient(id string) *Client {
	return &Client{
		ID:     id,
		UserID: "user-1",
		send:   make(chan []byte, 4),
		logger: zerolog.Nop(),
	}
}

func recvFrame(t *testing.T, c *Client) Frame {
	t.Helper()
	select {
	case msg := <-c.send:
		var f Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			t.Fatalf("failed to unmarshal frame: %v", err)
		}
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return Frame{}
	}
}

func TestRegisterSendsSnapshot(t *testing.T) {
	snapshot := func() []PluginStatus {
		return []PluginStatus{{ID: "p1", Slug: "task-manager", Version: "1.0.0", State: "active", IsActive: true}}
	}
	h := NewHub(snapshot, zerolog.Nop())
	go h.Run()

	c := testClient("c1")
	c.hub = h
	h.Register(c)

	f := recvFrame(t, c)
	if f.Kind != "snapshot" {
		t.Fatalf("expected snapshot frame, got %q", f.Kind)
	}
	if len(f.Plugins) != 1 || f.Plugins[0].Slug != "task-manager" {
		t.Fatalf("unexpected snapshot contents: %+v", f.Plugins)
	}
}

func TestPublishReachesAllObservers(t *testing.T) {
	h := NewHub(func() []PluginStatus { return nil }, zerolog.Nop())
	go h.Run()

	c1, c2 := testClient("c1"), testClient("c2")
	c1.hub, c2.hub = h, h
	h.Register(c1)
	h.Register(c2)
	recvFrame(t, c1) // initial snapshots
	recvFrame(t, c2)

	h.Publish(LifecycleEvent{Type: EventActivated, PluginID: "p1", Slug: "task-manager"})

	for _, c := range []*Client{c1, c2} {
		f := recvFrame(t, c)
		if f.Kind != "event" || f.Event == nil {
			t.Fatalf("expected event frame, got %+v", f)
		}
		if f.Event.Type != EventActivated || f.Event.Slug != "task-manager" {
			t.Fatalf("unexpected event: %+v", f.Event)
		}
	}
}

func TestUnregisteredObserverGetsNothing(t *testing.T) {
	h := NewHub(func() []PluginStatus { return nil }, zerolog.Nop())
	go h.Run()

	c := testClient("c1")
	c.hub = h
	h.Register(c)
	recvFrame(t, c)

	h.Unregister(c)
	time.Sleep(50 * time.Millisecond)

	h.Publish(LifecycleEvent{Type: EventInstalled, Slug: "x"})
	select {
	case _, ok := <-c.send:
		if ok {
			t.Fatal("unregistered observer should not receive events")
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRequestSnapshot(t *testing.T) {
	calls := 0
	h := NewHub(func() []PluginStatus { calls++; return nil }, zerolog.Nop())
	go h.Run()

	c := testClient("c1")
	c.hub = h
	h.Register(c)
	recvFrame(t, c)

	h.RequestSnapshot(c)
	f := recvFrame(t, c)
	if f.Kind != "snapshot" {
		t.Fatalf("expected snapshot frame, got %q", f.Kind)
	}
	if calls != 2 {
		t.Fatalf("expected 2 snapshot builds, got %d", calls)
	}
}

func TestFanout(t *testing.T) {
	var got []EventType
	a := publisherFunc(func(ev LifecycleEvent) { got = append(got, ev.Type) })
	b := publisherFunc(func(ev LifecycleEvent) { got = append(got, ev.Type) })

	Fanout{a, b}.Publish(LifecycleEvent{Type: EventUpdated})
	if len(got) != 2 {
		t.Fatalf("expected both publishers invoked, got %d", len(got))
	}
}

type publisherFunc func(ev LifecycleEvent)

func (f publisherFunc) Publish(ev LifecycleEvent) { f(ev) }
