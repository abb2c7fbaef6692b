// Package events broadcasts plugin lifecycle transitions to connected
// observers over WebSocket. Delivery is at-most-once per connected observer;
// there is no replay log, so observers reconcile via registry snapshots on
// (re)connect.
package events

import (
	"encoding/json"

	"github.com/preto960/pluginbay/internal/manifest"
)

// EventType enumerates lifecycle transitions.
type EventType string

const (
	EventInstalled   EventType = "installed"
	EventUninstalled EventType = "uninstalled"
	EventActivated   EventType = "activated"
	EventDeactivated EventType = "deactivated"
	EventUpdated     EventType = "updated"
	EventReloaded    EventType = "reloaded"
	EventError       EventType = "error"
)

// LifecycleEvent is broadcast to every connected observer when a plugin
// transitions. Ephemeral, never persisted.
type LifecycleEvent struct {
	Type     EventType       `json:"type"`
	PluginID string          `json:"plugin_id"`
	Slug     string          `json:"slug"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// PluginStatus is the per-plugin entry of a registry snapshot. State reflects
// the orchestrator's view, including transient transition states such as
// "installing" or "updating", so reconnecting observers see in-flight work
// explicitly.
type PluginStatus struct {
	ID             string            `json:"id"`
	Slug           string            `json:"slug"`
	Version        string            `json:"version"`
	State          string            `json:"state"`
	IsActive       bool              `json:"is_active"`
	BundleRef      string            `json:"bundle_ref,omitempty"`
	BundleChecksum string            `json:"bundle_checksum,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	Manifest       manifest.Manifest `json:"manifest"`
}

// Frame is the wire envelope sent to observers.
type Frame struct {
	Kind    string          `json:"kind"` // "event" | "snapshot"
	Event   *LifecycleEvent `json:"event,omitempty"`
	Plugins []PluginStatus  `json:"plugins,omitempty"`
}

// Publisher fans a lifecycle event out to observers. Implementations must
// never block the caller on slow consumers.
type Publisher interface {
	Publish(ev LifecycleEvent)
}

// Fanout publishes to several publishers in order.
type Fanout []Publisher

func (f Fanout) Publish(ev LifecycleEvent) {
	for _, p := range f {
		p.Publish(ev)
	}
}

// SnapshotFunc builds the current full plugin status list. The hub calls it
// when an observer subscribes or explicitly requests a snapshot.
type SnapshotFunc func() []PluginStatus
