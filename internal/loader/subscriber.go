package loader

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/preto960/pluginbay/internal/events"
)

// Subscriber keeps an observer session connected to the lifecycle event
// stream. It reconnects with exponential backoff and reconciles against the
// snapshot the hub sends on every (re)subscribe, so missed events during an
// outage are absorbed.
type Subscriber struct {
	url    string
	loader *Loader
	logger zerolog.Logger

	dial func(ctx context.Context, url string) (*websocket.Conn, error)

	mu       sync.Mutex
	statuses map[string]events.PluginStatus // by plugin id, from last snapshot
}

func NewSubscriber(url string, loader *Loader, logger zerolog.Logger) *Subscriber {
	return &Subscriber{
		url:    url,
		loader: loader,
		logger: logger.With().Str("component", "subscriber").Logger(),
		dial: func(ctx context.Context, url string) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			return conn, err
		},
		statuses: make(map[string]events.PluginStatus),
	}
}

// Run connects and consumes frames until ctx is cancelled. Connection
// failures back off exponentially without an upper bound on retries; a
// successful session resets the backoff.
func (s *Subscriber) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := s.dial(ctx, s.url)
		if err != nil {
			wait := bo.NextBackOff()
			s.logger.Warn().Err(err).Dur("retry_in", wait).Msg("event stream dial failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		bo.Reset()
		s.logger.Info().Str("url", s.url).Msg("event stream connected")
		s.consume(ctx, conn)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		s.logger.Warn().Msg("event stream disconnected, reconnecting")
	}
}

func (s *Subscriber) consume(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame events.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Warn().Err(err).Msg("malformed frame")
			continue
		}
		if s.handle(ctx, frame) {
			// The event referenced a plugin we have no status for; ask the
			// hub for a fresh snapshot to reconcile against.
			if err := conn.WriteJSON(map[string]string{"action": "snapshot"}); err != nil {
				return
			}
		}
	}
}

// handle processes one frame and reports whether a snapshot should be
// requested to fill a status gap.
func (s *Subscriber) handle(ctx context.Context, frame events.Frame) bool {
	switch frame.Kind {
	case "snapshot":
		s.mu.Lock()
		s.statuses = make(map[string]events.PluginStatus, len(frame.Plugins))
		for _, st := range frame.Plugins {
			s.statuses[st.ID] = st
		}
		s.mu.Unlock()
		s.loader.Reconcile(ctx, frame.Plugins)

	case "event":
		if frame.Event == nil {
			return false
		}
		ev := *frame.Event
		s.applyEventToStatuses(ev)

		s.mu.Lock()
		st, ok := s.statuses[ev.PluginID]
		s.mu.Unlock()

		var current *events.PluginStatus
		if ok {
			current = &st
		}
		s.loader.Apply(ctx, ev, current)

		if !ok {
			switch ev.Type {
			case events.EventActivated, events.EventUpdated, events.EventReloaded, events.EventInstalled:
				return true
			}
		}
	}
	return false
}

// applyEventToStatuses keeps the local status map coherent between snapshots.
// It only tracks what an event alone can tell us; fields like version on
// update come from payloads when present.
func (s *Subscriber) applyEventToStatuses(ev events.LifecycleEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.statuses[ev.PluginID]
	switch ev.Type {
	case events.EventUninstalled:
		delete(s.statuses, ev.PluginID)
		return
	case events.EventActivated:
		if ok {
			st.IsActive = true
			st.State = "active"
		}
	case events.EventDeactivated:
		if ok {
			st.IsActive = false
			st.State = "inactive"
		}
	case events.EventUpdated:
		if ok && len(ev.Payload) > 0 {
			var p struct {
				Version        string `json:"version"`
				BundleRef      string `json:"bundle_ref"`
				BundleChecksum string `json:"bundle_checksum"`
			}
			// The new artifact refs ride on the event; reloading from the
			// pre-update refs would fetch the old bundle.
			if json.Unmarshal(ev.Payload, &p) == nil && p.Version != "" {
				st.Version = p.Version
				st.BundleRef = p.BundleRef
				st.BundleChecksum = p.BundleChecksum
			}
		}
	}
	if ok {
		s.statuses[ev.PluginID] = st
	}
}
