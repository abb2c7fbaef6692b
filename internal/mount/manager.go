// Package mount makes a plugin's backend routes reachable under the
// /plugins/{slug} namespace while the plugin is active, and unreachable the
// moment it is not.
package mount

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/preto960/pluginbay/internal/httputil"
)

// Error is a mount/unmount failure surfaced to the operator; the transition
// that triggered it is treated as failed.
type Error struct {
	Slug string
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("mount %s: %s", e.Slug, e.Msg)
}

// Manager dispatches /plugins/{slug}/... requests through a mutable slug →
// handler table. Attach replaces any prior mount for the slug; Detach makes
// subsequent requests 404 while letting in-flight requests complete.
type Manager struct {
	mu     sync.RWMutex
	mounts map[string]http.Handler
	logger zerolog.Logger
}

func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		mounts: make(map[string]http.Handler),
		logger: logger.With().Str("component", "mount-manager").Logger(),
	}
}

// RegisterRoutes wires the stable dispatch entry under /plugins/. The route
// itself never changes; only the table behind it does.
func (m *Manager) RegisterRoutes(r *mux.Router) {
	r.PathPrefix("/plugins/{slug}/").HandlerFunc(m.dispatch)
	r.HandleFunc("/plugins/{slug}", m.dispatch)
}

func (m *Manager) dispatch(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]

	m.mu.RLock()
	h, ok := m.mounts[slug]
	m.mu.RUnlock()

	if !ok {
		httputil.WriteError(w, http.StatusNotFound, fmt.Sprintf("plugin %q is not active", slug))
		return
	}
	h.ServeHTTP(w, r)
}

// Attach mounts handler for slug, fully replacing any prior mount.
func (m *Manager) Attach(slug string, handler http.Handler) error {
	if slug == "" {
		return &Error{Slug: slug, Msg: "empty slug"}
	}
	if handler == nil {
		return &Error{Slug: slug, Msg: "nil handler"}
	}

	m.mu.Lock()
	_, replaced := m.mounts[slug]
	m.mounts[slug] = handler
	m.mu.Unlock()

	m.logger.Info().Str("slug", slug).Bool("replaced", replaced).Msg("routes attached")
	return nil
}

// Detach removes the mount for slug. Detaching an unmounted slug is a no-op.
func (m *Manager) Detach(slug string) {
	m.mu.Lock()
	_, ok := m.mounts[slug]
	delete(m.mounts, slug)
	m.mu.Unlock()

	if ok {
		m.logger.Info().Str("slug", slug).Msg("routes detached")
	}
}

// IsMounted reports whether slug currently has routes attached.
func (m *Manager) IsMounted(slug string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.mounts[slug]
	return ok
}
