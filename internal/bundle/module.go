// Package bundle models a plugin's compiled frontend artifact and the
// collaborator ports that produce and fetch it. A bundle is fetched as a
// JSON descriptor; its callables (components, store factory, lifecycle
// functions) resolve through a process-local native registry, keeping the
// loadable surface a fixed capability contract instead of arbitrary code
// evaluation.
package bundle

import (
	"context"
	"fmt"
	"sync"

	"github.com/preto960/pluginbay/internal/manifest"
)

// Component renders a named frontend contribution for the host UI.
type Component func(props map[string]any) ([]byte, error)

// Store is a plugin-scoped state container created per loaded handle.
type Store interface {
	Get(key string) (any, bool)
	Set(key string, value any)
	Reset()
}

// Module is the evaluated export set of a bundle: the fixed contract the
// loader consumes.
type Module struct {
	Routes     []manifest.Route
	Components map[string]Component
	NewStore   func() Store
	Initialize func(ctx context.Context) error
	Destroy    func(ctx context.Context) error
}

// Descriptor is the serialized form of a bundle artifact.
type Descriptor struct {
	Slug       string           `json:"slug"`
	Version    string           `json:"version"`
	Routes     []manifest.Route `json:"routes,omitempty"`
	Components []string         `json:"components,omitempty"`
	NativeRef  string           `json:"native_ref,omitempty"`
}

// Native holds the callables a bundle resolves at load time. Plugin packages
// register their native exports under the descriptor's native_ref.
type Native struct {
	Components map[string]Component
	NewStore   func() Store
	Initialize func(ctx context.Context) error
	Destroy    func(ctx context.Context) error
}

// NativeRegistry maps native refs to registered exports.
type NativeRegistry struct {
	mu      sync.RWMutex
	natives map[string]Native
}

func NewNativeRegistry() *NativeRegistry {
	return &NativeRegistry{natives: make(map[string]Native)}
}

func (r *NativeRegistry) Register(ref string, n Native) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.natives[ref] = n
}

func (r *NativeRegistry) Resolve(ref string) (Native, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.natives[ref]
	return n, ok
}

// MapStore is the default Store implementation.
type MapStore struct {
	mu   sync.RWMutex
	data map[string]any
}

func NewMapStore() *MapStore {
	return &MapStore{data: make(map[string]any)}
}

func (s *MapStore) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *MapStore) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

func (s *MapStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]any)
}

// LoadError reports a bundle fetch or evaluation failure. The loader
// recovers from it locally via manifest-only fallback; it is never a hard
// operator failure.
type LoadError struct {
	Ref string
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("bundle %s: %v", e.Ref, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
