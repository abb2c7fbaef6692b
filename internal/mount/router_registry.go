package mount

import (
	"fmt"
	"net/http"
	"sync"
)

// RouterProvider builds a plugin's backend router. Providers are registered
// by plugin packages (or by the builder for external plugins) and resolved
// through the manifest's entry_router_ref at activation time.
type RouterProvider func() (http.Handler, error)

// RouterRegistry resolves router refs to providers.
type RouterRegistry struct {
	mu        sync.RWMutex
	providers map[string]RouterProvider
}

func NewRouterRegistry() *RouterRegistry {
	return &RouterRegistry{providers: make(map[string]RouterProvider)}
}

func (r *RouterRegistry) Register(ref string, p RouterProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[ref] = p
}

func (r *RouterRegistry) Resolve(ref string) (RouterProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[ref]
	return p, ok
}

// Build resolves ref and constructs the router.
func (r *RouterRegistry) Build(ref string) (http.Handler, error) {
	p, ok := r.Resolve(ref)
	if !ok {
		return nil, fmt.Errorf("router ref %q is not registered", ref)
	}
	h, err := p()
	if err != nil {
		return nil, fmt.Errorf("router ref %q: %w", ref, err)
	}
	return h, nil
}
