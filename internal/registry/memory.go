package registry

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a Store backed by a map. It is used in tests and when the
// server runs without a database.
type MemoryStore struct {
	mu      sync.RWMutex
	plugins map[string]*InstalledPlugin // by id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{plugins: make(map[string]*InstalledPlugin)}
}

func (s *MemoryStore) Get(_ context.Context, id string) (*InstalledPlugin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plugins[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetBySlug(_ context.Context, slug string) (*InstalledPlugin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.plugins {
		if p.Slug == slug {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) Save(_ context.Context, p *InstalledPlugin) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	now := time.Now().UTC()
	if existing, ok := s.plugins[p.ID]; ok {
		cp.InstalledAt = existing.InstalledAt
	} else if cp.InstalledAt.IsZero() {
		cp.InstalledAt = now
	}
	cp.UpdatedAt = now
	s.plugins[p.ID] = &cp
	return nil
}

func (s *MemoryStore) SetActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plugins[id]
	if !ok {
		return ErrNotFound
	}
	p.IsActive = active
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetError(_ context.Context, id string, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plugins[id]
	if !ok {
		return ErrNotFound
	}
	p.LastError = msg
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.plugins, id)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]*InstalledPlugin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*InstalledPlugin, 0, len(s.plugins))
	for _, p := range s.plugins {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}
