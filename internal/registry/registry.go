// Package registry persists the durable record of every installed plugin.
// It is the single source of truth for a plugin's manifest, version and
// activation flag; the lifecycle orchestrator is its only writer.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/preto960/pluginbay/internal/manifest"
)

// ErrNotFound is returned when a plugin id or slug has no registry row.
var ErrNotFound = errors.New("plugin not found")

// InstalledPlugin is a registry row. Created on successful install, mutated
// by update/activate/deactivate, removed on uninstall.
type InstalledPlugin struct {
	ID             string            `json:"id"`
	Slug           string            `json:"slug"`
	Version        string            `json:"version"`
	Manifest       manifest.Manifest `json:"manifest"`
	IsActive       bool              `json:"is_active"`
	BundleRef      string            `json:"bundle_ref,omitempty"`
	BundleChecksum string            `json:"bundle_checksum,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	InstalledAt    time.Time         `json:"installed_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Store is the persistence contract the orchestrator drives. Each call is
// individually durable and transactional.
type Store interface {
	Get(ctx context.Context, id string) (*InstalledPlugin, error)
	GetBySlug(ctx context.Context, slug string) (*InstalledPlugin, error)
	Save(ctx context.Context, p *InstalledPlugin) error
	SetActive(ctx context.Context, id string, active bool) error
	SetError(ctx context.Context, id string, msg string) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*InstalledPlugin, error)
}
