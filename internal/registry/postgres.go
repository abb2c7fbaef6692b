package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists installed plugins in the plugins table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const pluginColumns = `id, slug, version, manifest, is_active, bundle_ref, bundle_checksum, last_error, installed_at, updated_at`

func (s *PostgresStore) Get(ctx context.Context, id string) (*InstalledPlugin, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pluginColumns+` FROM plugins WHERE id = $1`, id)
	return scanPlugin(row)
}

func (s *PostgresStore) GetBySlug(ctx context.Context, slug string) (*InstalledPlugin, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pluginColumns+` FROM plugins WHERE slug = $1`, slug)
	return scanPlugin(row)
}

func (s *PostgresStore) Save(ctx context.Context, p *InstalledPlugin) error {
	manifestJSON, err := json.Marshal(p.Manifest)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO plugins (id, slug, version, manifest, is_active, bundle_ref, bundle_checksum, last_error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   version = $3, manifest = $4, is_active = $5,
		   bundle_ref = $6, bundle_checksum = $7, last_error = $8,
		   updated_at = NOW()`,
		p.ID, p.Slug, p.Version, manifestJSON, p.IsActive, p.BundleRef, p.BundleChecksum, p.LastError,
	)
	if err != nil {
		return fmt.Errorf("failed to save plugin: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetActive(ctx context.Context, id string, active bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE plugins SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("failed to update plugin status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetError(ctx context.Context, id string, msg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE plugins SET last_error = $2, updated_at = NOW() WHERE id = $1`, id, msg)
	if err != nil {
		return fmt.Errorf("failed to record plugin error: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM plugins WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete plugin: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*InstalledPlugin, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pluginColumns+` FROM plugins ORDER BY installed_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list plugins: %w", err)
	}
	defer rows.Close()

	var plugins []*InstalledPlugin
	for rows.Next() {
		p, err := scanPlugin(rows)
		if err != nil {
			return nil, err
		}
		plugins = append(plugins, p)
	}
	return plugins, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlugin(row rowScanner) (*InstalledPlugin, error) {
	var p InstalledPlugin
	var manifestJSON []byte
	err := row.Scan(&p.ID, &p.Slug, &p.Version, &manifestJSON, &p.IsActive,
		&p.BundleRef, &p.BundleChecksum, &p.LastError, &p.InstalledAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan plugin: %w", err)
	}
	if err := json.Unmarshal(manifestJSON, &p.Manifest); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest: %w", err)
	}
	return &p, nil
}
