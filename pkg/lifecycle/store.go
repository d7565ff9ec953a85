package lifecycle

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/plugd/pkg/manifest"
	"github.com/platinummonkey/plugd/pkg/storage"
)

// MigrationsTable tracks applied lifecycle migrations
const MigrationsTable = "lifecycle_migrations"

// Store persists installed plugin records. Lookups of a missing record
// return ErrPluginNotFound.
type Store interface {
	Create(ctx context.Context, p *InstalledPlugin) error
	Save(ctx context.Context, p *InstalledPlugin) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*InstalledPlugin, error)
	GetByPublisherRef(ctx context.Context, ref string) (*InstalledPlugin, error)
	GetBySlug(ctx context.Context, slug string) (*InstalledPlugin, error)
	List(ctx context.Context) ([]*InstalledPlugin, error)
	ListByStatus(ctx context.Context, statuses ...Status) ([]*InstalledPlugin, error)
}

// Migrations returns the installed plugin schema
func Migrations() []storage.Migration {
	return []storage.Migration{
		{
			Version:     1,
			Description: "create installed_plugins",
			Postgres: `
				CREATE TABLE IF NOT EXISTS installed_plugins (
					id TEXT PRIMARY KEY,
					publisher_reference_id TEXT NOT NULL UNIQUE,
					slug TEXT NOT NULL UNIQUE,
					version TEXT NOT NULL,
					manifest JSONB NOT NULL,
					config JSONB NOT NULL DEFAULT '{}',
					status TEXT NOT NULL,
					is_active BOOLEAN NOT NULL DEFAULT FALSE,
					package_url TEXT NOT NULL,
					installed_by TEXT NOT NULL DEFAULT '',
					last_activated_at TIMESTAMPTZ,
					error_message TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
				CREATE INDEX IF NOT EXISTS idx_installed_plugins_status ON installed_plugins(status)`,
			SQLite: `
				CREATE TABLE IF NOT EXISTS installed_plugins (
					id TEXT PRIMARY KEY,
					publisher_reference_id TEXT NOT NULL UNIQUE,
					slug TEXT NOT NULL UNIQUE,
					version TEXT NOT NULL,
					manifest TEXT NOT NULL,
					config TEXT NOT NULL DEFAULT '{}',
					status TEXT NOT NULL,
					is_active BOOLEAN NOT NULL DEFAULT 0,
					package_url TEXT NOT NULL,
					installed_by TEXT NOT NULL DEFAULT '',
					last_activated_at TIMESTAMP,
					error_message TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				);
				CREATE INDEX IF NOT EXISTS idx_installed_plugins_status ON installed_plugins(status)`,
		},
	}
}

const selectColumns = `SELECT id, publisher_reference_id, slug, version, manifest, config, status,
	is_active, package_url, installed_by, last_activated_at, error_message, created_at, updated_at
	FROM installed_plugins`

// SQLStore is the database-backed Store
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a store over db
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Create inserts a new record
func (s *SQLStore) Create(ctx context.Context, p *InstalledPlugin) error {
	m, cfg, err := encode(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO installed_plugins (id, publisher_reference_id, slug, version, manifest, config, status,
			is_active, package_url, installed_by, last_activated_at, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		p.ID, p.PublisherReferenceID, p.Slug, p.Version, m, cfg, string(p.Status),
		p.IsActive, p.PackageURL, p.InstalledBy, nullTime(p.LastActivatedAt), p.ErrorMessage, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create installed plugin: %w", err)
	}
	return nil
}

// Save writes every mutable field of p
func (s *SQLStore) Save(ctx context.Context, p *InstalledPlugin) error {
	m, cfg, err := encode(p)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE installed_plugins
		SET version = $1, manifest = $2, config = $3, status = $4, is_active = $5, package_url = $6,
			last_activated_at = $7, error_message = $8, updated_at = $9
		WHERE id = $10`,
		p.Version, m, cfg, string(p.Status), p.IsActive, p.PackageURL,
		nullTime(p.LastActivatedAt), p.ErrorMessage, p.UpdatedAt, p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to save installed plugin: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrPluginNotFound
	}
	return nil
}

// Delete removes the record
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM installed_plugins WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete installed plugin: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrPluginNotFound
	}
	return nil
}

// Get returns the record with id
func (s *SQLStore) Get(ctx context.Context, id string) (*InstalledPlugin, error) {
	return s.one(ctx, `WHERE id = $1`, id)
}

// GetByPublisherRef returns the record installed from the listing ref
func (s *SQLStore) GetByPublisherRef(ctx context.Context, ref string) (*InstalledPlugin, error) {
	return s.one(ctx, `WHERE publisher_reference_id = $1`, ref)
}

// GetBySlug returns the record holding slug
func (s *SQLStore) GetBySlug(ctx context.Context, slug string) (*InstalledPlugin, error) {
	return s.one(ctx, `WHERE slug = $1`, slug)
}

// List returns every record ordered by slug
func (s *SQLStore) List(ctx context.Context) ([]*InstalledPlugin, error) {
	return s.many(ctx, `ORDER BY slug`)
}

// ListByStatus returns the records in any of statuses
func (s *SQLStore) ListByStatus(ctx context.Context, statuses ...Status) ([]*InstalledPlugin, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = string(st)
	}
	return s.many(ctx, `WHERE status IN (`+strings.Join(placeholders, ", ")+`) ORDER BY slug`, args...)
}

func (s *SQLStore) one(ctx context.Context, where string, args ...interface{}) (*InstalledPlugin, error) {
	p, err := scan(s.db.QueryRowContext(ctx, selectColumns+" "+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPluginNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get installed plugin: %w", err)
	}
	return p, nil
}

func (s *SQLStore) many(ctx context.Context, tail string, args ...interface{}) ([]*InstalledPlugin, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+" "+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list installed plugins: %w", err)
	}
	defer rows.Close()

	var out []*InstalledPlugin
	for rows.Next() {
		p, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan installed plugin: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scan(row scanner) (*InstalledPlugin, error) {
	var (
		p         InstalledPlugin
		status    string
		rawM      []byte
		rawCfg    []byte
		activated sql.NullTime
	)
	err := row.Scan(&p.ID, &p.PublisherReferenceID, &p.Slug, &p.Version, &rawM, &rawCfg, &status,
		&p.IsActive, &p.PackageURL, &p.InstalledBy, &activated, &p.ErrorMessage, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Status = Status(status)
	if activated.Valid {
		t := activated.Time
		p.LastActivatedAt = &t
	}
	if len(rawM) > 0 {
		var m manifest.Manifest
		if err := json.Unmarshal(rawM, &m); err != nil {
			return nil, fmt.Errorf("corrupt manifest for %s: %w", p.ID, err)
		}
		p.Manifest = &m
	}
	if len(rawCfg) > 0 {
		p.Config = json.RawMessage(rawCfg)
	}
	return &p, nil
}

func encode(p *InstalledPlugin) (string, string, error) {
	m, err := json.Marshal(p.Manifest)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode manifest: %w", err)
	}
	cfg := "{}"
	if len(p.Config) > 0 {
		cfg = string(p.Config)
	}
	return string(m), cfg, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
