package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/plugd/pkg/manifest"
	"github.com/platinummonkey/plugd/pkg/storage"
)

// MigrationsTable tracks applied catalog migrations
const MigrationsTable = "catalog_migrations"

// Migrations returns the listing schema used when the host owns the catalog
func Migrations() []storage.Migration {
	return []storage.Migration{
		{
			Version:     1,
			Description: "create plugin_listings",
			Postgres: `
				CREATE TABLE IF NOT EXISTS plugin_listings (
					id TEXT PRIMARY KEY,
					slug TEXT NOT NULL UNIQUE,
					version TEXT NOT NULL,
					package_url TEXT NOT NULL,
					manifest JSONB NOT NULL,
					developer_id TEXT NOT NULL DEFAULT '',
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`,
			SQLite: `
				CREATE TABLE IF NOT EXISTS plugin_listings (
					id TEXT PRIMARY KEY,
					slug TEXT NOT NULL UNIQUE,
					version TEXT NOT NULL,
					package_url TEXT NOT NULL,
					manifest TEXT NOT NULL,
					developer_id TEXT NOT NULL DEFAULT '',
					updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				)`,
		},
	}
}

// SQLCatalog reads listings from the marketplace tables
type SQLCatalog struct {
	db *sql.DB
}

// NewSQLCatalog creates a catalog over db
func NewSQLCatalog(db *sql.DB) *SQLCatalog {
	return &SQLCatalog{db: db}
}

// Get implements Catalog
func (c *SQLCatalog) Get(ctx context.Context, publisherPluginID string) (*Listing, error) {
	var (
		l   Listing
		raw []byte
	)
	err := c.db.QueryRowContext(ctx, `
		SELECT id, slug, version, package_url, manifest, developer_id
		FROM plugin_listings WHERE id = $1`, publisherPluginID,
	).Scan(&l.ID, &l.Slug, &l.Version, &l.PackageURL, &raw, &l.DeveloperID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrListingNotFound, publisherPluginID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}

	m, err := manifest.Parse(raw)
	if err != nil {
		return nil, err
	}
	l.Manifest = m
	return &l, nil
}

// Put publishes l, replacing any previous version of the listing
func (c *SQLCatalog) Put(ctx context.Context, l *Listing) error {
	if l.Manifest == nil {
		return fmt.Errorf("listing %s has no manifest", l.ID)
	}
	raw, err := json.Marshal(l.Manifest)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	now := time.Now().UTC()
	res, err := c.db.ExecContext(ctx, `
		UPDATE plugin_listings
		SET slug = $1, version = $2, package_url = $3, manifest = $4, developer_id = $5, updated_at = $6
		WHERE id = $7`,
		l.Slug, l.Version, l.PackageURL, string(raw), l.DeveloperID, now, l.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update listing: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO plugin_listings (id, slug, version, package_url, manifest, developer_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		l.ID, l.Slug, l.Version, l.PackageURL, string(raw), l.DeveloperID, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert listing: %w", err)
	}
	return nil
}
