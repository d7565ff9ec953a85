package permissions

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/platinummonkey/plugd/pkg/storage"
)

// MigrationsTable tracks applied permission migrations
const MigrationsTable = "permission_migrations"

// Store persists permission rows
type Store interface {
	// Sync upserts rows for pluginID and deletes its rows for resources not
	// present in rows, atomically.
	Sync(ctx context.Context, pluginID string, rows []Row) error
	DeleteByPlugin(ctx context.Context, pluginID string) (int64, error)
	CountByPlugin(ctx context.Context, pluginID string) (int, error)
	ListByPlugin(ctx context.Context, pluginID string) ([]Row, error)
	ListByRole(ctx context.Context, role string) ([]Row, error)
	Find(ctx context.Context, role, resource string) ([]Row, error)
}

// Migrations returns the permission schema
func Migrations() []storage.Migration {
	return []storage.Migration{
		{
			Version:     1,
			Description: "create plugin_permissions",
			Postgres: `
				CREATE TABLE IF NOT EXISTS plugin_permissions (
					id BIGSERIAL PRIMARY KEY,
					role TEXT NOT NULL,
					resource TEXT NOT NULL,
					plugin_id TEXT,
					can_view BOOLEAN NOT NULL DEFAULT FALSE,
					can_create BOOLEAN NOT NULL DEFAULT FALSE,
					can_edit BOOLEAN NOT NULL DEFAULT FALSE,
					can_delete BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
				CREATE UNIQUE INDEX IF NOT EXISTS plugin_permissions_cell
					ON plugin_permissions (role, resource, COALESCE(plugin_id, ''));
				CREATE INDEX IF NOT EXISTS plugin_permissions_plugin ON plugin_permissions (plugin_id);`,
			SQLite: `
				CREATE TABLE IF NOT EXISTS plugin_permissions (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					role TEXT NOT NULL,
					resource TEXT NOT NULL,
					plugin_id TEXT,
					can_view BOOLEAN NOT NULL DEFAULT 0,
					can_create BOOLEAN NOT NULL DEFAULT 0,
					can_edit BOOLEAN NOT NULL DEFAULT 0,
					can_delete BOOLEAN NOT NULL DEFAULT 0,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				);
				CREATE UNIQUE INDEX IF NOT EXISTS plugin_permissions_cell
					ON plugin_permissions (role, resource, COALESCE(plugin_id, ''));
				CREATE INDEX IF NOT EXISTS plugin_permissions_plugin ON plugin_permissions (plugin_id);`,
		},
	}
}

// SQLStore is a Store over PostgreSQL or SQLite
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a store on db. Run Migrations first.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const rowColumns = "role, resource, plugin_id, can_view, can_create, can_edit, can_delete"

// Sync implements Store
func (s *SQLStore) Sync(ctx context.Context, pluginID string, rows []Row) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	resources := make(map[string]bool)
	for _, row := range rows {
		resources[row.Resource] = true

		res, err := tx.ExecContext(ctx, `
			UPDATE plugin_permissions
			SET can_view = $1, can_create = $2, can_edit = $3, can_delete = $4, updated_at = $5
			WHERE role = $6 AND resource = $7 AND plugin_id = $8`,
			row.CanView, row.CanCreate, row.CanEdit, row.CanDelete, now,
			row.Role, row.Resource, pluginID,
		)
		if err != nil {
			return fmt.Errorf("failed to update permission %s/%s: %w", row.Role, row.Resource, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n > 0 {
			continue
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO plugin_permissions (`+rowColumns+`, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			row.Role, row.Resource, pluginID,
			row.CanView, row.CanCreate, row.CanEdit, row.CanDelete, now, now,
		); err != nil {
			return fmt.Errorf("failed to insert permission %s/%s: %w", row.Role, row.Resource, err)
		}
	}

	query := "DELETE FROM plugin_permissions WHERE plugin_id = $1"
	args := []interface{}{pluginID}
	if len(resources) > 0 {
		placeholders := make([]string, 0, len(resources))
		for _, resource := range sortedKeys(resources) {
			args = append(args, resource)
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		query += " AND resource NOT IN (" + strings.Join(placeholders, ", ") + ")"
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete stale permissions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit permissions: %w", err)
	}
	return nil
}

// DeleteByPlugin implements Store
func (s *SQLStore) DeleteByPlugin(ctx context.Context, pluginID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM plugin_permissions WHERE plugin_id = $1", pluginID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete permissions: %w", err)
	}
	return res.RowsAffected()
}

// CountByPlugin implements Store
func (s *SQLStore) CountByPlugin(ctx context.Context, pluginID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM plugin_permissions WHERE plugin_id = $1", pluginID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count permissions: %w", err)
	}
	return n, nil
}

// ListByPlugin implements Store
func (s *SQLStore) ListByPlugin(ctx context.Context, pluginID string) ([]Row, error) {
	return s.query(ctx, "WHERE plugin_id = $1 ORDER BY resource, role", pluginID)
}

// ListByRole implements Store
func (s *SQLStore) ListByRole(ctx context.Context, role string) ([]Row, error) {
	return s.query(ctx, "WHERE role = $1 ORDER BY resource, plugin_id", role)
}

// Find implements Store
func (s *SQLStore) Find(ctx context.Context, role, resource string) ([]Row, error) {
	return s.query(ctx, "WHERE role = $1 AND resource = $2", role, resource)
}

func (s *SQLStore) query(ctx context.Context, where string, args ...interface{}) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+rowColumns+" FROM plugin_permissions "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query permissions: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			row      Row
			pluginID sql.NullString
		)
		if err := rows.Scan(&row.Role, &row.Resource, &pluginID,
			&row.CanView, &row.CanCreate, &row.CanEdit, &row.CanDelete); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		row.PluginID = pluginID.String
		out = append(out, row)
	}
	return out, rows.Err()
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
