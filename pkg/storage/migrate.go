package storage

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	"github.com/sirupsen/logrus"
)

// Migration is one versioned schema change. SQLite is used instead of
// Postgres when the dialect differs; an empty SQLite falls back to Postgres.
type Migration struct {
	Version     int
	Description string
	Postgres    string
	SQLite      string
}

// SQL returns the statement for the given driver
func (m Migration) SQL(driver string) string {
	if driver == DriverSQLite && m.SQLite != "" {
		return m.SQLite
	}
	return m.Postgres
}

var tableNameRegex = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Migrate applies pending migrations, tracking them in the named table
func Migrate(ctx context.Context, db *sql.DB, driver, table string, migrations []Migration, logger *logrus.Logger) error {
	if logger == nil {
		logger = logrus.New()
	}
	if !tableNameRegex.MatchString(table) {
		return fmt.Errorf("invalid migrations table name: %q", table)
	}

	_, err := db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`, table))
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT version FROM %s ORDER BY version", table))
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()

	for _, migration := range migrations {
		if applied[migration.Version] {
			continue
		}

		logger.Infof("Running %s migration %d: %s", table, migration.Version, migration.Description)

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL(driver)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO %s (version, description) VALUES ($1, $2)", table),
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}
