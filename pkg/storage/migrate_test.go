package storage

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrate_AppliesPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	migrations := []Migration{
		{Version: 1, Description: "first", Postgres: "CREATE TABLE a (id INT)"},
		{Version: 2, Description: "second", Postgres: "CREATE TABLE b (id JSONB)", SQLite: "CREATE TABLE b (id TEXT)"},
	}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS test_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM test_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1))
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TABLE b \(id TEXT\)`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO test_migrations").
		WithArgs(2, "second").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err = Migrate(context.Background(), db, DriverSQLite, "test_migrations", migrations, logrus.New())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_RollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS test_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM test_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE a").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err = Migrate(context.Background(), db, DriverPostgres, "test_migrations",
		[]Migration{{Version: 1, Description: "first", Postgres: "CREATE TABLE a (id INT)"}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to execute migration 1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_RejectsBadTableName(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	err = Migrate(context.Background(), db, DriverPostgres, "x; DROP TABLE y", nil, nil)
	assert.Error(t, err)
}

func TestMigrationSQL(t *testing.T) {
	m := Migration{Postgres: "pg"}
	assert.Equal(t, "pg", m.SQL(DriverSQLite))
	m.SQLite = "lite"
	assert.Equal(t, "lite", m.SQL(DriverSQLite))
	assert.Equal(t, "pg", m.SQL(DriverPostgres))
}
