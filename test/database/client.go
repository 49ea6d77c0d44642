// Package database provides a ready-to-use, migrated *database.Client for
// integration tests, backed by a shared testcontainer with one isolated
// schema per test.
package database

import (
	stdsql "database/sql"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"

	"github.com/quantframe/marketbus/pkg/database"
	"github.com/quantframe/marketbus/test/util"
)

// NewTestClient opens a fresh, isolated schema against the shared
// PostgreSQL testcontainer (or CI_DATABASE_URL), applies every embedded
// migration, and returns a ready *database.Client. The schema is dropped
// and the client closed automatically when the test ends.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()

	baseConnStr := util.GetBaseConnectionString(t)
	schemaName := util.GenerateSchemaName(t)
	util.CreateSchema(t, baseConnStr, schemaName)

	connStr := util.AddSearchPathToConnString(baseConnStr, schemaName)

	db, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	client := database.NewClientFromDB(db, connStr)

	// NewClientFromDB doesn't run migrations (it's also used to wrap an
	// already-migrated pool); apply them explicitly here.
	require.NoError(t, database.ApplyMigrations(db, "test"))

	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}
