package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSQLiteCreatesSchema(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "nested", "state.db")
	db, err := OpenSQLite(context.Background(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var name string
	err = db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?;", "poller_state").Scan(&name)
	require.NoError(t, err, "poller_state table missing")

	var version int
	require.NoError(t, db.QueryRow("PRAGMA user_version;").Scan(&version))
	assert.Equal(t, SchemaVersion(), version)

	// Migrating an up-to-date database is a no-op.
	require.NoError(t, Migrate(context.Background(), db))
}

func TestOpenSQLiteReopenKeepsData(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "state.db")

	db, err := OpenSQLite(ctx, dbPath)
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO poller_state(name, document, updated_at) VALUES('poller', '{}', 'now');")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = OpenSQLite(ctx, dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var doc string
	require.NoError(t, db.QueryRow("SELECT document FROM poller_state WHERE name='poller';").Scan(&doc))
	assert.Equal(t, "{}", doc)
}

func TestMigrateRefusesNewerSchema(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := OpenSQLite(ctx, dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec("PRAGMA user_version = 99;")
	require.NoError(t, err)

	err = Migrate(ctx, db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than supported")
}

func TestOpenSQLiteRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	_, err := OpenSQLite(context.Background(), "")
	assert.Error(t, err)
}
