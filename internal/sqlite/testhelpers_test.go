package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// openTestDB opens a fully migrated core store under a temp dir.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "core.store"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(context.Background(), db))
	return db
}

// openTestVersioned opens a versioned store under a temp dir with the
// given primary key.
func openTestVersioned(t *testing.T, primaryKey string) *VersionedStore {
	t.Helper()
	vs, err := OpenVersioned(filepath.Join(t.TempDir(), "source.store"), primaryKey)
	require.NoError(t, err)
	t.Cleanup(func() { vs.Close() })
	return vs
}

func ptr[T any](v T) *T {
	return &v
}
