package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-data/loom/engine/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testSource(id string) *domain.DataSource {
	return &domain.DataSource{
		ID:        id,
		ProjectID: "proj-1",
		Name:      "orders",
		Provider:  domain.ProviderMock,
		Config:    json.RawMessage(`{"primaryKey":"id"}`),
	}
}

func TestRouterReturnsSameHandle(t *testing.T) {
	r := NewRouter(t.TempDir(), testLogger())
	t.Cleanup(r.CloseAll)
	ctx := context.Background()

	ds := testSource("ds_one")
	first, err := r.Open(ctx, ds)
	require.NoError(t, err)
	second, err := r.Open(ctx, ds)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, "id", first.PrimaryKey())
	assert.Equal(t, []string{"ds_one"}, r.OpenIDs())
}

func TestRouterPurgeRemovesFile(t *testing.T) {
	r := NewRouter(t.TempDir(), testLogger())
	t.Cleanup(r.CloseAll)
	ctx := context.Background()

	ds := testSource("ds_two")
	vs, err := r.Open(ctx, ds)
	require.NoError(t, err)
	path := vs.Path()
	_, err = os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, r.Purge(ds))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, r.OpenIDs())

	// Purging again is a no-op.
	require.NoError(t, r.Purge(ds))
}

func TestRouterCloseEvicts(t *testing.T) {
	r := NewRouter(t.TempDir(), testLogger())
	t.Cleanup(r.CloseAll)
	ctx := context.Background()

	ds := testSource("ds_three")
	first, err := r.Open(ctx, ds)
	require.NoError(t, err)
	require.NoError(t, r.Close(ds.ID))
	require.NoError(t, r.Close(ds.ID)) // idempotent

	second, err := r.Open(ctx, ds)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}

func TestRouterHealthCheck(t *testing.T) {
	r := NewRouter(t.TempDir(), testLogger())
	require.NoError(t, r.HealthCheck(context.Background()))
}
