package query

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-data/loom/engine/internal/domain"
	"github.com/loom-data/loom/engine/internal/ingest"
	"github.com/loom-data/loom/engine/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type memSourceStore struct {
	sources map[string]*domain.DataSource
}

func (s *memSourceStore) GetDataSource(_ context.Context, id string) (*domain.DataSource, error) {
	ds, ok := s.sources[id]
	if !ok {
		return nil, nil
	}
	copied := *ds
	return &copied, nil
}

func newFixture(t *testing.T, records []domain.Record) *Engine {
	t.Helper()
	router := store.NewRouter(t.TempDir(), testLogger())
	t.Cleanup(router.CloseAll)

	ds := &domain.DataSource{ID: "ds_1", ProjectID: "proj-1", Name: "orders", Provider: domain.ProviderJSON}
	sources := &memSourceStore{sources: map[string]*domain.DataSource{"ds_1": ds}}

	if records != nil {
		vs, err := router.Open(context.Background(), ds)
		require.NoError(t, err)
		_, err = vs.AppendVersion(context.Background(), records, ingest.InferSchema(records), nil)
		require.NoError(t, err)
	}
	return NewEngine(sources, router, testLogger())
}

func orders() []domain.Record {
	return []domain.Record{
		{"id": json.Number("1"), "region": "eu", "amount": json.Number("10")},
		{"id": json.Number("2"), "region": "us", "amount": json.Number("4")},
		{"id": json.Number("3"), "region": "eu", "amount": json.Number("7")},
	}
}

func TestQuerySelectsAndAggregates(t *testing.T) {
	e := newFixture(t, orders())
	ctx := context.Background()

	result, err := e.Query(ctx, "ds_1", `SELECT region, sum(amount) AS total FROM records GROUP BY region ORDER BY region`, 0)
	require.NoError(t, err)
	require.Equal(t, 2, result.RowCount)
	assert.Equal(t, []string{"region", "total"}, result.Columns)
	assert.Equal(t, "eu", result.Rows[0]["region"])
	assert.Equal(t, int64(17), result.Rows[0]["total"])
	assert.False(t, result.Truncated)
}

func TestQueryClampsLimit(t *testing.T) {
	var records []domain.Record
	for i := 0; i < 10; i++ {
		records = append(records, domain.Record{"id": json.Number(fmt.Sprint(i))})
	}
	e := newFixture(t, records)

	result, err := e.Query(context.Background(), "ds_1", `SELECT id FROM records ORDER BY id`, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, result.RowCount)
	assert.True(t, result.Truncated)
}

func TestQueryRejectsMutation(t *testing.T) {
	e := newFixture(t, orders())
	ctx := context.Background()

	_, err := e.Query(ctx, "ds_1", `DELETE FROM records`, 0)
	require.Error(t, err)
	_, err = e.Query(ctx, "ds_1", `SELECT 1; DROP TABLE records`, 0)
	require.Error(t, err)
	_, err = e.Query(ctx, "ds_1", `WITH x AS (SELECT 1) INSERT INTO records SELECT * FROM x`, 0)
	require.Error(t, err)
	_, err = e.Query(ctx, "ds_1", ``, 0)
	require.Error(t, err)
}

func TestQueryEmptySource(t *testing.T) {
	e := newFixture(t, nil)

	result, err := e.Query(context.Background(), "ds_1", `SELECT count(*) AS n FROM records`, 0)
	require.NoError(t, err)
	require.Equal(t, 1, result.RowCount)
	assert.Equal(t, int64(0), result.Rows[0]["n"])
}

func TestQueryUnknownSource(t *testing.T) {
	e := newFixture(t, nil)
	_, err := e.Query(context.Background(), "missing", `SELECT 1`, 0)
	require.Error(t, err)
}

func TestQueryBadSQLSurfacesError(t *testing.T) {
	e := newFixture(t, orders())
	_, err := e.Query(context.Background(), "ds_1", `SELECT FROM WHERE`, 0)
	require.Error(t, err)
}
