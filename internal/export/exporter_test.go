package export

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
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

func sampleRecords() []domain.Record {
	return []domain.Record{
		{"id": json.Number("1"), "name": "alpha", "score": json.Number("9.5"), "active": true},
		{"id": json.Number("2"), "name": "beta", "score": json.Number("3"), "active": false},
	}
}

func newFixture(t *testing.T) (*Exporter, *store.Router, *memSourceStore, string) {
	t.Helper()
	dataRoot := t.TempDir()
	router := store.NewRouter(dataRoot, testLogger())
	t.Cleanup(router.CloseAll)
	sources := &memSourceStore{sources: make(map[string]*domain.DataSource)}
	return New(dataRoot, sources, router, testLogger()), router, sources, dataRoot
}

func TestWriteRecordsJSON(t *testing.T) {
	e, _, _, dataRoot := newFixture(t)

	path, err := e.WriteRecords(context.Background(), "report", "json", sampleRecords())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dataRoot, "exports", "report.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got []domain.Record
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Len(t, got, 2)
	assert.Equal(t, "alpha", got[0]["name"])
}

func TestWriteRecordsCSV(t *testing.T) {
	e, _, _, _ := newFixture(t)

	path, err := e.WriteRecords(context.Background(), "report", "csv", sampleRecords())
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "active,id,name,score", lines[0], "header is sorted")
	assert.Equal(t, "true,1,alpha,9.5", lines[1])
	assert.Equal(t, "false,2,beta,3", lines[2])
}

func TestWriteRecordsArrowRoundTrips(t *testing.T) {
	e, _, _, _ := newFixture(t)
	records := sampleRecords()

	path, err := e.WriteRecords(context.Background(), "report", "arrow", records)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	got, err := IPCToRecords(data)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0]["id"])
	assert.Equal(t, "alpha", got[0]["name"])
	assert.Equal(t, 9.5, got[0]["score"])
	assert.Equal(t, true, got[0]["active"])
}

func TestWriteRecordsRejectsUnknownFormat(t *testing.T) {
	e, _, _, _ := newFixture(t)
	_, err := e.WriteRecords(context.Background(), "report", "parquet", sampleRecords())
	require.Error(t, err)
}

func TestWriteRecordsSanitizesName(t *testing.T) {
	e, _, _, dataRoot := newFixture(t)
	path, err := e.WriteRecords(context.Background(), "../../escape", "json", nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dataRoot, "exports", "escape.json"), path)
}

func TestExportSourcePinnedAndLatest(t *testing.T) {
	e, router, sources, _ := newFixture(t)
	ds := &domain.DataSource{ID: "ds_1", ProjectID: "proj-1", Name: "orders", Provider: domain.ProviderJSON}
	sources.sources["ds_1"] = ds

	ctx := context.Background()
	vs, err := router.Open(ctx, ds)
	require.NoError(t, err)
	v1 := []domain.Record{{"id": json.Number("1")}}
	v2 := []domain.Record{{"id": json.Number("1")}, {"id": json.Number("2")}}
	_, err = vs.AppendVersion(ctx, v1, ingest.InferSchema(v1), nil)
	require.NoError(t, err)
	_, err = vs.AppendVersion(ctx, v2, ingest.InferSchema(v2), nil)
	require.NoError(t, err)

	latestPath, err := e.ExportSource(ctx, "ds_1", 0, "json")
	require.NoError(t, err)
	assert.Contains(t, latestPath, "ds_1-v2.json")

	pinnedPath, err := e.ExportSource(ctx, "ds_1", 1, "json")
	require.NoError(t, err)
	assert.Contains(t, pinnedPath, "ds_1-v1.json")

	data, err := os.ReadFile(pinnedPath)
	require.NoError(t, err)
	var got []domain.Record
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Len(t, got, 1)

	_, err = e.ExportSource(ctx, "ds_1", 99, "json")
	require.Error(t, err)
	_, err = e.ExportSource(ctx, "missing", 0, "json")
	require.Error(t, err)
}

func TestBackupCopiesStoreFile(t *testing.T) {
	e, router, sources, dataRoot := newFixture(t)
	ds := &domain.DataSource{ID: "ds_1", ProjectID: "proj-1", Name: "orders", Provider: domain.ProviderJSON}
	sources.sources["ds_1"] = ds

	ctx := context.Background()
	vs, err := router.Open(ctx, ds)
	require.NoError(t, err)
	records := sampleRecords()
	_, err = vs.AppendVersion(ctx, records, ingest.InferSchema(records), nil)
	require.NoError(t, err)

	path, err := e.Backup(ctx, "ds_1")
	require.NoError(t, err)
	assert.Contains(t, path, filepath.Join(dataRoot, "backups"))
	assert.True(t, strings.HasSuffix(path, "-ds_1.store"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	// The source reopens transparently after the backup quiesce.
	vs, err = router.Open(ctx, ds)
	require.NoError(t, err)
	latest, err := vs.Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Len(t, latest.Records, 2)

	_, err = e.Backup(ctx, "missing")
	require.Error(t, err)
}
