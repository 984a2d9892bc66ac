package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-data/loom/engine/internal/domain"
	"github.com/loom-data/loom/engine/internal/events"
	"github.com/loom-data/loom/engine/internal/fault"
	"github.com/loom-data/loom/engine/internal/quota"
	"github.com/loom-data/loom/engine/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeSyncStore records sync state updates.
type fakeSyncStore struct {
	mu            sync.Mutex
	lastSyncValue *string
	status        domain.DataSourceStatus
	calls         int
}

func (f *fakeSyncStore) UpdateSyncState(_ context.Context, _ string, _ time.Time, lastSyncValue *string, status domain.DataSourceStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if lastSyncValue != nil {
		f.lastSyncValue = lastSyncValue
	}
	f.status = status
	f.calls++
	return nil
}

// fakeLineage records ingest registrations.
type fakeLineage struct {
	mu       sync.Mutex
	recorded int
}

func (f *fakeLineage) RecordIngest(*domain.DataSource, *domain.DataVersion) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded++
}

type engineFixture struct {
	engine  *Engine
	router  *store.Router
	sync    *fakeSyncStore
	lineage *fakeLineage
	bus     *events.RecordingBus
}

func newEngineFixture(t *testing.T, providers ...Provider) *engineFixture {
	t.Helper()
	registry := NewRegistry()
	registry.Register(NewMockProvider())
	for _, p := range providers {
		registry.Register(p)
	}

	router := store.NewRouter(t.TempDir(), testLogger())
	t.Cleanup(router.CloseAll)

	fx := &engineFixture{
		router:  router,
		sync:    &fakeSyncStore{},
		lineage: &fakeLineage{},
		bus:     events.NewRecordingBus(),
	}
	fx.engine = NewEngine(registry, router, fx.sync, fx.lineage, quota.NewNoopEnforcer(), fx.bus, testLogger())
	return fx
}

func mockSource(config string) *domain.DataSource {
	return &domain.DataSource{
		ID:        "ds_mock",
		ProjectID: "proj-1",
		Name:      "mock",
		Provider:  domain.ProviderMock,
		Config:    json.RawMessage(config),
		Enabled:   true,
	}
}

func TestEngine_Ingest_AppendsVersion(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()
	ds := mockSource(`{"count": 3, "seed": 7, "primaryKey": "id"}`)

	result, err := fx.engine.Ingest(ctx, ds, Options{Trigger: "manual"})
	require.NoError(t, err)
	require.NotNil(t, result.Version)
	assert.Equal(t, int64(1), result.Version.Version)
	assert.Equal(t, 3, result.RecordsFetched)
	assert.Equal(t, 3, result.RecordsImported)

	assert.Len(t, fx.bus.PublishedOn(events.ChannelIngestStart), 1)
	assert.Len(t, fx.bus.PublishedOn(events.ChannelIngestSuccess), 1)
	assert.Empty(t, fx.bus.PublishedOn(events.ChannelIngestFailure))
	assert.Equal(t, 1, fx.lineage.recorded)
	assert.Equal(t, domain.DataSourceActive, fx.sync.status)

	// Same batch again: full snapshot mode still appends, diff is empty.
	result, err = fx.engine.Ingest(ctx, ds, Options{})
	require.NoError(t, err)
	require.NotNil(t, result.Version)
	assert.Equal(t, int64(2), result.Version.Version)
	assert.True(t, result.Version.Diff.Empty())

	vs, err := fx.router.Open(ctx, ds)
	require.NoError(t, err)
	logs, err := vs.ImportLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, domain.ImportSuccess, logs[0].Status)
}

func TestEngine_Ingest_UnknownProviderFails(t *testing.T) {
	fx := newEngineFixture(t)
	ds := mockSource(`{}`)
	ds.Provider = domain.ProviderType("bogus")

	_, err := fx.engine.Ingest(context.Background(), ds, Options{})
	require.Error(t, err)
	assert.Equal(t, fault.CodeUnsupportedFeature, fault.CodeOf(err))
}

func TestEngine_Ingest_QualityFailAborts(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()
	ds := mockSource(`{
		"count": 2,
		"qualityRules": [{"type": "row_count_min", "value": 100, "severity": "fail"}]
	}`)

	_, err := fx.engine.Ingest(ctx, ds, Options{})
	require.Error(t, err)

	vs, err := fx.router.Open(ctx, ds)
	require.NoError(t, err)
	latest, err := vs.Latest(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest, "no version may be appended when a fail rule trips")

	metrics, err := vs.QualityMetrics(ctx, "")
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, domain.QualityFail, metrics[0].Status)
	assert.Len(t, fx.bus.PublishedOn(events.ChannelIngestFailure), 1)
	assert.Equal(t, domain.DataSourceError, fx.sync.status)
}

func TestEngine_Ingest_CancelledBeforeAppend(t *testing.T) {
	fx := newEngineFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ds := mockSource(`{"count": 2}`)

	_, err := fx.engine.Ingest(ctx, ds, Options{})
	require.Error(t, err)
	assert.Equal(t, fault.CodeCancelled, fault.CodeOf(err))

	vs, err := fx.router.Open(context.Background(), ds)
	require.NoError(t, err)
	latest, err := vs.Latest(context.Background())
	require.NoError(t, err)
	assert.Nil(t, latest)
}

// seqProvider serves canned batches in order, repeating the last one.
type seqProvider struct {
	batches [][]domain.Record
	calls   int
}

func (p *seqProvider) Type() domain.ProviderType { return domain.ProviderMock }

func (p *seqProvider) Fetch(context.Context, *domain.DataSource) ([]domain.Record, error) {
	i := p.calls
	if i >= len(p.batches) {
		i = len(p.batches) - 1
	}
	p.calls++
	return p.batches[i], nil
}

func TestEngine_Ingest_TimestampDeltaMergesOntoLatest(t *testing.T) {
	provider := &seqProvider{batches: [][]domain.Record{
		{
			{"id": json.Number("1"), "updated_at": "2026-01-01", "v": "a"},
			{"id": json.Number("2"), "updated_at": "2026-01-02", "v": "b"},
		},
		{
			{"id": json.Number("2"), "updated_at": "2026-01-05", "v": "B"},
			{"id": json.Number("3"), "updated_at": "2026-01-04", "v": "c"},
		},
	}}
	fx := newEngineFixture(t, provider)
	ctx := context.Background()
	ds := mockSource(`{"primaryKey": "id", "delta": {"mode": "timestamp", "trackColumn": "updated_at"}}`)

	first, err := fx.engine.Ingest(ctx, ds, Options{})
	require.NoError(t, err)
	require.NotNil(t, first.Version)
	assert.Equal(t, 2, first.RecordsImported)
	require.NotNil(t, fx.sync.lastSyncValue)
	assert.Equal(t, "2026-01-02", *fx.sync.lastSyncValue)

	ds.LastSyncValue = fx.sync.lastSyncValue
	second, err := fx.engine.Ingest(ctx, ds, Options{})
	require.NoError(t, err)
	require.NotNil(t, second.Version)
	assert.Equal(t, int64(2), second.Version.Version)
	assert.Equal(t, 3, second.RecordsImported, "delta merges onto the previous snapshot")
	assert.Equal(t, "2026-01-05", *fx.sync.lastSyncValue)

	require.NotNil(t, second.Version.Diff)
	assert.Len(t, second.Version.Diff.Added, 1)
	assert.Len(t, second.Version.Diff.Modified, 1)
	assert.Empty(t, second.Version.Diff.Removed)

	// Unchanged batch: watermark not exceeded, no new version.
	ds.LastSyncValue = fx.sync.lastSyncValue
	third, err := fx.engine.Ingest(ctx, ds, Options{})
	require.NoError(t, err)
	assert.Nil(t, third.Version)
}

func TestEngine_Ingest_ImportLimitEnforced(t *testing.T) {
	registry := NewRegistry()
	registry.Register(NewMockProvider())
	router := store.NewRouter(t.TempDir(), testLogger())
	t.Cleanup(router.CloseAll)

	limits := quota.NewLimitsEnforcer(quota.Limits{MaxImportRecords: 2})
	engine := NewEngine(registry, router, &fakeSyncStore{}, nil, limits, events.NewRecordingBus(), testLogger())

	_, err := engine.Ingest(context.Background(), mockSource(`{"count": 5}`), Options{})
	require.Error(t, err)
	assert.Equal(t, fault.CodeInsufficientMemory, fault.CodeOf(err))
}
