package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-data/loom/engine/internal/domain"
	"github.com/loom-data/loom/engine/internal/sqlite"
)

func TestDataSources_CreateAndList(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "proj")

	ds := env.createMockSource(t, p.ID, "users", 3)
	assert.NotEmpty(t, ds.ID)
	assert.Equal(t, domain.ProviderMock, ds.Provider)
	assert.True(t, ds.Enabled)

	rec := env.do(t, http.MethodGet, "/api/v1/projects/"+p.ID+"/datasources", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []domain.DataSource
	decode(t, rec, &list)
	assert.Len(t, list, 1)
}

func TestDataSources_CreateUnknownProvider(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "proj")

	rec := env.do(t, http.MethodPost, "/api/v1/projects/"+p.ID+"/datasources", CreateDataSourceRequest{
		Name:     "bad",
		Provider: "ftp",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDataSources_CreateInMissingProject(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/projects/nope/datasources", CreateDataSourceRequest{
		Name:     "orphan",
		Provider: "mock",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDataSources_Update(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "proj")
	ds := env.createMockSource(t, p.ID, "users", 3)

	name := "accounts"
	enabled := false
	rec := env.do(t, http.MethodPut, "/api/v1/datasources/"+ds.ID, UpdateDataSourceRequest{
		Name:    &name,
		Enabled: &enabled,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var got domain.DataSource
	decode(t, rec, &got)
	assert.Equal(t, "accounts", got.Name)
	assert.False(t, got.Enabled)
}

func TestDataSources_ImportDisabledConflicts(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "proj")
	ds := env.createMockSource(t, p.ID, "users", 3)

	enabled := false
	rec := env.do(t, http.MethodPut, "/api/v1/datasources/"+ds.ID, UpdateDataSourceRequest{Enabled: &enabled})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/datasources/"+ds.ID+"/import", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDataSources_ImportAndPreview(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "proj")
	ds := env.createMockSource(t, p.ID, "users", 5)

	out := env.importSource(t, ds.ID)
	assert.EqualValues(t, 5, out["records_imported"])

	rec := env.do(t, http.MethodGet, "/api/v1/datasources/"+ds.ID+"/preview?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var preview struct {
		Version int64           `json:"version"`
		Records []domain.Record `json:"records"`
		Total   int             `json:"total"`
	}
	decode(t, rec, &preview)
	assert.Equal(t, int64(1), preview.Version)
	assert.Len(t, preview.Records, 2)
	assert.Equal(t, 5, preview.Total)
}

func TestDataSources_PreviewEmptySource(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "proj")
	ds := env.createMockSource(t, p.ID, "users", 3)

	rec := env.do(t, http.MethodGet, "/api/v1/datasources/"+ds.ID+"/preview", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var preview struct {
		Records []domain.Record `json:"records"`
		Total   int             `json:"total"`
	}
	decode(t, rec, &preview)
	assert.Empty(t, preview.Records)
	assert.Zero(t, preview.Total)
}

func TestDataSources_Delete(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "proj")
	ds := env.createMockSource(t, p.ID, "users", 3)
	env.importSource(t, ds.ID)

	rec := env.do(t, http.MethodDelete, "/api/v1/datasources/"+ds.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/datasources/"+ds.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDataSources_CreateOpensStoreEagerly(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "proj")
	ds := env.createMockSource(t, p.ID, "users", 3)

	// The store file exists before any import runs.
	path := filepath.Join(env.dataRoot, "data_sources", p.ID, ds.ID+".store")
	_, err := os.Stat(path)
	assert.NoError(t, err)
}

// fixedProjectStore serves a single pre-existing project.
type fixedProjectStore struct {
	p domain.Project
}

func (f *fixedProjectStore) ListProjects(context.Context) ([]domain.Project, error) {
	return []domain.Project{f.p}, nil
}

func (f *fixedProjectStore) GetProject(_ context.Context, id string) (*domain.Project, error) {
	if id != f.p.ID {
		return nil, nil
	}
	p := f.p
	return &p, nil
}

func (f *fixedProjectStore) CreateProject(context.Context, *domain.Project) error { return nil }

func (f *fixedProjectStore) UpdateProject(context.Context, string, *string, *string) (*domain.Project, error) {
	return nil, nil
}

func (f *fixedProjectStore) DeleteProject(context.Context, string) error { return nil }

// recordingSourceStore is an in-memory DataSourceStore that remembers
// which IDs were deleted.
type recordingSourceStore struct {
	mu      sync.Mutex
	sources map[string]domain.DataSource
	nextID  int
	deleted []string
}

func newRecordingSourceStore() *recordingSourceStore {
	return &recordingSourceStore{sources: make(map[string]domain.DataSource)}
}

func (r *recordingSourceStore) ListDataSources(_ context.Context, projectID string) ([]domain.DataSource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.DataSource
	for _, ds := range r.sources {
		if ds.ProjectID == projectID {
			out = append(out, ds)
		}
	}
	return out, nil
}

func (r *recordingSourceStore) GetDataSource(_ context.Context, id string) (*domain.DataSource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds, ok := r.sources[id]
	if !ok {
		return nil, nil
	}
	return &ds, nil
}

func (r *recordingSourceStore) CreateDataSource(_ context.Context, ds *domain.DataSource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ds.ID == "" {
		r.nextID++
		ds.ID = fmt.Sprintf("ds-%d", r.nextID)
	}
	r.sources[ds.ID] = *ds
	return nil
}

func (r *recordingSourceStore) UpdateDataSource(_ context.Context, ds *domain.DataSource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[ds.ID] = *ds
	return nil
}

func (r *recordingSourceStore) DeleteDataSource(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sources, id)
	r.deleted = append(r.deleted, id)
	return nil
}

// faultyOpener fails Open or Purge on demand.
type faultyOpener struct {
	openErr  error
	purgeErr error
}

func (f *faultyOpener) Open(context.Context, *domain.DataSource) (*sqlite.VersionedStore, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return nil, nil
}

func (f *faultyOpener) Purge(*domain.DataSource) error { return f.purgeErr }

func TestDataSources_CreateRollsBackWhenStoreFails(t *testing.T) {
	stores := newRecordingSourceStore()
	srv := &Server{
		Projects: &fixedProjectStore{p: domain.Project{ID: "p-1", Name: "proj"}},
		Sources:  stores,
		Stores:   &faultyOpener{openErr: errors.New("disk full")},
	}
	handler := NewRouter(srv)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects/p-1/datasources",
		bytes.NewBufferString(`{"name": "users", "provider": "mock"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Len(t, stores.deleted, 1)
	assert.Empty(t, stores.sources, "config row is rolled back when the store cannot be created")
}

func TestDataSources_DeleteProceedsWhenPurgeFails(t *testing.T) {
	stores := newRecordingSourceStore()
	require.NoError(t, stores.CreateDataSource(context.Background(), &domain.DataSource{
		ID:        "ds-1",
		ProjectID: "p-1",
		Name:      "users",
		Provider:  domain.ProviderMock,
		Enabled:   true,
	}))
	srv := &Server{
		Projects: &fixedProjectStore{p: domain.Project{ID: "p-1", Name: "proj"}},
		Sources:  stores,
		Stores:   &faultyOpener{purgeErr: errors.New("unlink: permission denied")},
	}
	handler := NewRouter(srv)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/datasources/ds-1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"ds-1"}, stores.deleted)
	assert.Empty(t, stores.sources)
}
