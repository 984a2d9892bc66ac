package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/loom-data/loom/engine/internal/bulk"
	"github.com/loom-data/loom/engine/internal/domain"
	"github.com/loom-data/loom/engine/internal/events"
	"github.com/loom-data/loom/engine/internal/export"
	"github.com/loom-data/loom/engine/internal/ingest"
	"github.com/loom-data/loom/engine/internal/lineage"
	"github.com/loom-data/loom/engine/internal/pipeline"
	"github.com/loom-data/loom/engine/internal/query"
	"github.com/loom-data/loom/engine/internal/quota"
	"github.com/loom-data/loom/engine/internal/rollback"
	"github.com/loom-data/loom/engine/internal/sqlite"
	"github.com/loom-data/loom/engine/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeSchedulerControl records RunNow and Cancel calls.
type fakeSchedulerControl struct {
	mu        sync.Mutex
	runs      []string
	cancelled []string
	runErr    error
}

func (f *fakeSchedulerControl) RunNow(_ context.Context, jobID string) (*domain.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return nil, f.runErr
	}
	f.runs = append(f.runs, jobID)
	return &domain.Execution{ID: "exec-" + jobID, Status: domain.ExecutionQueued}, nil
}

func (f *fakeSchedulerControl) Cancel(executionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, executionID)
	return nil
}

// fakeBulkApplier succeeds for every entity.
type fakeBulkApplier struct {
	mu      sync.Mutex
	applied []string
}

func (f *fakeBulkApplier) Apply(_ context.Context, _, _, entityID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, entityID)
	return nil
}

func (f *fakeBulkApplier) Validate(context.Context, string, string, string) error {
	return nil
}

// testEnv wires a Server over real stores in a temp dir, close to how
// loomd assembles the daemon.
type testEnv struct {
	srv       *Server
	handler   chi.Router
	db        *sql.DB
	dataRoot  string
	router    *store.Router
	scheduler *fakeSchedulerControl
	applier   *fakeBulkApplier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := testLogger()
	dataRoot := t.TempDir()

	db, err := sqlite.Open(filepath.Join(dataRoot, "core.store"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlite.Migrate(context.Background(), db))

	router := store.NewRouter(dataRoot, logger)
	t.Cleanup(router.CloseAll)

	sources := sqlite.NewDataSourceStore(db)
	pipelines := sqlite.NewPipelineStore(db)
	executions := sqlite.NewExecutionStore(db)
	points := sqlite.NewRollbackStore(db)

	graph := lineage.NewGraph()
	bus := events.NewMemoryBus()

	registry := ingest.NewRegistry()
	registry.Register(ingest.NewMockProvider())
	ingestEng := ingest.NewEngine(registry, router, sources, graph, quota.NewNoopEnforcer(), bus, logger)

	rb := rollback.NewManager(points, sources, router, logger)
	exporter := export.New(dataRoot, sources, router, logger)
	pipeEng := pipeline.NewEngine(pipelines, executions, sources, router, rb, graph, exporter, bus, logger)

	env := &testEnv{
		db:        db,
		dataRoot:  dataRoot,
		router:    router,
		scheduler: &fakeSchedulerControl{},
		applier:   &fakeBulkApplier{},
	}
	env.srv = &Server{
		Projects:       sqlite.NewProjectStore(db),
		Sources:        sources,
		Pipelines:      pipelines,
		Jobs:           sqlite.NewJobStore(db),
		Executions:     executions,
		Webhooks:       sqlite.NewWebhookStore(db),
		Stores:         router,
		Ingest:         ingestEng,
		PipelineEngine: pipeEng,
		Scheduler:      env.scheduler,
		Rollback:       rb,
		Points:         points,
		Lineage:        graph,
		Bulk:           bulk.NewRegistry(env.applier, logger),
		Exporter:       exporter,
		Query:          query.NewEngine(sources, router, logger),
		Quota:          quota.NewNoopEnforcer(),
		CoreHealth:     sqlite.NewHealthChecker(db),
	}
	env.handler = NewRouter(env.srv)
	return env
}

// do sends a request through the full router and returns the recorder.
func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

// decode unmarshals a JSON response body into v.
func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), "body: %s", rec.Body.String())
}

// createProject creates a project through the API and returns it.
func (env *testEnv) createProject(t *testing.T, name string) domain.Project {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/api/v1/projects", CreateProjectRequest{Name: name})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var p domain.Project
	decode(t, rec, &p)
	return p
}

// createMockSource creates a mock-provider data source in a project.
func (env *testEnv) createMockSource(t *testing.T, projectID, name string, count int) domain.DataSource {
	t.Helper()
	cfg := fmt.Sprintf(`{"count": %d, "seed": 7, "primaryKey": "id"}`, count)
	rec := env.do(t, http.MethodPost, "/api/v1/projects/"+projectID+"/datasources", CreateDataSourceRequest{
		Name:     name,
		Provider: "mock",
		Config:   json.RawMessage(cfg),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var ds domain.DataSource
	decode(t, rec, &ds)
	return ds
}

// importSource runs a synchronous import and returns the decoded body.
func (env *testEnv) importSource(t *testing.T, dsID string) map[string]any {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/api/v1/datasources/"+dsID+"/import", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out map[string]any
	decode(t, rec, &out)
	return out
}
