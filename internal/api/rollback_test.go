package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-data/loom/engine/internal/domain"
	"github.com/loom-data/loom/engine/internal/rollback"
)

func TestRollback_CreateListRestore(t *testing.T) {
	env := newTestEnv(t)
	proj := env.createProject(t, "proj")
	ds := env.createMockSource(t, proj.ID, "users", 3)
	env.importSource(t, ds.ID)

	rec := env.do(t, http.MethodPost, "/api/v1/rollback/points", CreateRollbackPointRequest{
		ProjectID:     proj.ID,
		DataSourceIDs: []string{ds.ID},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var point domain.RollbackPoint
	decode(t, rec, &point)
	assert.Equal(t, domain.RollbackManual, point.Type)
	assert.Equal(t, domain.RollbackActive, point.Status)
	require.Len(t, point.Snapshots, 1)
	assert.Equal(t, int64(1), point.Snapshots[0].Version)

	rec = env.do(t, http.MethodGet, "/api/v1/rollback/points?project="+proj.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var points []domain.RollbackPoint
	decode(t, rec, &points)
	assert.Len(t, points, 1)

	// A second import moves latest forward; restore brings it back.
	env.importSource(t, ds.ID)
	rec = env.do(t, http.MethodPost, "/api/v1/rollback/points/"+point.ID+"/restore", RestoreRequest{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result rollback.RestoreResult
	decode(t, rec, &result)
	assert.Equal(t, []string{ds.ID}, result.Restored)
	assert.False(t, result.DryRun)
}

func TestRollback_DryRunHasNoSideEffects(t *testing.T) {
	env := newTestEnv(t)
	proj := env.createProject(t, "proj")
	ds := env.createMockSource(t, proj.ID, "users", 3)
	env.importSource(t, ds.ID)

	rec := env.do(t, http.MethodPost, "/api/v1/rollback/points", CreateRollbackPointRequest{
		ProjectID:     proj.ID,
		DataSourceIDs: []string{ds.ID},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var point domain.RollbackPoint
	decode(t, rec, &point)

	env.importSource(t, ds.ID)
	rec = env.do(t, http.MethodPost, "/api/v1/rollback/points/"+point.ID+"/restore", RestoreRequest{DryRun: true})
	require.Equal(t, http.StatusOK, rec.Code)
	var result rollback.RestoreResult
	decode(t, rec, &result)
	assert.True(t, result.DryRun)

	// Version count unchanged: dry run appends nothing.
	rec = env.do(t, http.MethodGet, "/api/v1/datasources/"+ds.ID+"/versions", nil)
	var page struct {
		Total int64 `json:"total"`
	}
	decode(t, rec, &page)
	assert.EqualValues(t, 2, page.Total)
}

func TestRollback_CreateValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/rollback/points", CreateRollbackPointRequest{
		DataSourceIDs: []string{"ds_x"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/rollback/points", CreateRollbackPointRequest{
		ProjectID: "p",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRollback_Delete(t *testing.T) {
	env := newTestEnv(t)
	proj := env.createProject(t, "proj")
	ds := env.createMockSource(t, proj.ID, "users", 2)
	env.importSource(t, ds.ID)

	rec := env.do(t, http.MethodPost, "/api/v1/rollback/points", CreateRollbackPointRequest{
		ProjectID:     proj.ID,
		DataSourceIDs: []string{ds.ID},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var point domain.RollbackPoint
	decode(t, rec, &point)

	rec = env.do(t, http.MethodDelete, "/api/v1/rollback/points/"+point.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/rollback/points/"+point.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
