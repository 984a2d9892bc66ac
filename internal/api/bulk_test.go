package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-data/loom/engine/internal/bulk"
)

func (env *testEnv) submitBulk(t *testing.T, ids ...string) bulk.Operation {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/api/v1/bulk", bulk.Definition{
		EntityType:    bulk.EntityDataSource,
		OperationType: bulk.OpIngest,
		EntityIDs:     ids,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var op bulk.Operation
	decode(t, rec, &op)
	return op
}

func TestBulk_SubmitAndExecute(t *testing.T) {
	env := newTestEnv(t)
	op := env.submitBulk(t, "ds_a", "ds_b", "ds_c")
	assert.Equal(t, bulk.StatusPending, op.Status)

	rec := env.do(t, http.MethodPost, "/api/v1/bulk/"+op.ID+"/execute", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		cur := env.srv.Bulk.Get(op.ID)
		return cur != nil && cur.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	rec = env.do(t, http.MethodGet, "/api/v1/bulk/"+op.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var done bulk.Operation
	decode(t, rec, &done)
	assert.Equal(t, bulk.StatusCompleted, done.Status)
	assert.Len(t, done.Results, 3)
}

func TestBulk_SubmitValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/bulk", bulk.Definition{
		EntityType:    "warehouse",
		OperationType: bulk.OpIngest,
		EntityIDs:     []string{"x"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/bulk", bulk.Definition{
		EntityType:    bulk.EntityDataSource,
		OperationType: bulk.OpIngest,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBulk_ExecuteNonPendingConflicts(t *testing.T) {
	env := newTestEnv(t)
	op := env.submitBulk(t, "ds_a")

	rec := env.do(t, http.MethodPost, "/api/v1/bulk/"+op.ID+"/execute", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, func() bool {
		cur := env.srv.Bulk.Get(op.ID)
		return cur != nil && cur.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	rec = env.do(t, http.MethodPost, "/api/v1/bulk/"+op.ID+"/execute", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestBulk_GetMissingIs404(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/bulk/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBulk_ClearCompleted(t *testing.T) {
	env := newTestEnv(t)
	op := env.submitBulk(t, "ds_a")

	rec := env.do(t, http.MethodPost, "/api/v1/bulk/"+op.ID+"/execute", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, func() bool {
		cur := env.srv.Bulk.Get(op.ID)
		return cur != nil && cur.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	rec = env.do(t, http.MethodDelete, "/api/v1/bulk/completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Cleared int `json:"cleared"`
	}
	decode(t, rec, &out)
	assert.Equal(t, 1, out.Cleared)

	rec = env.do(t, http.MethodGet, "/api/v1/bulk/"+op.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
