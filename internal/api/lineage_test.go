package api

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-data/loom/engine/internal/domain"
)

func TestLineage_RegisterAndGetNode(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/lineage/nodes", CreateLineageNodeRequest{
		ID:   "ds-1",
		Type: "data_source",
		Name: "users",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/v1/lineage/nodes/ds-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var node domain.LineageNode
	decode(t, rec, &node)
	assert.Equal(t, "users", node.Name)

	rec = env.do(t, http.MethodGet, "/api/v1/lineage/nodes/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLineage_RegisterValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/lineage/nodes", CreateLineageNodeRequest{
		ID: "x", Type: "spreadsheet", Name: "n",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/lineage/nodes", CreateLineageNodeRequest{
		Type: "data_source", Name: "n",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLineage_QueryAfterIngest(t *testing.T) {
	env := newTestEnv(t)
	proj := env.createProject(t, "proj")
	ds := env.createMockSource(t, proj.ID, "users", 3)
	env.importSource(t, ds.ID)

	// Ingest records the source and its snapshot in the graph.
	rec := env.do(t, http.MethodGet, "/api/v1/lineage/query?node="+ds.ID+"&direction=downstream", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result domain.LineageResult
	decode(t, rec, &result)
	assert.GreaterOrEqual(t, len(result.Nodes), 2)
	assert.NotEmpty(t, result.Edges)
}

func TestLineage_QueryValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/lineage/query", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/lineage/query?node=x&direction=sideways", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/lineage/query?node=x&depth=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/lineage/query?node=ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLineage_Impact(t *testing.T) {
	env := newTestEnv(t)
	proj := env.createProject(t, "proj")
	ds := env.createMockSource(t, proj.ID, "users", 3)
	env.importSource(t, ds.ID)

	rec := env.do(t, http.MethodGet, "/api/v1/lineage/impact/"+ds.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var analysis domain.ImpactAnalysis
	decode(t, rec, &analysis)
	assert.Equal(t, ds.ID, analysis.NodeID)
}

func TestLineage_Export(t *testing.T) {
	env := newTestEnv(t)
	proj := env.createProject(t, "proj")
	ds := env.createMockSource(t, proj.ID, "users", 3)
	env.importSource(t, ds.ID)

	rec := env.do(t, http.MethodGet, "/api/v1/lineage/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")

	rec = env.do(t, http.MethodGet, "/api/v1/lineage/export?format=dot", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "digraph"))

	rec = env.do(t, http.MethodGet, "/api/v1/lineage/export?format=xml", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
