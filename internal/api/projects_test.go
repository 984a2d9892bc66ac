package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-data/loom/engine/internal/domain"
)

func TestProjects_CreateAndGet(t *testing.T) {
	env := newTestEnv(t)

	p := env.createProject(t, "warehouse")
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "warehouse", p.Name)

	rec := env.do(t, http.MethodGet, "/api/v1/projects/"+p.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got domain.Project
	decode(t, rec, &got)
	assert.Equal(t, p.ID, got.ID)
}

func TestProjects_CreateRequiresName(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/projects", CreateProjectRequest{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var apiErr APIError
	decode(t, rec, &apiErr)
	assert.Equal(t, "INVALID_ARGUMENT", apiErr.Error.Code)
	assert.Equal(t, ErrorTypeValidation, apiErr.Error.Type)
}

func TestProjects_DuplicateNameConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.createProject(t, "dupe")

	rec := env.do(t, http.MethodPost, "/api/v1/projects", CreateProjectRequest{Name: "dupe"})
	require.Equal(t, http.StatusConflict, rec.Code)

	var apiErr APIError
	decode(t, rec, &apiErr)
	assert.Equal(t, "ALREADY_EXISTS", apiErr.Error.Code)
}

func TestProjects_List(t *testing.T) {
	env := newTestEnv(t)
	env.createProject(t, "one")
	env.createProject(t, "two")

	rec := env.do(t, http.MethodGet, "/api/v1/projects", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var projects []domain.Project
	decode(t, rec, &projects)
	assert.Len(t, projects, 2)
}

func TestProjects_Update(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "before")

	name := "after"
	desc := "renamed"
	rec := env.do(t, http.MethodPut, "/api/v1/projects/"+p.ID, UpdateProjectRequest{Name: &name, Description: &desc})
	require.Equal(t, http.StatusOK, rec.Code)

	var got domain.Project
	decode(t, rec, &got)
	assert.Equal(t, "after", got.Name)
	assert.Equal(t, "renamed", got.Description)
}

func TestProjects_UpdateMissingIs404(t *testing.T) {
	env := newTestEnv(t)

	name := "x"
	rec := env.do(t, http.MethodPut, "/api/v1/projects/nope", UpdateProjectRequest{Name: &name})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProjects_Delete(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "gone")

	rec := env.do(t, http.MethodDelete, "/api/v1/projects/"+p.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/projects/"+p.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
