package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-data/loom/engine/internal/auth"
	"github.com/loom-data/loom/engine/internal/domain"
)

func TestRouter_ErrorEnvelopeShape(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/projects/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var apiErr APIError
	decode(t, rec, &apiErr)
	assert.Equal(t, "NOT_FOUND", apiErr.Error.Code)
	assert.Equal(t, ErrorTypeNotFound, apiErr.Error.Type)
	assert.NotEmpty(t, apiErr.Error.Message)
}

func TestRouter_InvalidJSONBody(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects", strings.NewReader("{broken"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_PathParamValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/projects/"+strings.Repeat("a", 200), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_SecurityHeaders(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestRouter_RequestIDPropagated(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/projects", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRouter_Pagination(t *testing.T) {
	env := newTestEnv(t)
	for _, name := range []string{"a", "b", "c"} {
		env.createProject(t, name)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/projects?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var projects []domain.Project
	decode(t, rec, &projects)
	assert.Len(t, projects, 2)

	rec = env.do(t, http.MethodGet, "/api/v1/projects?limit=2&offset=2", nil)
	decode(t, rec, &projects)
	assert.Len(t, projects, 1)

	// Limit is capped, not rejected.
	rec = env.do(t, http.MethodGet, "/api/v1/projects?limit=99999", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_APIKeyGuardsResources(t *testing.T) {
	env := newTestEnv(t)
	env.srv.Auth = auth.APIKey("sekrit")
	env.handler = NewRouter(env.srv)

	rec := env.do(t, http.MethodPost, "/api/v1/projects", CreateProjectRequest{Name: "p"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Health stays reachable without a key.
	rec = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects", strings.NewReader(`{"name":"p"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "sekrit")
	rec2 := httptest.NewRecorder()
	env.handler.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusCreated, rec2.Code)
}

func TestRouter_NilDependenciesReturn503(t *testing.T) {
	srv := &Server{}
	handler := NewRouter(srv)
	env := &testEnv{srv: srv, handler: handler}

	paths := []string{
		"/api/v1/projects",
		"/api/v1/jobs",
		"/api/v1/webhooks",
		"/api/v1/bulk",
		"/api/v1/rollback/points",
	}
	for _, path := range paths {
		rec := env.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}
