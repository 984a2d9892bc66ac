package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/loom-data/loom/engine/internal/auth"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
}

func TestNoop_PassesRequestThrough(t *testing.T) {
	wrapped := auth.Noop()(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects", http.NoBody)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestAPIKey_BlocksRequestWithoutKey(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})
	wrapped := auth.APIKey("my-secret-key")(handler)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/pipelines", http.NoBody)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing API key")
}

func TestAPIKey_AllowsHeaderKey(t *testing.T) {
	wrapped := auth.APIKey("my-secret-key")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/pipelines", http.NoBody)
	req.Header.Set("X-API-Key", "my-secret-key")
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKey_AllowsBearerToken(t *testing.T) {
	wrapped := auth.APIKey("my-secret-key")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/pipelines", http.NoBody)
	req.Header.Set("Authorization", "Bearer my-secret-key")
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKey_RejectsWrongKey(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})
	wrapped := auth.APIKey("my-secret-key")(handler)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/pipelines", http.NoBody)
	req.Header.Set("X-API-Key", "wrong-key")
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid API key")
}

func TestAPIKey_EmptyKeyActsAsNoop(t *testing.T) {
	wrapped := auth.APIKey("")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/pipelines", http.NoBody)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKey_HealthEndpointsExempt(t *testing.T) {
	wrapped := auth.APIKey("my-secret-key")(okHandler())

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestAPIKey_PostToHealthRequiresKey(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called for POST /health without a key")
	})
	wrapped := auth.APIKey("my-secret-key")(handler)

	req := httptest.NewRequest(http.MethodPost, "/health", http.NoBody)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPIKey_RejectsBasicAuthScheme(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})
	wrapped := auth.APIKey("my-secret-key")(handler)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/pipelines", http.NoBody)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
