package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-data/loom/engine/internal/api"
)

func requestThrough(t *testing.T, handler http.Handler, headerID string) (ctxID string, rec *httptest.ResponseRecorder) {
	t.Helper()
	wrapped := api.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxID = api.RequestIDFromContext(r.Context())
		handler.ServeHTTP(w, r)
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects", http.NoBody)
	if headerID != "" {
		req.Header.Set("X-Request-ID", headerID)
	}
	rec = httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)
	return ctxID, rec
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequestID_MintsPrefixedID(t *testing.T) {
	ctxID, rec := requestThrough(t, okHandler(), "")

	require.NotEmpty(t, ctxID)
	assert.True(t, strings.HasPrefix(ctxID, "req_"), "got %q", ctxID)
	assert.Equal(t, ctxID, rec.Header().Get("X-Request-ID"),
		"response echoes the ID for client correlation")
}

func TestRequestID_KeepsInboundHeader(t *testing.T) {
	ctxID, rec := requestThrough(t, okHandler(), "req_from-envoy")

	assert.Equal(t, "req_from-envoy", ctxID)
	assert.Equal(t, "req_from-envoy", rec.Header().Get("X-Request-ID"))
}

func TestRequestID_UniquePerRequest(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		ctxID, _ := requestThrough(t, okHandler(), "")
		assert.False(t, seen[ctxID], "request ID %q repeated", ctxID)
		seen[ctxID] = true
	}
}

func TestRequestID_ContextRoundTrip(t *testing.T) {
	assert.Empty(t, api.RequestIDFromContext(context.Background()))

	ctx := api.ContextWithRequestID(context.Background(), "req_fixed")
	assert.Equal(t, "req_fixed", api.RequestIDFromContext(ctx))
}

func TestRequestID_ScopedLoggerInstalled(t *testing.T) {
	var sawLogger bool
	handler := api.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawLogger = api.LoggerFromContext(r.Context()) != nil
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/projects", http.NoBody))
	assert.True(t, sawLogger)
}

func TestLoggerFromContext_BareContextFallsBack(t *testing.T) {
	assert.NotNil(t, api.LoggerFromContext(context.Background()))
}
