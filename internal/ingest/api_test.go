package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-data/loom/engine/internal/domain"
)

func apiSource(config string) *domain.DataSource {
	return &domain.DataSource{
		ID:        "ds_api",
		ProjectID: "proj-1",
		Provider:  domain.ProviderAPI,
		Config:    json.RawMessage(config),
	}
}

func TestAPIProvider_MergesParamsWithoutClobbering(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`[{"id": 1}]`))
	}))
	defer srv.Close()

	p := NewAPIProvider(srv.Client())
	cfg := `{"url": "` + srv.URL + `?page=1", "params": {"page": "9", "limit": "50"}}`
	records, err := p.Fetch(context.Background(), apiSource(cfg))
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Contains(t, gotQuery, "page=1", "existing URL params win over configured ones")
	assert.Contains(t, gotQuery, "limit=50")
}

func TestAPIProvider_BearerAuthAndDataPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"data": [{"id": 1}, {"id": 2}]}`))
	}))
	defer srv.Close()

	p := NewAPIProvider(srv.Client())
	cfg := `{"url": "` + srv.URL + `", "auth": {"type": "bearer", "token": "tok-1"}, "dataPath": "data"}`
	records, err := p.Fetch(context.Background(), apiSource(cfg))
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestAPIProvider_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`[{"id": 1}]`))
	}))
	defer srv.Close()

	p := NewAPIProvider(srv.Client())
	records, err := p.Fetch(context.Background(), apiSource(`{"url": "`+srv.URL+`", "maxAttempts": 5}`))
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestAPIProvider_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewAPIProvider(srv.Client())
	_, err := p.Fetch(context.Background(), apiSource(`{"url": "`+srv.URL+`", "maxAttempts": 5}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
	assert.Equal(t, int32(1), calls.Load(), "4xx must not retry")
}

func TestAPIProvider_CSVContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("id,name\n1,alpha\n"))
	}))
	defer srv.Close()

	p := NewAPIProvider(srv.Client())
	records, err := p.Fetch(context.Background(), apiSource(`{"url": "`+srv.URL+`", "contentType": "csv"}`))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "alpha", records[0]["name"])
}
