package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/loom-data/loom/engine/internal/domain"
	"github.com/loom-data/loom/engine/internal/ingest"
	"github.com/loom-data/loom/engine/internal/sqlite"
)

// DataSourceStore defines the persistence interface for data sources.
type DataSourceStore interface {
	ListDataSources(ctx context.Context, projectID string) ([]domain.DataSource, error)
	GetDataSource(ctx context.Context, id string) (*domain.DataSource, error)
	CreateDataSource(ctx context.Context, ds *domain.DataSource) error
	UpdateDataSource(ctx context.Context, ds *domain.DataSource) error
	DeleteDataSource(ctx context.Context, id string) error
}

// StoreOpener resolves the per-source versioned store for a data
// source. The store router implements it.
type StoreOpener interface {
	Open(ctx context.Context, ds *domain.DataSource) (*sqlite.VersionedStore, error)
	Purge(ds *domain.DataSource) error
}

// Ingester runs a synchronous import for a data source.
type Ingester interface {
	Ingest(ctx context.Context, ds *domain.DataSource, opts ingest.Options) (*ingest.Result, error)
}

// CreateDataSourceRequest is the JSON body for POST
// /projects/{projectID}/datasources.
type CreateDataSourceRequest struct {
	Name         string          `json:"name"`
	Provider     string          `json:"provider"`
	Config       json.RawMessage `json:"config"`
	Enabled      *bool           `json:"enabled"`
	SyncInterval *int            `json:"syncInterval"`
}

// UpdateDataSourceRequest is the JSON body for PUT
// /datasources/{dataSourceID}. Nil fields are left unchanged.
type UpdateDataSourceRequest struct {
	Name         *string         `json:"name"`
	Config       json.RawMessage `json:"config"`
	Enabled      *bool           `json:"enabled"`
	SyncInterval *int            `json:"syncInterval"`
}

// MountDataSourceRoutes registers data source CRUD and import
// endpoints. Version, export, and query routes for a source are
// mounted separately in MountVersionRoutes.
func MountDataSourceRoutes(r chi.Router, srv *Server) {
	r.Get("/projects/{projectID}/datasources", srv.HandleListDataSources)
	r.Post("/projects/{projectID}/datasources", srv.HandleCreateDataSource)
	r.Get("/datasources/{dataSourceID}", srv.HandleGetDataSource)
	r.Put("/datasources/{dataSourceID}", srv.HandleUpdateDataSource)
	r.Delete("/datasources/{dataSourceID}", srv.HandleDeleteDataSource)
	r.Post("/datasources/{dataSourceID}/import", srv.HandleImportDataSource)
	r.Get("/datasources/{dataSourceID}/preview", srv.HandlePreviewDataSource)

	MountVersionRoutes(r, srv)
}

// HandleListDataSources returns all data sources in a project.
func (s *Server) HandleListDataSources(w http.ResponseWriter, r *http.Request) {
	if s.Sources == nil || s.Projects == nil {
		errorJSON(w, "data sources not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	projectID := chi.URLParam(r, "projectID")
	p, err := s.Projects.GetProject(r.Context(), projectID)
	if err != nil {
		internalError(w, "failed to get project", err)
		return
	}
	if p == nil {
		errorJSON(w, "project not found", "NOT_FOUND", http.StatusNotFound)
		return
	}

	sources, err := s.Sources.ListDataSources(r.Context(), projectID)
	if err != nil {
		internalError(w, "failed to list data sources", err)
		return
	}
	limit, offset := parsePagination(r)
	writeJSON(w, http.StatusOK, paginate(sources, limit, offset))
}

// HandleCreateDataSource creates a data source in a project.
func (s *Server) HandleCreateDataSource(w http.ResponseWriter, r *http.Request) {
	if s.Sources == nil || s.Projects == nil {
		errorJSON(w, "data sources not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	projectID := chi.URLParam(r, "projectID")
	p, err := s.Projects.GetProject(r.Context(), projectID)
	if err != nil {
		internalError(w, "failed to get project", err)
		return
	}
	if p == nil {
		errorJSON(w, "project not found", "NOT_FOUND", http.StatusNotFound)
		return
	}

	var req CreateDataSourceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		errorJSON(w, "name is required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if !domain.ValidProviderType(req.Provider) {
		errorJSON(w, "unknown provider type: "+req.Provider, "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.SyncInterval != nil && *req.SyncInterval < 0 {
		errorJSON(w, "syncInterval must not be negative", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	ds := &domain.DataSource{
		ProjectID:    projectID,
		Name:         req.Name,
		Provider:     domain.ProviderType(req.Provider),
		Config:       req.Config,
		Enabled:      enabled,
		SyncInterval: req.SyncInterval,
	}
	if err := s.Sources.CreateDataSource(r.Context(), ds); err != nil {
		internalError(w, "failed to create data source", err)
		return
	}

	// The store file is created eagerly so the source is queryable from
	// the moment it exists. If the store cannot be opened the config row
	// is rolled back and the create fails as a whole.
	if s.Stores != nil {
		if _, err := s.Stores.Open(r.Context(), ds); err != nil {
			if delErr := s.Sources.DeleteDataSource(r.Context(), ds.ID); delErr != nil {
				LoggerFromContext(r.Context()).Error("rollback data source after store failure",
					"data_source_id", ds.ID, "error", delErr.Error())
			}
			internalError(w, "failed to create data source store", err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, ds)
}

// HandleGetDataSource returns one data source.
func (s *Server) HandleGetDataSource(w http.ResponseWriter, r *http.Request) {
	ds, ok := s.lookupDataSource(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

// HandleUpdateDataSource applies a partial update to a data source.
func (s *Server) HandleUpdateDataSource(w http.ResponseWriter, r *http.Request) {
	ds, ok := s.lookupDataSource(w, r)
	if !ok {
		return
	}

	var req UpdateDataSourceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name != nil {
		if *req.Name == "" {
			errorJSON(w, "name must not be empty", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
		ds.Name = *req.Name
	}
	if req.Config != nil {
		ds.Config = req.Config
	}
	if req.Enabled != nil {
		ds.Enabled = *req.Enabled
	}
	if req.SyncInterval != nil {
		if *req.SyncInterval < 0 {
			errorJSON(w, "syncInterval must not be negative", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
		ds.SyncInterval = req.SyncInterval
	}

	if err := s.Sources.UpdateDataSource(r.Context(), ds); err != nil {
		internalError(w, "failed to update data source", err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

// HandleDeleteDataSource removes a data source and purges its store
// file.
func (s *Server) HandleDeleteDataSource(w http.ResponseWriter, r *http.Request) {
	ds, ok := s.lookupDataSource(w, r)
	if !ok {
		return
	}

	// A purge failure must not keep the config row alive; the orphaned
	// store file is swept by the maintenance reaper later.
	if s.Stores != nil {
		if err := s.Stores.Purge(ds); err != nil {
			LoggerFromContext(r.Context()).Error("purge data source store",
				"data_source_id", ds.ID, "error", err.Error())
		}
	}
	if err := s.Sources.DeleteDataSource(r.Context(), ds.ID); err != nil {
		internalError(w, "failed to delete data source", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleImportDataSource runs a synchronous import and returns the
// ingest result. Provider and fetch failures render through the fault
// taxonomy.
func (s *Server) HandleImportDataSource(w http.ResponseWriter, r *http.Request) {
	if s.Ingest == nil {
		errorJSON(w, "ingest not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}
	ds, ok := s.lookupDataSource(w, r)
	if !ok {
		return
	}
	if !ds.Enabled {
		errorJSON(w, "data source is disabled", "SOURCE_DISABLED", http.StatusConflict)
		return
	}

	result, err := s.Ingest.Ingest(r.Context(), ds, ingest.Options{Trigger: "manual"})
	if err != nil {
		respondError(w, "import failed", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandlePreviewDataSource returns the most recent records of a source
// without running an import.
func (s *Server) HandlePreviewDataSource(w http.ResponseWriter, r *http.Request) {
	if s.Stores == nil {
		errorJSON(w, "stores not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}
	ds, ok := s.lookupDataSource(w, r)
	if !ok {
		return
	}

	vs, err := s.Stores.Open(r.Context(), ds)
	if err != nil {
		internalError(w, "failed to open data source store", err)
		return
	}

	latest, err := vs.Latest(r.Context())
	if err != nil {
		internalError(w, "failed to read latest version", err)
		return
	}
	if latest == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"records": []domain.Record{},
			"total":   0,
		})
		return
	}

	limit, _ := parsePagination(r)
	records := latest.Records
	total := len(records)
	if len(records) > limit {
		records = records[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": latest.Version,
		"records": records,
		"total":   total,
	})
}

// lookupDataSource fetches the data source named in the path, writing
// the error response itself when the lookup fails.
func (s *Server) lookupDataSource(w http.ResponseWriter, r *http.Request) (*domain.DataSource, bool) {
	if s.Sources == nil {
		errorJSON(w, "data sources not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return nil, false
	}
	ds, err := s.Sources.GetDataSource(r.Context(), chi.URLParam(r, "dataSourceID"))
	if err != nil {
		internalError(w, "failed to get data source", err)
		return nil, false
	}
	if ds == nil {
		errorJSON(w, "data source not found", "NOT_FOUND", http.StatusNotFound)
		return nil, false
	}
	return ds, true
}
