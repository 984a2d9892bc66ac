package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/loom-data/loom/engine/internal/domain"
	"github.com/loom-data/loom/engine/internal/query"
)

// Exporter writes a source's records to a file in a supported format.
type Exporter interface {
	ExportSource(ctx context.Context, dsID string, version int64, format string) (string, error)
	Backup(ctx context.Context, dsID string) (string, error)
}

// QueryEngine runs read-only SQL against a source's latest version.
type QueryEngine interface {
	Query(ctx context.Context, dsID, sqlText string, limit int) (*query.Result, error)
}

// ExportRequest is the JSON body for POST /datasources/{id}/export.
type ExportRequest struct {
	Format  string `json:"format"`
	Version int64  `json:"version"` // 0 means latest
}

// QueryRequest is the JSON body for POST /datasources/{id}/query.
type QueryRequest struct {
	SQL   string `json:"sql"`
	Limit int    `json:"limit"`
}

// MountVersionRoutes registers the version history, diff, stats,
// retention, export, and query endpoints for a data source.
func MountVersionRoutes(r chi.Router, srv *Server) {
	r.Get("/datasources/{dataSourceID}/versions", srv.HandleListVersions)
	r.Get("/datasources/{dataSourceID}/versions/{version}", srv.HandleGetVersion)
	r.Get("/datasources/{dataSourceID}/diff", srv.HandleGetDiff)
	r.Get("/datasources/{dataSourceID}/stats", srv.HandleGetStats)
	r.Get("/datasources/{dataSourceID}/schema-history", srv.HandleSchemaHistory)
	r.Get("/datasources/{dataSourceID}/import-logs", srv.HandleImportLogs)
	r.Get("/datasources/{dataSourceID}/quality", srv.HandleQualityMetrics)
	r.Get("/datasources/{dataSourceID}/retention", srv.HandleGetRetention)
	r.Put("/datasources/{dataSourceID}/retention", srv.HandlePutRetention)
	r.Post("/datasources/{dataSourceID}/retention/apply", srv.HandleApplyRetention)
	r.Post("/datasources/{dataSourceID}/backup", srv.HandleBackupDataSource)
	r.Post("/datasources/{dataSourceID}/export", srv.HandleExportDataSource)
	r.Post("/datasources/{dataSourceID}/query", srv.HandleQueryDataSource)
}

// openSourceStore resolves the data source in the path and opens its
// versioned store, writing the error response itself on failure.
func (s *Server) openSourceStore(w http.ResponseWriter, r *http.Request) (*domain.DataSource, versionReader, bool) {
	if s.Stores == nil {
		errorJSON(w, "stores not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return nil, nil, false
	}
	ds, ok := s.lookupDataSource(w, r)
	if !ok {
		return nil, nil, false
	}
	vs, err := s.Stores.Open(r.Context(), ds)
	if err != nil {
		internalError(w, "failed to open data source store", err)
		return nil, nil, false
	}
	return ds, vs, true
}

// versionReader is the slice of the versioned store the read endpoints
// use. The concrete store satisfies it.
type versionReader interface {
	ListVersions(ctx context.Context, limit, offset int) ([]domain.DataVersion, error)
	CountVersions(ctx context.Context) (int64, error)
	GetVersion(ctx context.Context, n int64) (*domain.DataVersion, error)
	GetDiff(ctx context.Context, from, to int64) (*domain.RecordDiff, error)
	Stats(ctx context.Context) (*domain.VersionStats, error)
	SchemaHistory(ctx context.Context) ([]domain.SchemaVersion, error)
	ImportLogs(ctx context.Context, limit int) ([]domain.ImportLog, error)
	QualityMetrics(ctx context.Context, versionID string) ([]domain.QualityMetric, error)
	GetRetention(ctx context.Context) (domain.RetentionPolicy, error)
	SetRetention(ctx context.Context, p domain.RetentionPolicy) error
	ApplyRetention(ctx context.Context) (int64, error)
	Latest(ctx context.Context) (*domain.DataVersion, error)
}

// HandleListVersions returns paginated version history, newest first.
// Records are omitted from list views.
func (s *Server) HandleListVersions(w http.ResponseWriter, r *http.Request) {
	_, vs, ok := s.openSourceStore(w, r)
	if !ok {
		return
	}

	limit, offset := parsePagination(r)
	versions, err := vs.ListVersions(r.Context(), limit, offset)
	if err != nil {
		internalError(w, "failed to list versions", err)
		return
	}
	total, err := vs.CountVersions(r.Context())
	if err != nil {
		internalError(w, "failed to count versions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"versions": versions,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// HandleGetVersion returns one version with its full record set.
func (s *Server) HandleGetVersion(w http.ResponseWriter, r *http.Request) {
	_, vs, ok := s.openSourceStore(w, r)
	if !ok {
		return
	}

	n, err := strconv.ParseInt(chi.URLParam(r, "version"), 10, 64)
	if err != nil || n < 1 {
		errorJSON(w, "version must be a positive integer", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	v, err := vs.GetVersion(r.Context(), n)
	if err != nil {
		internalError(w, "failed to get version", err)
		return
	}
	if v == nil {
		errorJSON(w, "version not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// HandleGetDiff computes the record-level diff between two versions,
// ?from= and ?to=.
func (s *Server) HandleGetDiff(w http.ResponseWriter, r *http.Request) {
	_, vs, ok := s.openSourceStore(w, r)
	if !ok {
		return
	}

	from, err1 := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
	to, err2 := strconv.ParseInt(r.URL.Query().Get("to"), 10, 64)
	if err1 != nil || err2 != nil || from < 1 || to < 1 {
		errorJSON(w, "from and to must be positive integers", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	diff, err := vs.GetDiff(r.Context(), from, to)
	if err != nil {
		respondError(w, "failed to compute diff", err)
		return
	}
	if diff == nil {
		errorJSON(w, "version not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

// HandleGetStats returns store statistics for a data source, cached
// briefly to absorb dashboard polling.
func (s *Server) HandleGetStats(w http.ResponseWriter, r *http.Request) {
	ds, vs, ok := s.openSourceStore(w, r)
	if !ok {
		return
	}

	if s.StatsCache != nil {
		if cached, ok := s.StatsCache.Get(ds.ID); ok {
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	stats, err := vs.Stats(r.Context())
	if err != nil {
		internalError(w, "failed to compute stats", err)
		return
	}
	if s.StatsCache != nil {
		s.StatsCache.Set(ds.ID, stats)
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleSchemaHistory returns the recorded schema versions of a source.
func (s *Server) HandleSchemaHistory(w http.ResponseWriter, r *http.Request) {
	_, vs, ok := s.openSourceStore(w, r)
	if !ok {
		return
	}

	history, err := vs.SchemaHistory(r.Context())
	if err != nil {
		internalError(w, "failed to read schema history", err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// HandleImportLogs returns recent import attempts, newest first.
func (s *Server) HandleImportLogs(w http.ResponseWriter, r *http.Request) {
	_, vs, ok := s.openSourceStore(w, r)
	if !ok {
		return
	}

	limit, _ := parsePagination(r)
	logs, err := vs.ImportLogs(r.Context(), limit)
	if err != nil {
		internalError(w, "failed to read import logs", err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// HandleQualityMetrics returns per-field quality metrics for the
// latest version, or for ?version_id= when given.
func (s *Server) HandleQualityMetrics(w http.ResponseWriter, r *http.Request) {
	_, vs, ok := s.openSourceStore(w, r)
	if !ok {
		return
	}

	versionID := r.URL.Query().Get("version_id")
	if versionID == "" {
		latest, err := vs.Latest(r.Context())
		if err != nil {
			internalError(w, "failed to read latest version", err)
			return
		}
		if latest == nil {
			writeJSON(w, http.StatusOK, []domain.QualityMetric{})
			return
		}
		versionID = latest.ID
	}

	metrics, err := vs.QualityMetrics(r.Context(), versionID)
	if err != nil {
		internalError(w, "failed to read quality metrics", err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

// HandleGetRetention returns the source's retention policy, falling
// back to the default when none is configured.
func (s *Server) HandleGetRetention(w http.ResponseWriter, r *http.Request) {
	_, vs, ok := s.openSourceStore(w, r)
	if !ok {
		return
	}

	policy, err := vs.GetRetention(r.Context())
	if err != nil {
		internalError(w, "failed to read retention policy", err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

// HandlePutRetention replaces the source's retention policy.
func (s *Server) HandlePutRetention(w http.ResponseWriter, r *http.Request) {
	_, vs, ok := s.openSourceStore(w, r)
	if !ok {
		return
	}

	var policy domain.RetentionPolicy
	if !decodeJSON(w, r, &policy) {
		return
	}
	switch policy.Strategy {
	case domain.RetentionKeepAll:
	case domain.RetentionKeepLast, domain.RetentionKeepDays:
		if policy.Value < 1 {
			errorJSON(w, "value must be at least 1 for this strategy", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
	default:
		errorJSON(w, "unknown retention strategy: "+string(policy.Strategy), "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	if err := vs.SetRetention(r.Context(), policy); err != nil {
		internalError(w, "failed to store retention policy", err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

// HandleApplyRetention applies the configured policy immediately and
// reports how many versions were pruned.
func (s *Server) HandleApplyRetention(w http.ResponseWriter, r *http.Request) {
	_, vs, ok := s.openSourceStore(w, r)
	if !ok {
		return
	}

	pruned, err := vs.ApplyRetention(r.Context())
	if err != nil {
		internalError(w, "failed to apply retention policy", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pruned": pruned})
}

// HandleBackupDataSource writes a timestamped copy of the source's
// store file and returns its path.
func (s *Server) HandleBackupDataSource(w http.ResponseWriter, r *http.Request) {
	if s.Exporter == nil {
		errorJSON(w, "export not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}
	ds, ok := s.lookupDataSource(w, r)
	if !ok {
		return
	}

	path, err := s.Exporter.Backup(r.Context(), ds.ID)
	if err != nil {
		respondError(w, "backup failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": path})
}

// HandleExportDataSource writes a version's records to a file in the
// requested format (json, csv, or arrow) and returns its path.
func (s *Server) HandleExportDataSource(w http.ResponseWriter, r *http.Request) {
	if s.Exporter == nil {
		errorJSON(w, "export not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}
	ds, ok := s.lookupDataSource(w, r)
	if !ok {
		return
	}

	var req ExportRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	switch req.Format {
	case "json", "csv", "arrow":
	default:
		errorJSON(w, "format must be one of json, csv, arrow", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	path, err := s.Exporter.ExportSource(r.Context(), ds.ID, req.Version, req.Format)
	if err != nil {
		respondError(w, "export failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": path, "format": req.Format})
}

// HandleQueryDataSource runs read-only SQL against the latest version
// of a source.
func (s *Server) HandleQueryDataSource(w http.ResponseWriter, r *http.Request) {
	if s.Query == nil {
		errorJSON(w, "query not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}
	ds, ok := s.lookupDataSource(w, r)
	if !ok {
		return
	}

	var req QueryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SQL == "" {
		errorJSON(w, "sql is required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	result, err := s.Query.Query(r.Context(), ds.ID, req.SQL, req.Limit)
	if err != nil {
		respondError(w, "query failed", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
