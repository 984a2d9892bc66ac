package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/loom-data/loom/engine/internal/domain"
	"github.com/loom-data/loom/engine/internal/rollback"
)

// RollbackManager owns the rollback point lifecycle. The rollback
// manager implements it.
type RollbackManager interface {
	CreatePoint(ctx context.Context, pointType domain.RollbackPointType, projectID string, dataSourceIDs []string, metadata map[string]any) (*domain.RollbackPoint, error)
	Restore(ctx context.Context, pointID string, opts rollback.RestoreOptions) (*rollback.RestoreResult, error)
	List(ctx context.Context, projectID string) ([]domain.RollbackPoint, error)
	Delete(ctx context.Context, pointID string) error
}

// RollbackPointReader reads individual rollback points.
type RollbackPointReader interface {
	GetRollbackPoint(ctx context.Context, id string) (*domain.RollbackPoint, error)
}

// CreateRollbackPointRequest is the JSON body for POST
// /rollback/points. Manual points only; the engine creates
// pre-pipeline and scheduled points itself.
type CreateRollbackPointRequest struct {
	ProjectID     string         `json:"projectId"`
	DataSourceIDs []string       `json:"dataSourceIds"`
	Metadata      map[string]any `json:"metadata"`
}

// RestoreRequest is the JSON body for POST
// /rollback/points/{pointID}/restore.
type RestoreRequest struct {
	DryRun bool `json:"dryRun"`
}

// MountRollbackRoutes registers rollback point endpoints.
func MountRollbackRoutes(r chi.Router, srv *Server) {
	r.Get("/rollback/points", srv.HandleListRollbackPoints)
	r.Post("/rollback/points", srv.HandleCreateRollbackPoint)
	r.Get("/rollback/points/{pointID}", srv.HandleGetRollbackPoint)
	r.Delete("/rollback/points/{pointID}", srv.HandleDeleteRollbackPoint)
	r.Post("/rollback/points/{pointID}/restore", srv.HandleRestoreRollbackPoint)
}

// HandleListRollbackPoints returns rollback points, optionally
// filtered by ?project=.
func (s *Server) HandleListRollbackPoints(w http.ResponseWriter, r *http.Request) {
	if s.Rollback == nil {
		errorJSON(w, "rollback not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	points, err := s.Rollback.List(r.Context(), r.URL.Query().Get("project"))
	if err != nil {
		internalError(w, "failed to list rollback points", err)
		return
	}
	limit, offset := parsePagination(r)
	writeJSON(w, http.StatusOK, paginate(points, limit, offset))
}

// HandleCreateRollbackPoint captures a manual rollback point across
// the named data sources.
func (s *Server) HandleCreateRollbackPoint(w http.ResponseWriter, r *http.Request) {
	if s.Rollback == nil {
		errorJSON(w, "rollback not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	var req CreateRollbackPointRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ProjectID == "" {
		errorJSON(w, "projectId is required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if len(req.DataSourceIDs) == 0 {
		errorJSON(w, "dataSourceIds must not be empty", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	point, err := s.Rollback.CreatePoint(r.Context(), domain.RollbackManual, req.ProjectID, req.DataSourceIDs, req.Metadata)
	if err != nil {
		respondError(w, "failed to create rollback point", err)
		return
	}
	writeJSON(w, http.StatusCreated, point)
}

// HandleGetRollbackPoint returns one rollback point.
func (s *Server) HandleGetRollbackPoint(w http.ResponseWriter, r *http.Request) {
	if s.Points == nil {
		errorJSON(w, "rollback not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	point, err := s.Points.GetRollbackPoint(r.Context(), chi.URLParam(r, "pointID"))
	if err != nil {
		internalError(w, "failed to get rollback point", err)
		return
	}
	if point == nil {
		errorJSON(w, "rollback point not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, point)
}

// HandleDeleteRollbackPoint removes a rollback point. The underlying
// versions stay in the per-source stores.
func (s *Server) HandleDeleteRollbackPoint(w http.ResponseWriter, r *http.Request) {
	if s.Rollback == nil || s.Points == nil {
		errorJSON(w, "rollback not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	id := chi.URLParam(r, "pointID")
	point, err := s.Points.GetRollbackPoint(r.Context(), id)
	if err != nil {
		internalError(w, "failed to get rollback point", err)
		return
	}
	if point == nil {
		errorJSON(w, "rollback point not found", "NOT_FOUND", http.StatusNotFound)
		return
	}

	if err := s.Rollback.Delete(r.Context(), id); err != nil {
		internalError(w, "failed to delete rollback point", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRestoreRollbackPoint restores the captured snapshots, or
// reports what would change when dryRun is set. Expired points render
// as 410.
func (s *Server) HandleRestoreRollbackPoint(w http.ResponseWriter, r *http.Request) {
	if s.Rollback == nil {
		errorJSON(w, "rollback not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	var req RestoreRequest
	if r.ContentLength > 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}

	result, err := s.Rollback.Restore(r.Context(), chi.URLParam(r, "pointID"), rollback.RestoreOptions{DryRun: req.DryRun})
	if err != nil {
		respondError(w, "restore failed", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
