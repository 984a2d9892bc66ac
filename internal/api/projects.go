package api

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/loom-data/loom/engine/internal/domain"
)

// ProjectStore defines the persistence interface for projects.
type ProjectStore interface {
	ListProjects(ctx context.Context) ([]domain.Project, error)
	GetProject(ctx context.Context, id string) (*domain.Project, error)
	CreateProject(ctx context.Context, p *domain.Project) error
	UpdateProject(ctx context.Context, id string, name, description *string) (*domain.Project, error)
	DeleteProject(ctx context.Context, id string) error
}

// CreateProjectRequest is the JSON body for POST /projects.
type CreateProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// UpdateProjectRequest is the JSON body for PUT /projects/{projectID}.
// Nil fields are left unchanged.
type UpdateProjectRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

// MountProjectRoutes registers project CRUD endpoints.
func MountProjectRoutes(r chi.Router, srv *Server) {
	r.Get("/projects", srv.HandleListProjects)
	r.Post("/projects", srv.HandleCreateProject)
	r.Get("/projects/{projectID}", srv.HandleGetProject)
	r.Put("/projects/{projectID}", srv.HandleUpdateProject)
	r.Delete("/projects/{projectID}", srv.HandleDeleteProject)
}

// HandleListProjects returns all projects.
func (s *Server) HandleListProjects(w http.ResponseWriter, r *http.Request) {
	if s.Projects == nil {
		errorJSON(w, "projects not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	projects, err := s.Projects.ListProjects(r.Context())
	if err != nil {
		internalError(w, "failed to list projects", err)
		return
	}
	limit, offset := parsePagination(r)
	writeJSON(w, http.StatusOK, paginate(projects, limit, offset))
}

// HandleCreateProject creates a project. The data path is derived from
// the project ID, not client-supplied.
func (s *Server) HandleCreateProject(w http.ResponseWriter, r *http.Request) {
	if s.Projects == nil {
		errorJSON(w, "projects not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	var req CreateProjectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		errorJSON(w, "name is required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	p := &domain.Project{Name: req.Name, Description: req.Description}
	if err := s.Projects.CreateProject(r.Context(), p); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			errorJSON(w, "a project with this name already exists", "ALREADY_EXISTS", http.StatusConflict)
			return
		}
		internalError(w, "failed to create project", err)
		return
	}

	// The store assigns the ID on insert; backfill the derived path.
	if p.DataPath == "" {
		p.DataPath = filepath.Join("data_sources", p.ID)
	}

	writeJSON(w, http.StatusCreated, p)
}

// HandleGetProject returns one project.
func (s *Server) HandleGetProject(w http.ResponseWriter, r *http.Request) {
	if s.Projects == nil {
		errorJSON(w, "projects not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	p, err := s.Projects.GetProject(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		internalError(w, "failed to get project", err)
		return
	}
	if p == nil {
		errorJSON(w, "project not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleUpdateProject applies a partial update.
func (s *Server) HandleUpdateProject(w http.ResponseWriter, r *http.Request) {
	if s.Projects == nil {
		errorJSON(w, "projects not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	var req UpdateProjectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name != nil && *req.Name == "" {
		errorJSON(w, "name must not be empty", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	p, err := s.Projects.UpdateProject(r.Context(), chi.URLParam(r, "projectID"), req.Name, req.Description)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			errorJSON(w, "a project with this name already exists", "ALREADY_EXISTS", http.StatusConflict)
			return
		}
		internalError(w, "failed to update project", err)
		return
	}
	if p == nil {
		errorJSON(w, "project not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleDeleteProject removes a project and everything under it.
// Dependent rows cascade in the core store; per-source store files are
// reaped as orphans.
func (s *Server) HandleDeleteProject(w http.ResponseWriter, r *http.Request) {
	if s.Projects == nil {
		errorJSON(w, "projects not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	id := chi.URLParam(r, "projectID")
	p, err := s.Projects.GetProject(r.Context(), id)
	if err != nil {
		internalError(w, "failed to get project", err)
		return
	}
	if p == nil {
		errorJSON(w, "project not found", "NOT_FOUND", http.StatusNotFound)
		return
	}

	if err := s.Projects.DeleteProject(r.Context(), id); err != nil {
		internalError(w, "failed to delete project", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
