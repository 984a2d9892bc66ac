package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/loom-data/loom/engine/internal/domain"
)

// PipelineStore defines the persistence interface for pipelines.
type PipelineStore interface {
	ListPipelines(ctx context.Context, projectID string) ([]domain.Pipeline, error)
	GetPipeline(ctx context.Context, id string) (*domain.Pipeline, error)
	CreatePipeline(ctx context.Context, p *domain.Pipeline) error
	UpdatePipeline(ctx context.Context, p *domain.Pipeline) error
	DeletePipeline(ctx context.Context, id string) error
}

// PipelineRunner executes pipelines. The pipeline engine implements it.
type PipelineRunner interface {
	Execute(ctx context.Context, p *domain.Pipeline, trigger string) (*domain.Execution, error)
	Cancel(executionID string) error
	History(ctx context.Context, pipelineID string, limit int) ([]domain.Execution, error)
}

// CreatePipelineRequest is the JSON body for POST
// /projects/{projectID}/pipelines.
type CreatePipelineRequest struct {
	Name            string                `json:"name"`
	Description     string                `json:"description"`
	Nodes           []domain.PipelineNode `json:"nodes"`
	Edges           []domain.PipelineEdge `json:"edges"`
	ContinueOnError bool                  `json:"continueOnError"`
}

// UpdatePipelineRequest is the JSON body for PUT
// /pipelines/{pipelineID}. Nil fields are left unchanged.
type UpdatePipelineRequest struct {
	Name            *string                `json:"name"`
	Description     *string                `json:"description"`
	Nodes           *[]domain.PipelineNode `json:"nodes"`
	Edges           *[]domain.PipelineEdge `json:"edges"`
	ContinueOnError *bool                  `json:"continueOnError"`
}

// MountPipelineRoutes registers pipeline CRUD and execution endpoints.
func MountPipelineRoutes(r chi.Router, srv *Server) {
	r.Get("/projects/{projectID}/pipelines", srv.HandleListPipelines)
	r.Post("/projects/{projectID}/pipelines", srv.HandleCreatePipeline)
	r.Get("/pipelines/{pipelineID}", srv.HandleGetPipeline)
	r.Put("/pipelines/{pipelineID}", srv.HandleUpdatePipeline)
	r.Delete("/pipelines/{pipelineID}", srv.HandleDeletePipeline)
	r.Post("/pipelines/{pipelineID}/execute", srv.HandleExecutePipeline)
	r.Get("/pipelines/{pipelineID}/history", srv.HandlePipelineHistory)
}

// validatePipelineGraph checks node types and edge endpoints. Cycle
// detection happens in the engine at execution time, where it renders
// as a fault.
func validatePipelineGraph(nodes []domain.PipelineNode, edges []domain.PipelineEdge) string {
	ids := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if n.ID == "" {
			return "every node needs an id"
		}
		if ids[n.ID] {
			return "duplicate node id: " + n.ID
		}
		ids[n.ID] = true
		if !domain.ValidNodeType(string(n.Type)) {
			return "unknown node type: " + string(n.Type)
		}
	}
	for _, e := range edges {
		if !ids[e.Source] {
			return "edge references unknown source node: " + e.Source
		}
		if !ids[e.Target] {
			return "edge references unknown target node: " + e.Target
		}
	}
	return ""
}

// HandleListPipelines returns all pipelines in a project.
func (s *Server) HandleListPipelines(w http.ResponseWriter, r *http.Request) {
	if s.Pipelines == nil || s.Projects == nil {
		errorJSON(w, "pipelines not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
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

	pipelines, err := s.Pipelines.ListPipelines(r.Context(), projectID)
	if err != nil {
		internalError(w, "failed to list pipelines", err)
		return
	}
	limit, offset := parsePagination(r)
	writeJSON(w, http.StatusOK, paginate(pipelines, limit, offset))
}

// HandleCreatePipeline creates a pipeline in a project.
func (s *Server) HandleCreatePipeline(w http.ResponseWriter, r *http.Request) {
	if s.Pipelines == nil || s.Projects == nil {
		errorJSON(w, "pipelines not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	projectID := chi.URLParam(r, "projectID")
	proj, err := s.Projects.GetProject(r.Context(), projectID)
	if err != nil {
		internalError(w, "failed to get project", err)
		return
	}
	if proj == nil {
		errorJSON(w, "project not found", "NOT_FOUND", http.StatusNotFound)
		return
	}

	var req CreatePipelineRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		errorJSON(w, "name is required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if msg := validatePipelineGraph(req.Nodes, req.Edges); msg != "" {
		errorJSON(w, msg, "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	p := &domain.Pipeline{
		ProjectID:       projectID,
		Name:            req.Name,
		Description:     req.Description,
		Nodes:           req.Nodes,
		Edges:           req.Edges,
		ContinueOnError: req.ContinueOnError,
	}
	if err := s.Pipelines.CreatePipeline(r.Context(), p); err != nil {
		internalError(w, "failed to create pipeline", err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// HandleGetPipeline returns one pipeline.
func (s *Server) HandleGetPipeline(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupPipeline(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleUpdatePipeline applies a partial update to a pipeline.
func (s *Server) HandleUpdatePipeline(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupPipeline(w, r)
	if !ok {
		return
	}

	var req UpdatePipelineRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name != nil {
		if *req.Name == "" {
			errorJSON(w, "name must not be empty", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
		p.Name = *req.Name
	}
	if req.Description != nil {
		p.Description = *req.Description
	}
	if req.Nodes != nil {
		p.Nodes = *req.Nodes
	}
	if req.Edges != nil {
		p.Edges = *req.Edges
	}
	if req.ContinueOnError != nil {
		p.ContinueOnError = *req.ContinueOnError
	}
	if msg := validatePipelineGraph(p.Nodes, p.Edges); msg != "" {
		errorJSON(w, msg, "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	if err := s.Pipelines.UpdatePipeline(r.Context(), p); err != nil {
		internalError(w, "failed to update pipeline", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleDeletePipeline removes a pipeline.
func (s *Server) HandleDeletePipeline(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupPipeline(w, r)
	if !ok {
		return
	}
	if err := s.Pipelines.DeletePipeline(r.Context(), p.ID); err != nil {
		internalError(w, "failed to delete pipeline", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleExecutePipeline runs a pipeline synchronously and returns the
// execution record. Cyclic graphs render as a validation fault.
func (s *Server) HandleExecutePipeline(w http.ResponseWriter, r *http.Request) {
	if s.PipelineEngine == nil {
		errorJSON(w, "pipeline engine not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}
	p, ok := s.lookupPipeline(w, r)
	if !ok {
		return
	}

	exec, err := s.PipelineEngine.Execute(r.Context(), p, "manual")
	if err != nil {
		respondError(w, "pipeline execution failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"executionId": exec.ID,
		"execution":   exec,
	})
}

// HandlePipelineHistory returns recent executions of a pipeline,
// newest first.
func (s *Server) HandlePipelineHistory(w http.ResponseWriter, r *http.Request) {
	if s.PipelineEngine == nil {
		errorJSON(w, "pipeline engine not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}
	p, ok := s.lookupPipeline(w, r)
	if !ok {
		return
	}

	limit, _ := parsePagination(r)
	history, err := s.PipelineEngine.History(r.Context(), p.ID, limit)
	if err != nil {
		internalError(w, "failed to read pipeline history", err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// lookupPipeline fetches the pipeline named in the path, writing the
// error response itself when the lookup fails.
func (s *Server) lookupPipeline(w http.ResponseWriter, r *http.Request) (*domain.Pipeline, bool) {
	if s.Pipelines == nil {
		errorJSON(w, "pipelines not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return nil, false
	}
	p, err := s.Pipelines.GetPipeline(r.Context(), chi.URLParam(r, "pipelineID"))
	if err != nil {
		internalError(w, "failed to get pipeline", err)
		return nil, false
	}
	if p == nil {
		errorJSON(w, "pipeline not found", "NOT_FOUND", http.StatusNotFound)
		return nil, false
	}
	return p, true
}
