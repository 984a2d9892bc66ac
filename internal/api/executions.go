package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/loom-data/loom/engine/internal/domain"
)

// MountExecutionRoutes registers execution read and cancel endpoints.
func MountExecutionRoutes(r chi.Router, srv *Server) {
	r.Get("/executions/{executionID}", srv.HandleGetExecution)
	r.Post("/executions/{executionID}/cancel", srv.HandleCancelExecution)
}

// HandleGetExecution returns one execution record.
func (s *Server) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	if s.Executions == nil {
		errorJSON(w, "executions not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	exec, err := s.Executions.GetExecution(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		internalError(w, "failed to get execution", err)
		return
	}
	if exec == nil {
		errorJSON(w, "execution not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// HandleCancelExecution requests cancellation of a running execution.
// Pipeline executions cancel through the pipeline engine; everything
// else goes through the scheduler.
func (s *Server) HandleCancelExecution(w http.ResponseWriter, r *http.Request) {
	if s.Executions == nil {
		errorJSON(w, "executions not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	id := chi.URLParam(r, "executionID")
	exec, err := s.Executions.GetExecution(r.Context(), id)
	if err != nil {
		internalError(w, "failed to get execution", err)
		return
	}
	if exec == nil {
		errorJSON(w, "execution not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	if exec.Status.Terminal() {
		errorJSON(w, "execution already finished", "ALREADY_FINISHED", http.StatusConflict)
		return
	}

	var cancelErr error
	switch {
	case exec.Kind == domain.JobPipeline && s.PipelineEngine != nil:
		cancelErr = s.PipelineEngine.Cancel(id)
	case s.Scheduler != nil:
		cancelErr = s.Scheduler.Cancel(id)
	default:
		errorJSON(w, "no engine available to cancel this execution", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}
	if cancelErr != nil {
		respondError(w, "cancel failed", cancelErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cancelling"})
}
