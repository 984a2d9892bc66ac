package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/loom-data/loom/engine/internal/bulk"
)

// MountBulkRoutes registers bulk operation endpoints.
func MountBulkRoutes(r chi.Router, srv *Server) {
	r.Get("/bulk", srv.HandleListBulkOps)
	r.Post("/bulk", srv.HandleSubmitBulkOp)
	r.Get("/bulk/{opID}", srv.HandleGetBulkOp)
	r.Post("/bulk/{opID}/execute", srv.HandleExecuteBulkOp)
	r.Post("/bulk/{opID}/cancel", srv.HandleCancelBulkOp)
	r.Delete("/bulk/completed", srv.HandleClearCompletedBulkOps)
}

// HandleListBulkOps returns all bulk operations, newest first.
func (s *Server) HandleListBulkOps(w http.ResponseWriter, r *http.Request) {
	if s.Bulk == nil {
		errorJSON(w, "bulk operations not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}
	limit, offset := parsePagination(r)
	writeJSON(w, http.StatusOK, paginate(s.Bulk.List(), limit, offset))
}

// HandleSubmitBulkOp validates and registers a bulk operation without
// running it.
func (s *Server) HandleSubmitBulkOp(w http.ResponseWriter, r *http.Request) {
	if s.Bulk == nil {
		errorJSON(w, "bulk operations not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	var def bulk.Definition
	if !decodeJSON(w, r, &def) {
		return
	}

	op, err := s.Bulk.Submit(def)
	if err != nil {
		errorJSON(w, err.Error(), "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, op)
}

// HandleGetBulkOp returns one bulk operation with its progress and
// per-item results.
func (s *Server) HandleGetBulkOp(w http.ResponseWriter, r *http.Request) {
	if s.Bulk == nil {
		errorJSON(w, "bulk operations not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	op := s.Bulk.Get(chi.URLParam(r, "opID"))
	if op == nil {
		errorJSON(w, "bulk operation not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// HandleExecuteBulkOp starts a pending bulk operation in the
// background and returns 202 with its current state. Progress is
// polled via GET /bulk/{opID}.
func (s *Server) HandleExecuteBulkOp(w http.ResponseWriter, r *http.Request) {
	if s.Bulk == nil {
		errorJSON(w, "bulk operations not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	id := chi.URLParam(r, "opID")
	op := s.Bulk.Get(id)
	if op == nil {
		errorJSON(w, "bulk operation not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	if op.Status != bulk.StatusPending {
		errorJSON(w, "bulk operation is not pending", "NOT_PENDING", http.StatusConflict)
		return
	}

	if s.Quota != nil {
		active := 0
		for _, existing := range s.Bulk.List() {
			if existing.Status == bulk.StatusRunning {
				active++
			}
		}
		if err := s.Quota.CheckBulkConcurrency(active); err != nil {
			respondError(w, "too many concurrent bulk operations", err)
			return
		}
	}

	// Detached from the request context so the operation survives the
	// client disconnecting; cancellation goes through Cancel.
	go func() {
		logger := LoggerFromContext(r.Context())
		if _, err := s.Bulk.Execute(context.Background(), id); err != nil {
			logger.Error("bulk execution failed", "operation_id", id, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, op)
}

// HandleCancelBulkOp cancels a pending or running bulk operation.
func (s *Server) HandleCancelBulkOp(w http.ResponseWriter, r *http.Request) {
	if s.Bulk == nil {
		errorJSON(w, "bulk operations not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	id := chi.URLParam(r, "opID")
	if s.Bulk.Get(id) == nil {
		errorJSON(w, "bulk operation not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	if err := s.Bulk.Cancel(id); err != nil {
		errorJSON(w, err.Error(), "NOT_CANCELLABLE", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cancelling"})
}

// HandleClearCompletedBulkOps removes finished operations from the
// registry and reports how many were dropped.
func (s *Server) HandleClearCompletedBulkOps(w http.ResponseWriter, r *http.Request) {
	if s.Bulk == nil {
		errorJSON(w, "bulk operations not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": s.Bulk.ClearCompleted()})
}
