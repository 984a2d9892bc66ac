package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/loom-data/loom/engine/internal/reaper"
)

// ReaperRunner triggers an immediate maintenance sweep.
type ReaperRunner interface {
	RunNow(ctx context.Context) *reaper.Status
}

// MountAdminRoutes registers operational endpoints that are not part
// of the resource model.
func MountAdminRoutes(r chi.Router, srv *Server) {
	r.Post("/admin/reaper/run", srv.HandleRunReaper)
}

// HandleRunReaper runs the maintenance sweep synchronously and returns
// what it cleaned up.
func (s *Server) HandleRunReaper(w http.ResponseWriter, r *http.Request) {
	if s.Reaper == nil {
		errorJSON(w, "reaper not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.Reaper.RunNow(r.Context()))
}
