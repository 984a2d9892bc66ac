package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/loom-data/loom/engine/internal/domain"
)

// defaultLineageDepth bounds traversal when the client does not ask
// for a specific depth.
const defaultLineageDepth = 10

// CreateLineageNodeRequest is the JSON body for POST /lineage/nodes.
type CreateLineageNodeRequest struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata"`
}

// MountLineageRoutes registers lineage graph endpoints.
func MountLineageRoutes(r chi.Router, srv *Server) {
	r.Post("/lineage/nodes", srv.HandleCreateLineageNode)
	r.Get("/lineage/nodes/{nodeID}", srv.HandleGetLineageNode)
	r.Get("/lineage/query", srv.HandleLineageQuery)
	r.Get("/lineage/impact/{nodeID}", srv.HandleLineageImpact)
	r.Get("/lineage/export", srv.HandleLineageExport)
}

// HandleCreateLineageNode registers a node in the lineage graph.
// Registering an existing ID updates its name and metadata.
func (s *Server) HandleCreateLineageNode(w http.ResponseWriter, r *http.Request) {
	if s.Lineage == nil {
		errorJSON(w, "lineage not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	var req CreateLineageNodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ID == "" {
		errorJSON(w, "id is required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		errorJSON(w, "name is required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if !domain.ValidLineageNodeType(req.Type) {
		errorJSON(w, "unknown lineage node type: "+req.Type, "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	node := s.Lineage.RegisterNode(domain.LineageNode{
		ID:       req.ID,
		Type:     domain.LineageNodeType(req.Type),
		Name:     req.Name,
		Metadata: req.Metadata,
	})
	writeJSON(w, http.StatusCreated, node)
}

// HandleGetLineageNode returns one lineage node.
func (s *Server) HandleGetLineageNode(w http.ResponseWriter, r *http.Request) {
	if s.Lineage == nil {
		errorJSON(w, "lineage not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	node, ok := s.Lineage.GetNode(chi.URLParam(r, "nodeID"))
	if !ok {
		errorJSON(w, "lineage node not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// HandleLineageQuery traverses the graph from ?node= in ?direction=
// (upstream, downstream, or both) to at most ?depth= hops.
func (s *Server) HandleLineageQuery(w http.ResponseWriter, r *http.Request) {
	if s.Lineage == nil {
		errorJSON(w, "lineage not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	nodeID := r.URL.Query().Get("node")
	if nodeID == "" {
		errorJSON(w, "node query parameter is required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	direction := r.URL.Query().Get("direction")
	if direction == "" {
		direction = string(domain.LineageBoth)
	}
	if !domain.ValidLineageDirection(direction) {
		errorJSON(w, "direction must be upstream, downstream, or both", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	depth := defaultLineageDepth
	if v := r.URL.Query().Get("depth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			errorJSON(w, "depth must be a positive integer", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
		depth = n
	}

	result, err := s.Lineage.Lineage(nodeID, domain.LineageDirection(direction), depth)
	if err != nil {
		errorJSON(w, "lineage node not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleLineageImpact reports everything downstream of a node: the
// pipelines and sources a change would touch, plus critical paths.
func (s *Server) HandleLineageImpact(w http.ResponseWriter, r *http.Request) {
	if s.Lineage == nil {
		errorJSON(w, "lineage not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	analysis, err := s.Lineage.AnalyzeImpact(chi.URLParam(r, "nodeID"))
	if err != nil {
		errorJSON(w, "lineage node not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

// HandleLineageExport serializes the full graph as JSON or Graphviz
// DOT, selected by ?format=.
func (s *Server) HandleLineageExport(w http.ResponseWriter, r *http.Request) {
	if s.Lineage == nil {
		errorJSON(w, "lineage not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	out, err := s.Lineage.Export(format)
	if err != nil {
		errorJSON(w, "format must be json or dot", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	switch format {
	case "dot":
		w.Header().Set("Content-Type", "text/vnd.graphviz")
	default:
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(out); err != nil {
		LoggerFromContext(r.Context()).Error("failed to write lineage export", "error", err)
	}
}
