// Package api provides the HTTP handlers for loomd.
// All resource endpoints are mounted under /api/v1; health and metrics
// live at the root so probes work regardless of auth configuration.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/loom-data/loom/engine/internal/bulk"
	"github.com/loom-data/loom/engine/internal/cache"
	"github.com/loom-data/loom/engine/internal/domain"
	"github.com/loom-data/loom/engine/internal/fault"
	"github.com/loom-data/loom/engine/internal/lineage"
	"github.com/loom-data/loom/engine/internal/quota"
)

// maxJSONBodySize is the maximum size for JSON request bodies (1 MiB).
const maxJSONBodySize = 1 << 20

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// parsePagination reads limit and offset from query params with
// defaults and bounds.
func parsePagination(r *http.Request) (limit, offset int) {
	limit = defaultPageLimit
	offset = 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// paginate applies in-memory offset/limit to a slice. The stores keep
// full result sets small enough that SQL-side pagination is only used
// where a source can grow unbounded (versions, executions).
func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

// Structured error type codes for machine-readable categorization,
// independent of the HTTP status.
const (
	ErrorTypeValidation     = "VALIDATION"
	ErrorTypeAuthentication = "AUTHENTICATION"
	ErrorTypeAuthorization  = "AUTHORIZATION"
	ErrorTypeNotFound       = "NOT_FOUND"
	ErrorTypeConflict       = "CONFLICT"
	ErrorTypeRateLimit      = "RATE_LIMIT"
	ErrorTypeInternal       = "INTERNAL"
	ErrorTypeUnavailable    = "UNAVAILABLE"
	ErrorTypeGone           = "GONE"
)

// APIError is the structured JSON error envelope returned by all API
// error responses: {"error": {"code", "type", "message", ...}}.
type APIError struct {
	Error APIErrorDetail `json:"error"`
}

// APIErrorDetail holds the code, type, and message inside the error
// envelope. Classified faults additionally carry their taxonomy fields.
type APIErrorDetail struct {
	Code        string   `json:"code"`
	Type        string   `json:"type,omitempty"`
	Message     string   `json:"message"`
	Severity    string   `json:"severity,omitempty"`
	Category    string   `json:"category,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	Retryable   bool     `json:"retryable,omitempty"`
}

// errorTypeFromStatus maps HTTP status codes to broad error categories.
func errorTypeFromStatus(status int) string {
	switch {
	case status == http.StatusBadRequest:
		return ErrorTypeValidation
	case status == http.StatusUnauthorized:
		return ErrorTypeAuthentication
	case status == http.StatusForbidden:
		return ErrorTypeAuthorization
	case status == http.StatusNotFound:
		return ErrorTypeNotFound
	case status == http.StatusConflict:
		return ErrorTypeConflict
	case status == http.StatusGone:
		return ErrorTypeGone
	case status == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case status == http.StatusServiceUnavailable:
		return ErrorTypeUnavailable
	case status >= 500:
		return ErrorTypeInternal
	default:
		return ""
	}
}

// errorJSON writes a structured JSON error response.
func errorJSON(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(APIError{
		Error: APIErrorDetail{Code: code, Type: errorTypeFromStatus(status), Message: message},
	}); err != nil {
		slog.Error("failed to encode JSON error response", "error", err)
	}
}

// statusForFault maps a fault code to the HTTP status it should render
// with.
func statusForFault(code string) int {
	switch code {
	case fault.CodeMissingRequiredField, fault.CodeInvalidFileFormat,
		fault.CodeCyclicPipeline, fault.CodeUnsupportedFeature,
		fault.CodeSchemaMismatch:
		return http.StatusBadRequest
	case fault.CodeDatabaseNotFound:
		return http.StatusNotFound
	case fault.CodeAccessDenied, fault.CodeAPIUnauthorized:
		return http.StatusForbidden
	case fault.CodeAPIRateLimit:
		return http.StatusTooManyRequests
	case fault.CodeExpiredRollbackPoint:
		return http.StatusGone
	case fault.CodeCancelled:
		return http.StatusConflict
	case fault.CodeInsufficientMemory, fault.CodeDiskSpaceLow:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// respondError renders err. Classified faults carry their taxonomy
// fields in the envelope; anything else is logged server-side and
// returned as a generic internal error.
func respondError(w http.ResponseWriter, msg string, err error) {
	var f *fault.Fault
	if errors.As(err, &f) {
		status := statusForFault(f.Code)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if encErr := json.NewEncoder(w).Encode(APIError{
			Error: APIErrorDetail{
				Code:        f.Code,
				Type:        errorTypeFromStatus(status),
				Message:     f.Message,
				Severity:    string(f.Severity),
				Category:    string(f.Category),
				Suggestions: f.Suggestions,
				Retryable:   f.Retryable,
			},
		}); encErr != nil {
			slog.Error("failed to encode JSON error response", "error", encErr)
		}
		return
	}
	internalError(w, msg, err)
}

// internalError logs the full error server-side and returns a generic
// JSON error to clients.
func internalError(w http.ResponseWriter, msg string, err error) {
	slog.Error(msg, "error", err)
	errorJSON(w, msg, "INTERNAL", http.StatusInternalServerError)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// decodeJSON decodes the request body into v, rejecting unknown syntax
// with a 400. Returns false when a response has already been written.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		errorJSON(w, "invalid JSON body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return false
	}
	return true
}

// limitJSONBody caps request body size.
func limitJSONBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// ValidatePathParams rejects path parameters that are empty-ish or
// absurdly long before handlers touch them. IDs here are UUIDs,
// xid-based source IDs, or registry-assigned bulk IDs; anything over
// 128 characters or containing whitespace is garbage.
func ValidatePathParams(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rctx := chi.RouteContext(r.Context())
		if rctx != nil {
			for i, key := range rctx.URLParams.Keys {
				val := rctx.URLParams.Values[i]
				if len(val) > 128 || strings.ContainsAny(val, " \t\n") {
					errorJSON(w, key+" is not a valid identifier", "INVALID_ARGUMENT", http.StatusBadRequest)
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// securityHeaders adds standard HTTP security headers to every
// response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// Server holds dependencies for all API handlers. Nil dependencies
// disable their routes with a 503 rather than panicking, so tests can
// construct a Server with only the pieces they exercise.
type Server struct {
	Projects   ProjectStore
	Sources    DataSourceStore
	Pipelines  PipelineStore
	Jobs       JobStore
	Executions ExecutionStore
	Webhooks   WebhookStore
	Stores     StoreOpener

	Ingest         Ingester
	PipelineEngine PipelineRunner
	Scheduler      SchedulerControl
	Rollback       RollbackManager
	Points         RollbackPointReader
	Lineage        *lineage.Graph
	Bulk           *bulk.Registry
	Exporter       Exporter
	Query          QueryEngine
	Reaper         ReaperRunner
	Quota          quota.Enforcer

	Auth            func(http.Handler) http.Handler
	CORSOrigins     []string         // defaults to ["*"]
	RateLimit       *RateLimitConfig // nil disables rate limiting
	RateLimiterStop func()           // populated by NewRouter when rate limiting is enabled

	CoreHealth        HealthChecker // core store ping, nil = skip
	ObjectStoreHealth HealthChecker // cloud endpoint check, nil = skip

	// StatsCache reduces repeated store scans for the stats endpoint.
	// Nil is safe; the handler checks before using.
	StatsCache *cache.Cache[string, *domain.VersionStats]
}

// NewRouter creates a configured chi router with all API routes
// mounted.
func NewRouter(srv *Server) chi.Router {
	r := chi.NewRouter()

	corsOrigins := srv.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "RateLimit-Limit", "RateLimit-Remaining", "Retry-After"},
		MaxAge:         300,
	}))
	r.Use(securityHeaders)
	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)

	// Health & metrics (unauthenticated, outside /api/v1).
	r.Get("/health", srv.HandleHealth)
	r.Get("/health/live", srv.HandleHealthLive)
	r.Get("/health/ready", srv.HandleHealthReady)
	r.Get("/metrics", srv.HandleMetrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(limitJSONBody)
		if srv.RateLimit != nil {
			rl, mw := RateLimit(*srv.RateLimit)
			srv.RateLimiterStop = rl.Stop
			r.Use(mw)
		}
		if srv.Auth != nil {
			r.Use(srv.Auth)
		}

		// ValidatePathParams needs URL params, which only exist after
		// chi matches the route; r.With wraps each handler post-match.
		vr := r.With(ValidatePathParams)
		MountProjectRoutes(vr, srv)
		MountDataSourceRoutes(vr, srv)
		MountPipelineRoutes(vr, srv)
		MountJobRoutes(vr, srv)
		MountExecutionRoutes(vr, srv)
		MountRollbackRoutes(vr, srv)
		MountLineageRoutes(vr, srv)
		MountWebhookRoutes(vr, srv)
		MountBulkRoutes(vr, srv)
		MountAdminRoutes(vr, srv)
	})

	return r
}
