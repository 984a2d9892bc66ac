package api

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"
)

// readinessTimeout is the per-dependency timeout for readiness checks.
const readinessTimeout = 2 * time.Second

// Build-time version information, set via -ldflags:
//
//	go build -ldflags "-X api.Version=1.0.0 -X api.GitCommit=abc1234"
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// HealthChecker verifies that a dependency is reachable and healthy.
// Implementations should be lightweight (Ping, SELECT 1, ListBuckets).
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckResult holds the outcome of a single dependency health check.
type CheckResult struct {
	Status string `json:"status"`          // "ok" or "error"
	Error  string `json:"error,omitempty"` // set when status is "error"
}

// ReadinessResponse is the structured JSON returned by GET /health/ready.
type ReadinessResponse struct {
	Status string                 `json:"status"` // "ready" or "not_ready"
	Checks map[string]CheckResult `json:"checks"`
}

// HandleHealthLive is a lightweight liveness probe. Always returns 200.
func (s *Server) HandleHealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
	})
}

// HandleHealth is the backward-compatible health endpoint; aliases the
// liveness probe. The loomd healthcheck subcommand probes it.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.HandleHealthLive(w, r)
}

// HandleHealthReady checks all registered dependencies concurrently and
// returns 200 when all are healthy, 503 otherwise. Each check runs with
// its own 2s timeout.
func (s *Server) HandleHealthReady(w http.ResponseWriter, r *http.Request) {
	checkers := s.healthCheckers()

	// No dependencies configured: still ready (tests, bare dev mode).
	if len(checkers) == 0 {
		writeJSON(w, http.StatusOK, ReadinessResponse{
			Status: "ready",
			Checks: map[string]CheckResult{},
		})
		return
	}

	type result struct {
		name string
		res  CheckResult
	}
	results := make([]result, len(checkers))

	var wg sync.WaitGroup
	i := 0
	for name, checker := range checkers {
		wg.Add(1)
		go func(idx int, n string, c HealthChecker) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
			defer cancel()

			if err := c.HealthCheck(ctx); err != nil {
				results[idx] = result{name: n, res: CheckResult{Status: "error", Error: err.Error()}}
			} else {
				results[idx] = result{name: n, res: CheckResult{Status: "ok"}}
			}
		}(i, name, checker)
		i++
	}
	wg.Wait()

	checks := make(map[string]CheckResult, len(results))
	allOK := true
	for _, res := range results {
		checks[res.name] = res.res
		if res.res.Status != "ok" {
			allOK = false
		}
	}

	resp := ReadinessResponse{Checks: checks}
	if allOK {
		resp.Status = "ready"
		writeJSON(w, http.StatusOK, resp)
	} else {
		resp.Status = "not_ready"
		writeJSON(w, http.StatusServiceUnavailable, resp)
	}
}

// healthCheckers returns the configured dependency checkers.
func (s *Server) healthCheckers() map[string]HealthChecker {
	checkers := make(map[string]HealthChecker)
	if s.CoreHealth != nil {
		checkers["core_store"] = s.CoreHealth
	}
	if s.ObjectStoreHealth != nil {
		checkers["object_store"] = s.ObjectStoreHealth
	}
	return checkers
}

// HandleMetrics returns process and engine gauges in Prometheus text
// exposition format.
func (s *Server) HandleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	fmt.Fprintf(w, "# HELP loomd_info Build information about loomd.\n")
	fmt.Fprintf(w, "# TYPE loomd_info gauge\n")
	fmt.Fprintf(w, "loomd_info{version=%q,git_commit=%q,go_version=%q} 1\n", Version, GitCommit, runtime.Version())

	fmt.Fprintf(w, "# HELP loomd_goroutines Number of goroutines.\n")
	fmt.Fprintf(w, "# TYPE loomd_goroutines gauge\n")
	fmt.Fprintf(w, "loomd_goroutines %d\n", runtime.NumGoroutine())

	fmt.Fprintf(w, "# HELP loomd_memory_alloc_bytes Current memory allocation in bytes.\n")
	fmt.Fprintf(w, "# TYPE loomd_memory_alloc_bytes gauge\n")
	fmt.Fprintf(w, "loomd_memory_alloc_bytes %d\n", memStats.Alloc)

	fmt.Fprintf(w, "# HELP loomd_memory_sys_bytes Total memory obtained from the OS in bytes.\n")
	fmt.Fprintf(w, "# TYPE loomd_memory_sys_bytes gauge\n")
	fmt.Fprintf(w, "loomd_memory_sys_bytes %d\n", memStats.Sys)

	fmt.Fprintf(w, "# HELP loomd_gc_completed_total Total number of completed GC cycles.\n")
	fmt.Fprintf(w, "# TYPE loomd_gc_completed_total counter\n")
	fmt.Fprintf(w, "loomd_gc_completed_total %d\n", memStats.NumGC)

	if s.Bulk != nil {
		running := 0
		for _, op := range s.Bulk.List() {
			if !op.Status.Terminal() {
				running++
			}
		}
		fmt.Fprintf(w, "# HELP loomd_bulk_operations_active Bulk operations currently pending or running.\n")
		fmt.Fprintf(w, "# TYPE loomd_bulk_operations_active gauge\n")
		fmt.Fprintf(w, "loomd_bulk_operations_active %d\n", running)
	}

	if s.Lineage != nil {
		export, err := s.Lineage.Export("json")
		if err == nil {
			fmt.Fprintf(w, "# HELP loomd_lineage_export_bytes Size of the lineage graph JSON export.\n")
			fmt.Fprintf(w, "# TYPE loomd_lineage_export_bytes gauge\n")
			fmt.Fprintf(w, "loomd_lineage_export_bytes %d\n", len(export))
		}
	}
}
