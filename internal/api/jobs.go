package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/robfig/cron/v3"

	"github.com/loom-data/loom/engine/internal/domain"
	"github.com/loom-data/loom/engine/internal/sqlite"
)

// JobStore defines the persistence interface for jobs.
type JobStore interface {
	ListJobs(ctx context.Context, projectID string) ([]domain.Job, error)
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	CreateJob(ctx context.Context, j *domain.Job) error
	UpdateJob(ctx context.Context, j *domain.Job) error
	SetJobEnabled(ctx context.Context, id string, enabled bool) error
	DeleteJob(ctx context.Context, id string) error
}

// ExecutionStore is the read interface over execution records.
type ExecutionStore interface {
	GetExecution(ctx context.Context, id string) (*domain.Execution, error)
	ListExecutions(ctx context.Context, f sqlite.ExecutionFilter) ([]domain.Execution, error)
}

// SchedulerControl triggers and cancels scheduled work. The scheduler
// implements it.
type SchedulerControl interface {
	RunNow(ctx context.Context, jobID string) (*domain.Execution, error)
	Cancel(executionID string) error
}

// CreateJobRequest is the JSON body for POST /jobs.
type CreateJobRequest struct {
	ProjectID      string              `json:"projectId"`
	Name           string              `json:"name"`
	Kind           string              `json:"kind"`
	TargetID       string              `json:"targetId"`
	Schedule       *domain.JobSchedule `json:"schedule"`
	TriggerEvents  []string            `json:"triggerEvents"`
	Enabled        *bool               `json:"enabled"`
	WebhookEnabled bool                `json:"webhookEnabled"`
	WebhookEvents  []string            `json:"webhookEvents"`
	MaxRetries     *int                `json:"maxRetries"`
}

// UpdateJobRequest is the JSON body for PUT /jobs/{jobID}. Nil fields
// are left unchanged; schedule uses a double pointer semantics via the
// clearSchedule flag instead.
type UpdateJobRequest struct {
	Name          *string             `json:"name"`
	Schedule      *domain.JobSchedule `json:"schedule"`
	ClearSchedule bool                `json:"clearSchedule"`
	TriggerEvents *[]string           `json:"triggerEvents"`
	WebhookEvents *[]string           `json:"webhookEvents"`
	MaxRetries    *int                `json:"maxRetries"`
}

// MountJobRoutes registers job CRUD and control endpoints.
func MountJobRoutes(r chi.Router, srv *Server) {
	r.Get("/jobs", srv.HandleListJobs)
	r.Post("/jobs", srv.HandleCreateJob)
	r.Get("/jobs/{jobID}", srv.HandleGetJob)
	r.Put("/jobs/{jobID}", srv.HandleUpdateJob)
	r.Delete("/jobs/{jobID}", srv.HandleDeleteJob)
	r.Post("/jobs/{jobID}/enable", srv.HandleEnableJob)
	r.Post("/jobs/{jobID}/disable", srv.HandleDisableJob)
	r.Post("/jobs/{jobID}/run", srv.HandleRunJob)
	r.Get("/jobs/{jobID}/executions", srv.HandleJobExecutions)
}

// validateSchedule parses the cron expression and timezone.
func validateSchedule(sched *domain.JobSchedule) string {
	if sched == nil {
		return ""
	}
	if _, err := cron.ParseStandard(sched.Cron); err != nil {
		return "invalid cron expression: " + sched.Cron
	}
	if sched.Timezone != "" {
		if _, err := time.LoadLocation(sched.Timezone); err != nil {
			return "unknown timezone: " + sched.Timezone
		}
	}
	return ""
}

// HandleListJobs returns jobs, optionally filtered by ?project=.
func (s *Server) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.Jobs == nil {
		errorJSON(w, "jobs not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	jobs, err := s.Jobs.ListJobs(r.Context(), r.URL.Query().Get("project"))
	if err != nil {
		internalError(w, "failed to list jobs", err)
		return
	}
	limit, offset := parsePagination(r)
	writeJSON(w, http.StatusOK, paginate(jobs, limit, offset))
}

// HandleCreateJob creates a job.
func (s *Server) HandleCreateJob(w http.ResponseWriter, r *http.Request) {
	if s.Jobs == nil || s.Projects == nil {
		errorJSON(w, "jobs not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	var req CreateJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		errorJSON(w, "name is required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if !domain.ValidJobKind(req.Kind) {
		errorJSON(w, "unknown job kind: "+req.Kind, "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.TargetID == "" {
		errorJSON(w, "targetId is required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if msg := validateSchedule(req.Schedule); msg != "" {
		errorJSON(w, msg, "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	proj, err := s.Projects.GetProject(r.Context(), req.ProjectID)
	if err != nil {
		internalError(w, "failed to get project", err)
		return
	}
	if proj == nil {
		errorJSON(w, "project not found", "NOT_FOUND", http.StatusNotFound)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	maxRetries := 3
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			errorJSON(w, "maxRetries must not be negative", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
		maxRetries = *req.MaxRetries
	}

	j := &domain.Job{
		ProjectID:      req.ProjectID,
		Name:           req.Name,
		Kind:           domain.JobKind(req.Kind),
		TargetID:       req.TargetID,
		Schedule:       req.Schedule,
		TriggerEvents:  req.TriggerEvents,
		Enabled:        enabled,
		WebhookEnabled: req.WebhookEnabled,
		WebhookEvents:  req.WebhookEvents,
		MaxRetries:     maxRetries,
	}
	if err := s.Jobs.CreateJob(r.Context(), j); err != nil {
		internalError(w, "failed to create job", err)
		return
	}
	writeJSON(w, http.StatusCreated, j)
}

// HandleGetJob returns one job.
func (s *Server) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	j, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// HandleUpdateJob applies a partial update to a job. Kind and target
// are immutable; delete and recreate to change them.
func (s *Server) HandleUpdateJob(w http.ResponseWriter, r *http.Request) {
	j, ok := s.lookupJob(w, r)
	if !ok {
		return
	}

	var req UpdateJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name != nil {
		if *req.Name == "" {
			errorJSON(w, "name must not be empty", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
		j.Name = *req.Name
	}
	if req.ClearSchedule {
		j.Schedule = nil
	} else if req.Schedule != nil {
		if msg := validateSchedule(req.Schedule); msg != "" {
			errorJSON(w, msg, "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
		j.Schedule = req.Schedule
	}
	if req.TriggerEvents != nil {
		j.TriggerEvents = *req.TriggerEvents
	}
	if req.WebhookEvents != nil {
		j.WebhookEvents = *req.WebhookEvents
	}
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			errorJSON(w, "maxRetries must not be negative", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
		j.MaxRetries = *req.MaxRetries
	}

	if err := s.Jobs.UpdateJob(r.Context(), j); err != nil {
		internalError(w, "failed to update job", err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// HandleDeleteJob removes a job. Its executions are kept for history.
func (s *Server) HandleDeleteJob(w http.ResponseWriter, r *http.Request) {
	j, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	if err := s.Jobs.DeleteJob(r.Context(), j.ID); err != nil {
		internalError(w, "failed to delete job", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleEnableJob enables a job so the scheduler picks it up again.
func (s *Server) HandleEnableJob(w http.ResponseWriter, r *http.Request) {
	s.setJobEnabled(w, r, true)
}

// HandleDisableJob disables a job. Running executions finish normally.
func (s *Server) HandleDisableJob(w http.ResponseWriter, r *http.Request) {
	s.setJobEnabled(w, r, false)
}

func (s *Server) setJobEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	j, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	if err := s.Jobs.SetJobEnabled(r.Context(), j.ID, enabled); err != nil {
		internalError(w, "failed to update job", err)
		return
	}
	j.Enabled = enabled
	writeJSON(w, http.StatusOK, j)
}

// HandleRunJob triggers an immediate run outside the schedule and
// returns the resulting execution.
func (s *Server) HandleRunJob(w http.ResponseWriter, r *http.Request) {
	if s.Scheduler == nil {
		errorJSON(w, "scheduler not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}
	j, ok := s.lookupJob(w, r)
	if !ok {
		return
	}

	exec, err := s.Scheduler.RunNow(r.Context(), j.ID)
	if err != nil {
		respondError(w, "job run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"executionId": exec.ID,
		"execution":   exec,
	})
}

// HandleJobExecutions returns recent executions of a job, newest first.
func (s *Server) HandleJobExecutions(w http.ResponseWriter, r *http.Request) {
	if s.Executions == nil {
		errorJSON(w, "executions not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}
	j, ok := s.lookupJob(w, r)
	if !ok {
		return
	}

	limit, offset := parsePagination(r)
	execs, err := s.Executions.ListExecutions(r.Context(), sqlite.ExecutionFilter{
		JobID:  j.ID,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		internalError(w, "failed to list executions", err)
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

// lookupJob fetches the job named in the path, writing the error
// response itself when the lookup fails.
func (s *Server) lookupJob(w http.ResponseWriter, r *http.Request) (*domain.Job, bool) {
	if s.Jobs == nil {
		errorJSON(w, "jobs not configured", "UNAVAILABLE", http.StatusServiceUnavailable)
		return nil, false
	}
	j, err := s.Jobs.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		internalError(w, "failed to get job", err)
		return nil, false
	}
	if j == nil {
		errorJSON(w, "job not found", "NOT_FOUND", http.StatusNotFound)
		return nil, false
	}
	return j, true
}
