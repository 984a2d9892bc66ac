// Package bulk runs one operation across many entities at once: ingest
// every data source of a project, disable a set of jobs, delete stale
// pipelines. Operations are held in memory; per-item outcomes and
// progress are queryable while the operation runs.
package bulk

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"

	"github.com/loom-data/loom/engine/internal/fault"
)

// Entity types a bulk operation can target.
const (
	EntityDataSource = "data_source"
	EntityPipeline   = "pipeline"
	EntityJob        = "job"
)

// Operation types.
const (
	OpIngest  = "ingest"
	OpExecute = "execute"
	OpEnable  = "enable"
	OpDisable = "disable"
	OpDelete  = "delete"
)

// Status is the lifecycle state of a bulk operation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartial, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Applier performs one operation on one entity. Implementations dispatch
// on entity and operation type to the ingestion engine, the pipeline
// engine, and the stores.
type Applier interface {
	// Apply runs operationType against one entity.
	Apply(ctx context.Context, entityType, operationType, entityID string) error

	// Validate checks the entity exists and the operation applies to it,
	// without side effects. Dry runs call only this.
	Validate(ctx context.Context, entityType, operationType, entityID string) error
}

// Options tune one submitted operation.
type Options struct {
	ContinueOnError *bool `json:"continue_on_error,omitempty"` // default true
	DryRun          bool  `json:"dry_run,omitempty"`
	MaxConcurrent   int   `json:"max_concurrent,omitempty"` // default 5
}

func (o Options) continueOnError() bool {
	return o.ContinueOnError == nil || *o.ContinueOnError
}

func (o Options) maxConcurrent() int {
	if o.MaxConcurrent <= 0 {
		return 5
	}
	return o.MaxConcurrent
}

// Definition is the submitted shape of a bulk operation.
type Definition struct {
	EntityType    string   `json:"entity_type"`
	OperationType string   `json:"operation_type"`
	EntityIDs     []string `json:"entity_ids"`
	Options       Options  `json:"options"`
}

// ItemResult is the outcome for one entity.
type ItemResult struct {
	EntityID   string `json:"entity_id"`
	Status     string `json:"status"` // "success" | "failed" | "skipped"
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Progress tracks completion while the operation runs.
type Progress struct {
	Total      int     `json:"total"`
	Completed  int     `json:"completed"`
	Percentage float64 `json:"percentage"`
}

// Operation is one submitted bulk operation and its state.
type Operation struct {
	ID            string       `json:"id"`
	EntityType    string       `json:"entity_type"`
	OperationType string       `json:"operation_type"`
	EntityIDs     []string     `json:"entity_ids"`
	Options       Options      `json:"options"`
	Status        Status       `json:"status"`
	Progress      Progress     `json:"progress"`
	Results       []ItemResult `json:"results,omitempty"`
	Error         string       `json:"error,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	StartedAt     *time.Time   `json:"started_at,omitempty"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
}

// Registry holds bulk operations and executes them.
type Registry struct {
	applier Applier
	logger  *slog.Logger

	mu      sync.Mutex
	ops     map[string]*Operation
	cancels map[string]context.CancelFunc
}

// NewRegistry creates an empty registry.
func NewRegistry(applier Applier, logger *slog.Logger) *Registry {
	return &Registry{
		applier: applier,
		logger:  logger,
		ops:     make(map[string]*Operation),
		cancels: make(map[string]context.CancelFunc),
	}
}

func validEntityType(s string) bool {
	switch s {
	case EntityDataSource, EntityPipeline, EntityJob:
		return true
	}
	return false
}

func validOperationType(s string) bool {
	switch s {
	case OpIngest, OpExecute, OpEnable, OpDisable, OpDelete:
		return true
	}
	return false
}

// Submit validates and stores a new operation in pending state.
func (r *Registry) Submit(def Definition) (*Operation, error) {
	if !validEntityType(def.EntityType) {
		return nil, fault.Newf(fault.CodeMissingRequiredField, "bulk: unknown entity type %q", def.EntityType)
	}
	if !validOperationType(def.OperationType) {
		return nil, fault.Newf(fault.CodeMissingRequiredField, "bulk: unknown operation type %q", def.OperationType)
	}
	if len(def.EntityIDs) == 0 {
		return nil, fault.New(fault.CodeMissingRequiredField, "bulk: at least one entity ID is required")
	}

	op := &Operation{
		ID:            "bulk_" + xid.New().String(),
		EntityType:    def.EntityType,
		OperationType: def.OperationType,
		EntityIDs:     append([]string(nil), def.EntityIDs...),
		Options:       def.Options,
		Status:        StatusPending,
		Progress:      Progress{Total: len(def.EntityIDs)},
		CreatedAt:     time.Now(),
	}

	r.mu.Lock()
	r.ops[op.ID] = op
	r.mu.Unlock()
	return r.snapshot(op.ID), nil
}

// Execute runs a pending operation to completion. Re-executing a running
// operation is rejected; terminal operations cannot be re-run either.
func (r *Registry) Execute(ctx context.Context, id string) (*Operation, error) {
	r.mu.Lock()
	op, ok := r.ops[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("bulk: operation %q not found", id)
	}
	if op.Status != StatusPending {
		status := op.Status
		r.mu.Unlock()
		return nil, fmt.Errorf("bulk: operation %q is %s, only pending operations can be executed", id, status)
	}
	runCtx, cancel := context.WithCancel(ctx)
	op.Status = StatusRunning
	now := time.Now()
	op.StartedAt = &now
	op.Results = make([]ItemResult, len(op.EntityIDs))
	r.cancels[id] = cancel
	entityType := op.EntityType
	opType := op.OperationType
	ids := append([]string(nil), op.EntityIDs...)
	opts := op.Options
	r.mu.Unlock()

	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.cancels, id)
		r.mu.Unlock()
	}()

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(opts.maxConcurrent())

	for i, entityID := range ids {
		g.Go(func() error {
			result := ItemResult{EntityID: entityID}
			if gctx.Err() != nil {
				result.Status = "skipped"
				result.Error = "cancelled before start"
				r.recordResult(id, i, result)
				return nil
			}

			start := time.Now()
			var err error
			if opts.DryRun {
				err = r.applier.Validate(gctx, entityType, opType, entityID)
			} else {
				err = r.applier.Apply(gctx, entityType, opType, entityID)
			}
			result.DurationMs = time.Since(start).Milliseconds()

			if err != nil {
				result.Status = "failed"
				result.Error = err.Error()
				r.recordResult(id, i, result)
				r.logger.Warn("bulk item failed",
					slog.String("operation_id", id),
					slog.String("entity_id", entityID),
					slog.String("error", err.Error()))
				if !opts.continueOnError() {
					return err // aborts the group via gctx
				}
				return nil
			}
			result.Status = "success"
			r.recordResult(id, i, result)
			return nil
		})
	}
	groupErr := g.Wait()

	r.mu.Lock()
	cancelled := op.Status == StatusCancelled || (runCtx.Err() != nil && groupErr == nil)
	op.Status = r.finalStatus(op, groupErr, cancelled)
	done := time.Now()
	op.CompletedAt = &done
	if groupErr != nil {
		op.Error = groupErr.Error()
	}
	final := op.Status
	r.mu.Unlock()

	r.logger.Info("bulk operation finished",
		slog.String("operation_id", id),
		slog.String("status", string(final)))
	return r.snapshot(id), nil
}

// finalStatus derives the terminal status from item outcomes. Caller
// holds r.mu.
func (r *Registry) finalStatus(op *Operation, groupErr error, cancelled bool) Status {
	if cancelled {
		return StatusCancelled
	}
	failed, succeeded := 0, 0
	for _, result := range op.Results {
		switch result.Status {
		case "failed", "skipped":
			failed++
		case "success":
			succeeded++
		}
	}
	switch {
	case groupErr != nil && succeeded == 0:
		return StatusFailed
	case failed == 0:
		return StatusCompleted
	case succeeded == 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}

func (r *Registry) recordResult(opID string, index int, result ItemResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[opID]
	if !ok || index >= len(op.Results) {
		return
	}
	op.Results[index] = result
	op.Progress.Completed++
	if op.Progress.Total > 0 {
		op.Progress.Percentage = float64(op.Progress.Completed) / float64(op.Progress.Total) * 100
	}
}

// Cancel stops a running operation. In-flight items finish; queued items
// are skipped.
func (r *Registry) Cancel(id string) error {
	r.mu.Lock()
	op, ok := r.ops[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("bulk: operation %q not found", id)
	}
	cancel, running := r.cancels[id]
	if !running {
		status := op.Status
		r.mu.Unlock()
		return fmt.Errorf("bulk: operation %q is %s, not running", id, status)
	}
	op.Status = StatusCancelled
	r.mu.Unlock()
	cancel()
	return nil
}

// Get returns a copy of one operation, nil when absent.
func (r *Registry) Get(id string) *Operation {
	return r.snapshot(id)
}

// List returns copies of all operations, newest first.
func (r *Registry) List() []*Operation {
	r.mu.Lock()
	ids := make([]string, 0, len(r.ops))
	for id := range r.ops {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	result := make([]*Operation, 0, len(ids))
	for _, id := range ids {
		if op := r.snapshot(id); op != nil {
			result = append(result, op)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result
}

// ClearCompleted drops terminal operations and returns how many were
// removed.
func (r *Registry) ClearCompleted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, op := range r.ops {
		if op.Status.Terminal() {
			delete(r.ops, id)
			removed++
		}
	}
	return removed
}

// snapshot deep-copies one operation under the lock.
func (r *Registry) snapshot(id string) *Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[id]
	if !ok {
		return nil
	}
	copied := *op
	copied.EntityIDs = append([]string(nil), op.EntityIDs...)
	copied.Results = append([]ItemResult(nil), op.Results...)
	return &copied
}
