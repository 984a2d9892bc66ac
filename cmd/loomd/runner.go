package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loom-data/loom/engine/internal/bulk"
	"github.com/loom-data/loom/engine/internal/domain"
	"github.com/loom-data/loom/engine/internal/ingest"
	"github.com/loom-data/loom/engine/internal/pipeline"
	"github.com/loom-data/loom/engine/internal/sqlite"
	"github.com/loom-data/loom/engine/internal/store"
)

// jobRunner dispatches scheduler executions to the engines by job kind.
type jobRunner struct {
	sources   *sqlite.DataSourceStore
	pipelines *sqlite.PipelineStore
	ingest    *ingest.Engine
	pipeline  *pipeline.Engine
	bulk      *bulk.Registry
}

func (r *jobRunner) RunJob(ctx context.Context, job *domain.Job, exec *domain.Execution) error {
	switch job.Kind {
	case domain.JobIngest:
		ds, err := r.sources.GetDataSource(ctx, job.TargetID)
		if err != nil {
			return fmt.Errorf("load data source: %w", err)
		}
		if ds == nil {
			return fmt.Errorf("data source %q not found", job.TargetID)
		}
		_, err = r.ingest.Ingest(ctx, ds, ingest.Options{Trigger: exec.Trigger})
		return err

	case domain.JobPipeline:
		p, err := r.pipelines.GetPipeline(ctx, job.TargetID)
		if err != nil {
			return fmt.Errorf("load pipeline: %w", err)
		}
		if p == nil {
			return fmt.Errorf("pipeline %q not found", job.TargetID)
		}
		pexec, err := r.pipeline.Execute(ctx, p, exec.Trigger)
		if err != nil {
			return err
		}
		if pexec.Status == domain.ExecutionFailed && pexec.Error != nil {
			return fmt.Errorf("pipeline execution failed: %s", *pexec.Error)
		}
		return nil

	case domain.JobBulk:
		op, err := r.bulk.Execute(ctx, job.TargetID)
		if err != nil {
			return err
		}
		if op.Status == bulk.StatusFailed {
			return fmt.Errorf("bulk operation failed: %s", op.Error)
		}
		return nil
	}
	return fmt.Errorf("unknown job kind %q", job.Kind)
}

// SerialKeys returns one key per data source the job writes, so the
// scheduler never runs two jobs against the same store concurrently.
func (r *jobRunner) SerialKeys(ctx context.Context, job *domain.Job) []string {
	switch job.Kind {
	case domain.JobIngest:
		return []string{"source:" + job.TargetID}
	case domain.JobPipeline:
		p, err := r.pipelines.GetPipeline(ctx, job.TargetID)
		if err != nil || p == nil {
			return []string{"pipeline:" + job.TargetID}
		}
		var keys []string
		for _, node := range p.Nodes {
			if node.Type != domain.NodeSource && node.Type != domain.NodeOutput {
				continue
			}
			var cfg struct {
				DataSourceID string `json:"dataSourceId"`
			}
			if err := json.Unmarshal(node.Config, &cfg); err != nil || cfg.DataSourceID == "" {
				continue
			}
			keys = append(keys, "source:"+cfg.DataSourceID)
		}
		if len(keys) == 0 {
			keys = []string{"pipeline:" + p.ID}
		}
		return keys
	}
	return []string{"project:" + job.ProjectID}
}

// bulkApplier dispatches bulk items to the engines and stores.
type bulkApplier struct {
	sources   *sqlite.DataSourceStore
	pipelines *sqlite.PipelineStore
	jobs      *sqlite.JobStore
	stores    *store.Router
	ingest    *ingest.Engine
	pipeline  *pipeline.Engine
}

func (a *bulkApplier) Apply(ctx context.Context, entityType, operationType, entityID string) error {
	switch entityType {
	case bulk.EntityDataSource:
		return a.applyDataSource(ctx, operationType, entityID)
	case bulk.EntityPipeline:
		return a.applyPipeline(ctx, operationType, entityID)
	case bulk.EntityJob:
		return a.applyJob(ctx, operationType, entityID)
	}
	return fmt.Errorf("unknown entity type %q", entityType)
}

// Validate checks existence and operation applicability without side
// effects. Dry runs stop here.
func (a *bulkApplier) Validate(ctx context.Context, entityType, operationType, entityID string) error {
	switch entityType {
	case bulk.EntityDataSource:
		if operationType == bulk.OpExecute {
			return fmt.Errorf("operation %q does not apply to data sources", operationType)
		}
		ds, err := a.sources.GetDataSource(ctx, entityID)
		if err != nil {
			return err
		}
		if ds == nil {
			return fmt.Errorf("data source %q not found", entityID)
		}
		if operationType == bulk.OpIngest && !ds.Enabled {
			return fmt.Errorf("data source %q is disabled", entityID)
		}
		return nil

	case bulk.EntityPipeline:
		switch operationType {
		case bulk.OpExecute, bulk.OpDelete:
		default:
			return fmt.Errorf("operation %q does not apply to pipelines", operationType)
		}
		p, err := a.pipelines.GetPipeline(ctx, entityID)
		if err != nil {
			return err
		}
		if p == nil {
			return fmt.Errorf("pipeline %q not found", entityID)
		}
		return nil

	case bulk.EntityJob:
		switch operationType {
		case bulk.OpEnable, bulk.OpDisable, bulk.OpDelete:
		default:
			return fmt.Errorf("operation %q does not apply to jobs", operationType)
		}
		j, err := a.jobs.GetJob(ctx, entityID)
		if err != nil {
			return err
		}
		if j == nil {
			return fmt.Errorf("job %q not found", entityID)
		}
		return nil
	}
	return fmt.Errorf("unknown entity type %q", entityType)
}

func (a *bulkApplier) applyDataSource(ctx context.Context, operationType, id string) error {
	ds, err := a.sources.GetDataSource(ctx, id)
	if err != nil {
		return err
	}
	if ds == nil {
		return fmt.Errorf("data source %q not found", id)
	}
	switch operationType {
	case bulk.OpIngest:
		_, err := a.ingest.Ingest(ctx, ds, ingest.Options{Trigger: "bulk"})
		return err
	case bulk.OpEnable, bulk.OpDisable:
		ds.Enabled = operationType == bulk.OpEnable
		return a.sources.UpdateDataSource(ctx, ds)
	case bulk.OpDelete:
		if err := a.stores.Purge(ds); err != nil {
			return fmt.Errorf("purge store: %w", err)
		}
		return a.sources.DeleteDataSource(ctx, id)
	}
	return fmt.Errorf("operation %q does not apply to data sources", operationType)
}

func (a *bulkApplier) applyPipeline(ctx context.Context, operationType, id string) error {
	p, err := a.pipelines.GetPipeline(ctx, id)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("pipeline %q not found", id)
	}
	switch operationType {
	case bulk.OpExecute:
		exec, err := a.pipeline.Execute(ctx, p, "bulk")
		if err != nil {
			return err
		}
		if exec.Status == domain.ExecutionFailed && exec.Error != nil {
			return fmt.Errorf("pipeline execution failed: %s", *exec.Error)
		}
		return nil
	case bulk.OpDelete:
		return a.pipelines.DeletePipeline(ctx, id)
	}
	return fmt.Errorf("operation %q does not apply to pipelines", operationType)
}

func (a *bulkApplier) applyJob(ctx context.Context, operationType, id string) error {
	switch operationType {
	case bulk.OpEnable, bulk.OpDisable:
		return a.jobs.SetJobEnabled(ctx, id, operationType == bulk.OpEnable)
	case bulk.OpDelete:
		return a.jobs.DeleteJob(ctx, id)
	}
	return fmt.Errorf("operation %q does not apply to jobs", operationType)
}
