package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/loom-data/loom/engine/internal/domain"
)

// pipelineColumns is the full column list for pipeline queries.
const pipelineColumns = `id, project_id, name, description, nodes, edges,
	continue_on_error, created_at, updated_at`

// PipelineStore persists pipeline definitions in the core store.
type PipelineStore struct {
	db *sql.DB
}

// NewPipelineStore creates a PipelineStore backed by the given database.
func NewPipelineStore(db *sql.DB) *PipelineStore {
	return &PipelineStore{db: db}
}

func scanPipeline(row dataSourceScanner) (*domain.Pipeline, error) {
	var (
		p               domain.Pipeline
		description     sql.NullString
		nodes, edges    string
		continueOnError int
		createdAt       string
		updatedAt       string
	)
	err := row.Scan(&p.ID, &p.ProjectID, &p.Name, &description, &nodes, &edges,
		&continueOnError, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	p.Description = nullableToString(description)
	p.ContinueOnError = continueOnError != 0
	if err := unmarshalJSON(sql.NullString{String: nodes, Valid: true}, &p.Nodes); err != nil {
		return nil, fmt.Errorf("decode pipeline nodes: %w", err)
	}
	if err := unmarshalJSON(sql.NullString{String: edges, Valid: true}, &p.Edges); err != nil {
		return nil, fmt.Errorf("decode pipeline edges: %w", err)
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPipelines returns a project's pipelines ordered by creation time.
func (s *PipelineStore) ListPipelines(ctx context.Context, projectID string) ([]domain.Pipeline, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pipelineColumns+` FROM pipelines WHERE project_id = ? ORDER BY created_at DESC`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	var result []domain.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pipeline: %w", err)
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

// GetPipeline returns a pipeline by ID, or (nil, nil) when absent.
func (s *PipelineStore) GetPipeline(ctx context.Context, id string) (*domain.Pipeline, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pipelineColumns+` FROM pipelines WHERE id = ?`, id)
	p, err := scanPipeline(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get pipeline: %w", err)
	}
	return p, nil
}

// CreatePipeline inserts a new pipeline definition.
func (s *PipelineStore) CreatePipeline(ctx context.Context, p *domain.Pipeline) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	p.CreatedAt = now
	p.UpdatedAt = now

	nodes, err := marshalJSON(p.Nodes)
	if err != nil {
		return err
	}
	edges, err := marshalJSON(p.Edges)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pipelines (id, project_id, name, description, nodes, edges,
			continue_on_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ProjectID, p.Name, textOrNull(p.Description),
		nullableToString(nodes), nullableToString(edges),
		boolToInt(p.ContinueOnError), formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create pipeline: %w", mapConflict(err))
	}
	return nil
}

// UpdatePipeline overwrites the mutable fields of a pipeline, including
// the node graph. The pipeline engine uses this to persist node statuses
// after an execution.
func (s *PipelineStore) UpdatePipeline(ctx context.Context, p *domain.Pipeline) error {
	p.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)

	nodes, err := marshalJSON(p.Nodes)
	if err != nil {
		return err
	}
	edges, err := marshalJSON(p.Edges)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE pipelines SET name = ?, description = ?, nodes = ?, edges = ?,
			continue_on_error = ?, updated_at = ?
		 WHERE id = ?`,
		p.Name, textOrNull(p.Description),
		nullableToString(nodes), nullableToString(edges),
		boolToInt(p.ContinueOnError), formatTime(p.UpdatedAt), p.ID)
	if err != nil {
		return fmt.Errorf("update pipeline: %w", mapConflict(err))
	}
	return nil
}

// DeletePipeline removes a pipeline definition. Idempotent.
func (s *PipelineStore) DeletePipeline(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pipelines WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete pipeline: %w", err)
	}
	return nil
}
