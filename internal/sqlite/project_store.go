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

// projectColumns is the full column list for project queries.
const projectColumns = `id, name, description, data_path, created_at, updated_at`

// ProjectStore persists projects in the core store.
type ProjectStore struct {
	db *sql.DB
}

// NewProjectStore creates a ProjectStore backed by the given database.
func NewProjectStore(db *sql.DB) *ProjectStore {
	return &ProjectStore{db: db}
}

// scanProject scans a single project row.
func scanProject(row *sql.Row) (*domain.Project, error) {
	var (
		p           domain.Project
		description sql.NullString
		createdAt   string
		updatedAt   string
	)
	if err := row.Scan(&p.ID, &p.Name, &description, &p.DataPath, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.Description = nullableToString(description)

	var err error
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProjects returns all projects ordered by creation time.
func (s *ProjectStore) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var result []domain.Project
	for rows.Next() {
		var (
			p           domain.Project
			description sql.NullString
			createdAt   string
			updatedAt   string
		)
		if err := rows.Scan(&p.ID, &p.Name, &description, &p.DataPath, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		p.Description = nullableToString(description)
		if p.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// GetProject returns a project by ID, or (nil, nil) when absent.
func (s *ProjectStore) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

// CreateProject inserts a new project, assigning ID and timestamps.
// A duplicate name returns domain.ErrAlreadyExists.
func (s *ProjectStore) CreateProject(ctx context.Context, p *domain.Project) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, description, data_path, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, textOrNull(p.Description), p.DataPath,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create project: %w", mapConflict(err))
	}
	return nil
}

// UpdateProject applies a partial update and returns the fresh row, or
// (nil, nil) when the project does not exist.
func (s *ProjectStore) UpdateProject(ctx context.Context, id string, name, description *string) (*domain.Project, error) {
	existing, err := s.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}
	if name != nil {
		existing.Name = *name
	}
	if description != nil {
		existing.Description = *description
	}
	existing.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)

	_, err = s.db.ExecContext(ctx,
		`UPDATE projects SET name = ?, description = ?, updated_at = ? WHERE id = ?`,
		existing.Name, textOrNull(existing.Description), formatTime(existing.UpdatedAt), id)
	if err != nil {
		return nil, fmt.Errorf("update project: %w", mapConflict(err))
	}
	return existing, nil
}

// DeleteProject removes a project; dependent rows cascade. Deleting a
// missing project is a no-op.
func (s *ProjectStore) DeleteProject(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return nil
}
