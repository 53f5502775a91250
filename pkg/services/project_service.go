package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/strandlabs/strand/pkg/models"
)

// ProjectService manages project rows. A project owns its sandbox descriptor
// and its threads; deleting a project cascades to threads and runs.
type ProjectService struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewProjectService creates a project service.
func NewProjectService(pool *pgxpool.Pool) *ProjectService {
	return &ProjectService{
		pool:   pool,
		logger: slog.With("service", "project"),
	}
}

// CreateProject inserts a new project row.
func (s *ProjectService) CreateProject(ctx context.Context, p *models.Project) error {
	if p.ProjectID == "" {
		return NewValidationError("project_id", "must not be empty")
	}
	if !p.AppType.Valid() {
		return NewValidationError("app_type", "must be one of: web, mobile")
	}

	sandbox, err := marshalNullable(p.Sandbox)
	if err != nil {
		return fmt.Errorf("failed to serialize sandbox descriptor: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO projects (project_id, account_id, name, sandbox, app_type, is_public, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())`,
		p.ProjectID, p.AccountID, p.Name, sandbox, p.AppType, p.IsPublic)
	if err != nil {
		return fmt.Errorf("failed to create project %s: %w", p.ProjectID, err)
	}
	return nil
}

// GetProject fetches one project by ID.
func (s *ProjectService) GetProject(ctx context.Context, projectID string) (*models.Project, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT project_id, account_id, name, sandbox, app_type, is_public, created_at, updated_at
		FROM projects WHERE project_id = $1`, projectID)
	return scanProject(row)
}

// ListProjectsForAccount returns the account's projects, newest first.
func (s *ProjectService) ListProjectsForAccount(ctx context.Context, accountID string) ([]*models.Project, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT project_id, account_id, name, sandbox, app_type, is_public, created_at, updated_at
		FROM projects WHERE account_id = $1 ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects for account %s: %w", accountID, err)
	}
	defer rows.Close()

	var projects []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// UpdateProjectSandbox stores the sandbox descriptor on the project row.
func (s *ProjectService) UpdateProjectSandbox(ctx context.Context, projectID string, sandbox *models.SandboxDescriptor) error {
	payload, err := marshalNullable(sandbox)
	if err != nil {
		return fmt.Errorf("failed to serialize sandbox descriptor: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE projects SET sandbox = $2, updated_at = now() WHERE project_id = $1`,
		projectID, payload)
	if err != nil {
		return fmt.Errorf("failed to update sandbox for project %s: %w", projectID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteProject removes the project; threads, messages and runs cascade.
func (s *ProjectService) DeleteProject(ctx context.Context, projectID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM projects WHERE project_id = $1`, projectID)
	if err != nil {
		return fmt.Errorf("failed to delete project %s: %w", projectID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	s.logger.Info("Deleted project", "project_id", projectID)
	return nil
}

// AuthorizeAccess verifies the account owns the project or the project is
// public. Returns ErrAccessDenied otherwise.
func (s *ProjectService) AuthorizeAccess(ctx context.Context, projectID, accountID string) (*models.Project, error) {
	p, err := s.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if p.AccountID != accountID && !p.IsPublic {
		return nil, ErrAccessDenied
	}
	return p, nil
}

func scanProject(row pgx.Row) (*models.Project, error) {
	var (
		p       models.Project
		sandbox []byte
	)
	err := row.Scan(&p.ProjectID, &p.AccountID, &p.Name, &sandbox, &p.AppType, &p.IsPublic, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan project: %w", err)
	}
	if len(sandbox) > 0 {
		if err := json.Unmarshal(sandbox, &p.Sandbox); err != nil {
			return nil, fmt.Errorf("failed to decode sandbox descriptor: %w", err)
		}
	}
	return &p, nil
}

// marshalNullable serializes a descriptor to JSONB, passing nil through as
// SQL NULL.
func marshalNullable(d *models.SandboxDescriptor) ([]byte, error) {
	if d == nil {
		return nil, nil
	}
	return json.Marshal(d)
}
