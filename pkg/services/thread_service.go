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

// ThreadService manages thread rows. A thread belongs to exactly one project;
// deletion cascades to its messages and runs.
type ThreadService struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewThreadService creates a thread service.
func NewThreadService(pool *pgxpool.Pool) *ThreadService {
	return &ThreadService{
		pool:   pool,
		logger: slog.With("service", "thread"),
	}
}

// CreateThread inserts a new thread row.
func (s *ThreadService) CreateThread(ctx context.Context, t *models.Thread) error {
	if t.ThreadID == "" {
		return NewValidationError("thread_id", "must not be empty")
	}
	if t.ProjectID == "" {
		return NewValidationError("project_id", "must not be empty")
	}

	metadata := t.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	payload, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to serialize thread metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO threads (thread_id, project_id, account_id, is_public, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())`,
		t.ThreadID, t.ProjectID, t.AccountID, t.IsPublic, payload)
	if err != nil {
		return fmt.Errorf("failed to create thread %s: %w", t.ThreadID, err)
	}
	return nil
}

// GetThread fetches one thread by ID.
func (s *ThreadService) GetThread(ctx context.Context, threadID string) (*models.Thread, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT thread_id, project_id, account_id, is_public, metadata, created_at, updated_at
		FROM threads WHERE thread_id = $1`, threadID)
	return scanThread(row)
}

// ListThreadsForAccount returns the account's threads, newest first.
func (s *ThreadService) ListThreadsForAccount(ctx context.Context, accountID string) ([]*models.Thread, error) {
	return s.listThreads(ctx, `
		SELECT thread_id, project_id, account_id, is_public, metadata, created_at, updated_at
		FROM threads WHERE account_id = $1 ORDER BY created_at DESC`, accountID)
}

// ListThreadsForProject returns all threads within a project, newest first.
func (s *ThreadService) ListThreadsForProject(ctx context.Context, projectID string) ([]*models.Thread, error) {
	return s.listThreads(ctx, `
		SELECT thread_id, project_id, account_id, is_public, metadata, created_at, updated_at
		FROM threads WHERE project_id = $1 ORDER BY created_at DESC`, projectID)
}

// UpdateThreadMetadata replaces the thread's free-form metadata record.
func (s *ThreadService) UpdateThreadMetadata(ctx context.Context, threadID string, metadata map[string]any) error {
	payload, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to serialize thread metadata: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE threads SET metadata = $2, updated_at = now() WHERE thread_id = $1`,
		threadID, payload)
	if err != nil {
		return fmt.Errorf("failed to update metadata for thread %s: %w", threadID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *ThreadService) listThreads(ctx context.Context, query string, arg any) ([]*models.Thread, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	defer rows.Close()

	var threads []*models.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

func scanThread(row pgx.Row) (*models.Thread, error) {
	var (
		t        models.Thread
		metadata []byte
	)
	err := row.Scan(&t.ThreadID, &t.ProjectID, &t.AccountID, &t.IsPublic, &metadata, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan thread: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode thread metadata: %w", err)
		}
	}
	return &t, nil
}
