package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/strandlabs/strand/pkg/models"
)

// RunService manages agent run rows. Every status transition is guarded in
// SQL so a terminal run is never overwritten with a non-terminal state, no
// matter which replica writes last.
type RunService struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRunService creates a run service.
func NewRunService(pool *pgxpool.Pool) *RunService {
	return &RunService{
		pool:   pool,
		logger: slog.With("service", "agent_run"),
	}
}

// CreateRun inserts the durable run row.
func (s *RunService) CreateRun(ctx context.Context, run *models.AgentRun) error {
	if run.RunID == "" {
		return NewValidationError("run_id", "must not be empty")
	}
	if run.ThreadID == "" {
		return NewValidationError("thread_id", "must not be empty")
	}

	metadata := run.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaPayload, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to serialize run metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO agent_runs (run_id, thread_id, status, started_at, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, now(), $4, now(), now())`,
		run.RunID, run.ThreadID, run.Status, metaPayload)
	if err != nil {
		return fmt.Errorf("failed to create run %s: %w", run.RunID, err)
	}
	return nil
}

// GetRun fetches one run by ID.
func (s *RunService) GetRun(ctx context.Context, runID string) (*models.AgentRun, error) {
	row := s.pool.QueryRow(ctx, runSelect+` WHERE run_id = $1`, runID)
	return scanRun(row)
}

// ListRunsForThread returns a thread's runs, newest first.
func (s *RunService) ListRunsForThread(ctx context.Context, threadID string) ([]*models.AgentRun, error) {
	rows, err := s.pool.Query(ctx, runSelect+` WHERE thread_id = $1 ORDER BY created_at DESC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs for thread %s: %w", threadID, err)
	}
	defer rows.Close()

	var runs []*models.AgentRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ActiveRunForProject returns the single queued-or-running run within the
// project, or nil when the project is idle. The dispatcher's overlap check
// relies on this being at most one row.
func (s *RunService) ActiveRunForProject(ctx context.Context, projectID string) (*models.AgentRun, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT r.run_id, r.thread_id, r.status, r.started_at, r.completed_at, COALESCE(r.error, ''), r.responses, r.metadata, r.created_at, r.updated_at
		FROM agent_runs r
		JOIN threads t ON t.thread_id = r.thread_id
		WHERE t.project_id = $1 AND r.status IN ('queued', 'running')
		ORDER BY r.created_at DESC
		LIMIT 1`, projectID)
	run, err := scanRun(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return run, err
}

// ListStaleRunning returns runs still recorded as running or stopping whose
// last update is older than the cutoff. The stuck-run sweeper checks these
// against live locks.
func (s *RunService) ListStaleRunning(ctx context.Context, olderThan time.Duration) ([]*models.AgentRun, error) {
	rows, err := s.pool.Query(ctx, runSelect+`
		WHERE status IN ('running', 'stopping') AND updated_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("failed to list stale running runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.AgentRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// MarkStopping moves a queued or running run to stopping. Returns false when
// the run was already past those states (stop on a terminal run is a no-op).
func (s *RunService) MarkStopping(ctx context.Context, runID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agent_runs SET status = 'stopping', updated_at = now()
		WHERE run_id = $1 AND status IN ('queued', 'running')`, runID)
	if err != nil {
		return false, fmt.Errorf("failed to mark run %s stopping: %w", runID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// FinalizeRun writes the terminal state of a run together with the response
// snapshot captured from the coordination store. Terminal states are never
// overwritten; finalizing an already-terminal run returns ErrTerminalRun.
func (s *RunService) FinalizeRun(ctx context.Context, runID string, status models.RunStatus, errMsg string, responses []models.StreamItem) error {
	if !status.IsTerminal() {
		return NewValidationError("status", "finalize requires a terminal status")
	}
	if responses == nil {
		responses = []models.StreamItem{}
	}
	payload, err := json.Marshal(responses)
	if err != nil {
		return fmt.Errorf("failed to serialize responses for run %s: %w", runID, err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE agent_runs
		SET status = $2, completed_at = now(), error = NULLIF($3, ''), responses = $4, updated_at = now()
		WHERE run_id = $1 AND status NOT IN ('completed', 'stopped', 'failed')`,
		runID, status, errMsg, payload)
	if err != nil {
		return fmt.Errorf("failed to finalize run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		// Either the run does not exist or it is already terminal.
		if _, getErr := s.GetRun(ctx, runID); getErr != nil {
			return getErr
		}
		return ErrTerminalRun
	}
	s.logger.Info("Finalized run", "run_id", runID, "status", status)
	return nil
}

// FailStuckRun escalates a run abandoned by a crashed worker to failed.
// Only rows still recorded as running or stopping are touched. Returns true
// when the escalation wrote the row.
func (s *RunService) FailStuckRun(ctx context.Context, runID, reason string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agent_runs
		SET status = 'failed', completed_at = now(), error = $2, updated_at = now()
		WHERE run_id = $1 AND status IN ('running', 'stopping')`,
		runID, reason)
	if err != nil {
		return false, fmt.Errorf("failed to escalate stuck run %s: %w", runID, err)
	}
	if tag.RowsAffected() > 0 {
		s.logger.Warn("Escalated stuck run to failed", "run_id", runID, "reason", reason)
		return true, nil
	}
	return false, nil
}

const runSelect = `
	SELECT run_id, thread_id, status, started_at, completed_at, COALESCE(error, ''), responses, metadata, created_at, updated_at
	FROM agent_runs`

func scanRun(row pgx.Row) (*models.AgentRun, error) {
	var (
		r         models.AgentRun
		responses []byte
		metadata  []byte
	)
	err := row.Scan(&r.RunID, &r.ThreadID, &r.Status, &r.StartedAt, &r.CompletedAt, &r.Error, &responses, &metadata, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	if len(responses) > 0 {
		if err := json.Unmarshal(responses, &r.Responses); err != nil {
			return nil, fmt.Errorf("failed to decode run responses: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode run metadata: %w", err)
		}
	}
	return &r, nil
}
