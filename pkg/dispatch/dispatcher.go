// Package dispatch accepts run requests at the HTTP edge, enforces the
// one-active-run-per-project invariant, and hands accepted runs to the
// executor pool through the dispatch queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/strandlabs/strand/pkg/billing"
	"github.com/strandlabs/strand/pkg/coordination"
	"github.com/strandlabs/strand/pkg/models"
	"github.com/strandlabs/strand/pkg/sandbox"
)

// ErrProjectBusy is returned when a project's previous run refuses to yield
// within the stop-wait window.
var ErrProjectBusy = errors.New("project already has an active run")

// RunStore is the slice of the run service the dispatcher depends on.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.AgentRun) error
	GetRun(ctx context.Context, runID string) (*models.AgentRun, error)
	ActiveRunForProject(ctx context.Context, projectID string) (*models.AgentRun, error)
	MarkStopping(ctx context.Context, runID string) (bool, error)
	FinalizeRun(ctx context.Context, runID string, status models.RunStatus, errMsg string, responses []models.StreamItem) error
}

// ThreadStore resolves threads to their projects.
type ThreadStore interface {
	GetThread(ctx context.Context, threadID string) (*models.Thread, error)
}

// ProjectStore authorizes access and records sandbox assignments.
type ProjectStore interface {
	AuthorizeAccess(ctx context.Context, projectID, accountID string) (*models.Project, error)
	UpdateProjectSandbox(ctx context.Context, projectID string, descriptor *models.SandboxDescriptor) error
}

// QuotaChecker is the pre-flight slice of the billing ledger.
type QuotaChecker interface {
	GetPlan(ctx context.Context, accountID string) (models.PlanID, error)
	GetUserTokenStatus(ctx context.Context, accountID string) (*models.TokenStatus, error)
}

// SandboxAllocator is the pool surface the dispatcher needs.
type SandboxAllocator interface {
	GetSandboxForUser(ctx context.Context, userID, projectID string, appType models.AppType) (*sandbox.Instance, error)
	EnsureRunning(ctx context.Context, sandboxID string) (*sandbox.Instance, error)
}

// Enqueuer publishes accepted runs to the dispatch queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, item models.RunWorkItem) (string, error)
}

// Dispatcher validates and admits run requests.
type Dispatcher struct {
	runs       RunStore
	threads    ThreadStore
	projects   ProjectStore
	quota      QuotaChecker
	pool       SandboxAllocator
	queue      Enqueuer
	coord      *coordination.Client
	instanceID string
	logger     *slog.Logger

	// stopWait bounds how long StartRun waits for a superseded run to yield.
	stopWait     time.Duration
	stopPollStep time.Duration
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(runs RunStore, threads ThreadStore, projects ProjectStore, quota QuotaChecker, pool SandboxAllocator, queue Enqueuer, coord *coordination.Client, instanceID string) *Dispatcher {
	return &Dispatcher{
		runs:         runs,
		threads:      threads,
		projects:     projects,
		quota:        quota,
		pool:         pool,
		queue:        queue,
		coord:        coord,
		instanceID:   instanceID,
		logger:       slog.With("component", "dispatcher"),
		stopWait:     30 * time.Second,
		stopPollStep: 500 * time.Millisecond,
	}
}

// StartRun admits a new run on a thread: authorize, displace the project's
// previous run, check quota, ensure the sandbox is running, persist the run
// and hand it to the executor pool.
func (d *Dispatcher) StartRun(ctx context.Context, threadID string, params models.StartRunRequest, accountID string) (*models.AgentRun, error) {
	thread, err := d.threads.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	project, err := d.projects.AuthorizeAccess(ctx, thread.ProjectID, accountID)
	if err != nil {
		return nil, err
	}

	if err := d.displaceActiveRun(ctx, project.ProjectID); err != nil {
		return nil, err
	}
	if err := d.CheckQuota(ctx, accountID); err != nil {
		return nil, err
	}

	sandboxID, err := d.ensureSandbox(ctx, project, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare sandbox: %w", err)
	}

	run := &models.AgentRun{
		RunID:    uuid.NewString(),
		ThreadID: threadID,
		Status:   models.RunStatusRunning,
		Metadata: map[string]any{
			"project_id": project.ProjectID,
			"model":      params.ModelName,
			"sandbox_id": sandboxID,
			"account_id": accountID,
		},
	}
	if err := d.runs.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	if err := d.coord.RegisterActiveRun(ctx, d.instanceID, run.RunID); err != nil {
		d.logger.Warn("Failed to register active run", "run_id", run.RunID, "error", err)
	}

	item := models.RunWorkItem{
		RunID:                run.RunID,
		ThreadID:             threadID,
		InstanceID:           d.instanceID,
		ProjectID:            project.ProjectID,
		Model:                params.ModelName,
		EnableThinking:       params.EnableThinking,
		ReasoningEffort:      params.ReasoningEffort,
		Stream:               params.Stream,
		EnableContextManager: params.EnableContextManager,
		AgentConfig:          params.AgentConfig,
		IsAgentBuilder:       params.IsAgentBuilder,
		TargetAgentID:        params.TargetAgentID,
		RequestID:            uuid.NewString(),
		AppType:              project.AppType,
		AccountID:            accountID,
		SandboxID:            sandboxID,
	}

	if _, err := d.queue.Enqueue(ctx, item); err != nil {
		// The run row exists but no worker will ever pick it up; fail it now
		// so the client sees a terminal state instead of a stuck run.
		if finErr := d.runs.FinalizeRun(context.WithoutCancel(ctx), run.RunID, models.RunStatusFailed, "failed to enqueue run: "+err.Error(), nil); finErr != nil {
			d.logger.Error("Failed to fail unenqueued run", "run_id", run.RunID, "error", finErr)
		}
		_ = d.coord.RemoveActiveRun(context.WithoutCancel(ctx), d.instanceID, run.RunID)
		return nil, fmt.Errorf("failed to enqueue run: %w", err)
	}

	d.logger.Info("Dispatched run", "run_id", run.RunID, "thread_id", threadID, "project_id", project.ProjectID)
	return run, nil
}

// displaceActiveRun enforces one active run per project: the existing run is
// asked to stop and must leave {queued, running} before the new one starts.
func (d *Dispatcher) displaceActiveRun(ctx context.Context, projectID string) error {
	active, err := d.runs.ActiveRunForProject(ctx, projectID)
	if err != nil {
		return err
	}
	if active == nil {
		return nil
	}

	d.logger.Info("Stopping superseded run", "run_id", active.RunID, "project_id", projectID)
	if err := d.coord.PublishControl(ctx, active.RunID, models.ControlStop); err != nil {
		return fmt.Errorf("failed to signal run %s: %w", active.RunID, err)
	}
	if _, err := d.runs.MarkStopping(ctx, active.RunID); err != nil {
		return err
	}

	deadline := time.Now().Add(d.stopWait)
	for {
		current, err := d.runs.GetRun(ctx, active.RunID)
		if err != nil {
			return err
		}
		if !current.Status.IsActive() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: run %s did not stop in time", ErrProjectBusy, active.RunID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.stopPollStep):
		}
	}
}

// CheckQuota rejects runs from accounts below the conversation minimum. BYOK
// accounts are exempt. The API edge also calls this before creating any
// project or thread state, so a broke account is turned away empty-handed.
func (d *Dispatcher) CheckQuota(ctx context.Context, accountID string) error {
	plan, err := d.quota.GetPlan(ctx, accountID)
	if err != nil {
		return err
	}
	if plan == models.PlanBYOK {
		return nil
	}
	status, err := d.quota.GetUserTokenStatus(ctx, accountID)
	if err != nil {
		return err
	}
	if status.TokensRemaining < billing.MinConversationTokens {
		return &billing.InsufficientTokensError{
			RequestedTokens:  billing.MinConversationTokens,
			RemainingTokens:  status.TokensRemaining,
			RemainingCredits: status.CreditsRemaining,
		}
	}
	return nil
}

// ensureSandbox guarantees the project's sandbox exists and is running,
// allocating and recording one on first use.
func (d *Dispatcher) ensureSandbox(ctx context.Context, project *models.Project, accountID string) (string, error) {
	if project.Sandbox != nil && project.Sandbox.SandboxID != "" {
		if _, err := d.pool.EnsureRunning(ctx, project.Sandbox.SandboxID); err != nil {
			return "", err
		}
		return project.Sandbox.SandboxID, nil
	}

	inst, err := d.pool.GetSandboxForUser(ctx, accountID, project.ProjectID, project.AppType)
	if err != nil {
		return "", err
	}
	descriptor := &models.SandboxDescriptor{SandboxID: inst.ID, Snapshot: inst.Snapshot}
	if err := d.projects.UpdateProjectSandbox(ctx, project.ProjectID, descriptor); err != nil {
		d.logger.Warn("Failed to record sandbox on project", "project_id", project.ProjectID, "error", err)
	}
	return inst.ID, nil
}

// StopRun requests a graceful stop: STOP on the global control channel plus
// the durable stopping mark. Stopping a terminal run is a no-op.
func (d *Dispatcher) StopRun(ctx context.Context, runID string) (*models.AgentRun, error) {
	run, err := d.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return run, nil
	}

	if err := d.coord.PublishControl(ctx, runID, models.ControlStop); err != nil {
		return nil, fmt.Errorf("failed to publish stop for run %s: %w", runID, err)
	}
	if marked, err := d.runs.MarkStopping(ctx, runID); err != nil {
		return nil, err
	} else if marked {
		run.Status = models.RunStatusStopping
	}
	d.logger.Info("Requested stop", "run_id", runID)
	return run, nil
}

// GetRunStatus returns the durable run overlaid with the transient task
// status when one exists. A terminal durable row always wins.
func (d *Dispatcher) GetRunStatus(ctx context.Context, runID string) (*models.AgentRun, error) {
	run, err := d.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return run, nil
	}
	ts, err := d.coord.GetTaskStatus(ctx, runID)
	if err != nil {
		d.logger.Warn("Failed to read task status", "run_id", runID, "error", err)
		return run, nil
	}
	if ts != nil {
		run.Status = ts.Status
		if ts.Error != "" {
			run.Error = ts.Error
		}
	}
	return run, nil
}
