package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/strand/pkg/billing"
	"github.com/strandlabs/strand/pkg/coordination"
	"github.com/strandlabs/strand/pkg/models"
	"github.com/strandlabs/strand/pkg/sandbox"
	"github.com/strandlabs/strand/pkg/services"
)

// --- fakes -------------------------------------------------------------------

type fakeRunStore struct {
	runs        map[string]*models.AgentRun
	active      *models.AgentRun
	markStopped []string
	finalized   map[string]models.RunStatus

	// stopOnMark makes the active run leave its active state once
	// MarkStopping is called, mimicking a cooperating executor.
	stopOnMark bool

	// refuseStop keeps the run in running despite MarkStopping, mimicking
	// a wedged executor.
	refuseStop bool
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{
		runs:      make(map[string]*models.AgentRun),
		finalized: make(map[string]models.RunStatus),
	}
}

func (f *fakeRunStore) CreateRun(_ context.Context, run *models.AgentRun) error {
	f.runs[run.RunID] = run
	return nil
}

func (f *fakeRunStore) GetRun(_ context.Context, runID string) (*models.AgentRun, error) {
	run, ok := f.runs[runID]
	if !ok {
		return nil, services.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (f *fakeRunStore) ActiveRunForProject(_ context.Context, _ string) (*models.AgentRun, error) {
	if f.active != nil && f.active.Status.IsActive() {
		cp := *f.active
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeRunStore) MarkStopping(_ context.Context, runID string) (bool, error) {
	f.markStopped = append(f.markStopped, runID)
	run, ok := f.runs[runID]
	if !ok || !run.Status.IsActive() {
		return false, nil
	}
	switch {
	case f.refuseStop:
	case f.stopOnMark:
		run.Status = models.RunStatusStopped
	default:
		run.Status = models.RunStatusStopping
	}
	return true, nil
}

func (f *fakeRunStore) FinalizeRun(_ context.Context, runID string, status models.RunStatus, errMsg string, _ []models.StreamItem) error {
	f.finalized[runID] = status
	if run, ok := f.runs[runID]; ok {
		run.Status = status
		run.Error = errMsg
	}
	return nil
}

type fakeThreadStore struct{ thread *models.Thread }

func (f *fakeThreadStore) GetThread(_ context.Context, threadID string) (*models.Thread, error) {
	if f.thread == nil || f.thread.ThreadID != threadID {
		return nil, services.ErrNotFound
	}
	return f.thread, nil
}

type fakeProjectStore struct {
	project   *models.Project
	descrip   *models.SandboxDescriptor
	denyAll   bool
}

func (f *fakeProjectStore) AuthorizeAccess(_ context.Context, projectID, accountID string) (*models.Project, error) {
	if f.denyAll {
		return nil, services.ErrAccessDenied
	}
	if f.project == nil || f.project.ProjectID != projectID {
		return nil, services.ErrNotFound
	}
	return f.project, nil
}

func (f *fakeProjectStore) UpdateProjectSandbox(_ context.Context, _ string, d *models.SandboxDescriptor) error {
	f.descrip = d
	return nil
}

type fakeQuota struct {
	plan   models.PlanID
	status models.TokenStatus
}

func (f *fakeQuota) GetPlan(_ context.Context, _ string) (models.PlanID, error) {
	return f.plan, nil
}

func (f *fakeQuota) GetUserTokenStatus(_ context.Context, _ string) (*models.TokenStatus, error) {
	cp := f.status
	return &cp, nil
}

type fakeAllocator struct {
	allocated []string
	ensured   []string
}

func (f *fakeAllocator) GetSandboxForUser(_ context.Context, userID, _ string, _ models.AppType) (*sandbox.Instance, error) {
	f.allocated = append(f.allocated, userID)
	return &sandbox.Instance{ID: "sbx-fresh", State: sandbox.StateRunning}, nil
}

func (f *fakeAllocator) EnsureRunning(_ context.Context, sandboxID string) (*sandbox.Instance, error) {
	f.ensured = append(f.ensured, sandboxID)
	return &sandbox.Instance{ID: sandboxID, State: sandbox.StateRunning}, nil
}

type fakeQueue struct {
	items []models.RunWorkItem
	err   error
}

func (f *fakeQueue) Enqueue(_ context.Context, item models.RunWorkItem) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.items = append(f.items, item)
	return "1-0", nil
}

// --- fixtures ----------------------------------------------------------------

type fixture struct {
	d        *Dispatcher
	runs     *fakeRunStore
	projects *fakeProjectStore
	quota    *fakeQuota
	alloc    *fakeAllocator
	queue    *fakeQueue
	mr       *miniredis.Miniredis
	coord    *coordination.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	coord := coordination.NewClientFromRedis(rdb, 24*time.Hour)

	runs := newFakeRunStore()
	threads := &fakeThreadStore{thread: &models.Thread{ThreadID: "th-1", ProjectID: "proj-1", AccountID: "acct-1"}}
	projects := &fakeProjectStore{project: &models.Project{
		ProjectID: "proj-1",
		AccountID: "acct-1",
		AppType:   models.AppTypeWeb,
		Sandbox:   &models.SandboxDescriptor{SandboxID: "sbx-1"},
	}}
	quota := &fakeQuota{plan: models.PlanFree, status: models.TokenStatus{TokensRemaining: 100_000}}
	alloc := &fakeAllocator{}
	queue := &fakeQueue{}

	d := NewDispatcher(runs, threads, projects, quota, alloc, queue, coord, "instance-a")
	d.stopWait = 500 * time.Millisecond
	d.stopPollStep = 10 * time.Millisecond

	return &fixture{d: d, runs: runs, projects: projects, quota: quota, alloc: alloc, queue: queue, mr: mr, coord: coord}
}

// --- StartRun ----------------------------------------------------------------

func TestStartRunHappyPath(t *testing.T) {
	fx := newFixture(t)

	run, err := fx.d.StartRun(context.Background(), "th-1", models.StartRunRequest{ModelName: "anthropic/claude-3.5-sonnet"}, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, run.Status)

	// The project's existing sandbox was started, not a new one allocated.
	assert.Equal(t, []string{"sbx-1"}, fx.alloc.ensured)
	assert.Empty(t, fx.alloc.allocated)

	require.Len(t, fx.queue.items, 1)
	item := fx.queue.items[0]
	assert.Equal(t, run.RunID, item.RunID)
	assert.Equal(t, "th-1", item.ThreadID)
	assert.Equal(t, "proj-1", item.ProjectID)
	assert.Equal(t, "acct-1", item.AccountID)
	assert.Equal(t, "sbx-1", item.SandboxID)
	assert.Equal(t, "instance-a", item.InstanceID)
	assert.NotEmpty(t, item.RequestID)

	// Liveness marker registered.
	assert.True(t, fx.mr.Exists("active_run:instance-a:"+run.RunID))
}

func TestStartRunAllocatesSandboxOnFirstUse(t *testing.T) {
	fx := newFixture(t)
	fx.projects.project.Sandbox = nil

	run, err := fx.d.StartRun(context.Background(), "th-1", models.StartRunRequest{}, "acct-1")
	require.NoError(t, err)

	assert.Equal(t, []string{"acct-1"}, fx.alloc.allocated)
	require.NotNil(t, fx.projects.descrip)
	assert.Equal(t, "sbx-fresh", fx.projects.descrip.SandboxID)
	assert.Equal(t, "sbx-fresh", fx.queue.items[0].SandboxID)
	assert.Equal(t, run.Metadata["sandbox_id"], "sbx-fresh")
}

func TestStartRunDeniedForStranger(t *testing.T) {
	fx := newFixture(t)
	fx.projects.denyAll = true

	_, err := fx.d.StartRun(context.Background(), "th-1", models.StartRunRequest{}, "acct-2")
	require.ErrorIs(t, err, services.ErrAccessDenied)
	assert.Empty(t, fx.queue.items)
}

func TestStartRunDisplacesActiveRun(t *testing.T) {
	fx := newFixture(t)
	prev := &models.AgentRun{RunID: "run-old", ThreadID: "th-1", Status: models.RunStatusRunning}
	fx.runs.runs[prev.RunID] = prev
	fx.runs.active = prev
	fx.runs.stopOnMark = true

	run, err := fx.d.StartRun(context.Background(), "th-1", models.StartRunRequest{}, "acct-1")
	require.NoError(t, err)
	assert.NotEqual(t, "run-old", run.RunID)
	assert.Contains(t, fx.runs.markStopped, "run-old")
}

func TestStartRunProjectBusyWhenOldRunWontStop(t *testing.T) {
	fx := newFixture(t)
	prev := &models.AgentRun{RunID: "run-stubborn", ThreadID: "th-1", Status: models.RunStatusRunning}
	fx.runs.runs[prev.RunID] = prev
	fx.runs.active = prev
	fx.runs.refuseStop = true
	fx.d.stopWait = 50 * time.Millisecond

	_, err := fx.d.StartRun(context.Background(), "th-1", models.StartRunRequest{}, "acct-1")
	require.ErrorIs(t, err, ErrProjectBusy)
}

func TestStartRunQuotaPrecheck(t *testing.T) {
	fx := newFixture(t)
	fx.quota.status.TokensRemaining = billing.MinConversationTokens - 1

	_, err := fx.d.StartRun(context.Background(), "th-1", models.StartRunRequest{}, "acct-1")
	require.True(t, billing.IsInsufficientTokens(err))
	assert.Empty(t, fx.queue.items)
}

func TestStartRunBYOKExemptFromQuota(t *testing.T) {
	fx := newFixture(t)
	fx.quota.plan = models.PlanBYOK
	fx.quota.status.TokensRemaining = 0

	_, err := fx.d.StartRun(context.Background(), "th-1", models.StartRunRequest{}, "acct-1")
	require.NoError(t, err)
}

func TestStartRunEnqueueFailureFailsRun(t *testing.T) {
	fx := newFixture(t)
	fx.queue.err = errors.New("stream unavailable")

	_, err := fx.d.StartRun(context.Background(), "th-1", models.StartRunRequest{}, "acct-1")
	require.ErrorContains(t, err, "failed to enqueue")

	// Exactly one run was created and it ended failed.
	require.Len(t, fx.runs.finalized, 1)
	for _, status := range fx.runs.finalized {
		assert.Equal(t, models.RunStatusFailed, status)
	}
}

// --- StopRun / GetRunStatus --------------------------------------------------

func TestStopRunMarksStopping(t *testing.T) {
	fx := newFixture(t)
	fx.runs.runs["run-1"] = &models.AgentRun{RunID: "run-1", Status: models.RunStatusRunning}

	run, err := fx.d.StopRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusStopping, run.Status)
	assert.Contains(t, fx.runs.markStopped, "run-1")
}

func TestStopRunTerminalNoop(t *testing.T) {
	fx := newFixture(t)
	fx.runs.runs["run-1"] = &models.AgentRun{RunID: "run-1", Status: models.RunStatusCompleted}

	run, err := fx.d.StopRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Empty(t, fx.runs.markStopped)
}

func TestStopRunNotFound(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.d.StopRun(context.Background(), "run-missing")
	require.ErrorIs(t, err, services.ErrNotFound)
}

func TestGetRunStatusOverlay(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.runs.runs["run-1"] = &models.AgentRun{RunID: "run-1", Status: models.RunStatusRunning}

	// No transient record: durable status.
	run, err := fx.d.GetRunStatus(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, run.Status)

	// Transient record overlays a non-terminal row.
	require.NoError(t, fx.coord.SetTaskStatus(ctx, models.TaskStatus{RunID: "run-1", Status: models.RunStatusStopping}))
	run, err = fx.d.GetRunStatus(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusStopping, run.Status)

	// A terminal durable row always wins.
	fx.runs.runs["run-1"].Status = models.RunStatusCompleted
	run, err = fx.d.GetRunStatus(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
}
