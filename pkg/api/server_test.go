package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/strandlabs/strand/pkg/config"
	"github.com/strandlabs/strand/pkg/models"
	"github.com/strandlabs/strand/pkg/sandbox"
	"github.com/strandlabs/strand/pkg/services"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// makeToken builds an unverified bearer token with the given subject.
func makeToken(sub string) string {
	payload, _ := json.Marshal(map[string]string{"sub": sub})
	return "header." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
}

type fakeDispatcher struct {
	startedThread string
	startParams   models.StartRunRequest
	startErr      error
	quotaErr      error
	stopCalls     []string
	statusRun     *models.AgentRun
}

func (f *fakeDispatcher) CheckQuota(_ context.Context, _ string) error {
	return f.quotaErr
}

func (f *fakeDispatcher) StartRun(_ context.Context, threadID string, params models.StartRunRequest, _ string) (*models.AgentRun, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.startedThread = threadID
	f.startParams = params
	return &models.AgentRun{RunID: "run-new", ThreadID: threadID, Status: models.RunStatusRunning}, nil
}

func (f *fakeDispatcher) StopRun(_ context.Context, runID string) (*models.AgentRun, error) {
	f.stopCalls = append(f.stopCalls, runID)
	return &models.AgentRun{RunID: runID, Status: models.RunStatusStopping}, nil
}

func (f *fakeDispatcher) GetRunStatus(_ context.Context, runID string) (*models.AgentRun, error) {
	if f.statusRun != nil {
		return f.statusRun, nil
	}
	return &models.AgentRun{RunID: runID, Status: models.RunStatusRunning}, nil
}

type fakeStreamer struct {
	frames []string
	err    error
}

func (f *fakeStreamer) Stream(_ context.Context, w http.ResponseWriter, _ string) error {
	for _, frame := range f.frames {
		fmt.Fprintf(w, "data: %s\n\n", frame)
	}
	return f.err
}

type fakeRunReader struct {
	runs map[string]*models.AgentRun
}

func (f *fakeRunReader) GetRun(_ context.Context, runID string) (*models.AgentRun, error) {
	run, ok := f.runs[runID]
	if !ok {
		return nil, services.ErrNotFound
	}
	return run, nil
}

func (f *fakeRunReader) ListRunsForThread(_ context.Context, threadID string) ([]*models.AgentRun, error) {
	var out []*models.AgentRun
	for _, run := range f.runs {
		if run.ThreadID == threadID {
			out = append(out, run)
		}
	}
	return out, nil
}

type fakeProjectStore struct {
	projects map[string]*models.Project
	created  []*models.Project
	sandbox  map[string]*models.SandboxDescriptor
}

func (f *fakeProjectStore) CreateProject(_ context.Context, p *models.Project) error {
	f.projects[p.ProjectID] = p
	f.created = append(f.created, p)
	return nil
}

func (f *fakeProjectStore) ListProjectsForAccount(_ context.Context, accountID string) ([]*models.Project, error) {
	var out []*models.Project
	for _, p := range f.projects {
		if p.AccountID == accountID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeProjectStore) AuthorizeAccess(_ context.Context, projectID, accountID string) (*models.Project, error) {
	p, ok := f.projects[projectID]
	if !ok {
		return nil, services.ErrNotFound
	}
	if p.AccountID != accountID && !p.IsPublic {
		return nil, services.ErrAccessDenied
	}
	return p, nil
}

func (f *fakeProjectStore) UpdateProjectSandbox(_ context.Context, projectID string, descriptor *models.SandboxDescriptor) error {
	f.sandbox[projectID] = descriptor
	return nil
}

type fakeThreadStore struct {
	threads map[string]*models.Thread
	created []*models.Thread
}

func (f *fakeThreadStore) CreateThread(_ context.Context, t *models.Thread) error {
	f.threads[t.ThreadID] = t
	f.created = append(f.created, t)
	return nil
}

func (f *fakeThreadStore) GetThread(_ context.Context, threadID string) (*models.Thread, error) {
	t, ok := f.threads[threadID]
	if !ok {
		return nil, services.ErrNotFound
	}
	return t, nil
}

func (f *fakeThreadStore) ListThreadsForAccount(_ context.Context, accountID string) ([]*models.Thread, error) {
	var out []*models.Thread
	for _, t := range f.threads {
		if t.AccountID == accountID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeThreadStore) ListThreadsForProject(_ context.Context, projectID string) ([]*models.Thread, error) {
	var out []*models.Thread
	for _, t := range f.threads {
		if t.ProjectID == projectID {
			out = append(out, t)
		}
	}
	return out, nil
}

type fakeMessageStore struct {
	messages []models.CreateMessageRequest
}

func (f *fakeMessageStore) CreateMessage(_ context.Context, req models.CreateMessageRequest) (*models.Message, error) {
	f.messages = append(f.messages, req)
	return &models.Message{MessageID: "msg-1", ThreadID: req.ThreadID, Type: req.Type, Content: req.Content}, nil
}

func (f *fakeMessageStore) ListThreadMessages(_ context.Context, threadID string, _ bool) ([]*models.Message, error) {
	var out []*models.Message
	for _, req := range f.messages {
		if req.ThreadID == threadID {
			out = append(out, &models.Message{ThreadID: threadID, Type: req.Type, Content: req.Content})
		}
	}
	return out, nil
}

type fakeBilling struct {
	status *models.TokenStatus
	usage  []*models.TokenUsageRecord
	resets []string
	lastPg [2]int
}

func (f *fakeBilling) GetUserTokenStatus(_ context.Context, accountID string) (*models.TokenStatus, error) {
	if f.status == nil {
		return nil, services.ErrNotFound
	}
	return f.status, nil
}

func (f *fakeBilling) ListUsage(_ context.Context, _ string, limit, offset int) ([]*models.TokenUsageRecord, error) {
	f.lastPg = [2]int{limit, offset}
	return f.usage, nil
}

func (f *fakeBilling) ResetUserQuota(_ context.Context, accountID string) error {
	f.resets = append(f.resets, accountID)
	return nil
}

type fakeKeyStore struct {
	stored   map[string]string
	active   bool
	storeErr error
}

func (f *fakeKeyStore) StoreKey(_ context.Context, accountID, apiKey, _ string) error {
	if f.storeErr != nil {
		return f.storeErr
	}
	f.stored[accountID] = apiKey
	return nil
}

func (f *fakeKeyStore) DeactivateKey(_ context.Context, _ string) (bool, error) {
	was := f.active
	f.active = false
	return was, nil
}

type fakeSandboxPool struct {
	inst   *sandbox.Instance
	getErr error
	status sandbox.PoolStatus
}

func (f *fakeSandboxPool) GetSandboxForUser(_ context.Context, _, _ string, _ models.AppType) (*sandbox.Instance, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.inst, nil
}

func (f *fakeSandboxPool) Status() sandbox.PoolStatus { return f.status }

type fakeUploader struct {
	files map[string][]byte
}

func (f *fakeUploader) UploadFile(_ context.Context, _ string, path string, contents []byte) error {
	f.files[path] = contents
	return nil
}

func (f *fakeUploader) DownloadFile(_ context.Context, _, path string) ([]byte, error) {
	return f.files[path], nil
}

func (f *fakeUploader) DeleteFile(_ context.Context, _, path string) error {
	delete(f.files, path)
	return nil
}

// fixture bundles everything a handler test touches.
type fixture struct {
	router     *gin.Engine
	dispatcher *fakeDispatcher
	streamer   *fakeStreamer
	runs       *fakeRunReader
	projects   *fakeProjectStore
	threads    *fakeThreadStore
	messages   *fakeMessageStore
	billing    *fakeBilling
	keys       *fakeKeyStore
	pool       *fakeSandboxPool
	uploads    *fakeUploader
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		dispatcher: &fakeDispatcher{},
		streamer:   &fakeStreamer{},
		runs:       &fakeRunReader{runs: make(map[string]*models.AgentRun)},
		projects:   &fakeProjectStore{projects: make(map[string]*models.Project), sandbox: make(map[string]*models.SandboxDescriptor)},
		threads:    &fakeThreadStore{threads: make(map[string]*models.Thread)},
		messages:   &fakeMessageStore{},
		billing:    &fakeBilling{status: &models.TokenStatus{PlanID: models.PlanFree, TokensRemaining: 90_000}},
		keys:       &fakeKeyStore{stored: make(map[string]string), active: true},
		pool:       &fakeSandboxPool{inst: &sandbox.Instance{ID: "sbx-1", State: sandbox.StateRunning}},
		uploads:    &fakeUploader{files: make(map[string][]byte)},
	}

	cfg := &config.Config{HTTPPort: "0", InstanceID: "test", AdminAPIKey: "admin-secret"}
	server := NewServer(cfg, Deps{
		Dispatcher: f.dispatcher,
		Streamer:   f.streamer,
		Runs:       f.runs,
		Projects:   f.projects,
		Threads:    f.threads,
		Messages:   f.messages,
		Billing:    f.billing,
		Keys:       f.keys,
		Pool:       f.pool,
		Uploads:    f.uploads,
		Health: HealthSources{
			Database: func(context.Context) error { return nil },
			Redis:    func(context.Context) error { return nil },
		},
	})
	f.router = server.Router()
	return f
}

// seedThread installs a project and thread owned by the given account.
func (f *fixture) seedThread(accountID string) (projectID, threadID string) {
	projectID, threadID = "proj-1", "th-1"
	f.projects.projects[projectID] = &models.Project{ProjectID: projectID, AccountID: accountID, AppType: models.AppTypeWeb}
	f.threads.threads[threadID] = &models.Thread{ThreadID: threadID, ProjectID: projectID, AccountID: accountID}
	return projectID, threadID
}

func (f *fixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

// newRequest builds a request, attaching credentials for sub when nonempty.
func newRequest(t *testing.T, method, target string, body io.Reader, sub string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if sub != "" {
		req.Header.Set("Authorization", "Bearer "+makeToken(sub))
	}
	return req
}
