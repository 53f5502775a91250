// Package api is the HTTP edge: gin routes, bearer authentication, the SSE
// streaming endpoint and the central service-error mapping.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/strandlabs/strand/pkg/config"
	"github.com/strandlabs/strand/pkg/coordination"
	"github.com/strandlabs/strand/pkg/executor"
	"github.com/strandlabs/strand/pkg/models"
	"github.com/strandlabs/strand/pkg/sandbox"
)

// Dispatcher admits, stops and reports agent runs.
type Dispatcher interface {
	CheckQuota(ctx context.Context, accountID string) error
	StartRun(ctx context.Context, threadID string, params models.StartRunRequest, accountID string) (*models.AgentRun, error)
	StopRun(ctx context.Context, runID string) (*models.AgentRun, error)
	GetRunStatus(ctx context.Context, runID string) (*models.AgentRun, error)
}

// Streamer writes a run's response stream to the client.
type Streamer interface {
	Stream(ctx context.Context, w http.ResponseWriter, runID string) error
}

// RunReader reads durable run rows.
type RunReader interface {
	GetRun(ctx context.Context, runID string) (*models.AgentRun, error)
	ListRunsForThread(ctx context.Context, threadID string) ([]*models.AgentRun, error)
}

// ProjectStore is the project surface the handlers use.
type ProjectStore interface {
	CreateProject(ctx context.Context, p *models.Project) error
	ListProjectsForAccount(ctx context.Context, accountID string) ([]*models.Project, error)
	AuthorizeAccess(ctx context.Context, projectID, accountID string) (*models.Project, error)
	UpdateProjectSandbox(ctx context.Context, projectID string, descriptor *models.SandboxDescriptor) error
}

// ThreadStore is the thread surface the handlers use.
type ThreadStore interface {
	CreateThread(ctx context.Context, t *models.Thread) error
	GetThread(ctx context.Context, threadID string) (*models.Thread, error)
	ListThreadsForAccount(ctx context.Context, accountID string) ([]*models.Thread, error)
	ListThreadsForProject(ctx context.Context, projectID string) ([]*models.Thread, error)
}

// MessageStore appends and lists thread messages.
type MessageStore interface {
	CreateMessage(ctx context.Context, req models.CreateMessageRequest) (*models.Message, error)
	ListThreadMessages(ctx context.Context, threadID string, llmOnly bool) ([]*models.Message, error)
}

// BillingService is the quota surface the handlers use.
type BillingService interface {
	GetUserTokenStatus(ctx context.Context, accountID string) (*models.TokenStatus, error)
	ListUsage(ctx context.Context, accountID string, limit, offset int) ([]*models.TokenUsageRecord, error)
	ResetUserQuota(ctx context.Context, accountID string) error
}

// KeyStore manages BYOK keys.
type KeyStore interface {
	StoreKey(ctx context.Context, accountID, apiKey, displayName string) error
	DeactivateKey(ctx context.Context, accountID string) (bool, error)
}

// SandboxPool allocates sandboxes for new projects and reports pool health.
type SandboxPool interface {
	GetSandboxForUser(ctx context.Context, userID, projectID string, appType models.AppType) (*sandbox.Instance, error)
	Status() sandbox.PoolStatus
}

// HealthSources are the probes aggregated by the health endpoint.
type HealthSources struct {
	Database func(ctx context.Context) error
	Redis    func(ctx context.Context) error
	Pool     func() sandbox.PoolStatus
	Locks    func() []coordination.LockSnapshot
	Executor func() executor.PoolHealth
}

// Deps collects the server's collaborators.
type Deps struct {
	Dispatcher Dispatcher
	Streamer   Streamer
	Runs       RunReader
	Projects   ProjectStore
	Threads    ThreadStore
	Messages   MessageStore
	Billing    BillingService
	Keys       KeyStore
	Pool       SandboxPool
	Uploads    sandbox.FilesystemOps
	Health     HealthSources
}

// Server is the HTTP API server.
type Server struct {
	cfg    *config.Config
	deps   Deps
	logger *slog.Logger
}

// NewServer creates the API server.
func NewServer(cfg *config.Config, deps Deps) *Server {
	return &Server{
		cfg:    cfg,
		deps:   deps,
		logger: slog.With("component", "api"),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLog())

	router.GET("/api/health", s.health)

	authed := router.Group("/api", authRequired(false))
	{
		authed.POST("/agent/initiate", s.initiateAgent)
		authed.POST("/thread/:thread_id/agent/start", s.startAgent)
		authed.POST("/agent-run/:run_id/stop", s.stopRun)
		authed.GET("/agent-run/:run_id", s.getRun)
		authed.GET("/agent-run/:run_id/status", s.runStatus)
		authed.GET("/thread/:thread_id/agent-runs", s.listThreadRuns)
		authed.GET("/thread/:thread_id/messages", s.listThreadMessages)

		authed.GET("/projects", s.listProjects)
		authed.GET("/projects/:project_id", s.getProject)
		authed.GET("/projects/:project_id/threads", s.listProjectThreads)
		authed.GET("/threads", s.listThreads)
		authed.GET("/threads/:thread_id", s.getThread)

		authed.GET("/billing/status", s.billingStatus)
		authed.GET("/billing/usage", s.billingUsage)
		authed.PUT("/billing/byok-key", s.storeBYOKKey)
		authed.DELETE("/billing/byok-key", s.deleteBYOKKey)
	}

	// EventSource cannot set headers; the stream route accepts ?token=.
	router.GET("/api/agent-run/:run_id/stream", authRequired(true), s.streamRun)

	admin := router.Group("/api/admin", adminRequired(s.cfg.AdminAPIKey))
	{
		admin.POST("/billing/:account_id/reset", s.adminResetQuota)
	}

	return router
}

// Run serves the API until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.HTTPPort,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	s.logger.Info("API server listening", "port", s.cfg.HTTPPort)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		// SSE requests are long-lived; logging them at completion is expected.
		s.logger.Info("Request handled",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}
