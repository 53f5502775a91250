package api

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/strandlabs/strand/pkg/models"
	"github.com/strandlabs/strand/pkg/services"
	"github.com/strandlabs/strand/pkg/stream"
)

// maxImageBytes bounds a single uploaded image.
const maxImageBytes = 10 << 20

// initiateAgent creates a project, thread and sandbox from a first prompt,
// uploads any attached images into the sandbox workspace, and starts the
// first run.
func (s *Server) initiateAgent(c *gin.Context) {
	accountID := AccountID(c)
	ctx := c.Request.Context()

	prompt := strings.TrimSpace(c.PostForm("prompt"))
	if prompt == "" {
		mapServiceError(c, services.NewValidationError("prompt", "prompt is required"))
		return
	}
	appType := models.AppType(c.DefaultPostForm("app_type", string(models.AppTypeWeb)))
	if !appType.Valid() {
		mapServiceError(c, services.NewValidationError("app_type", "app_type must be web or mobile"))
		return
	}

	var images []*multipart.FileHeader
	if form, err := c.MultipartForm(); err == nil && form != nil {
		images = form.File["images"]
	}
	for _, img := range images {
		if err := validateImage(img); err != nil {
			mapServiceError(c, err)
			return
		}
	}

	// Quota is checked before anything is created: a rejected account must
	// leave no project, thread, sandbox or message behind.
	if err := s.deps.Dispatcher.CheckQuota(ctx, accountID); err != nil {
		mapServiceError(c, err)
		return
	}

	project := &models.Project{
		ProjectID: uuid.NewString(),
		AccountID: accountID,
		Name:      projectNameFromPrompt(prompt),
		AppType:   appType,
	}
	if err := s.deps.Projects.CreateProject(ctx, project); err != nil {
		mapServiceError(c, err)
		return
	}
	thread := &models.Thread{
		ThreadID:  uuid.NewString(),
		ProjectID: project.ProjectID,
		AccountID: accountID,
	}
	if err := s.deps.Threads.CreateThread(ctx, thread); err != nil {
		mapServiceError(c, err)
		return
	}

	inst, err := s.deps.Pool.GetSandboxForUser(ctx, accountID, project.ProjectID, appType)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	if err := s.deps.Projects.UpdateProjectSandbox(ctx, project.ProjectID, &models.SandboxDescriptor{
		SandboxID: inst.ID,
		Snapshot:  inst.Snapshot,
	}); err != nil {
		s.logger.Warn("Failed to record sandbox on project", "project_id", project.ProjectID, "error", err)
	}

	for _, img := range images {
		if err := s.uploadImage(c, inst.ID, img); err != nil {
			mapServiceError(c, err)
			return
		}
	}

	if err := s.appendUserMessage(c, thread.ThreadID, prompt); err != nil {
		mapServiceError(c, err)
		return
	}

	run, err := s.deps.Dispatcher.StartRun(ctx, thread.ThreadID, models.StartRunRequest{
		ModelName: c.PostForm("model_name"),
	}, accountID)
	if err != nil {
		mapServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"project_id":   project.ProjectID,
		"thread_id":    thread.ThreadID,
		"agent_run_id": run.RunID,
	})
}

// startAgent starts a run on an existing thread.
func (s *Server) startAgent(c *gin.Context) {
	var params models.StartRunRequest
	if err := c.ShouldBindJSON(&params); err != nil && err != io.EOF {
		mapServiceError(c, fmt.Errorf("%w: %s", services.ErrInvalidInput, err))
		return
	}

	prompt := strings.TrimSpace(c.Query("prompt"))
	threadID := c.Param("thread_id")
	if prompt != "" {
		if err := s.appendUserMessage(c, threadID, prompt); err != nil {
			mapServiceError(c, err)
			return
		}
	}

	run, err := s.deps.Dispatcher.StartRun(c.Request.Context(), threadID, params, AccountID(c))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, run)
}

// stopRun requests a graceful stop.
func (s *Server) stopRun(c *gin.Context) {
	run, err := s.authorizeRun(c)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	run, err = s.deps.Dispatcher.StopRun(c.Request.Context(), run.RunID)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": run.RunID, "status": run.Status})
}

// getRun returns the durable run row.
func (s *Server) getRun(c *gin.Context) {
	run, err := s.authorizeRun(c)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// runStatus returns the run overlaid with the transient task status.
func (s *Server) runStatus(c *gin.Context) {
	if _, err := s.authorizeRun(c); err != nil {
		mapServiceError(c, err)
		return
	}
	run, err := s.deps.Dispatcher.GetRunStatus(c.Request.Context(), c.Param("run_id"))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"run_id": run.RunID,
		"status": run.Status,
		"error":  run.Error,
	})
}

// streamRun serves the run's SSE stream.
func (s *Server) streamRun(c *gin.Context) {
	if _, err := s.authorizeRun(c); err != nil {
		mapServiceError(c, err)
		return
	}

	stream.SetSSEHeaders(c.Writer)
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	if err := s.deps.Streamer.Stream(c.Request.Context(), c.Writer, c.Param("run_id")); err != nil {
		// Headers are gone; all that remains is to log and drop the line.
		s.logger.Warn("Stream ended with error", "run_id", c.Param("run_id"), "error", err)
	}
}

// listThreadRuns lists a thread's runs, newest first.
func (s *Server) listThreadRuns(c *gin.Context) {
	threadID := c.Param("thread_id")
	if _, err := s.authorizeThread(c, threadID); err != nil {
		mapServiceError(c, err)
		return
	}
	runs, err := s.deps.Runs.ListRunsForThread(c.Request.Context(), threadID)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_runs": runs})
}

// authorizeRun resolves the run and checks project access for the caller.
func (s *Server) authorizeRun(c *gin.Context) (*models.AgentRun, error) {
	ctx := c.Request.Context()
	run, err := s.deps.Runs.GetRun(ctx, c.Param("run_id"))
	if err != nil {
		return nil, err
	}
	if _, err := s.authorizeThread(c, run.ThreadID); err != nil {
		return nil, err
	}
	return run, nil
}

// authorizeThread resolves the thread and checks project access.
func (s *Server) authorizeThread(c *gin.Context, threadID string) (*models.Thread, error) {
	ctx := c.Request.Context()
	thread, err := s.deps.Threads.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if _, err := s.deps.Projects.AuthorizeAccess(ctx, thread.ProjectID, AccountID(c)); err != nil {
		return nil, err
	}
	return thread, nil
}

// appendUserMessage persists one user message in the engine's stored shape.
func (s *Server) appendUserMessage(c *gin.Context, threadID, prompt string) error {
	content, err := json.Marshal(map[string]string{"role": "user", "content": prompt})
	if err != nil {
		return err
	}
	_, err = s.deps.Messages.CreateMessage(c.Request.Context(), models.CreateMessageRequest{
		ThreadID:     threadID,
		Type:         models.MessageTypeUser,
		IsLLMMessage: true,
		Content:      content,
	})
	return err
}

// uploadImage streams one multipart image into the sandbox workspace.
func (s *Server) uploadImage(c *gin.Context, sandboxID string, header *multipart.FileHeader) error {
	f, err := header.Open()
	if err != nil {
		return fmt.Errorf("failed to open upload %s: %w", header.Filename, err)
	}
	defer f.Close()
	contents, err := io.ReadAll(io.LimitReader(f, maxImageBytes+1))
	if err != nil {
		return fmt.Errorf("failed to read upload %s: %w", header.Filename, err)
	}
	if len(contents) > maxImageBytes {
		return services.NewValidationError("images", fmt.Sprintf("%s exceeds the 10MB limit", header.Filename))
	}
	dest := path.Join("/workspace/uploads", path.Base(header.Filename))
	return s.deps.Uploads.UploadFile(c.Request.Context(), sandboxID, dest, contents)
}

// validateImage enforces the upload constraints before any work starts.
func validateImage(header *multipart.FileHeader) error {
	if header.Size == 0 {
		return services.NewValidationError("images", fmt.Sprintf("%s is empty", header.Filename))
	}
	if header.Size > maxImageBytes {
		return services.NewValidationError("images", fmt.Sprintf("%s exceeds the 10MB limit", header.Filename))
	}
	if !strings.HasPrefix(header.Header.Get("Content-Type"), "image/") {
		return services.NewValidationError("images", fmt.Sprintf("%s is not an image", header.Filename))
	}
	return nil
}

// projectNameFromPrompt derives a short project name from the first prompt.
func projectNameFromPrompt(prompt string) string {
	name := strings.Join(strings.Fields(prompt), " ")
	if len(name) > 50 {
		name = name[:50]
	}
	return name
}
