package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) listProjects(c *gin.Context) {
	projects, err := s.deps.Projects.ListProjectsForAccount(c.Request.Context(), AccountID(c))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (s *Server) getProject(c *gin.Context) {
	project, err := s.deps.Projects.AuthorizeAccess(c.Request.Context(), c.Param("project_id"), AccountID(c))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

func (s *Server) listProjectThreads(c *gin.Context) {
	ctx := c.Request.Context()
	project, err := s.deps.Projects.AuthorizeAccess(ctx, c.Param("project_id"), AccountID(c))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	threads, err := s.deps.Threads.ListThreadsForProject(ctx, project.ProjectID)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"threads": threads})
}

func (s *Server) listThreads(c *gin.Context) {
	threads, err := s.deps.Threads.ListThreadsForAccount(c.Request.Context(), AccountID(c))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"threads": threads})
}

func (s *Server) getThread(c *gin.Context) {
	thread, err := s.authorizeThread(c, c.Param("thread_id"))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, thread)
}

func (s *Server) listThreadMessages(c *gin.Context) {
	threadID := c.Param("thread_id")
	if _, err := s.authorizeThread(c, threadID); err != nil {
		mapServiceError(c, err)
		return
	}
	messages, err := s.deps.Messages.ListThreadMessages(c.Request.Context(), threadID, false)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}
