package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/strandlabs/strand/pkg/services"
)

func (s *Server) billingStatus(c *gin.Context) {
	status, err := s.deps.Billing.GetUserTokenStatus(c.Request.Context(), AccountID(c))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) billingUsage(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)
	if limit < 1 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	usage, err := s.deps.Billing.ListUsage(c.Request.Context(), AccountID(c), limit, offset)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": usage, "limit": limit, "offset": offset})
}

type byokKeyRequest struct {
	APIKey      string `json:"api_key"`
	DisplayName string `json:"display_name"`
}

func (s *Server) storeBYOKKey(c *gin.Context) {
	var req byokKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		mapServiceError(c, services.NewValidationError("api_key", "request body must be JSON with api_key"))
		return
	}
	if strings.TrimSpace(req.APIKey) == "" {
		mapServiceError(c, services.NewValidationError("api_key", "api_key is required"))
		return
	}

	if err := s.deps.Keys.StoreKey(c.Request.Context(), AccountID(c), req.APIKey, req.DisplayName); err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stored"})
}

func (s *Server) deleteBYOKKey(c *gin.Context) {
	deactivated, err := s.deps.Keys.DeactivateKey(c.Request.Context(), AccountID(c))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	if !deactivated {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}

func (s *Server) adminResetQuota(c *gin.Context) {
	accountID := c.Param("account_id")
	if err := s.deps.Billing.ResetUserQuota(c.Request.Context(), accountID); err != nil {
		mapServiceError(c, err)
		return
	}
	s.logger.Info("Quota reset by admin", "account_id", accountID)
	c.JSON(http.StatusOK, gin.H{"status": "reset", "account_id": accountID})
}

func queryInt(c *gin.Context, key string, fallback int) int {
	val := c.Query(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}
