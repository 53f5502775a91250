package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/strandlabs/strand/pkg/version"
)

// health aggregates liveness probes: database, coordination store, sandbox
// pool, lock monitor and executor pool. Degraded core dependencies turn the
// status 503 so load balancers stop routing here.
func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	body := gin.H{
		"status":  "healthy",
		"version": version.Full(),
	}
	healthy := true

	if s.deps.Health.Database != nil {
		if err := s.deps.Health.Database(ctx); err != nil {
			body["database"] = gin.H{"status": "unhealthy", "error": err.Error()}
			healthy = false
		} else {
			body["database"] = gin.H{"status": "healthy"}
		}
	}
	if s.deps.Health.Redis != nil {
		if err := s.deps.Health.Redis(ctx); err != nil {
			body["redis"] = gin.H{"status": "unhealthy", "error": err.Error()}
			healthy = false
		} else {
			body["redis"] = gin.H{"status": "healthy"}
		}
	}
	if s.deps.Health.Pool != nil {
		body["sandbox_pool"] = s.deps.Health.Pool()
	}
	if s.deps.Health.Locks != nil {
		body["locks"] = s.deps.Health.Locks()
	}
	if s.deps.Health.Executor != nil {
		body["executor"] = s.deps.Health.Executor()
	}

	if !healthy {
		body["status"] = "unhealthy"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}
