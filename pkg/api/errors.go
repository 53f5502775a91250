package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/strandlabs/strand/pkg/billing"
	"github.com/strandlabs/strand/pkg/dispatch"
	"github.com/strandlabs/strand/pkg/sandbox"
	"github.com/strandlabs/strand/pkg/services"
)

// mapServiceError translates the service error taxonomy into one HTTP
// response. Every handler funnels its errors through here so status codes
// stay consistent across the surface.
func mapServiceError(c *gin.Context, err error) {
	var (
		insufficient *billing.InsufficientTokensError
		validation   *services.ValidationError
	)

	switch {
	case errors.As(err, &insufficient):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":             "insufficient credits",
			"credits_remaining": insufficient.RemainingCredits,
			"credits_needed":    billing.CreditsForTokens(insufficient.RequestedTokens),
			"upgrade_required":  true,
		})

	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": validation.Message,
			"field": validation.Field,
		})

	case errors.Is(err, services.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})

	case errors.Is(err, services.ErrAccessDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})

	case errors.Is(err, services.ErrNotFound), errors.Is(err, sandbox.ErrNotFound),
		errors.Is(err, billing.ErrCustomerNotFound), errors.Is(err, billing.ErrKeyNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})

	case errors.Is(err, dispatch.ErrProjectBusy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})

	case errors.Is(err, sandbox.ErrPoolExhausted), errors.Is(err, sandbox.ErrAllocationContended):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no sandbox capacity available, try again shortly"})

	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
