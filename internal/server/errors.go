package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	eventdomain "github.com/rowglow/rowledger/internal/eventstore/domain"
	jobdomain "github.com/rowglow/rowledger/internal/job/domain"
	ledgerdomain "github.com/rowglow/rowledger/internal/ledger/domain"
	"github.com/rowglow/rowledger/internal/lock"
	"github.com/rowglow/rowledger/internal/progress"
	"github.com/rowglow/rowledger/internal/webhook"
)

// AbortWithError maps domain errors onto HTTP statuses. Idempotent-duplicate
// outcomes never reach here; they are success responses.
func AbortWithError(c *gin.Context, err error) {
	var insufficient *ledgerdomain.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
			"error":     "insufficient_credits",
			"balance":   insufficient.Balance,
			"required":  insufficient.Required,
			"shortfall": insufficient.Shortfall,
		})
		return
	}

	switch {
	case errors.Is(err, ledgerdomain.ErrAccountNotFound),
		errors.Is(err, jobdomain.ErrJobNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, jobdomain.ErrInvalidRows),
		errors.Is(err, jobdomain.ErrInvalidCost),
		errors.Is(err, ledgerdomain.ErrInvalidAmount),
		errors.Is(err, webhook.ErrInvalidEvent),
		errors.Is(err, webhook.ErrInvalidUser):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ledgerdomain.ErrTransientConflict),
		errors.Is(err, progress.ErrConflict),
		errors.Is(err, lock.ErrLockUnavailable),
		errors.Is(err, ledgerdomain.ErrStoreUnavailable),
		errors.Is(err, eventdomain.ErrStoreUnavailable):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
