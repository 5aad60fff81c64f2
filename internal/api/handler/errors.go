package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kwikr/billing-core/internal/dispute"
	"github.com/kwikr/billing-core/internal/escrow"
	"github.com/kwikr/billing-core/internal/ledger"
	"github.com/kwikr/billing-core/internal/processor"
	"github.com/kwikr/billing-core/internal/subscription"
)

// respondError maps domain errors onto HTTP status codes with a gin.H body.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, escrow.ErrForbidden) ||
		errors.Is(err, dispute.ErrForbidden) ||
		errors.Is(err, subscription.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, escrow.ErrNotFound) ||
		errors.Is(err, dispute.ErrNotFound) ||
		errors.Is(err, ledger.ErrNotFound) ||
		errors.Is(err, subscription.ErrPlanNotFound) ||
		errors.Is(err, subscription.ErrNoActiveSubscription):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, escrow.ErrInvalidStateTransition) ||
		errors.Is(err, dispute.ErrInvalidStateTransition) ||
		errors.Is(err, dispute.ErrAlreadyResolved) ||
		errors.Is(err, ledger.ErrConflictingFinalization):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, escrow.ErrMissingReference) ||
		errors.Is(err, dispute.ErrInvalidResolution) ||
		errors.Is(err, subscription.ErrPlanInactive) ||
		errors.Is(err, subscription.ErrInvalidBillingCycle):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case processor.IsRetryable(err):
		c.JSON(http.StatusBadGateway, gin.H{"error": "payment processor unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
