package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kwikr/billing-core/internal/webhook"
)

const maxWebhookBodyBytes = 65536

// Receive handles POST /webhooks/payments. It returns a non-2xx status
// only when the signature check fails; duplicates and downstream errors
// get a 200 so the processor does not retry forever.
func (h *WebhookHandler) Receive(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	env, err := h.ingestor.Ingest(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	switch {
	case errors.Is(err, webhook.ErrInvalidSignature):
		h.logger.Warn("Webhook signature verification failed",
			slog.String("ip", c.ClientIP()),
		)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		return
	case errors.Is(err, webhook.ErrDuplicateEvent):
		c.JSON(http.StatusOK, gin.H{"received": true, "duplicate": true})
		return
	case err != nil:
		h.logger.Error("Failed to queue webhook event",
			slog.String("event_id", env.EventID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true, "event_id": env.EventID})
}
