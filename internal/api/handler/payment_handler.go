package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kwikr/billing-core/internal/api/dto"
	"github.com/kwikr/billing-core/internal/ledger"
)

// Hold handles POST /api/v1/payments/jobs/:job_id/hold
func (h *PaymentHandler) Hold(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID format"})
		return
	}

	actor := actorFrom(c)
	h.logger.Info("Hold requested",
		slog.String("job_id", jobID),
		slog.String("user_id", actor.UserID),
	)

	ref, err := h.escrow.RequestHold(c.Request.Context(), actor, jobID)
	if err != nil {
		h.logger.Error("Failed to request hold",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, dto.HoldResponse{
		JobID:            jobID,
		PaymentReference: ref,
		Status:           "hold_requested",
	})
}

// Release handles POST /api/v1/payments/jobs/:job_id/release
func (h *PaymentHandler) Release(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID format"})
		return
	}

	actor := actorFrom(c)
	h.logger.Info("Release requested",
		slog.String("job_id", jobID),
		slog.String("user_id", actor.UserID),
	)

	if err := h.escrow.Release(c.Request.Context(), actor, jobID); err != nil {
		h.logger.Error("Failed to release escrow",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "status": "release_requested"})
}

// Refund handles POST /api/v1/payments/jobs/:job_id/refund
func (h *PaymentHandler) Refund(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID format"})
		return
	}

	var req dto.RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	actor := actorFrom(c)
	h.logger.Info("Refund requested",
		slog.String("job_id", jobID),
		slog.String("user_id", actor.UserID),
		slog.String("reason", req.Reason),
	)

	if err := h.escrow.Refund(c.Request.Context(), actor, jobID, req.Reason); err != nil {
		h.logger.Error("Failed to refund escrow",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "status": "refund_requested"})
}

// Status handles GET /api/v1/payments/jobs/:job_id
func (h *PaymentHandler) Status(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID format"})
		return
	}

	job, err := h.escrow.Status(c.Request.Context(), actorFrom(c), jobID)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := dto.PaymentStatusResponse{
		JobID:        job.ID,
		EscrowStatus: string(job.EscrowStatus),
		BidAmount:    job.BidAmount,
	}
	if job.PaymentReference.Valid {
		resp.PaymentReference = job.PaymentReference.String
	}
	c.JSON(http.StatusOK, resp)
}

// Transactions handles GET /api/v1/payments/jobs/:job_id/transactions
func (h *PaymentHandler) Transactions(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID format"})
		return
	}

	txs, err := h.escrow.Transactions(c.Request.Context(), actorFrom(c), jobID)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := dto.TransactionsResponse{
		JobID:        jobID,
		Transactions: make([]dto.TransactionDTO, 0, len(txs)),
	}
	for _, tx := range txs {
		resp.Transactions = append(resp.Transactions, toTransactionDTO(tx))
	}
	c.JSON(http.StatusOK, resp)
}

func toTransactionDTO(tx ledger.Transaction) dto.TransactionDTO {
	d := dto.TransactionDTO{
		ID:               tx.ID,
		JobID:            tx.JobID,
		PaymentReference: tx.PaymentReference,
		Type:             tx.Type,
		Status:           tx.Status,
		Amount:           tx.Amount,
		Description:      tx.Description,
		CreatedAt:        tx.CreatedAt.Format(time.RFC3339),
	}
	if tx.ProcessedAt.Valid {
		d.ProcessedAt = tx.ProcessedAt.Time.Format(time.RFC3339)
	}
	return d
}
