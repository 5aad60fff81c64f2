package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kwikr/billing-core/internal/api/dto"
	"github.com/kwikr/billing-core/internal/dispute"
)

// Open handles POST /api/v1/disputes
func (h *DisputeHandler) Open(c *gin.Context) {
	var req dto.OpenDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := uuid.Parse(req.JobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID format"})
		return
	}

	actor := actorFrom(c)
	h.logger.Info("Dispute opened via API",
		slog.String("job_id", req.JobID),
		slog.String("user_id", actor.UserID),
		slog.String("reason_code", req.ReasonCode),
	)

	d, err := h.disputes.Open(c.Request.Context(), actor, req.JobID, req.ReasonCode)
	if err != nil {
		h.logger.Error("Failed to open dispute",
			slog.String("job_id", req.JobID),
			slog.String("error", err.Error()),
		)
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, toDisputeDTO(d))
}

// List handles GET /api/v1/disputes?job_id=...
func (h *DisputeHandler) List(c *gin.Context) {
	jobID := c.Query("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID format"})
		return
	}

	disputes, err := h.disputes.ListByJob(c.Request.Context(), actorFrom(c), jobID)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := dto.DisputesResponse{
		JobID:    jobID,
		Disputes: make([]dto.DisputeResponse, 0, len(disputes)),
	}
	for _, d := range disputes {
		resp.Disputes = append(resp.Disputes, toDisputeDTO(d))
	}
	c.JSON(http.StatusOK, resp)
}

// Get handles GET /api/v1/disputes/:dispute_id
func (h *DisputeHandler) Get(c *gin.Context) {
	disputeID := c.Param("dispute_id")
	if _, err := uuid.Parse(disputeID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid dispute ID format"})
		return
	}

	d, err := h.disputes.Get(c.Request.Context(), actorFrom(c), disputeID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toDisputeDTO(d))
}

// Timeline handles GET /api/v1/disputes/:dispute_id/timeline
func (h *DisputeHandler) Timeline(c *gin.Context) {
	disputeID := c.Param("dispute_id")
	if _, err := uuid.Parse(disputeID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid dispute ID format"})
		return
	}

	entries, err := h.disputes.Timeline(c.Request.Context(), actorFrom(c), disputeID)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := dto.TimelineResponse{
		DisputeID: disputeID,
		Entries:   make([]dto.TimelineEntryDTO, 0, len(entries)),
	}
	for _, e := range entries {
		entry := dto.TimelineEntryDTO{
			ID:        e.ID,
			Status:    string(e.ToStatus),
			Note:      e.Note,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		}
		if e.ActorID.Valid {
			entry.ActorID = e.ActorID.String
		}
		resp.Entries = append(resp.Entries, entry)
	}
	c.JSON(http.StatusOK, resp)
}

// SubmitEvidence handles POST /api/v1/disputes/:dispute_id/evidence
func (h *DisputeHandler) SubmitEvidence(c *gin.Context) {
	disputeID := c.Param("dispute_id")
	if _, err := uuid.Parse(disputeID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid dispute ID format"})
		return
	}

	var req dto.SubmitEvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	actor := actorFrom(c)
	if err := h.disputes.SubmitEvidence(c.Request.Context(), actor, disputeID, req.Evidence); err != nil {
		h.logger.Error("Failed to submit evidence",
			slog.String("dispute_id", disputeID),
			slog.String("error", err.Error()),
		)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute_id": disputeID, "status": string(dispute.StatusInvestigating)})
}

// StartReview handles POST /api/v1/disputes/:dispute_id/review
func (h *DisputeHandler) StartReview(c *gin.Context) {
	disputeID := c.Param("dispute_id")
	if _, err := uuid.Parse(disputeID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid dispute ID format"})
		return
	}

	actor := actorFrom(c)
	if err := h.disputes.StartReview(c.Request.Context(), actor, disputeID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute_id": disputeID, "status": string(dispute.StatusInvestigating)})
}

// Resolve handles POST /api/v1/disputes/:dispute_id/resolve
func (h *DisputeHandler) Resolve(c *gin.Context) {
	disputeID := c.Param("dispute_id")
	if _, err := uuid.Parse(disputeID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid dispute ID format"})
		return
	}

	var req dto.ResolveDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	actor := actorFrom(c)
	h.logger.Info("Dispute resolution requested",
		slog.String("dispute_id", disputeID),
		slog.String("resolution", req.Resolution),
		slog.String("admin_id", actor.UserID),
	)

	if err := h.disputes.Resolve(c.Request.Context(), actor, disputeID, req.Resolution); err != nil {
		h.logger.Error("Failed to resolve dispute",
			slog.String("dispute_id", disputeID),
			slog.String("error", err.Error()),
		)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute_id": disputeID, "resolution": req.Resolution})
}

func toDisputeDTO(d dispute.Dispute) dto.DisputeResponse {
	resp := dto.DisputeResponse{
		ID:         d.ID,
		JobID:      d.JobID,
		Status:     string(d.Status),
		ReasonCode: d.ReasonCode,
		OpenedBy:   d.RaisedByID,
		CreatedAt:  d.CreatedAt.Format(time.RFC3339),
	}
	if d.Resolution.Valid {
		resp.Resolution = d.Resolution.String
	}
	if d.ResolvedAt.Valid {
		resp.ResolvedAt = d.ResolvedAt.Time.Format(time.RFC3339)
	}
	return resp
}
