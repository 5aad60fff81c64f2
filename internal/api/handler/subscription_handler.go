package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kwikr/billing-core/internal/api/dto"
	"github.com/kwikr/billing-core/internal/subscription"
)

// Plans handles GET /api/v1/subscriptions/plans
func (h *SubscriptionHandler) Plans(c *gin.Context) {
	plans, err := h.subscriptions.Plans(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	resp := dto.PlansResponse{Plans: make([]dto.PlanDTO, 0, len(plans))}
	for _, p := range plans {
		resp.Plans = append(resp.Plans, dto.PlanDTO{
			ID:           p.ID,
			Name:         p.Name,
			MonthlyPrice: p.MonthlyPrice,
			AnnualPrice:  p.AnnualPrice,
			Active:       p.IsActive,
		})
	}
	c.JSON(http.StatusOK, resp)
}

// Current handles GET /api/v1/subscriptions/me
func (h *SubscriptionHandler) Current(c *gin.Context) {
	sub, err := h.subscriptions.Current(c.Request.Context(), actorFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSubscriptionDTO(sub))
}

// Subscribe handles POST /api/v1/subscriptions
func (h *SubscriptionHandler) Subscribe(c *gin.Context) {
	var req dto.SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	actor := actorFrom(c)
	h.logger.Info("Subscription requested",
		slog.String("user_id", actor.UserID),
		slog.String("plan_id", req.PlanID),
		slog.String("billing_cycle", req.BillingCycle),
	)

	sub, err := h.subscriptions.Subscribe(c.Request.Context(), actor, req.PlanID, req.BillingCycle)
	if err != nil {
		h.logger.Error("Failed to subscribe",
			slog.String("user_id", actor.UserID),
			slog.String("plan_id", req.PlanID),
			slog.String("error", err.Error()),
		)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toSubscriptionDTO(sub))
}

// Cancel handles POST /api/v1/subscriptions/cancel
func (h *SubscriptionHandler) Cancel(c *gin.Context) {
	var req dto.CancelSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	actor := actorFrom(c)
	h.logger.Info("Subscription cancellation requested",
		slog.String("user_id", actor.UserID),
		slog.Bool("immediate", req.Immediate),
	)

	if err := h.subscriptions.Cancel(c.Request.Context(), actor, req.Immediate, req.Reason); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled", "immediate": req.Immediate})
}

// ChangePlanPricing handles POST /api/v1/admin/plans/:plan_id/pricing
func (h *SubscriptionHandler) ChangePlanPricing(c *gin.Context) {
	planID := c.Param("plan_id")

	var req dto.ChangePlanPricingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.MonthlyPrice == nil && req.AnnualPrice == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one of monthly_price or annual_price is required"})
		return
	}

	actor := actorFrom(c)
	h.logger.Info("Plan pricing change requested",
		slog.String("plan_id", planID),
		slog.String("admin_id", actor.UserID),
		slog.Bool("grandfather_existing", req.GrandfatherExisting),
	)

	err := h.subscriptions.ChangePlanPricing(c.Request.Context(), actor, planID,
		req.MonthlyPrice, req.AnnualPrice, req.GrandfatherExisting, req.Notes)
	if err != nil {
		h.logger.Error("Failed to change plan pricing",
			slog.String("plan_id", planID),
			slog.String("error", err.Error()),
		)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.ChangePlanPricingResponse{
		PlanID:        planID,
		Grandfathered: req.GrandfatherExisting,
	})
}

func toSubscriptionDTO(sub subscription.Subscription) dto.SubscriptionResponse {
	return dto.SubscriptionResponse{
		ID:                 sub.ID,
		PlanID:             sub.PlanID,
		Status:             sub.Status,
		BillingCycle:       sub.BillingCycle,
		EffectivePrice:     sub.EffectivePrice(),
		Grandfathered:      sub.GrandfatheredPrice,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		CurrentPeriodStart: sub.CurrentPeriodStart.Format(time.RFC3339),
		CurrentPeriodEnd:   sub.CurrentPeriodEnd.Format(time.RFC3339),
	}
}
