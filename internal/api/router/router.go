package router

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kwikr/billing-core/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if deps.DB != nil {
			if err := deps.DB.Ping(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": "billing-api-service",
					"error":   "database unreachable",
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "billing-api-service",
		})
	})

	paymentHandler := handler.NewPaymentHandler(deps)
	disputeHandler := handler.NewDisputeHandler(deps)
	subscriptionHandler := handler.NewSubscriptionHandler(deps)
	webhookHandler := handler.NewWebhookHandler(deps)

	// Processor webhooks are authenticated by signature, not by user
	r.POST("/webhooks/payments", webhookHandler.Receive)

	// API v1 routes
	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware())
	{
		payments := v1.Group("/payments/jobs")
		{
			// POST /api/v1/payments/jobs/:job_id/hold - Place bid amount plus fees in escrow
			payments.POST("/:job_id/hold", paymentHandler.Hold)

			// POST /api/v1/payments/jobs/:job_id/release - Pay the worker out of escrow
			payments.POST("/:job_id/release", paymentHandler.Release)

			// POST /api/v1/payments/jobs/:job_id/refund - Return held funds to the client
			payments.POST("/:job_id/refund", paymentHandler.Refund)

			// GET /api/v1/payments/jobs/:job_id - Escrow status for a job
			payments.GET("/:job_id", paymentHandler.Status)

			// GET /api/v1/payments/jobs/:job_id/transactions - Ledger history for a job
			payments.GET("/:job_id/transactions", paymentHandler.Transactions)
		}

		disputes := v1.Group("/disputes")
		{
			// POST /api/v1/disputes - Open a dispute on a held job
			disputes.POST("", disputeHandler.Open)

			// GET /api/v1/disputes?job_id=... - Disputes for a job
			disputes.GET("", disputeHandler.List)

			// GET /api/v1/disputes/:dispute_id - Dispute details
			disputes.GET("/:dispute_id", disputeHandler.Get)

			// GET /api/v1/disputes/:dispute_id/timeline - Audit timeline
			disputes.GET("/:dispute_id/timeline", disputeHandler.Timeline)

			// POST /api/v1/disputes/:dispute_id/evidence - Respond to an evidence request
			disputes.POST("/:dispute_id/evidence", disputeHandler.SubmitEvidence)

			// POST /api/v1/disputes/:dispute_id/review - Move an open dispute into review
			disputes.POST("/:dispute_id/review", disputeHandler.StartReview)

			// POST /api/v1/disputes/:dispute_id/resolve - Admin resolution
			disputes.POST("/:dispute_id/resolve", disputeHandler.Resolve)
		}

		subscriptions := v1.Group("/subscriptions")
		{
			// GET /api/v1/subscriptions/plans - Available plans
			subscriptions.GET("/plans", subscriptionHandler.Plans)

			// GET /api/v1/subscriptions/me - Caller's active subscription
			subscriptions.GET("/me", subscriptionHandler.Current)

			// POST /api/v1/subscriptions - Subscribe or switch plans
			subscriptions.POST("", subscriptionHandler.Subscribe)

			// POST /api/v1/subscriptions/cancel - Cancel now or at period end
			subscriptions.POST("/cancel", subscriptionHandler.Cancel)
		}

		admin := v1.Group("/admin")
		{
			// POST /api/v1/admin/plans/:plan_id/pricing - Change plan pricing
			admin.POST("/plans/:plan_id/pricing", subscriptionHandler.ChangePlanPricing)
		}
	}

	return r
}
