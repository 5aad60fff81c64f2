package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

// Config holds Stripe connection settings.
type Config struct {
	SecretKey   string
	CallTimeout time.Duration
}

// StripeClient implements Client against the Stripe PaymentIntents API.
// Holds are manual-capture payment intents; release captures, refund cancels
// the uncaptured intent.
type StripeClient struct {
	api     *client.API
	timeout time.Duration
	logger  *slog.Logger
}

// NewStripeClient creates a Stripe-backed processor client.
func NewStripeClient(cfg *Config, logger *slog.Logger) (*StripeClient, error) {
	if cfg.SecretKey == "" {
		return nil, ErrNotConfigured
	}

	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	api := &client.API{}
	api.Init(cfg.SecretKey, nil)

	return &StripeClient{
		api:     api,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Hold creates a manual-capture payment intent in CAD for the given amount.
// The returned reference is the payment intent id; the intent's metadata
// carries the job linkage that webhook events echo back.
func (c *StripeClient) Hold(ctx context.Context, amount float64, meta HoldMetadata) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amountToCents(amount)),
		Currency:      stripe.String(string(stripe.CurrencyCAD)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.AddMetadata("job_id", meta.JobID)
	params.AddMetadata("client_id", meta.ClientID)
	params.AddMetadata("worker_id", meta.WorkerID)
	params.AddMetadata("bid_amount", meta.BidAmount)
	params.AddMetadata("platform_fee", meta.PlatformFee)
	params.AddMetadata("worker_province", meta.WorkerProvince)

	pi, err := c.api.PaymentIntents.New(params)
	if err != nil {
		return "", c.classify("hold", err)
	}

	c.logger.Info("Escrow hold requested at processor",
		slog.String("payment_reference", pi.ID),
		slog.String("job_id", meta.JobID),
		slog.Float64("amount", amount),
	)

	return pi.ID, nil
}

// Release captures the held payment intent.
func (c *StripeClient) Release(ctx context.Context, ref string) error {
	if err := validateRef(ref); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx

	if _, err := c.api.PaymentIntents.Capture(ref, params); err != nil {
		return c.classify("release", err)
	}

	c.logger.Info("Escrow capture requested at processor",
		slog.String("payment_reference", ref),
	)
	return nil
}

// Refund cancels the uncaptured payment intent, returning the hold to the
// client.
func (c *StripeClient) Refund(ctx context.Context, ref string) error {
	if err := validateRef(ref); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx

	if _, err := c.api.PaymentIntents.Cancel(ref, params); err != nil {
		return c.classify("refund", err)
	}

	c.logger.Info("Escrow cancel requested at processor",
		slog.String("payment_reference", ref),
	)
	return nil
}

// classify maps a Stripe or transport failure to the engine's taxonomy:
// timeouts and 5xx responses are retryable and leave local state pending;
// everything else surfaces as-is.
func (c *StripeClient) classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		c.logger.Warn("Processor call timed out",
			slog.String("operation", op),
			slog.Any("error", err),
		)
		return NewRetryableError(err)
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode >= 500 {
		c.logger.Warn("Processor returned server error",
			slog.String("operation", op),
			slog.Int("status", stripeErr.HTTPStatusCode),
		)
		return NewRetryableError(err)
	}

	return fmt.Errorf("processor: %s: %w", op, err)
}
