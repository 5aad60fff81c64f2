// Package processor wraps the external payment processor behind a small
// interface: place a hold, capture it, or cancel it. The engine only ever
// talks to the processor through this package; webhook events close the
// loop asynchronously.
package processor

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured is returned when an outbound call is made without a
	// processor secret key.
	ErrNotConfigured = errors.New("processor: secret key not configured")
)

// RetryableError wraps transient processor failures (timeouts, 5xx). The
// caller's local transaction stays pending; a retried webhook or the polling
// fallback reconciles it later. A timeout never implies the processor-side
// operation failed.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "processor: retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError wraps err as retryable.
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err is a transient processor failure.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// HoldMetadata travels to the processor with a hold request and comes back
// on every webhook event for the resulting payment intent. The webhook
// handlers rely on it to find the owning job without a reverse lookup.
type HoldMetadata struct {
	JobID          string
	ClientID       string
	WorkerID       string
	BidAmount      string
	PlatformFee    string
	WorkerProvince string
}

// Client is the outbound surface of the external payment processor.
// Hold authorizes funds without capturing them (escrow), Release captures a
// held payment, Refund cancels an uncaptured hold and returns the funds.
type Client interface {
	Hold(ctx context.Context, amount float64, meta HoldMetadata) (ref string, err error)
	Release(ctx context.Context, ref string) error
	Refund(ctx context.Context, ref string) error
}

// amountToCents converts a dollar amount to the integer cents the processor
// expects, guarding against float drift.
func amountToCents(amount float64) int64 {
	return int64(amount*100 + 0.5)
}

func validateRef(ref string) error {
	if ref == "" {
		return fmt.Errorf("processor: empty payment reference")
	}
	return nil
}
