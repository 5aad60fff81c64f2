package subscription

import "errors"

var (
	// ErrPlanNotFound indicates the plan does not exist.
	ErrPlanNotFound = errors.New("subscription plan not found")

	// ErrPlanInactive indicates the plan is no longer open for signup.
	ErrPlanInactive = errors.New("subscription plan is not active")

	// ErrNoActiveSubscription indicates the user has nothing to cancel.
	ErrNoActiveSubscription = errors.New("no active subscription")

	// ErrInvalidBillingCycle indicates an unknown billing cycle value.
	ErrInvalidBillingCycle = errors.New("invalid billing cycle")

	// ErrForbidden indicates the caller may not perform this operation.
	ErrForbidden = errors.New("caller is not allowed to perform this operation")
)
