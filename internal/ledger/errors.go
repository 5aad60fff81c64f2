package ledger

import "errors"

var (
	// ErrNotFound is returned when no transaction matches the given
	// payment reference and type.
	ErrNotFound = errors.New("ledger: transaction not found")

	// ErrDuplicatePending is returned when an attempt is recorded while an
	// unfinalized transaction of the same (payment_reference, type) pair
	// already exists.
	ErrDuplicatePending = errors.New("ledger: pending transaction already exists for reference and type")

	// ErrConflictingFinalization is returned when a finalization names a
	// different terminal outcome than the one already recorded. This is a
	// data-integrity alarm, never silently overwritten.
	ErrConflictingFinalization = errors.New("ledger: transaction already finalized with a different outcome")
)
