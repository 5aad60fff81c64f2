package dispute

import "errors"

var (
	// ErrNotFound indicates the dispute does not exist.
	ErrNotFound = errors.New("dispute not found")

	// ErrAlreadyResolved indicates the dispute is already in a terminal
	// status.
	ErrAlreadyResolved = errors.New("dispute already resolved")

	// ErrForbidden indicates the caller may not act on this dispute.
	ErrForbidden = errors.New("caller is not allowed to act on this dispute")

	// ErrInvalidStateTransition indicates the requested move is not legal
	// from the dispute's current status.
	ErrInvalidStateTransition = errors.New("invalid dispute state transition")
)
