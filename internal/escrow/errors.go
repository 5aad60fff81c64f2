package escrow

import "errors"

var (
	// ErrNotFound indicates the job does not exist.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidStateTransition indicates the requested move is not legal
	// from the job's current escrow status. Surfaced to the caller, never
	// silently coerced.
	ErrInvalidStateTransition = errors.New("invalid escrow state transition")

	// ErrForbidden indicates the caller is not allowed to act on this job.
	ErrForbidden = errors.New("caller is not allowed to act on this job")

	// ErrMissingReference indicates the job has no payment reference yet.
	ErrMissingReference = errors.New("job has no payment reference")
)
