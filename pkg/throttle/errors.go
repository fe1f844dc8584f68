package throttle

import "errors"

var (
	// ErrInvalidConfiguration reports a non-positive window or burst on
	// the rate-limited path, or inputs the evaluator cannot act on. The
	// call is deterministic and retrying it will not help.
	ErrInvalidConfiguration = errors.New("invalid throttle configuration")

	// ErrStoreUnavailable reports that Redis could not execute the
	// atomic operation. This is the only retryable class; no decision
	// was made and no state changed.
	ErrStoreUnavailable = errors.New("throttle store unavailable")

	// ErrNotFound reports that neither bucket nor knobs exist for a
	// name, or that a partial knobs update targeted a missing record.
	ErrNotFound = errors.New("throttle not found")
)
