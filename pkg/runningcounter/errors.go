package runningcounter

import "errors"

var (
	// ErrInvalidConfiguration reports unusable constructor or call
	// arguments. Nothing was written to the store.
	ErrInvalidConfiguration = errors.New("invalid counter configuration")

	// ErrStoreUnavailable reports a failed round-trip to Redis. The
	// increment or read may or may not have happened; retrying is safe
	// for reads and the caller's call for increments.
	ErrStoreUnavailable = errors.New("counter store unavailable")
)
