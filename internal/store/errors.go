package store

import "errors"

var (
	// ErrInvariantViolation is returned when a transaction's result would
	// break a graph invariant. Nothing is written. The wrapped error is a
	// *scheduler.ViolationError.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrTimeout is returned when the lock could not be acquired in time.
	// It is transient; callers may retry.
	ErrTimeout = errors.New("timed out acquiring graph lock")

	// ErrStorageIO is returned when reading or writing the graph fails. The
	// store is left at its last committed state.
	ErrStorageIO = errors.New("graph storage I/O failure")
)

// IsTransient reports whether err is worth retrying without caller action.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout)
}
