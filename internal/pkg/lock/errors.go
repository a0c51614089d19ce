package lock

import "errors"

// Lock-related errors.
var (
	// ErrLockTimeout is returned when a lock cannot be acquired within the timeout period.
	ErrLockTimeout = errors.New("lock acquisition timeout")
	// ErrNotHeld is returned when releasing a lock that is no longer owned.
	ErrNotHeld = errors.New("lock not held")
)
