package limitd

import "errors"

// Error kinds. Callers classify failures with errors.Is; concrete errors wrap
// one of these sentinels.
var (
	// ErrUnavailable means the backend (Redis) was unreachable or timed out.
	// Depending on configuration the service fails open or closed on it.
	ErrUnavailable = errors.New("limitd: backend unavailable")

	// ErrInvalidInput means the request was malformed: empty key, negative
	// token count, unknown algorithm, unparseable cron expression.
	ErrInvalidInput = errors.New("limitd: invalid input")

	// ErrConflict means a composite configuration is internally inconsistent,
	// e.g. an unknown scope under hierarchical logic.
	ErrConflict = errors.New("limitd: conflicting composite configuration")

	// ErrTransientInternal marks retryable internal conditions such as an
	// unexpected script reply. Evicted scripts and pool waits are retried
	// once inside the Redis backend; what still fails there surfaces as
	// ErrUnavailable.
	ErrTransientInternal = errors.New("limitd: transient internal error")

	// ErrConfigViolation means an admin update would break config invariants.
	// The update is rejected before any state changes.
	ErrConfigViolation = errors.New("limitd: config violation")
)
