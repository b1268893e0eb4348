package limitd

import (
	"context"
	"time"
)

// Limiter is the caller-facing contract shared by the service and the
// middleware adapters.
type Limiter interface {
	Allow(ctx context.Context, key string) (*Result, error)

	AllowN(ctx context.Context, key string, n int64) (*Result, error)

	Reset(ctx context.Context, key string) error
}

// Result is the outcome of one try-consume step.
type Result struct {
	Allowed   bool
	Remaining int64
	Limit     int64

	// RetryAfter is set on denials: how long until the request could succeed.
	// Zero on a denial means the request can never succeed (n > capacity).
	RetryAfter time.Duration

	// QueueDelay is the leaky bucket wait hint for accepted requests: how
	// long until the enqueued work drains. Zero for other algorithms.
	QueueDelay time.Duration

	// State is the bucket snapshot after the step, when the backend can
	// provide one cheaply.
	State *State
}

// State is a point-in-time snapshot of one bucket. Fields are
// algorithm-specific; unused fields are zero.
type State struct {
	Algorithm   Algorithm
	Tokens      int64     // token bucket
	Level       int64     // leaky bucket
	Count       int64     // fixed window count / sliding window log length
	WindowStart time.Time // fixed window
	LastAccess  time.Time
}

// Backend persists bucket state and runs the atomic try-consume step.
// Apply is atomic per key: no concurrent Apply for the same key observes an
// intermediate state. Between different keys no ordering is guaranteed.
// Check computes the same decision without mutating anything; the composite
// limiter uses it for its dry-run pass.
type Backend interface {
	Apply(ctx context.Context, key string, cfg Config, n int64) (*Result, error)

	Check(ctx context.Context, key string, cfg Config, n int64) (*Result, error)

	Reset(ctx context.Context, key string) error
}
