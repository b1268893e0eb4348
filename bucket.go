package limitd

import "time"

// Bucket is the per-key state machine for one algorithm. Buckets are not
// safe for concurrent use; the local backend serializes access per shard and
// the Redis backend keeps state server-side instead.
//
// TryConsume and Peek are deterministic in the supplied now, which must be
// monotonic non-decreasing across calls. Peek computes the same decision as
// TryConsume without changing any state.
type Bucket interface {
	TryConsume(n int64, now time.Time) *Result
	Peek(n int64, now time.Time) *Result
	Snapshot() State
	Config() Config
	LastAccess() time.Time
	SizeBytes() int64
}

// NewBucket creates an empty bucket for cfg. The config must already be
// validated.
func NewBucket(cfg Config, now time.Time) Bucket {
	switch cfg.Algorithm {
	case SlidingWindow:
		return newSlidingWindowLog(cfg, now)
	case FixedWindow:
		return newFixedWindow(cfg, now)
	case LeakyBucket:
		return newLeakyBucket(cfg, now)
	default:
		return newTokenBucket(cfg, now)
	}
}

// ceilDiv returns ⌈a/b⌉ for positive b.
func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
