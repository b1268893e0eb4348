package limitd

import (
	"fmt"
	"time"
)

// Algorithm identifies a rate limiting algorithm.
type Algorithm string

const (
	TokenBucket   Algorithm = "token_bucket"
	SlidingWindow Algorithm = "sliding_window"
	FixedWindow   Algorithm = "fixed_window"
	LeakyBucket   Algorithm = "leaky_bucket"
)

// Valid reports whether a is one of the four supported algorithms.
func (a Algorithm) Valid() bool {
	switch a {
	case TokenBucket, SlidingWindow, FixedWindow, LeakyBucket:
		return true
	}
	return false
}

// maxWindowedCapacity bounds sliding window memory, which grows with capacity.
// Configs above this are rejected at admin time.
const maxWindowedCapacity = 1_000_000

// Config is an immutable rate limit configuration. Capacity is the burst
// size (or window budget), RefillRate the tokens per second (or leak rate).
// Window applies to the window-based algorithms only. CleanupInterval, when
// set on the service default, tunes the local backend's idle-bucket sweep.
type Config struct {
	Algorithm       Algorithm     `yaml:"algorithm"`
	Capacity        int64         `yaml:"capacity"`
	RefillRate      int64         `yaml:"refill_rate"`
	Window          time.Duration `yaml:"window,omitempty"`
	CleanupInterval time.Duration `yaml:"cleanup_interval,omitempty"`
}

// Validate checks the config invariants. Violations wrap ErrConfigViolation.
func (c Config) Validate() error {
	if !c.Algorithm.Valid() {
		return fmt.Errorf("%w: unknown algorithm %q", ErrConfigViolation, c.Algorithm)
	}
	if c.Capacity < 1 {
		return fmt.Errorf("%w: capacity must be >= 1, got %d", ErrConfigViolation, c.Capacity)
	}
	switch c.Algorithm {
	case TokenBucket, LeakyBucket:
		if c.RefillRate < 1 {
			return fmt.Errorf("%w: refill rate must be >= 1, got %d", ErrConfigViolation, c.RefillRate)
		}
	case SlidingWindow, FixedWindow:
		if c.Window < time.Millisecond {
			return fmt.Errorf("%w: %s requires a window of at least 1ms", ErrConfigViolation, c.Algorithm)
		}
		if c.Algorithm == SlidingWindow && c.Capacity > maxWindowedCapacity {
			return fmt.Errorf("%w: sliding window capacity %d exceeds limit %d",
				ErrConfigViolation, c.Capacity, maxWindowedCapacity)
		}
	}
	if c.CleanupInterval < 0 {
		return fmt.Errorf("%w: cleanup interval must not be negative", ErrConfigViolation)
	}
	return nil
}

// Fingerprint returns a stable identity for the config. The bucket registry
// rebuilds a bucket when the fingerprint of its effective config changes.
func (c Config) Fingerprint() string {
	return fmt.Sprintf("%s/%d/%d/%d", c.Algorithm, c.Capacity, c.RefillRate, c.Window.Milliseconds())
}
