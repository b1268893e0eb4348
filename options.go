package limitd

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Options holds cross-cutting settings shared by backends.
type Options struct {
	// KeyPrefix is prepended to all storage keys. Default "rl".
	KeyPrefix string

	// HashTag wraps the key in {braces} so that all storage keys for one
	// rate limit key land on the same Redis Cluster slot.
	HashTag bool

	// FailOpen allows requests when the backend is unavailable.
	// Default true.
	FailOpen bool

	// Logger receives degradation warnings. Defaults to the standard
	// logrus logger.
	Logger logrus.FieldLogger
}

// Option configures Options.
type Option func(*Options)

// WithKeyPrefix sets the prefix prepended to all storage keys.
func WithKeyPrefix(prefix string) Option {
	return func(o *Options) { o.KeyPrefix = prefix }
}

// WithHashTag enables Redis Cluster hash-tag wrapping on keys.
func WithHashTag() Option {
	return func(o *Options) { o.HashTag = true }
}

// WithFailOpen sets the fail-open/fail-closed behavior when the backend is
// unreachable.
func WithFailOpen(v bool) Option {
	return func(o *Options) { o.FailOpen = v }
}

// WithLogger sets the logger used for warnings.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *Options) { o.Logger = l }
}

func defaultOptions() *Options {
	return &Options{
		KeyPrefix: "rl",
		FailOpen:  true,
		Logger:    logrus.StandardLogger(),
	}
}

// ApplyOptions resolves a set of Option values over the defaults. Backends
// use it to share one options surface.
func ApplyOptions(opts []Option) *Options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// FormatKey builds the storage key for a rate limit key under the given
// algorithm: {prefix}:{algorithm}:{key}, with optional cluster hash-tag.
func (o *Options) FormatKey(algo Algorithm, key string) string {
	if o.HashTag {
		return o.KeyPrefix + ":" + string(algo) + ":{" + key + "}"
	}
	return o.KeyPrefix + ":" + string(algo) + ":" + key
}

// FormatKeySuffix is FormatKey with an extra suffix segment, used where one
// rate limit key needs more than one storage key. With hash-tags enabled the
// suffix stays outside the braces so all segments share a cluster slot.
func (o *Options) FormatKeySuffix(algo Algorithm, key, suffix string) string {
	return o.FormatKey(algo, key) + ":" + suffix
}

// NopLogger returns a logger that discards everything; tests use it.
func NopLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
