// Package redis provides the distributed backend. Every decision runs as one
// server-side Lua script, so replicas sharing a Redis agree on every decision
// without any client-side coordination.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	limitd "github.com/krishna-kudari/limitd"
	"github.com/krishna-kudari/limitd/store"
)

const (
	// DefaultPoolSize is the minimum connection pool size; smaller
	// configured pools are raised to it.
	DefaultPoolSize = 10

	// DefaultMaxWait bounds how long a caller blocks for a pool connection.
	DefaultMaxWait = 5 * time.Second
)

// NewClient builds a go-redis client from settings, enforcing the pool
// minimum and acquire timeout defaults.
func NewClient(s limitd.RedisSettings) *redis.Client {
	poolSize := s.PoolSize
	if poolSize < DefaultPoolSize {
		poolSize = DefaultPoolSize
	}
	maxWait := s.MaxWait
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	return redis.NewClient(&redis.Options{
		Addr:        s.Addr,
		Password:    s.Password,
		DB:          s.DB,
		PoolSize:    poolSize,
		PoolTimeout: maxWait,
	})
}

// Backend runs rate limit decisions as Lua scripts against a shared Redis.
// State lives server-side under {prefix}:{algorithm}:{key}; the scripts use
// the Redis server clock, so replica clock skew never splits decisions.
type Backend struct {
	client redis.UniversalClient
	opts   *limitd.Options
}

var _ store.Backend = (*Backend)(nil)

// New wraps client as a backend. The client is owned by the backend and
// closed with it.
func New(client redis.UniversalClient, opts ...limitd.Option) *Backend {
	return &Backend{client: client, opts: limitd.ApplyOptions(opts)}
}

// Apply runs one atomic try-consume step for key.
func (b *Backend) Apply(ctx context.Context, key string, cfg limitd.Config, n int64) (*limitd.Result, error) {
	return b.run(ctx, key, cfg, n, true)
}

// Check computes the decision without consuming; the script runs with the
// commit flag off and writes nothing.
func (b *Backend) Check(ctx context.Context, key string, cfg limitd.Config, n int64) (*limitd.Result, error) {
	return b.run(ctx, key, cfg, n, false)
}

func (b *Backend) run(ctx context.Context, key string, cfg limitd.Config, n int64, commit bool) (*limitd.Result, error) {
	var (
		script *redis.Script
		keys   []string
		rate   int64
	)
	switch cfg.Algorithm {
	case limitd.TokenBucket:
		script = tokenBucketScript
		keys = []string{b.opts.FormatKey(cfg.Algorithm, key)}
		rate = cfg.RefillRate
	case limitd.SlidingWindow:
		script = slidingWindowScript
		keys = []string{
			b.opts.FormatKey(cfg.Algorithm, key),
			b.opts.FormatKeySuffix(cfg.Algorithm, key, "seq"),
		}
		rate = cfg.Window.Microseconds()
	case limitd.FixedWindow:
		script = fixedWindowScript
		keys = []string{b.opts.FormatKey(cfg.Algorithm, key)}
		rate = cfg.Window.Microseconds()
	case limitd.LeakyBucket:
		script = leakyBucketScript
		keys = []string{b.opts.FormatKey(cfg.Algorithm, key)}
		rate = cfg.RefillRate
	default:
		return nil, fmt.Errorf("%w: unknown algorithm %q", limitd.ErrInvalidInput, cfg.Algorithm)
	}

	commitArg := 0
	if commit {
		commitArg = 1
	}
	raw, err := script.Run(ctx, b.client, keys, cfg.Capacity, rate, n, commitArg).Result()
	if errors.Is(err, redis.ErrPoolTimeout) {
		// Script.Run already reloads evicted scripts; a pool wait gets one
		// retry before the backend counts as down.
		raw, err = script.Run(ctx, b.client, keys, cfg.Capacity, rate, n, commitArg).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: redis script: %v", limitd.ErrUnavailable, err)
	}
	return decode(cfg, raw)
}

// decode maps the script's {allowed, remaining, retry_ms, extra_ms} reply
// onto a Result.
func decode(cfg limitd.Config, raw interface{}) (*limitd.Result, error) {
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 4 {
		return nil, fmt.Errorf("%w: unexpected script reply %T", limitd.ErrTransientInternal, raw)
	}
	nums := make([]int64, 4)
	for i, v := range vals {
		n, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected script reply element %T", limitd.ErrTransientInternal, v)
		}
		nums[i] = n
	}
	return &limitd.Result{
		Allowed:    nums[0] == 1,
		Remaining:  nums[1],
		Limit:      cfg.Capacity,
		RetryAfter: time.Duration(nums[2]) * time.Millisecond,
		QueueDelay: time.Duration(nums[3]) * time.Millisecond,
	}, nil
}

// Reset deletes the key's state for every algorithm, so a config change that
// also switches algorithms leaves nothing stale behind.
func (b *Backend) Reset(ctx context.Context, key string) error {
	var storageKeys []string
	for _, algo := range []limitd.Algorithm{
		limitd.TokenBucket, limitd.SlidingWindow, limitd.FixedWindow, limitd.LeakyBucket,
	} {
		storageKeys = append(storageKeys, b.opts.FormatKey(algo, key))
	}
	storageKeys = append(storageKeys, b.opts.FormatKeySuffix(limitd.SlidingWindow, key, "seq"))
	if err := b.client.Del(ctx, storageKeys...).Err(); err != nil {
		return fmt.Errorf("%w: redis del: %v", limitd.ErrUnavailable, err)
	}
	return nil
}

// ActiveKeys scans the prefix namespace and returns the distinct rate limit
// keys behind it.
func (b *Backend) ActiveKeys(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var keys []string
	iter := b.client.Scan(ctx, 0, b.opts.KeyPrefix+":*", 256).Iterator()
	for iter.Next(ctx) {
		k, ok := b.rateKey(iter.Val())
		if !ok || seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: redis scan: %v", limitd.ErrUnavailable, err)
	}
	return keys, nil
}

// rateKey inverts FormatKey: it strips the prefix, algorithm segment, any
// cluster hash-tag braces and the sliding window seq suffix.
func (b *Backend) rateKey(storageKey string) (string, bool) {
	rest, ok := strings.CutPrefix(storageKey, b.opts.KeyPrefix+":")
	if !ok {
		return "", false
	}
	_, rest, ok = strings.Cut(rest, ":")
	if !ok {
		return "", false
	}
	rest = strings.TrimSuffix(rest, ":seq")
	if strings.HasPrefix(rest, "{") && strings.HasSuffix(rest, "}") {
		rest = rest[1 : len(rest)-1]
	}
	return rest, rest != ""
}

// Healthy pings the server with a short deadline.
func (b *Backend) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return b.client.Ping(ctx).Err() == nil
}

// Stats counts live keys; byte usage is server-side and not reported here.
func (b *Backend) Stats() store.Stats {
	keys, err := b.ActiveKeys(context.Background())
	if err != nil {
		return store.Stats{}
	}
	return store.Stats{Keys: len(keys)}
}

func (b *Backend) Close() error {
	return b.client.Close()
}
