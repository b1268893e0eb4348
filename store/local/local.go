// Package local provides the in-process backend: a sharded bucket registry
// with idle eviction. It is the single-replica counterpart of the Redis
// backend and the reference for its semantics.
package local

import (
	"context"
	"hash/fnv"
	"math/bits"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	limitd "github.com/krishna-kudari/limitd"
	"github.com/krishna-kudari/limitd/store"
)

// DefaultIdleThreshold evicts buckets untouched for this long.
const DefaultIdleThreshold = 10 * time.Minute

// DefaultCleanupInterval is the sweep period.
const DefaultCleanupInterval = time.Minute

// Option configures the local backend.
type Option func(*Backend)

// WithShardCount overrides the shard count; it is rounded up to a power of
// two. Default is 2^⌈log2(NumCPU)⌉.
func WithShardCount(n int) Option {
	return func(b *Backend) { b.shardCount = n }
}

// WithIdleThreshold sets how long an untouched bucket survives.
func WithIdleThreshold(d time.Duration) Option {
	return func(b *Backend) { b.idleThreshold = d }
}

// WithCleanupInterval sets the sweeper period.
func WithCleanupInterval(d time.Duration) Option {
	return func(b *Backend) { b.cleanupInterval = d }
}

// WithClock injects the time source; tests use it for determinism.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// WithLogger sets the logger for sweep reporting.
func WithLogger(l logrus.FieldLogger) Option {
	return func(b *Backend) { b.log = l }
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]limitd.Bucket
}

// Backend is the sharded in-process bucket store. It owns every bucket:
// creation is race-free under the shard mutex, and a bucket whose effective
// config fingerprint changed is rebuilt in place.
type Backend struct {
	shards []*shard
	mask   uint32

	shardCount      int
	idleThreshold   time.Duration
	cleanupInterval time.Duration
	now             func() time.Time
	log             logrus.FieldLogger

	closeOnce sync.Once
	closeCh   chan struct{}
}

var _ store.Backend = (*Backend)(nil)

// New creates a local backend and starts its idle sweeper.
func New(opts ...Option) *Backend {
	b := &Backend{
		shardCount:      1 << bits.Len(uint(runtime.NumCPU()-1)),
		idleThreshold:   DefaultIdleThreshold,
		cleanupInterval: DefaultCleanupInterval,
		now:             time.Now,
		log:             logrus.StandardLogger(),
		closeCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.shardCount < 1 {
		b.shardCount = 1
	}
	b.shardCount = 1 << bits.Len(uint(b.shardCount-1))
	b.mask = uint32(b.shardCount - 1)
	b.shards = make([]*shard, b.shardCount)
	for i := range b.shards {
		b.shards[i] = &shard{buckets: make(map[string]limitd.Bucket)}
	}
	go b.sweepLoop()
	return b
}

func (b *Backend) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return b.shards[h.Sum32()&b.mask]
}

// fetchOrCreate returns the bucket for key under cfg, creating or rebuilding
// it as needed. Caller must hold the shard lock.
func (b *Backend) fetchOrCreate(s *shard, key string, cfg limitd.Config, now time.Time) limitd.Bucket {
	bk, ok := s.buckets[key]
	if !ok || bk.Config().Fingerprint() != cfg.Fingerprint() {
		bk = limitd.NewBucket(cfg, now)
		s.buckets[key] = bk
	}
	return bk
}

// Apply runs one atomic try-consume step for key.
func (b *Backend) Apply(_ context.Context, key string, cfg limitd.Config, n int64) (*limitd.Result, error) {
	now := b.now()
	s := b.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return b.fetchOrCreate(s, key, cfg, now).TryConsume(n, now), nil
}

// Check computes the decision without consuming.
func (b *Backend) Check(_ context.Context, key string, cfg limitd.Config, n int64) (*limitd.Result, error) {
	now := b.now()
	s := b.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return b.fetchOrCreate(s, key, cfg, now).Peek(n, now), nil
}

// Reset drops the bucket; the next access rebuilds it from config.
func (b *Backend) Reset(_ context.Context, key string) error {
	s := b.shardFor(key)
	s.mu.Lock()
	delete(s.buckets, key)
	s.mu.Unlock()
	return nil
}

// Evict is Reset without the error plumbing, for the admin surface.
func (b *Backend) Evict(key string) {
	_ = b.Reset(context.Background(), key)
}

// Snapshot returns the bucket state for key, if one exists.
func (b *Backend) Snapshot(key string) (limitd.State, bool) {
	s := b.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	bk, ok := s.buckets[key]
	if !ok {
		return limitd.State{}, false
	}
	return bk.Snapshot(), true
}

// ActiveKeys returns a snapshot of keys with live buckets.
func (b *Backend) ActiveKeys(context.Context) ([]string, error) {
	var keys []string
	for _, s := range b.shards {
		s.mu.Lock()
		for k := range s.buckets {
			keys = append(keys, k)
		}
		s.mu.Unlock()
	}
	return keys, nil
}

// Healthy always holds for the in-process backend.
func (b *Backend) Healthy(context.Context) bool { return true }

// Stats reports bucket count and approximate memory held.
func (b *Backend) Stats() store.Stats {
	var st store.Stats
	for _, s := range b.shards {
		s.mu.Lock()
		st.Keys += len(s.buckets)
		for k, bk := range s.buckets {
			st.ApproxBytes += int64(len(k)) + bk.SizeBytes()
		}
		s.mu.Unlock()
	}
	return st
}

// Close stops the sweeper. Buckets remain readable but stop being evicted.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() { close(b.closeCh) })
	return nil
}

func (b *Backend) sweepLoop() {
	ticker := time.NewTicker(b.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.sweep()
		case <-b.closeCh:
			return
		}
	}
}

// sweep walks one shard at a time so no lock is held across the whole map.
func (b *Backend) sweep() {
	now := b.now()
	evicted := 0
	for _, s := range b.shards {
		s.mu.Lock()
		for k, bk := range s.buckets {
			if now.Sub(bk.LastAccess()) > b.idleThreshold {
				delete(s.buckets, k)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	if evicted > 0 {
		b.log.WithField("evicted", evicted).Debug("idle bucket sweep")
	}
}
