// Package metrics collects decision counters, latency quantiles and per-key
// usage for the rate limiting service. Prometheus carries the fleet-facing
// series; an in-process t-digest and per-key table back the JSON admin
// surface and the adaptive controller's health signal.
package metrics

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/influxdata/tdigest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	limitd "github.com/krishna-kudari/limitd"
)

// maxTrackedKeys bounds the per-key table; beyond it the least recently
// active entries are dropped.
const maxTrackedKeys = 10000

// CollectorOption configures a Collector.
type CollectorOption func(*collectorConfig)

type collectorConfig struct {
	namespace string
	subsystem string
	registry  *prometheus.Registry
	buckets   []float64
}

// WithNamespace overrides the metric namespace. Default "ratelimit".
func WithNamespace(ns string) CollectorOption {
	return func(c *collectorConfig) { c.namespace = ns }
}

// WithSubsystem sets the metric subsystem. Default none.
func WithSubsystem(sub string) CollectorOption {
	return func(c *collectorConfig) { c.subsystem = sub }
}

// WithRegistry registers the metrics on an existing registry instead of a
// private one.
func WithRegistry(r *prometheus.Registry) CollectorOption {
	return func(c *collectorConfig) { c.registry = r }
}

// WithBuckets overrides the duration histogram buckets.
func WithBuckets(b []float64) CollectorOption {
	return func(c *collectorConfig) { c.buckets = b }
}

// KeyStats is the per-key usage row.
type KeyStats struct {
	Requests   int64     `json:"requests"`
	Allowed    int64     `json:"allowed"`
	Denied     int64     `json:"denied"`
	LastAccess time.Time `json:"last_access"`
}

// Snapshot is a point-in-time summary for the JSON admin surface and the
// adaptive health probe.
type Snapshot struct {
	Requests     int64               `json:"requests"`
	Allowed      int64               `json:"allowed"`
	Denied       int64               `json:"denied"`
	Errors       int64               `json:"errors"`
	ErrorRate    float64             `json:"error_rate"`
	P95LatencyMs float64             `json:"p95_latency_ms"`
	Keys         map[string]KeyStats `json:"keys"`
}

// Collector gathers decision metrics. All methods are safe for concurrent
// use.
type Collector struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	errors   *prometheus.CounterVec
	redisUp  prometheus.Gauge
	registry *prometheus.Registry

	mu      sync.Mutex
	perKey  map[string]*KeyStats
	digest  *tdigest.TDigest
	total   int64
	allowed int64
	denied  int64
	errs    int64
}

// NewCollector creates and registers a collector.
func NewCollector(opts ...CollectorOption) *Collector {
	cfg := &collectorConfig{
		namespace: "ratelimit",
		buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.registry == nil {
		cfg.registry = prometheus.NewRegistry()
	}

	c := &Collector{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Subsystem: cfg.subsystem,
			Name:      "requests_total",
			Help:      "Rate limit decisions by algorithm and outcome.",
		}, []string{"algorithm", "decision"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.namespace,
			Subsystem: cfg.subsystem,
			Name:      "request_duration_seconds",
			Help:      "Decision latency.",
			Buckets:   cfg.buckets,
		}, []string{"algorithm"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Subsystem: cfg.subsystem,
			Name:      "errors_total",
			Help:      "Decision errors by kind.",
		}, []string{"kind"}),
		redisUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.namespace,
			Subsystem: cfg.subsystem,
			Name:      "redis_up",
			Help:      "Whether the Redis backend is reachable.",
		}),
		registry: cfg.registry,
		perKey:   make(map[string]*KeyStats),
		digest:   tdigest.NewWithCompression(1000),
	}
	cfg.registry.MustRegister(c.requests, c.duration, c.errors, c.redisUp)
	return c
}

// RecordDecision records one decision and its latency.
func (c *Collector) RecordDecision(key string, algo limitd.Algorithm, allowed bool, dur time.Duration) {
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	c.requests.WithLabelValues(string(algo), decision).Inc()
	c.duration.WithLabelValues(string(algo)).Observe(dur.Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	c.total++
	if allowed {
		c.allowed++
	} else {
		c.denied++
	}
	c.digest.Add(float64(dur)/float64(time.Millisecond), 1)

	ks, ok := c.perKey[key]
	if !ok {
		if len(c.perKey) >= maxTrackedKeys {
			c.evictOldestLocked()
		}
		ks = &KeyStats{}
		c.perKey[key] = ks
	}
	ks.Requests++
	if allowed {
		ks.Allowed++
	} else {
		ks.Denied++
	}
	ks.LastAccess = time.Now()
}

func (c *Collector) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for k, ks := range c.perKey {
		if oldestKey == "" || ks.LastAccess.Before(oldest) {
			oldestKey, oldest = k, ks.LastAccess
		}
	}
	delete(c.perKey, oldestKey)
}

// RecordError counts one decision error by kind.
func (c *Collector) RecordError(kind string) {
	c.errors.WithLabelValues(kind).Inc()
	c.mu.Lock()
	c.errs++
	c.mu.Unlock()
}

// SetRedisUp publishes backend reachability.
func (c *Collector) SetRedisUp(up bool) {
	if up {
		c.redisUp.Set(1)
	} else {
		c.redisUp.Set(0)
	}
}

// P95Latency returns the 95th percentile decision latency.
func (c *Collector) P95Latency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.total == 0 {
		return 0
	}
	return time.Duration(c.digest.Quantile(0.95) * float64(time.Millisecond))
}

// ErrorRate returns errors over total observed requests.
func (c *Collector) ErrorRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.total+c.errs == 0 {
		return 0
	}
	return float64(c.errs) / float64(c.total+c.errs)
}

// Snapshot copies the current counters and per-key table.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		Requests: c.total,
		Allowed:  c.allowed,
		Denied:   c.denied,
		Errors:   c.errs,
		Keys:     make(map[string]KeyStats, len(c.perKey)),
	}
	if c.total+c.errs > 0 {
		s.ErrorRate = float64(c.errs) / float64(c.total+c.errs)
	}
	if c.total > 0 {
		s.P95LatencyMs = c.digest.Quantile(0.95)
	}
	for k, ks := range c.perKey {
		s.Keys[k] = *ks
	}
	return s
}

// TopKeys returns the busiest keys by request count, most active first.
func (c *Collector) TopKeys(limit int) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.perKey))
	for k := range c.perKey {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return c.perKey[keys[i]].Requests > c.perKey[keys[j]].Requests
	})
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys
}

// Handler exposes the Prometheus scrape endpoint for this collector's
// registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
