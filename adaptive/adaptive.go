// Package adaptive adjusts effective rate limits from observed system
// health and per-key traffic anomalies. The controller keeps a bounded
// event ring and rolling rate baseline per key, scores anomalies by
// z-score, and applies a fixed rule table to derive a capacity and refill
// adjustment with a confidence; adjustments below the confidence floor are
// discarded. Manual overrides pin a key's config and suspend evaluation
// for it until removed.
package adaptive

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	limitd "github.com/krishna-kudari/limitd"
)

// Health is one observation of system load.
type Health struct {
	CPULoad      float64 // 0..1
	MemoryUsed   uint64
	MemoryMax    uint64
	P95LatencyMs float64
	ErrorRate    float64
	RedisHealthy bool
}

// HealthProvider supplies health observations; the controller polls it every
// evaluation cycle.
type HealthProvider interface {
	Health(ctx context.Context) (Health, error)
}

// Severity grades an anomaly.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// AnomalyKind names the traffic shape that triggered an anomaly.
type AnomalyKind string

const (
	AnomalySpike         AnomalyKind = "SPIKE"
	AnomalySustainedHigh AnomalyKind = "SUSTAINED_HIGH"
	AnomalyDrop          AnomalyKind = "DROP"
	AnomalySustainedLow  AnomalyKind = "SUSTAINED_LOW"
)

// Anomaly is one detected traffic deviation for a key.
type Anomaly struct {
	Kind       AnomalyKind
	Severity   Severity
	ZScore     float64
	Rate       float64
	Baseline   float64
	DetectedAt time.Time
}

// Trend labels the direction of a key's recent traffic.
type Trend string

const (
	TrendRising  Trend = "RISING"
	TrendFalling Trend = "FALLING"
	TrendSteady  Trend = "STEADY"
)

// TrafficPattern summarizes the shape of a key's rate history.
type TrafficPattern struct {
	Trend      Trend
	Volatility float64 // coefficient of variation of per-cycle rates
	HourlyPeak bool    // one hour of day dominates the event history
}

// UserBehavior characterizes the requester behind a key.
type UserBehavior struct {
	AvgRate         float64       // events per second across the ring
	AvgTokens       float64       // mean tokens requested per event
	DenialShare     float64       // fraction of recorded events denied
	Burstiness      float64       // coefficient of variation of inter-arrival gaps
	SessionDuration time.Duration // most recent run of events without a long pause
}

// Mode reports how a key's limit is currently governed.
type Mode string

const (
	ModeStatic   Mode = "STATIC"
	ModeLearning Mode = "LEARNING"
	ModeAdaptive Mode = "ADAPTIVE"
	ModeOverride Mode = "OVERRIDE"
)

// State is the adaptive status of one key.
type State struct {
	Mode             Mode
	OriginalCapacity int64
	OriginalRefill   int64
	CurrentCapacity  int64
	CurrentRefill    int64
	Factor           float64
	Confidence       float64
	Reasoning        string
	LastAnomaly      *Anomaly
	Traffic          TrafficPattern
	Behavior         UserBehavior
	UpdatedAt        time.Time
}

const (
	// maxEvents bounds the per-key event ring.
	maxEvents = 10000

	// baselinePoints bounds the rolling per-key rate history.
	baselinePoints = 1000

	// minBaselinePoints is the learning threshold: below it no anomaly is
	// scored and no adjustment made.
	minBaselinePoints = 30

	// anomalyWindow is how many of the newest rate points form the
	// short-term level compared against the baseline.
	anomalyWindow = 10

	// sessionGap is the idle pause that ends a session for the behavior
	// heuristic.
	sessionGap = 30 * time.Minute
)

// event is one recorded check decision.
type event struct {
	at      int64 // unix nanos
	tokens  int64
	allowed bool
}

// ring is an event buffer with O(1) append; overflow drops the oldest
// event. The backing slice grows on demand so idle keys stay small.
type ring struct {
	buf   []event
	head  int
	count int
}

func (r *ring) add(e event) {
	if r.count < maxEvents {
		r.buf = append(r.buf, e)
		r.count++
		r.head = r.count % maxEvents
		return
	}
	r.buf[r.head] = e
	r.head = (r.head + 1) % maxEvents
}

// at returns the i-th newest event. Caller keeps i < count.
func (r *ring) at(i int) event {
	return r.buf[(r.head-1-i+len(r.buf))%len(r.buf)]
}

// countAfter returns how many recorded events happened strictly after cut.
// Consecutive evaluations use (lastEval, now] style windows, so an event
// landing exactly on the boundary is charged to one interval only.
func (r *ring) countAfter(cut time.Time) int {
	nanos := cut.UnixNano()
	n := 0
	for i := 0; i < r.count; i++ {
		if r.at(i).at <= nanos {
			break
		}
		n++
	}
	return n
}

type keyTrack struct {
	events   ring
	baseline []float64 // requests per interval, rolling
	state    State
	original limitd.Config
	override *limitd.Config
}

// Option configures the controller.
type Option func(*Controller)

// WithInterval sets the evaluation period. Default 5m.
func WithInterval(d time.Duration) Option {
	return func(c *Controller) { c.interval = d }
}

// WithMinConfidence sets the confidence floor below which adjustments are
// discarded. Default 0.7.
func WithMinConfidence(v float64) Option {
	return func(c *Controller) { c.minConfidence = v }
}

// WithMaxFactor bounds adjusted values to [orig/f, orig*f]. Default 2.0.
func WithMaxFactor(f float64) Option {
	return func(c *Controller) { c.maxFactor = f }
}

// WithCapacityBounds clamps adjusted capacity to [min, max].
func WithCapacityBounds(min, max int64) Option {
	return func(c *Controller) { c.minCapacity, c.maxCapacity = min, max }
}

// WithClock injects the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Controller) { c.log = l }
}

// WithInvalidate registers a callback fired for every key whose adapted
// config changed; the service points it at the resolver cache.
func WithInvalidate(fn func(key string)) Option {
	return func(c *Controller) { c.invalidate = fn }
}

// Controller is the adaptive rate controller. It implements
// limitd.AdaptiveSource for the resolver and runs its own evaluation loop.
type Controller struct {
	health   HealthProvider
	resolve  func(key string) limitd.Config
	interval time.Duration

	minConfidence float64
	maxFactor     float64
	minCapacity   int64
	maxCapacity   int64

	now        func() time.Time
	log        logrus.FieldLogger
	invalidate func(key string)

	mu    sync.RWMutex
	keys  map[string]*keyTrack
	close chan struct{}
	once  sync.Once
}

var _ limitd.AdaptiveSource = (*Controller)(nil)

// New creates a controller. resolve returns the static (pre-adaptive)
// config for a key; the controller uses it as the adjustment baseline.
func New(health HealthProvider, resolve func(key string) limitd.Config, opts ...Option) *Controller {
	c := &Controller{
		health:        health,
		resolve:       resolve,
		interval:      5 * time.Minute,
		minConfidence: 0.7,
		maxFactor:     2.0,
		minCapacity:   1,
		maxCapacity:   1_000_000,
		now:           time.Now,
		log:           logrus.StandardLogger(),
		keys:          make(map[string]*keyTrack),
		close:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ingest records one check decision for key. Called on the hot path; O(1).
func (c *Controller) Ingest(key string, at time.Time, tokens int64, allowed bool) {
	c.mu.Lock()
	t, ok := c.keys[key]
	if !ok {
		t = newKeyTrack()
		c.keys[key] = t
	}
	t.events.add(event{at: at.UnixNano(), tokens: tokens, allowed: allowed})
	c.mu.Unlock()
}

func newKeyTrack() *keyTrack {
	return &keyTrack{state: State{Mode: ModeLearning, Reasoning: "collecting baseline"}}
}

// ManualOverride returns the operator-pinned config for key, if any.
func (c *Controller) ManualOverride(key string) (limitd.Config, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.keys[key]
	if !ok || t.override == nil {
		return limitd.Config{}, false
	}
	return *t.override, true
}

// AdaptedConfig returns the adaptive-adjusted config for key when the
// controller has an active adjustment.
func (c *Controller) AdaptedConfig(key string) (limitd.Config, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.keys[key]
	if !ok || t.state.Mode != ModeAdaptive {
		return limitd.Config{}, false
	}
	cfg := t.original
	cfg.Capacity = t.state.CurrentCapacity
	if cfg.RefillRate > 0 {
		cfg.RefillRate = t.state.CurrentRefill
	}
	return cfg, true
}

// SetOverride pins key to cfg until removed, recording why. Overrides
// outrank every other config source.
func (c *Controller) SetOverride(key string, cfg limitd.Config, reason string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if reason == "" {
		reason = "manual override"
	}
	c.mu.Lock()
	t, ok := c.keys[key]
	if !ok {
		t = newKeyTrack()
		c.keys[key] = t
	}
	t.override = &cfg
	t.state.Mode = ModeOverride
	t.state.Reasoning = reason
	t.state.UpdatedAt = c.now()
	c.mu.Unlock()
	c.notify(key)
	return nil
}

// RemoveOverride lifts a manual override; the key returns to adaptive or
// learning mode on the next evaluation.
func (c *Controller) RemoveOverride(key string) {
	c.mu.Lock()
	if t, ok := c.keys[key]; ok && t.override != nil {
		t.override = nil
		if t.state.CurrentCapacity != 0 && t.state.CurrentCapacity != t.state.OriginalCapacity {
			t.state.Mode = ModeAdaptive
		} else {
			t.state.Mode = ModeLearning
		}
		t.state.Reasoning = "override removed"
		t.state.UpdatedAt = c.now()
	}
	c.mu.Unlock()
	c.notify(key)
}

// Status returns the adaptive state for key. While an override is pinned the
// reported current limits are the override's, not the shadowed adaptation's.
func (c *Controller) Status(key string) (State, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.keys[key]
	if !ok {
		return State{Mode: ModeStatic}, false
	}
	st := t.state
	if t.override != nil {
		st.CurrentCapacity = t.override.Capacity
		st.CurrentRefill = t.override.RefillRate
	}
	return st, true
}

// Run evaluates every tracked key on the configured interval until ctx ends
// or Close is called.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.EvaluateAll(ctx)
		case <-ctx.Done():
			return
		case <-c.close:
			return
		}
	}
}

// Close stops Run.
func (c *Controller) Close() {
	c.once.Do(func() { close(c.close) })
}

// EvaluateAll runs one evaluation cycle over every tracked key.
func (c *Controller) EvaluateAll(ctx context.Context) {
	health, err := c.health.Health(ctx)
	if err != nil {
		c.log.WithError(err).Warn("health probe failed, skipping adaptive cycle")
		return
	}

	c.mu.RLock()
	keys := make([]string, 0, len(c.keys))
	for k := range c.keys {
		keys = append(keys, k)
	}
	c.mu.RUnlock()

	for _, k := range keys {
		if changed := c.evaluateKey(k, health); changed {
			c.notify(k)
		}
	}
}

func (c *Controller) notify(key string) {
	if c.invalidate != nil {
		c.invalidate(key)
	}
}

// evaluateKey updates one key's baseline, scores anomalies, and applies the
// adjustment rules. Returns whether the effective config changed.
func (c *Controller) evaluateKey(key string, health Health) bool {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.keys[key]
	if !ok || t.override != nil {
		return false
	}

	rate := float64(t.events.countAfter(now.Add(-c.interval)))
	anomaly := c.scoreAnomaly(t, recentMean(t.baseline, rate), now)
	t.baseline = append(t.baseline, rate)
	if len(t.baseline) > baselinePoints {
		t.baseline = t.baseline[len(t.baseline)-baselinePoints:]
	}

	original := c.resolve(key)
	factor, confidence, why := adjustment(health, anomaly)

	prev := t.state
	t.original = original
	t.state.OriginalCapacity = original.Capacity
	t.state.OriginalRefill = original.RefillRate
	t.state.LastAnomaly = anomaly
	t.state.Traffic = derivePattern(t.baseline, &t.events)
	t.state.Behavior = deriveBehavior(&t.events)
	t.state.UpdatedAt = now

	if len(t.baseline) < minBaselinePoints {
		t.state.Mode = ModeLearning
		t.state.CurrentCapacity = original.Capacity
		t.state.CurrentRefill = original.RefillRate
		t.state.Factor = 1
		t.state.Confidence = 0
		t.state.Reasoning = "collecting baseline"
		return prev.Mode == ModeAdaptive
	}

	if confidence < c.minConfidence || factor == 1 {
		t.state.Mode = ModeStatic
		t.state.CurrentCapacity = original.Capacity
		t.state.CurrentRefill = original.RefillRate
		t.state.Factor = 1
		t.state.Confidence = confidence
		if factor == 1 {
			t.state.Reasoning = "no rule matched"
		} else {
			t.state.Reasoning = fmt.Sprintf("%s (confidence %.2f below %.2f)", why, confidence, c.minConfidence)
		}
		return prev.Mode == ModeAdaptive
	}

	capAdj := c.clamp(original.Capacity, factor)
	refillAdj := original.RefillRate
	if refillAdj > 0 {
		refillAdj = scaleBounded(original.RefillRate, factor, c.maxFactor)
	}
	t.state.Mode = ModeAdaptive
	t.state.CurrentCapacity = capAdj
	t.state.CurrentRefill = refillAdj
	t.state.Factor = factor
	t.state.Confidence = confidence
	t.state.Reasoning = why

	if capAdj != prev.CurrentCapacity || refillAdj != prev.CurrentRefill || prev.Mode != ModeAdaptive {
		c.log.WithFields(logrus.Fields{
			"key":        key,
			"original":   original.Capacity,
			"adjusted":   capAdj,
			"factor":     factor,
			"confidence": confidence,
			"reason":     why,
		}).Info("adaptive capacity adjustment")
		return true
	}
	return false
}

// clamp bounds an adjusted capacity to [orig/maxFactor, orig*maxFactor] and
// the configured absolute bounds.
func (c *Controller) clamp(original int64, factor float64) int64 {
	adjusted := scaleBounded(original, factor, c.maxFactor)
	if adjusted < c.minCapacity {
		adjusted = c.minCapacity
	}
	if adjusted > c.maxCapacity {
		adjusted = c.maxCapacity
	}
	return adjusted
}

// scaleBounded applies factor to v and clamps the result to
// [v/maxFactor, v*maxFactor], never below 1.
func scaleBounded(v int64, factor, maxFactor float64) int64 {
	adjusted := int64(math.Round(float64(v) * factor))
	lo := int64(math.Ceil(float64(v) / maxFactor))
	hi := int64(math.Floor(float64(v) * maxFactor))
	if adjusted < lo {
		adjusted = lo
	}
	if adjusted > hi {
		adjusted = hi
	}
	if adjusted < 1 {
		adjusted = 1
	}
	return adjusted
}

// recentMean is the short-term level: the newest rate averaged with up to
// the last anomalyWindow-1 baseline points.
func recentMean(baseline []float64, rate float64) float64 {
	n := len(baseline)
	if n > anomalyWindow-1 {
		n = anomalyWindow - 1
	}
	sum := rate
	for _, x := range baseline[len(baseline)-n:] {
		sum += x
	}
	return sum / float64(n+1)
}

// scoreAnomaly compares the short-term level against the baseline using a
// z-score. Caller holds the lock.
func (c *Controller) scoreAnomaly(t *keyTrack, level float64, now time.Time) *Anomaly {
	if len(t.baseline) < minBaselinePoints {
		return nil
	}
	mean, stddev := meanStddev(t.baseline)
	if stddev == 0 {
		return nil
	}
	z := (level - mean) / stddev
	abs := math.Abs(z)
	var sev Severity
	switch {
	case abs >= 6:
		sev = SeverityCritical
	case abs >= 5:
		sev = SeverityHigh
	case abs >= 4:
		sev = SeverityMedium
	case abs >= 3:
		sev = SeverityLow
	default:
		return nil
	}
	var kind AnomalyKind
	switch {
	case z > 5:
		kind = AnomalySpike
	case z > 0:
		kind = AnomalySustainedHigh
	case z < -5:
		kind = AnomalyDrop
	default:
		kind = AnomalySustainedLow
	}
	return &Anomaly{
		Kind:       kind,
		Severity:   sev,
		ZScore:     z,
		Rate:       level,
		Baseline:   mean,
		DetectedAt: now,
	}
}

// derivePattern summarizes the rate history: trend compares the first-half
// and second-half means, volatility is the coefficient of variation, and
// HourlyPeak flags a single hour of day dominating the ring.
func derivePattern(baseline []float64, events *ring) TrafficPattern {
	p := TrafficPattern{Trend: TrendSteady}
	if len(baseline) >= 4 {
		half := len(baseline) / 2
		first, _ := meanStddev(baseline[:half])
		second, _ := meanStddev(baseline[half:])
		switch {
		case second > first*1.2:
			p.Trend = TrendRising
		case second < first*0.8:
			p.Trend = TrendFalling
		}
	}
	if mean, stddev := meanStddev(baseline); mean > 0 {
		p.Volatility = stddev / mean
	}
	p.HourlyPeak = hourlyPeak(events)
	return p
}

// hourlyPeak reports whether one hour of day holds the majority of events
// across at least two observed hours.
func hourlyPeak(r *ring) bool {
	var byHour [24]int
	seen := 0
	for i := 0; i < r.count; i++ {
		h := time.Unix(0, r.at(i).at).UTC().Hour()
		if byHour[h] == 0 {
			seen++
		}
		byHour[h]++
	}
	if seen < 2 {
		return false
	}
	max, total := 0, 0
	for _, n := range byHour {
		total += n
		if n > max {
			max = n
		}
	}
	return max*2 > total
}

// deriveBehavior characterizes the requester: overall request rate, mean
// token cost, denial share, burstiness as the coefficient of variation of
// inter-arrival gaps, and the duration of the newest session (the most
// recent run of events without a sessionGap pause).
func deriveBehavior(r *ring) UserBehavior {
	var b UserBehavior
	if r.count == 0 {
		return b
	}

	var tokens int64
	denied := 0
	for i := 0; i < r.count; i++ {
		e := r.at(i)
		tokens += e.tokens
		if !e.allowed {
			denied++
		}
	}
	b.AvgTokens = float64(tokens) / float64(r.count)
	b.DenialShare = float64(denied) / float64(r.count)

	newest := r.at(0).at
	oldest := r.at(r.count - 1).at
	if span := time.Duration(newest - oldest); span > 0 {
		b.AvgRate = float64(r.count-1) / span.Seconds()
	} else {
		b.AvgRate = float64(r.count)
	}

	var n int
	var sum, sumsq float64
	sessionStart := newest
	inSession := true
	for i := 0; i+1 < r.count; i++ {
		gap := time.Duration(r.at(i).at - r.at(i+1).at)
		g := gap.Seconds()
		sum += g
		sumsq += g * g
		n++
		if inSession {
			if gap > sessionGap {
				inSession = false
			} else {
				sessionStart = r.at(i + 1).at
			}
		}
	}
	if n > 0 {
		mean := sum / float64(n)
		if mean > 0 {
			variance := sumsq/float64(n) - mean*mean
			if variance < 0 {
				variance = 0
			}
			b.Burstiness = math.Sqrt(variance) / mean
		}
	}
	b.SessionDuration = time.Duration(newest - sessionStart)
	return b
}

func meanStddev(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(xs)))
}

// adjustment maps a health observation and optional anomaly to a scaling
// factor, a confidence, and the reason. The first matching rule wins.
func adjustment(h Health, a *Anomaly) (factor, confidence float64, why string) {
	switch {
	case h.CPULoad > 0.8 || h.P95LatencyMs > 2000:
		return 0.7, 0.85, fmt.Sprintf("system under pressure: cpu=%.2f p95=%.0fms", h.CPULoad, h.P95LatencyMs)
	case a != nil && a.Severity == SeverityCritical:
		return 0.6, 0.90, fmt.Sprintf("critical %s anomaly: z=%.1f", a.Kind, a.ZScore)
	case a != nil && (a.Severity == SeverityHigh || a.Severity == SeverityMedium):
		return 0.8, 0.75, fmt.Sprintf("%s anomaly: z=%.1f", a.Kind, a.ZScore)
	case h.CPULoad < 0.3 && h.ErrorRate < 0.001 && a == nil:
		return 1.3, 0.75, fmt.Sprintf("healthy headroom: cpu=%.2f err=%.4f", h.CPULoad, h.ErrorRate)
	case h.CPULoad < 0.5 && h.ErrorRate < 0.005 && a == nil:
		return 1.1, 0.65, fmt.Sprintf("stable load: cpu=%.2f err=%.4f", h.CPULoad, h.ErrorRate)
	}
	return 1, 0, ""
}
