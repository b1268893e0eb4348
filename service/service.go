// Package service wires the resolver, backend, composite limiter, metrics,
// and the adaptive, schedule, and geo overlays into one rate limiting
// service. It is the surface applications and middleware talk to.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	limitd "github.com/krishna-kudari/limitd"
	"github.com/krishna-kudari/limitd/adaptive"
	"github.com/krishna-kudari/limitd/cache"
	"github.com/krishna-kudari/limitd/geo"
	"github.com/krishna-kudari/limitd/metrics"
	"github.com/krishna-kudari/limitd/schedule"
	"github.com/krishna-kudari/limitd/store"
)

// ClientInfo carries per-request client attributes that can shift the
// effective limit.
type ClientInfo struct {
	SourceIP       string
	CountryCode    string
	Region         string
	ComplianceZone string
}

// CheckRequest is one rate limit decision request.
type CheckRequest struct {
	Key    string
	Tokens int64
	Client ClientInfo

	// Composite, when set, evaluates a multi-level limit instead of the
	// key's resolved single config.
	Composite *limitd.CompositeConfig
}

// CheckResponse is the decision plus enough context to act on it.
type CheckResponse struct {
	Allowed    bool
	Remaining  int64
	Limit      int64
	RetryAfter time.Duration
	QueueDelay time.Duration

	Algorithm limitd.Algorithm
	Effective limitd.Config

	// Components and LimitingComponent are set for composite decisions.
	Components        []limitd.ComponentResult
	LimitingComponent string

	// Adaptive reports how the key's limit is currently governed. Nil when
	// adaptation is disabled or the key has no recorded history.
	Adaptive *adaptive.State

	// FailedOpen marks a decision granted only because the backend was
	// unreachable and the service fails open.
	FailedOpen bool
}

// Service is the assembled rate limiting service. Use Builder to construct
// one. All methods are safe for concurrent use.
type Service struct {
	resolver  *limitd.Resolver
	backend   store.Backend
	composite *limitd.Composite
	collector *metrics.Collector

	controller *adaptive.Controller
	schedules  *schedule.Manager
	geoRules   *geo.Overlay

	settings atomic.Pointer[limitd.Settings]
	failOpen atomic.Bool
	opts     *limitd.Options
	log      logrus.FieldLogger

	started   time.Time
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

var _ limitd.Limiter = (*Service)(nil)

// Check runs one decision.
func (s *Service) Check(ctx context.Context, req CheckRequest) (*CheckResponse, error) {
	if req.Key == "" {
		return nil, fmt.Errorf("%w: empty key", limitd.ErrInvalidInput)
	}
	if req.Tokens < 0 {
		return nil, fmt.Errorf("%w: negative token count %d", limitd.ErrInvalidInput, req.Tokens)
	}

	if req.Composite != nil {
		return s.checkComposite(ctx, req)
	}

	rc := limitd.RequestContext{
		CountryCode:    req.Client.CountryCode,
		Region:         req.Client.Region,
		ComplianceZone: req.Client.ComplianceZone,
	}
	cfg := s.resolver.Resolve(req.Key, rc)

	start := time.Now()
	res, err := s.backend.Apply(ctx, req.Key, cfg, req.Tokens)
	elapsed := time.Since(start)

	if err != nil {
		return s.degraded(req, cfg, err)
	}

	s.collector.RecordDecision(req.Key, cfg.Algorithm, res.Allowed, elapsed)
	if s.controller != nil {
		s.controller.Ingest(req.Key, start, req.Tokens, res.Allowed)
	}

	return &CheckResponse{
		Allowed:    res.Allowed,
		Remaining:  res.Remaining,
		Limit:      res.Limit,
		RetryAfter: res.RetryAfter,
		QueueDelay: res.QueueDelay,
		Algorithm:  cfg.Algorithm,
		Effective:  cfg,
		Adaptive:   s.adaptiveInfo(req.Key),
	}, nil
}

func (s *Service) checkComposite(ctx context.Context, req CheckRequest) (*CheckResponse, error) {
	start := time.Now()
	res, err := s.composite.TryConsume(ctx, req.Key, req.Tokens, *req.Composite)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, limitd.ErrUnavailable) {
			return s.degraded(req, limitd.Config{}, err)
		}
		return nil, err
	}

	// Composite decisions are recorded against the first sub-limit's
	// algorithm; components carry the per-level detail.
	algo := req.Composite.Limits[0].Config.Algorithm
	s.collector.RecordDecision(req.Key, algo, res.Allowed, elapsed)
	if s.controller != nil {
		s.controller.Ingest(req.Key, start, req.Tokens, res.Allowed)
	}

	out := &CheckResponse{
		Allowed:           res.Allowed,
		RetryAfter:        res.RetryAfter,
		Algorithm:         algo,
		Components:        res.Components,
		LimitingComponent: res.LimitingComponent,
		Adaptive:          s.adaptiveInfo(req.Key),
	}
	if res.Allowed {
		first := true
		for _, c := range res.Components {
			if !c.Consulted || !c.Allowed {
				continue
			}
			if first || c.Remaining < out.Remaining {
				out.Remaining, out.Limit = c.Remaining, c.Capacity
				first = false
			}
		}
	} else {
		for _, c := range res.Components {
			if c.Name == res.LimitingComponent {
				out.Remaining, out.Limit = c.Remaining, c.Capacity
			}
		}
	}
	return out, nil
}

// adaptiveInfo snapshots the key's adaptive state for a response.
func (s *Service) adaptiveInfo(key string) *adaptive.State {
	if s.controller == nil {
		return nil
	}
	st, ok := s.controller.Status(key)
	if !ok {
		return nil
	}
	return &st
}

// degraded resolves a decision the backend could not serve. Fail-open grants
// it, fail-closed denies it; either way the outcome is marked and counted,
// never silently swallowed.
func (s *Service) degraded(req CheckRequest, cfg limitd.Config, cause error) (*CheckResponse, error) {
	s.collector.RecordError("unavailable")
	s.collector.SetRedisUp(false)

	open := s.failOpen.Load()
	s.log.WithError(cause).WithFields(logrus.Fields{
		"key":       req.Key,
		"fail_open": open,
	}).Warn("backend unavailable, applying fail policy")

	if !open {
		return &CheckResponse{
			Allowed:   false,
			Algorithm: cfg.Algorithm,
			Effective: cfg,
			Adaptive:  s.adaptiveInfo(req.Key),
		}, nil
	}
	return &CheckResponse{
		Allowed:    true,
		Remaining:  cfg.Capacity,
		Limit:      cfg.Capacity,
		Algorithm:  cfg.Algorithm,
		Effective:  cfg,
		Adaptive:   s.adaptiveInfo(req.Key),
		FailedOpen: true,
	}, nil
}

// Allow is AllowN with one token.
func (s *Service) Allow(ctx context.Context, key string) (*limitd.Result, error) {
	return s.AllowN(ctx, key, 1)
}

// AllowN consumes n tokens for key under its resolved config.
func (s *Service) AllowN(ctx context.Context, key string, n int64) (*limitd.Result, error) {
	resp, err := s.Check(ctx, CheckRequest{Key: key, Tokens: n})
	if err != nil {
		return nil, err
	}
	return &limitd.Result{
		Allowed:    resp.Allowed,
		Remaining:  resp.Remaining,
		Limit:      resp.Limit,
		RetryAfter: resp.RetryAfter,
		QueueDelay: resp.QueueDelay,
	}, nil
}

// Reset clears the bucket state for key.
func (s *Service) Reset(ctx context.Context, key string) error {
	if err := s.backend.Reset(ctx, key); err != nil {
		return err
	}
	s.resolver.Invalidate(key)
	return nil
}

// Start launches the background loops: schedule transitions, adaptive
// evaluation, and backend health polling. It returns immediately.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.started = time.Now()

	var wg sync.WaitGroup
	if s.schedules != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.schedules.Run(ctx)
		}()
	}
	if s.controller != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.controller.Run(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.pollBackend(ctx)
	}()

	go func() {
		wg.Wait()
		close(s.done)
	}()
}

func (s *Service) pollBackend(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.collector.SetRedisUp(s.backend.Healthy(ctx))
		case <-ctx.Done():
			return
		}
	}
}

// Close stops the background loops and the backend.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
		if s.schedules != nil {
			s.schedules.Close()
		}
		if s.controller != nil {
			s.controller.Close()
		}
		err = s.backend.Close()
	})
	return err
}

// Reload loads a settings file and swaps the live snapshot atomically.
// Requests in flight finish under the old snapshot.
func (s *Service) Reload(path string) error {
	settings, err := limitd.LoadSettings(path)
	if err != nil {
		return err
	}
	return s.ApplySettings(settings)
}

// ApplySettings swaps the live settings snapshot.
func (s *Service) ApplySettings(settings *limitd.Settings) error {
	if err := s.resolver.ApplySettings(settings); err != nil {
		return err
	}
	s.settings.Store(settings)
	s.failOpen.Store(settings.FailsOpen())
	s.log.Info("settings reloaded")
	return nil
}

// Settings returns the live settings snapshot.
func (s *Service) Settings() *limitd.Settings {
	return s.settings.Load()
}

// ActiveKeys lists keys with live bucket state.
func (s *Service) ActiveKeys(ctx context.Context) ([]string, error) {
	return s.backend.ActiveKeys(ctx)
}

// SetDefault replaces the global default config.
func (s *Service) SetDefault(cfg limitd.Config) error {
	return s.resolver.SetDefault(cfg)
}

// SetKeyConfig installs a static per-key config.
func (s *Service) SetKeyConfig(key string, cfg limitd.Config) error {
	return s.resolver.SetKeyConfig(key, cfg)
}

// KeyConfig returns the static per-key config, if set.
func (s *Service) KeyConfig(key string) (limitd.Config, bool) {
	return s.resolver.KeyConfig(key)
}

// DeleteKeyConfig removes a per-key config.
func (s *Service) DeleteKeyConfig(key string) {
	s.resolver.DeleteKeyConfig(key)
}

// SetPattern installs or replaces a pattern rule.
func (s *Service) SetPattern(pattern string, cfg limitd.Config) error {
	return s.resolver.SetPattern(pattern, cfg)
}

// DeletePattern removes a pattern rule.
func (s *Service) DeletePattern(pattern string) {
	s.resolver.DeletePattern(pattern)
}

// Patterns lists the installed pattern rules.
func (s *Service) Patterns() []limitd.PatternRule {
	return s.resolver.Patterns()
}

// CacheStats reports resolution cache effectiveness.
func (s *Service) CacheStats() cache.Stats {
	return s.resolver.CacheStats()
}

// BackendStats reports backend key count and approximate memory.
func (s *Service) BackendStats() store.Stats {
	return s.backend.Stats()
}

// MetricsSnapshot returns the JSON-facing metrics summary.
func (s *Service) MetricsSnapshot() metrics.Snapshot {
	return s.collector.Snapshot()
}

// Schedules exposes the schedule manager, nil if schedules are disabled.
func (s *Service) Schedules() *schedule.Manager { return s.schedules }

// GeoRules exposes the geo overlay, nil if geo rules are disabled.
func (s *Service) GeoRules() *geo.Overlay { return s.geoRules }

// Adaptive exposes the adaptive controller, nil if adaptation is disabled.
func (s *Service) Adaptive() *adaptive.Controller { return s.controller }
