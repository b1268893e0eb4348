package limitd

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/krishna-kudari/limitd/cache"
)

// RequestContext carries the per-request inputs that can shift the
// effective config: client location and an optional evaluation instant.
type RequestContext struct {
	CountryCode    string
	Region         string
	ComplianceZone string

	// At is the evaluation instant for schedule overlays. Zero means now.
	At time.Time
}

func (rc RequestContext) at() time.Time {
	if rc.At.IsZero() {
		return time.Now()
	}
	return rc.At
}

// HasLocation reports whether any geographic field is set. Without a
// location the geo overlay is skipped entirely.
func (rc RequestContext) HasLocation() bool {
	return rc.CountryCode != "" || rc.Region != "" || rc.ComplianceZone != ""
}

// Fingerprint identifies the context for caching. The instant is excluded:
// schedule transitions invalidate the whole cache instead.
func (rc RequestContext) Fingerprint() string {
	return rc.CountryCode + "|" + rc.Region + "|" + rc.ComplianceZone
}

// AdaptiveSource is the resolver's read-only view of adaptive state.
type AdaptiveSource interface {
	// ManualOverride returns the operator-pinned config for key, if any.
	ManualOverride(key string) (Config, bool)

	// AdaptedConfig returns the current adaptive-adjusted config for key.
	AdaptedConfig(key string) (Config, bool)
}

// ScheduleSource is the resolver's read-only view of active schedules.
type ScheduleSource interface {
	ActiveOverride(key string, at time.Time) (Config, bool)
}

// GeoSource is the resolver's read-only view of geographic rules.
type GeoSource interface {
	Overlay(key string, rc RequestContext) (Config, bool)
}

// Resolver produces the effective config for a (key, context) pair.
//
// Precedence, highest first:
//  1. manual adaptive override
//  2. active schedule override
//  3. geographic rule
//  4. adaptive-adjusted config
//  5. per-key static config
//  6. pattern rule (longest literal prefix, fewest wildcards, creation order)
//  7. global default
//
// Resolution is pure given its inputs and does no I/O; overlay sources are
// in-memory snapshots maintained by their managers. Results are cached in a
// bounded LRU and invalidated on admin writes, schedule transitions, and
// adaptive updates for the affected key.
type Resolver struct {
	mu         sync.RWMutex
	def        Config
	perKey     map[string]Config
	patterns   []PatternRule
	patternSeq int64

	adaptive  AdaptiveSource
	schedules ScheduleSource
	geo       GeoSource

	cache *cache.Cache[Config]
	log   logrus.FieldLogger
}

// DefaultResolverCacheSize bounds the resolved-config cache.
const DefaultResolverCacheSize = 16384

// NewResolver creates a resolver with the given global default config.
func NewResolver(def Config, opts ...Option) (*Resolver, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	o := ApplyOptions(opts)
	c, err := cache.New[Config](DefaultResolverCacheSize)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		def:    def,
		perKey: make(map[string]Config),
		cache:  c,
		log:    o.Logger,
	}, nil
}

// SetSources wires the overlay sources. Nil sources are skipped during
// resolution; the resolver holds them read-only, never the other way
// around, which keeps the adaptive controller free to read configs back.
func (r *Resolver) SetSources(adaptive AdaptiveSource, schedules ScheduleSource, geo GeoSource) {
	r.mu.Lock()
	r.adaptive = adaptive
	r.schedules = schedules
	r.geo = geo
	r.mu.Unlock()
	r.cache.Purge()
}

// Resolve returns the effective config for key under rc.
func (r *Resolver) Resolve(key string, rc RequestContext) Config {
	ck := key + "\x00" + rc.Fingerprint()
	if cfg, ok := r.cache.Get(ck); ok {
		return cfg
	}

	cfg := r.resolveUncached(key, rc)
	r.cache.Add(ck, cfg)
	return cfg
}

func (r *Resolver) resolveUncached(key string, rc RequestContext) Config {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.adaptive != nil {
		if cfg, ok := r.adaptive.ManualOverride(key); ok {
			return cfg
		}
	}
	if r.schedules != nil {
		if cfg, ok := r.schedules.ActiveOverride(key, rc.at()); ok {
			return cfg
		}
	}
	if r.geo != nil && rc.HasLocation() {
		if cfg, ok := r.geo.Overlay(key, rc); ok {
			return cfg
		}
	}
	if r.adaptive != nil {
		if cfg, ok := r.adaptive.AdaptedConfig(key); ok {
			return cfg
		}
	}
	if cfg, ok := r.perKey[key]; ok {
		return cfg
	}
	if rule, ok := bestPattern(r.patterns, key); ok {
		return rule.Config
	}
	return r.def
}

// ResolveStatic returns the static config for key, ignoring every overlay:
// per-key config, then pattern rules, then the default. The adaptive
// controller anchors its adjustments on it so adjustments never compound.
func (r *Resolver) ResolveStatic(key string) Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cfg, ok := r.perKey[key]; ok {
		return cfg
	}
	if rule, ok := bestPattern(r.patterns, key); ok {
		return rule.Config
	}
	return r.def
}

// SetDefault replaces the global default config.
func (r *Resolver) SetDefault(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.def = cfg
	r.mu.Unlock()
	r.cache.Purge()
	return nil
}

// Default returns the global default config.
func (r *Resolver) Default() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.def
}

// SetKeyConfig installs a static per-key config.
func (r *Resolver) SetKeyConfig(key string, cfg Config) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidInput)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.perKey[key] = cfg
	r.mu.Unlock()
	r.Invalidate(key)
	r.log.WithField("key", key).Debug("per-key limit set")
	return nil
}

// KeyConfig returns the static per-key config, if one is set.
func (r *Resolver) KeyConfig(key string) (Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.perKey[key]
	return cfg, ok
}

// DeleteKeyConfig removes the static per-key config; the next resolution
// falls through to pattern rules or the default.
func (r *Resolver) DeleteKeyConfig(key string) {
	r.mu.Lock()
	delete(r.perKey, key)
	r.mu.Unlock()
	r.Invalidate(key)
}

// SetPattern installs or replaces the rule for pattern.
func (r *Resolver) SetPattern(pattern string, cfg Config) error {
	if err := ValidatePattern(pattern); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	replaced := false
	for i := range r.patterns {
		if r.patterns[i].Pattern == pattern {
			r.patterns[i].Config = cfg
			replaced = true
			break
		}
	}
	if !replaced {
		r.patternSeq++
		r.patterns = append(r.patterns, PatternRule{Pattern: pattern, Config: cfg, seq: r.patternSeq})
	}
	r.mu.Unlock()
	r.cache.Purge()
	r.log.WithField("pattern", pattern).Debug("pattern limit set")
	return nil
}

// DeletePattern removes the rule for pattern.
func (r *Resolver) DeletePattern(pattern string) {
	r.mu.Lock()
	for i := range r.patterns {
		if r.patterns[i].Pattern == pattern {
			r.patterns = append(r.patterns[:i], r.patterns[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	r.cache.Purge()
}

// Patterns returns a copy of the installed pattern rules.
func (r *Resolver) Patterns() []PatternRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PatternRule, len(r.patterns))
	copy(out, r.patterns)
	return out
}

// ApplySettings atomically replaces defaults, per-key, and pattern rules
// from a settings snapshot. Used by hot reload.
func (r *Resolver) ApplySettings(s *Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	perKey := make(map[string]Config, len(s.Keys))
	for k, c := range s.Keys {
		perKey[k] = c
	}
	patterns := make([]PatternRule, 0, len(s.Patterns))
	for i, p := range s.Patterns {
		patterns = append(patterns, PatternRule{Pattern: p.Pattern, Config: p.Config, seq: int64(i)})
	}

	r.mu.Lock()
	r.def = s.Default
	r.perKey = perKey
	r.patterns = patterns
	r.patternSeq = int64(len(patterns))
	r.mu.Unlock()
	r.cache.Purge()
	return nil
}

// Invalidate drops cached resolutions for key across all contexts.
func (r *Resolver) Invalidate(key string) {
	r.cache.RemovePrefix(key + "\x00")
}

// InvalidateAll drops the whole resolution cache. Schedule transitions use
// this since a schedule can affect arbitrarily many keys.
func (r *Resolver) InvalidateAll() {
	r.cache.Purge()
}

// CacheStats reports resolution cache effectiveness.
func (r *Resolver) CacheStats() cache.Stats {
	return r.cache.Stats()
}
