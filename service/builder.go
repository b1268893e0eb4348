package service

import (
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	limitd "github.com/krishna-kudari/limitd"
	"github.com/krishna-kudari/limitd/adaptive"
	"github.com/krishna-kudari/limitd/geo"
	"github.com/krishna-kudari/limitd/metrics"
	"github.com/krishna-kudari/limitd/schedule"
	"github.com/krishna-kudari/limitd/store"
	"github.com/krishna-kudari/limitd/store/local"
	redisstore "github.com/krishna-kudari/limitd/store/redis"
)

// Builder assembles a Service step by step. Zero configuration yields a
// local-backend service with the default token bucket config.
type Builder struct {
	settings  *limitd.Settings
	client    goredis.UniversalClient
	collector *metrics.Collector
	health    adaptive.HealthProvider
	logger    logrus.FieldLogger

	keyPrefix string
	hashTag   bool

	withSchedules bool
	withGeo       bool
	err           error
}

// NewBuilder starts a builder with default settings.
func NewBuilder() *Builder {
	return &Builder{
		settings:      limitd.DefaultSettings(),
		logger:        logrus.StandardLogger(),
		withSchedules: true,
		withGeo:       true,
	}
}

// Default sets the global default config.
func (b *Builder) Default(cfg limitd.Config) *Builder {
	if err := cfg.Validate(); err != nil && b.err == nil {
		b.err = err
		return b
	}
	b.settings.Default = cfg
	return b
}

// Settings replaces the whole settings snapshot, as loaded from YAML.
func (b *Builder) Settings(s *limitd.Settings) *Builder {
	if err := s.Validate(); err != nil && b.err == nil {
		b.err = err
		return b
	}
	b.settings = s
	return b
}

// Redis switches to the distributed backend over the given client.
func (b *Builder) Redis(client goredis.UniversalClient) *Builder {
	b.client = client
	return b
}

// FailOpen sets the degradation policy when the backend is unreachable.
func (b *Builder) FailOpen(open bool) *Builder {
	b.settings.FailOpen = &open
	return b
}

// KeyPrefix overrides the storage key prefix.
func (b *Builder) KeyPrefix(prefix string) *Builder {
	b.keyPrefix = prefix
	return b
}

// HashTag enables Redis Cluster hash-tag wrapping on storage keys.
func (b *Builder) HashTag() *Builder {
	b.hashTag = true
	return b
}

// Logger sets the logger for every component.
func (b *Builder) Logger(l logrus.FieldLogger) *Builder {
	b.logger = l
	return b
}

// Metrics uses an existing collector instead of a private one.
func (b *Builder) Metrics(c *metrics.Collector) *Builder {
	b.collector = c
	return b
}

// EnableAdaptive turns on the adaptive controller with the default system
// probe.
func (b *Builder) EnableAdaptive() *Builder {
	b.settings.Adaptive.Enabled = true
	return b
}

// HealthProvider overrides the adaptive health source; implies adaptation.
func (b *Builder) HealthProvider(p adaptive.HealthProvider) *Builder {
	b.health = p
	b.settings.Adaptive.Enabled = true
	return b
}

// WithoutSchedules disables the schedule manager.
func (b *Builder) WithoutSchedules() *Builder {
	b.withSchedules = false
	return b
}

// WithoutGeo disables the geo overlay.
func (b *Builder) WithoutGeo() *Builder {
	b.withGeo = false
	return b
}

// Build assembles the service. It does not start background loops; call
// Start on the result.
func (b *Builder) Build() (*Service, error) {
	if b.err != nil {
		return nil, b.err
	}
	if err := b.settings.Validate(); err != nil {
		return nil, err
	}

	var limitOpts []limitd.Option
	if b.keyPrefix != "" {
		limitOpts = append(limitOpts, limitd.WithKeyPrefix(b.keyPrefix))
	}
	if b.hashTag {
		limitOpts = append(limitOpts, limitd.WithHashTag())
	}
	limitOpts = append(limitOpts,
		limitd.WithFailOpen(b.settings.FailsOpen()),
		limitd.WithLogger(b.logger),
	)
	opts := limitd.ApplyOptions(limitOpts)

	resolver, err := limitd.NewResolver(b.settings.Default, limitOpts...)
	if err != nil {
		return nil, err
	}
	if err := resolver.ApplySettings(b.settings); err != nil {
		return nil, err
	}

	var backend store.Backend
	switch {
	case b.client != nil:
		backend = redisstore.New(b.client, limitOpts...)
	case b.settings.Redis != nil:
		backend = redisstore.New(redisstore.NewClient(*b.settings.Redis), limitOpts...)
	default:
		localOpts := []local.Option{local.WithLogger(b.logger)}
		if ci := b.settings.Default.CleanupInterval; ci > 0 {
			localOpts = append(localOpts, local.WithCleanupInterval(ci))
		}
		backend = local.New(localOpts...)
	}

	collector := b.collector
	if collector == nil {
		collector = metrics.NewCollector()
	}

	svc := &Service{
		resolver:  resolver,
		backend:   backend,
		composite: limitd.NewComposite(backend),
		collector: collector,
		opts:      opts,
		log:       b.logger,
		done:      make(chan struct{}),
	}
	svc.settings.Store(b.settings)
	svc.failOpen.Store(b.settings.FailsOpen())

	if b.withSchedules {
		svc.schedules = schedule.NewManager(
			schedule.WithLogger(b.logger),
			schedule.WithInvalidateAll(resolver.InvalidateAll),
		)
	}
	if b.withGeo {
		svc.geoRules = geo.NewOverlay(
			geo.WithInvalidateAll(resolver.InvalidateAll),
		)
	}

	if b.settings.Adaptive.Enabled {
		health := b.health
		if health == nil {
			health = adaptive.NewSystemProbe(collector, backend.Healthy)
		}
		a := b.settings.Adaptive
		if a.EvaluationInterval <= 0 {
			a.EvaluationInterval = 5 * time.Minute
		}
		// Adjustments anchor on the static config, not the already
		// adjusted one, so cycles never compound.
		svc.controller = adaptive.New(health, resolver.ResolveStatic,
			adaptive.WithInterval(a.EvaluationInterval),
			adaptive.WithMinConfidence(a.MinConfidence),
			adaptive.WithMaxFactor(a.MaxAdjustmentFactor),
			adaptive.WithCapacityBounds(a.MinCapacity, a.MaxCapacity),
			adaptive.WithLogger(b.logger),
			adaptive.WithInvalidate(resolver.Invalidate),
		)
	}

	var adaptiveSrc limitd.AdaptiveSource
	if svc.controller != nil {
		adaptiveSrc = svc.controller
	}
	var scheduleSrc limitd.ScheduleSource
	if svc.schedules != nil {
		scheduleSrc = svc.schedules
	}
	var geoSrc limitd.GeoSource
	if svc.geoRules != nil {
		geoSrc = svc.geoRules
	}
	svc.resolver.SetSources(adaptiveSrc, scheduleSrc, geoSrc)
	return svc, nil
}

// MustBuild is Build for wiring in main; it panics on error.
func (b *Builder) MustBuild() *Service {
	svc, err := b.Build()
	if err != nil {
		panic(fmt.Sprintf("limitd: build service: %v", err))
	}
	return svc
}
