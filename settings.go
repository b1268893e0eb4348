package limitd

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RedisSettings configures the Redis backend connection.
type RedisSettings struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password,omitempty"`
	DB       int           `yaml:"db,omitempty"`
	PoolSize int           `yaml:"pool_size,omitempty"` // minimum 10 is enforced
	MaxWait  time.Duration `yaml:"max_wait,omitempty"`  // pool acquire timeout, default 5s
}

// AdaptiveSettings tunes the adaptive controller. Fields left zero take the
// DefaultSettings values: 5m evaluation interval, 0.7 minimum confidence,
// 2.0 max adjustment factor.
type AdaptiveSettings struct {
	Enabled             bool          `yaml:"enabled"`
	EvaluationInterval  time.Duration `yaml:"evaluation_interval,omitempty"`
	MinConfidence       float64       `yaml:"min_confidence,omitempty"`
	MaxAdjustmentFactor float64       `yaml:"max_adjustment_factor,omitempty"`
	MinCapacity         int64         `yaml:"min_capacity,omitempty"`
	MaxCapacity         int64         `yaml:"max_capacity,omitempty"`
}

// PatternSetting is one pattern rule in file order; order is the creation
// order used for tie-breaking.
type PatternSetting struct {
	Pattern string `yaml:"pattern"`
	Config  Config `yaml:",inline"`
}

// Settings is the full service configuration snapshot. The live snapshot is
// immutable; Reload swaps it atomically.
type Settings struct {
	Default  Config            `yaml:"default"`
	Keys     map[string]Config `yaml:"keys,omitempty"`
	Patterns []PatternSetting  `yaml:"patterns,omitempty"`
	FailOpen *bool             `yaml:"fail_open,omitempty"` // nil means true
	Redis    *RedisSettings    `yaml:"redis,omitempty"`     // nil means local backend
	Adaptive AdaptiveSettings  `yaml:"adaptive,omitempty"`
}

// DefaultSettings returns a runnable local-backend configuration.
func DefaultSettings() *Settings {
	return &Settings{
		Default: Config{
			Algorithm:  TokenBucket,
			Capacity:   100,
			RefillRate: 10,
		},
		Adaptive: AdaptiveSettings{
			EvaluationInterval:  5 * time.Minute,
			MinConfidence:       0.7,
			MaxAdjustmentFactor: 2.0,
			MinCapacity:         1,
			MaxCapacity:         1_000_000,
		},
	}
}

// LoadSettings reads and validates a YAML settings file.
func LoadSettings(path string) (*Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("limitd: read settings: %w", err)
	}
	s := DefaultSettings()
	if err := yaml.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("%w: parse settings: %v", ErrInvalidInput, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks every embedded config and the adaptive bounds.
func (s *Settings) Validate() error {
	if err := s.Default.Validate(); err != nil {
		return fmt.Errorf("default config: %w", err)
	}
	for k, c := range s.Keys {
		if k == "" {
			return fmt.Errorf("%w: empty key in settings", ErrInvalidInput)
		}
		if err := c.Validate(); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
	}
	for _, p := range s.Patterns {
		if err := ValidatePattern(p.Pattern); err != nil {
			return err
		}
		if err := p.Config.Validate(); err != nil {
			return fmt.Errorf("pattern %q: %w", p.Pattern, err)
		}
	}
	a := s.Adaptive
	if a.MinConfidence < 0 || a.MinConfidence > 1 {
		return fmt.Errorf("%w: adaptive min confidence must be in [0,1]", ErrConfigViolation)
	}
	if a.MaxAdjustmentFactor < 1 {
		return fmt.Errorf("%w: adaptive max adjustment factor must be >= 1", ErrConfigViolation)
	}
	if a.MinCapacity < 1 || a.MaxCapacity < a.MinCapacity {
		return fmt.Errorf("%w: adaptive capacity bounds invalid", ErrConfigViolation)
	}
	return nil
}

// FailsOpen reports the effective fail policy; unset means fail-open.
func (s *Settings) FailsOpen() bool {
	return s.FailOpen == nil || *s.FailOpen
}

// yaml.v3 leaves time.Duration as a bare int64, so "500ms"/"1m" strings in
// settings files need hand-rolled decoding. The unmarshalers below exist for
// exactly that.

func parseYAMLDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: bad duration %q", ErrInvalidInput, s)
	}
	return d, nil
}

// UnmarshalYAML decodes a config with duration fields given as strings.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Algorithm       Algorithm `yaml:"algorithm"`
		Capacity        int64     `yaml:"capacity"`
		RefillRate      int64     `yaml:"refill_rate"`
		Window          string    `yaml:"window"`
		CleanupInterval string    `yaml:"cleanup_interval"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.Algorithm = raw.Algorithm
	c.Capacity = raw.Capacity
	c.RefillRate = raw.RefillRate
	var err error
	if c.Window, err = parseYAMLDuration(raw.Window); err != nil {
		return fmt.Errorf("window: %w", err)
	}
	if c.CleanupInterval, err = parseYAMLDuration(raw.CleanupInterval); err != nil {
		return fmt.Errorf("cleanup_interval: %w", err)
	}
	return nil
}

// UnmarshalYAML decodes a pattern entry whose config fields sit inline next
// to the pattern itself.
func (p *PatternSetting) UnmarshalYAML(value *yaml.Node) error {
	var head struct {
		Pattern string `yaml:"pattern"`
	}
	if err := value.Decode(&head); err != nil {
		return err
	}
	p.Pattern = head.Pattern
	return value.Decode(&p.Config)
}

func (r *RedisSettings) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
		MaxWait  string `yaml:"max_wait"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	r.Addr = raw.Addr
	r.Password = raw.Password
	r.DB = raw.DB
	r.PoolSize = raw.PoolSize
	var err error
	if r.MaxWait, err = parseYAMLDuration(raw.MaxWait); err != nil {
		return fmt.Errorf("max_wait: %w", err)
	}
	return nil
}

// UnmarshalYAML overlays only the fields present in the file so that the
// defaults installed by DefaultSettings survive a partial adaptive section.
func (a *AdaptiveSettings) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Enabled             *bool    `yaml:"enabled"`
		EvaluationInterval  *string  `yaml:"evaluation_interval"`
		MinConfidence       *float64 `yaml:"min_confidence"`
		MaxAdjustmentFactor *float64 `yaml:"max_adjustment_factor"`
		MinCapacity         *int64   `yaml:"min_capacity"`
		MaxCapacity         *int64   `yaml:"max_capacity"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.Enabled != nil {
		a.Enabled = *raw.Enabled
	}
	if raw.EvaluationInterval != nil {
		d, err := parseYAMLDuration(*raw.EvaluationInterval)
		if err != nil {
			return fmt.Errorf("evaluation_interval: %w", err)
		}
		a.EvaluationInterval = d
	}
	if raw.MinConfidence != nil {
		a.MinConfidence = *raw.MinConfidence
	}
	if raw.MaxAdjustmentFactor != nil {
		a.MaxAdjustmentFactor = *raw.MaxAdjustmentFactor
	}
	if raw.MinCapacity != nil {
		a.MinCapacity = *raw.MinCapacity
	}
	if raw.MaxCapacity != nil {
		a.MaxCapacity = *raw.MaxCapacity
	}
	return nil
}
