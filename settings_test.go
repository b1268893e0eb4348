package limitd

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeSettings(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "limits.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadSettings(t *testing.T) {
	path := writeSettings(t, `
default:
  algorithm: token_bucket
  capacity: 500
  refill_rate: 50
keys:
  "user:vip":
    algorithm: token_bucket
    capacity: 5000
    refill_rate: 500
patterns:
  - pattern: "api:*"
    algorithm: sliding_window
    capacity: 100
    window: 1m
fail_open: false
redis:
  addr: localhost:6379
  pool_size: 20
adaptive:
  enabled: true
  evaluation_interval: 1m
`)

	s, err := LoadSettings(path)
	if err != nil {
		t.Fatal(err)
	}

	if s.Default.Capacity != 500 || s.Default.RefillRate != 50 {
		t.Errorf("unexpected default: %+v", s.Default)
	}
	if cfg, ok := s.Keys["user:vip"]; !ok || cfg.Capacity != 5000 {
		t.Errorf("unexpected per-key config: %+v", s.Keys)
	}
	if len(s.Patterns) != 1 || s.Patterns[0].Config.Window != time.Minute {
		t.Errorf("unexpected patterns: %+v", s.Patterns)
	}
	if s.FailsOpen() {
		t.Error("fail_open: false should mean fail-closed")
	}
	if s.Redis == nil || s.Redis.Addr != "localhost:6379" {
		t.Errorf("unexpected redis settings: %+v", s.Redis)
	}
	if !s.Adaptive.Enabled || s.Adaptive.EvaluationInterval != time.Minute {
		t.Errorf("unexpected adaptive settings: %+v", s.Adaptive)
	}
	// Unset adaptive bounds keep their defaults.
	if s.Adaptive.MinConfidence != 0.7 {
		t.Errorf("expected default min confidence 0.7, got %v", s.Adaptive.MinConfidence)
	}
}

func TestLoadSettingsRejectsBadConfig(t *testing.T) {
	path := writeSettings(t, `
default:
  algorithm: token_bucket
  capacity: 0
  refill_rate: 1
`)
	if _, err := LoadSettings(path); !errors.Is(err, ErrConfigViolation) {
		t.Errorf("expected ErrConfigViolation, got %v", err)
	}

	path = writeSettings(t, "default: [not, a, mapping]\n")
	if _, err := LoadSettings(path); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for malformed yaml, got %v", err)
	}

	if _, err := LoadSettings(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestSettingsValidate(t *testing.T) {
	s := DefaultSettings()
	if err := s.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}

	s = DefaultSettings()
	s.Keys = map[string]Config{"": capConfig(1)}
	if err := s.Validate(); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty key: expected ErrInvalidInput, got %v", err)
	}

	s = DefaultSettings()
	s.Patterns = []PatternSetting{{Pattern: "a[", Config: capConfig(1)}}
	if err := s.Validate(); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("broken pattern: expected ErrInvalidInput, got %v", err)
	}

	s = DefaultSettings()
	s.Adaptive.MinConfidence = 1.5
	if err := s.Validate(); !errors.Is(err, ErrConfigViolation) {
		t.Errorf("bad confidence: expected ErrConfigViolation, got %v", err)
	}

	s = DefaultSettings()
	s.Adaptive.MaxCapacity = 0
	if err := s.Validate(); !errors.Is(err, ErrConfigViolation) {
		t.Errorf("inverted capacity bounds: expected ErrConfigViolation, got %v", err)
	}
}

func TestFailsOpenDefaultsTrue(t *testing.T) {
	s := DefaultSettings()
	if !s.FailsOpen() {
		t.Error("unset fail_open must mean fail-open")
	}
	v := true
	s.FailOpen = &v
	if !s.FailsOpen() {
		t.Error("explicit true must mean fail-open")
	}
}
