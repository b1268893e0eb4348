package limitd

import (
	"testing"
	"time"
)

type stubAdaptive struct {
	override map[string]Config
	adapted  map[string]Config
}

func (s *stubAdaptive) ManualOverride(key string) (Config, bool) {
	cfg, ok := s.override[key]
	return cfg, ok
}

func (s *stubAdaptive) AdaptedConfig(key string) (Config, bool) {
	cfg, ok := s.adapted[key]
	return cfg, ok
}

type stubSchedule struct {
	active map[string]Config
}

func (s *stubSchedule) ActiveOverride(key string, _ time.Time) (Config, bool) {
	cfg, ok := s.active[key]
	return cfg, ok
}

type stubGeo struct {
	byCountry map[string]Config
}

func (s *stubGeo) Overlay(_ string, rc RequestContext) (Config, bool) {
	cfg, ok := s.byCountry[rc.CountryCode]
	return cfg, ok
}

func capConfig(capacity int64) Config {
	return Config{Algorithm: TokenBucket, Capacity: capacity, RefillRate: 1}
}

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := NewResolver(capConfig(100), WithLogger(NopLogger()))
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestResolver_PrecedenceLadder(t *testing.T) {
	r := newTestResolver(t)

	adaptive := &stubAdaptive{
		override: map[string]Config{},
		adapted:  map[string]Config{},
	}
	schedules := &stubSchedule{active: map[string]Config{}}
	geo := &stubGeo{byCountry: map[string]Config{}}
	r.SetSources(adaptive, schedules, geo)

	key := "api:payments:charge"
	rc := RequestContext{CountryCode: "DE"}

	check := func(level string, want int64) {
		t.Helper()
		if got := r.Resolve(key, rc); got.Capacity != want {
			t.Errorf("%s: expected capacity %d, got %d", level, want, got.Capacity)
		}
	}

	// Build the ladder bottom-up; each added layer must win.
	check("default", 100)

	if err := r.SetPattern("api:*", capConfig(90)); err != nil {
		t.Fatal(err)
	}
	check("pattern", 90)

	if err := r.SetKeyConfig(key, capConfig(80)); err != nil {
		t.Fatal(err)
	}
	check("per-key", 80)

	adaptive.adapted[key] = capConfig(70)
	r.Invalidate(key)
	check("adaptive", 70)

	geo.byCountry["DE"] = capConfig(60)
	r.InvalidateAll()
	check("geo", 60)

	schedules.active[key] = capConfig(50)
	r.InvalidateAll()
	check("schedule", 50)

	adaptive.override[key] = capConfig(40)
	r.Invalidate(key)
	check("manual override", 40)
}

func TestResolver_GeoSkippedWithoutLocation(t *testing.T) {
	r := newTestResolver(t)
	geo := &stubGeo{byCountry: map[string]Config{"": capConfig(1)}}
	r.SetSources(nil, nil, geo)

	// No location in the context: the geo overlay must not even be
	// consulted, so the empty-country rule cannot leak in.
	if got := r.Resolve("api:x", RequestContext{}); got.Capacity != 100 {
		t.Errorf("expected default 100, got %d", got.Capacity)
	}
}

func TestResolver_PatternSpecificity(t *testing.T) {
	r := newTestResolver(t)

	if err := r.SetPattern("api:*", capConfig(50)); err != nil {
		t.Fatal(err)
	}
	if err := r.SetPattern("api:payments:*", capConfig(20)); err != nil {
		t.Fatal(err)
	}
	if err := r.SetPattern("api:payments:c*", capConfig(10)); err != nil {
		t.Fatal(err)
	}
	if err := r.SetPattern("user:*", capConfig(40)); err != nil {
		t.Fatal(err)
	}
	if err := r.SetPattern("user:*:*", capConfig(15)); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		key  string
		want int64
	}{
		{"api:search", 50},
		{"api:payments:refund", 20},
		{"api:payments:charge", 10}, // longest literal prefix wins
		{"user:1:read", 40},         // equal prefix, fewer wildcards wins
		{"web:home", 100},
	}
	for _, tc := range cases {
		if got := r.Resolve(tc.key, RequestContext{}); got.Capacity != tc.want {
			t.Errorf("key %q: expected %d, got %d", tc.key, tc.want, got.Capacity)
		}
	}
}

func TestResolver_CacheInvalidation(t *testing.T) {
	r := newTestResolver(t)

	if got := r.Resolve("user:1", RequestContext{}); got.Capacity != 100 {
		t.Fatalf("expected default, got %d", got.Capacity)
	}

	// A cached resolution must not survive the admin write.
	if err := r.SetKeyConfig("user:1", capConfig(5)); err != nil {
		t.Fatal(err)
	}
	if got := r.Resolve("user:1", RequestContext{}); got.Capacity != 5 {
		t.Errorf("expected per-key config after invalidation, got %d", got.Capacity)
	}

	r.DeleteKeyConfig("user:1")
	if got := r.Resolve("user:1", RequestContext{}); got.Capacity != 100 {
		t.Errorf("expected default after delete, got %d", got.Capacity)
	}

	stats := r.CacheStats()
	if stats.Hits == 0 && stats.Misses == 0 {
		t.Error("expected cache activity to be counted")
	}
}

func TestResolver_ContextsCachedSeparately(t *testing.T) {
	r := newTestResolver(t)
	geo := &stubGeo{byCountry: map[string]Config{"DE": capConfig(10)}}
	r.SetSources(nil, nil, geo)

	if got := r.Resolve("api:x", RequestContext{CountryCode: "DE"}); got.Capacity != 10 {
		t.Errorf("expected geo config for DE, got %d", got.Capacity)
	}
	if got := r.Resolve("api:x", RequestContext{CountryCode: "US"}); got.Capacity != 100 {
		t.Errorf("expected default for US, got %d", got.Capacity)
	}
}

func TestResolver_ResolveStaticIgnoresOverlays(t *testing.T) {
	r := newTestResolver(t)
	adaptive := &stubAdaptive{
		override: map[string]Config{"user:1": capConfig(1)},
		adapted:  map[string]Config{"user:1": capConfig(2)},
	}
	r.SetSources(adaptive, nil, nil)

	if err := r.SetKeyConfig("user:1", capConfig(42)); err != nil {
		t.Fatal(err)
	}
	if got := r.ResolveStatic("user:1"); got.Capacity != 42 {
		t.Errorf("static resolution must skip overlays, got %d", got.Capacity)
	}
}

func TestResolver_ApplySettingsReplacesEverything(t *testing.T) {
	r := newTestResolver(t)
	if err := r.SetKeyConfig("old:key", capConfig(1)); err != nil {
		t.Fatal(err)
	}

	s := DefaultSettings()
	s.Default = capConfig(200)
	s.Keys = map[string]Config{"new:key": capConfig(7)}
	s.Patterns = []PatternSetting{{Pattern: "svc:*", Config: capConfig(30)}}

	if err := r.ApplySettings(s); err != nil {
		t.Fatal(err)
	}

	if got := r.Resolve("old:key", RequestContext{}); got.Capacity != 200 {
		t.Errorf("old per-key config should be gone, got %d", got.Capacity)
	}
	if got := r.Resolve("new:key", RequestContext{}); got.Capacity != 7 {
		t.Errorf("expected new per-key config, got %d", got.Capacity)
	}
	if got := r.Resolve("svc:a", RequestContext{}); got.Capacity != 30 {
		t.Errorf("expected new pattern config, got %d", got.Capacity)
	}
}
