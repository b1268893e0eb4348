// Package schedule applies time-based rate limit overrides: one-time
// windows, cron-driven recurring windows, and operator-triggered events.
// While a schedule is active, keys matching its pattern resolve to its
// limits instead of their static config.
package schedule

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	limitd "github.com/krishna-kudari/limitd"
)

// Type discriminates how a schedule decides it is active.
type Type string

const (
	// OneTime is active inside a single [StartTime, EndTime) window.
	OneTime Type = "one_time"

	// Recurring is active for ActiveFor after each cron firing.
	Recurring Type = "recurring"

	// EventDriven is active between Activate and Deactivate calls.
	EventDriven Type = "event_driven"
)

// Transition ramps capacity linearly at the edges of the active window
// instead of switching instantly. Zero durations switch instantly; ramps
// advance at the manager's evaluation interval.
type Transition struct {
	RampUp   time.Duration
	RampDown time.Duration
}

// Schedule is one time-based override.
type Schedule struct {
	ID         string
	Name       string
	KeyPattern string
	Type       Type

	// Cron and Timezone drive recurring schedules. The expression is
	// evaluated in Timezone; empty means UTC.
	Cron     string
	Timezone string

	// StartTime and EndTime bound one-time schedules, and optionally
	// constrain when an event-driven schedule may be active.
	StartTime time.Time
	EndTime   time.Time

	// ActiveFor is the recurring active window length. Zero falls back to
	// EndTime.Sub(StartTime).
	ActiveFor time.Duration

	Priority int
	Enabled  bool

	// ActiveLimits applies while the schedule is active. FallbackLimits,
	// when set, applies to matching keys while it is not, and anchors the
	// transition ramps.
	ActiveLimits   limitd.Config
	FallbackLimits *limitd.Config

	Transition Transition
	CreatedAt  time.Time
}

// cronParser accepts the standard 5-field expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func (s *Schedule) validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: schedule name cannot be empty", limitd.ErrInvalidInput)
	}
	if err := limitd.ValidatePattern(s.KeyPattern); err != nil {
		return err
	}
	if err := s.ActiveLimits.Validate(); err != nil {
		return fmt.Errorf("schedule %q active limits: %w", s.Name, err)
	}
	if s.FallbackLimits != nil {
		if err := s.FallbackLimits.Validate(); err != nil {
			return fmt.Errorf("schedule %q fallback limits: %w", s.Name, err)
		}
	}
	if s.Transition.RampUp < 0 || s.Transition.RampDown < 0 {
		return fmt.Errorf("%w: schedule %q has negative ramp", limitd.ErrInvalidInput, s.Name)
	}

	switch s.Type {
	case OneTime:
		if s.StartTime.IsZero() || s.EndTime.IsZero() || !s.StartTime.Before(s.EndTime) {
			return fmt.Errorf("%w: one-time schedule %q needs start before end", limitd.ErrInvalidInput, s.Name)
		}
	case Recurring:
		if _, err := cronParser.Parse(s.Cron); err != nil {
			return fmt.Errorf("%w: schedule %q cron %q: %v", limitd.ErrInvalidInput, s.Name, s.Cron, err)
		}
		if _, err := s.location(); err != nil {
			return fmt.Errorf("%w: schedule %q timezone %q: %v", limitd.ErrInvalidInput, s.Name, s.Timezone, err)
		}
		if s.activeFor() <= 0 {
			return fmt.Errorf("%w: recurring schedule %q needs a positive active window", limitd.ErrInvalidInput, s.Name)
		}
	case EventDriven:
		if !s.StartTime.IsZero() && !s.EndTime.IsZero() && !s.StartTime.Before(s.EndTime) {
			return fmt.Errorf("%w: event schedule %q needs start before end", limitd.ErrInvalidInput, s.Name)
		}
	default:
		return fmt.Errorf("%w: unknown schedule type %q", limitd.ErrInvalidInput, s.Type)
	}
	return nil
}

func (s *Schedule) location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}

func (s *Schedule) activeFor() time.Duration {
	if s.ActiveFor > 0 {
		return s.ActiveFor
	}
	return s.EndTime.Sub(s.StartTime)
}

// Option configures the manager.
type Option func(*Manager)

// WithClock injects the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithInterval sets the transition evaluation period. Default 1s.
func WithInterval(d time.Duration) Option {
	return func(m *Manager) { m.interval = d }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Manager) { m.log = l }
}

// WithInvalidateAll registers a callback fired when the active schedule set
// changes; the service points it at the resolver cache. A schedule can match
// arbitrarily many keys, so the whole cache goes.
func WithInvalidateAll(fn func()) Option {
	return func(m *Manager) { m.invalidateAll = fn }
}

// Manager stores schedules and answers which override, if any, applies to a
// key at an instant. It implements limitd.ScheduleSource.
type Manager struct {
	mu        sync.RWMutex
	schedules map[string]*Schedule
	triggered map[string]bool // event-driven schedules currently on

	interval      time.Duration
	now           func() time.Time
	log           logrus.FieldLogger
	invalidateAll func()

	lastActive string // fingerprint of the active set, for transition detection

	close chan struct{}
	once  sync.Once
}

var _ limitd.ScheduleSource = (*Manager)(nil)

// NewManager creates an empty schedule manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		schedules: make(map[string]*Schedule),
		triggered: make(map[string]bool),
		interval:  time.Second,
		now:       time.Now,
		log:       logrus.StandardLogger(),
		close:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Add validates and stores a schedule, assigning it an ID.
func (m *Manager) Add(s Schedule) (string, error) {
	if err := s.validate(); err != nil {
		return "", err
	}
	s.ID = uuid.NewString()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.now()
	}
	m.mu.Lock()
	m.schedules[s.ID] = &s
	m.mu.Unlock()
	m.notify()
	return s.ID, nil
}

// Update replaces the stored schedule with the same ID.
func (m *Manager) Update(s Schedule) error {
	if err := s.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	old, ok := m.schedules[s.ID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: schedule %q not found", limitd.ErrInvalidInput, s.ID)
	}
	s.CreatedAt = old.CreatedAt
	m.schedules[s.ID] = &s
	m.mu.Unlock()
	m.notify()
	return nil
}

// Delete removes a schedule.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	delete(m.schedules, id)
	delete(m.triggered, id)
	m.mu.Unlock()
	m.notify()
}

// Get returns a copy of the schedule with the given ID.
func (m *Manager) Get(id string) (Schedule, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedules[id]
	if !ok {
		return Schedule{}, false
	}
	return *s, true
}

// List returns all schedules, priority descending then creation order.
func (m *Manager) List() []Schedule {
	m.mu.RLock()
	out := make([]Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		out = append(out, *s)
	}
	m.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Activate turns an event-driven schedule on.
func (m *Manager) Activate(id string) error {
	m.mu.Lock()
	s, ok := m.schedules[id]
	if !ok || s.Type != EventDriven {
		m.mu.Unlock()
		return fmt.Errorf("%w: no event-driven schedule %q", limitd.ErrInvalidInput, id)
	}
	m.triggered[id] = true
	m.mu.Unlock()
	m.notify()
	return nil
}

// Deactivate turns an event-driven schedule off.
func (m *Manager) Deactivate(id string) error {
	m.mu.Lock()
	s, ok := m.schedules[id]
	if !ok || s.Type != EventDriven {
		m.mu.Unlock()
		return fmt.Errorf("%w: no event-driven schedule %q", limitd.ErrInvalidInput, id)
	}
	delete(m.triggered, id)
	m.mu.Unlock()
	m.notify()
	return nil
}

// ActiveOverride returns the limits applying to key at the given instant,
// from the highest-priority active schedule matching it. With no active
// match, the highest-priority matching schedule's fallback limits apply, if
// it declares any.
func (m *Manager) ActiveOverride(key string, at time.Time) (limitd.Config, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var bestActive, bestFallback *Schedule
	var activeStart time.Time
	for _, s := range m.schedules {
		if !s.Enabled || !limitd.MatchKey(s.KeyPattern, key) {
			continue
		}
		if start, ok := m.activeWindowStart(s, at); ok {
			if bestActive == nil || wins(s, bestActive) {
				bestActive, activeStart = s, start
			}
		} else if s.FallbackLimits != nil {
			if bestFallback == nil || wins(s, bestFallback) {
				bestFallback = s
			}
		}
	}

	if bestActive != nil {
		return rampedUp(bestActive, activeStart, at), true
	}
	if bestFallback != nil {
		return rampedDown(bestFallback, at), true
	}
	return limitd.Config{}, false
}

func wins(a, b *Schedule) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// activeWindowStart reports whether s is active at the instant and when its
// current active window began. Caller holds the lock.
func (m *Manager) activeWindowStart(s *Schedule, at time.Time) (time.Time, bool) {
	switch s.Type {
	case OneTime:
		if !at.Before(s.StartTime) && at.Before(s.EndTime) {
			return s.StartTime, true
		}
	case Recurring:
		loc, err := s.location()
		if err != nil {
			return time.Time{}, false
		}
		sched, err := cronParser.Parse(s.Cron)
		if err != nil {
			return time.Time{}, false
		}
		// Active when a firing within the last activeFor still covers
		// the instant; the earliest such firing anchors the window.
		start := sched.Next(at.In(loc).Add(-s.activeFor()))
		if !start.After(at) {
			return start, true
		}
	case EventDriven:
		if !m.triggered[s.ID] {
			return time.Time{}, false
		}
		if !s.StartTime.IsZero() && at.Before(s.StartTime) {
			return time.Time{}, false
		}
		if !s.EndTime.IsZero() && !at.Before(s.EndTime) {
			return time.Time{}, false
		}
		return s.StartTime, true
	}
	return time.Time{}, false
}

// rampedUp applies the ramp-up transition: capacity climbs linearly from the
// fallback capacity to the active capacity over RampUp. Without fallback
// limits the switch is instant.
func rampedUp(s *Schedule, start, at time.Time) limitd.Config {
	cfg := s.ActiveLimits
	if s.Transition.RampUp <= 0 || s.FallbackLimits == nil {
		return cfg
	}
	return interpolate(cfg, s.FallbackLimits.Capacity, cfg.Capacity, at.Sub(start), s.Transition.RampUp)
}

// rampedDown applies the ramp-down transition: after the active window ends,
// capacity descends linearly from the active capacity back to the fallback
// capacity over RampDown. A manually deactivated event schedule switches
// instantly; its deactivation instant is not recorded.
func rampedDown(s *Schedule, at time.Time) limitd.Config {
	cfg := *s.FallbackLimits
	if s.Transition.RampDown <= 0 {
		return cfg
	}
	end, ok := lastWindowEnd(s, at)
	if !ok {
		return cfg
	}
	return interpolate(cfg, s.ActiveLimits.Capacity, cfg.Capacity, at.Sub(end), s.Transition.RampDown)
}

func interpolate(cfg limitd.Config, from, to int64, elapsed, ramp time.Duration) limitd.Config {
	if elapsed >= ramp {
		return cfg
	}
	frac := float64(elapsed) / float64(ramp)
	cfg.Capacity = int64(math.Round(float64(from) + float64(to-from)*frac))
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	return cfg
}

// maxRampScan bounds the firing scan in lastWindowEnd. The 5-field parser
// fires at most once a minute, so this covers over eight hours of
// activeFor+RampDown lookback.
const maxRampScan = 512

// lastWindowEnd reports when s's most recent active window ended, scanning
// back at most activeFor+RampDown for recurring schedules.
func lastWindowEnd(s *Schedule, at time.Time) (time.Time, bool) {
	switch s.Type {
	case OneTime:
		if !at.Before(s.EndTime) {
			return s.EndTime, true
		}
	case EventDriven:
		if !s.EndTime.IsZero() && !at.Before(s.EndTime) {
			return s.EndTime, true
		}
	case Recurring:
		loc, err := s.location()
		if err != nil {
			return time.Time{}, false
		}
		sched, err := cronParser.Parse(s.Cron)
		if err != nil {
			return time.Time{}, false
		}
		active := s.activeFor()
		t := at.In(loc).Add(-(active + s.Transition.RampDown))
		var end time.Time
		for i := 0; i < maxRampScan; i++ {
			f := sched.Next(t)
			if f.IsZero() || f.Add(active).After(at) {
				break
			}
			end, t = f.Add(active), f
		}
		if !end.IsZero() {
			return end, true
		}
	}
	return time.Time{}, false
}

// Run watches for active-set transitions until ctx ends or Close is called.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.tick()
		case <-ctx.Done():
			return
		case <-m.close:
			return
		}
	}
}

// Close stops Run.
func (m *Manager) Close() {
	m.once.Do(func() { close(m.close) })
}

// tick fingerprints the active set and fires the invalidation callback when
// it changed since the last tick, or while a capacity ramp is in progress;
// resolved configs are cached without expiry, so ramps advance one tick at a
// time.
func (m *Manager) tick() {
	at := m.now()
	m.mu.Lock()
	fp := ""
	ids := make([]string, 0, len(m.schedules))
	for id := range m.schedules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		s := m.schedules[id]
		if !s.Enabled {
			continue
		}
		if _, ok := m.activeWindowStart(s, at); ok {
			fp += id + ";"
		}
	}
	changed := fp != m.lastActive
	m.lastActive = fp
	ramping := m.ramping(at)
	m.mu.Unlock()

	if changed {
		m.log.WithField("active", fp).Debug("schedule transition")
	}
	if changed || ramping {
		m.notify()
	}
}

// ramping reports whether any schedule is inside a transition ramp at the
// instant. Caller holds the lock.
func (m *Manager) ramping(at time.Time) bool {
	for _, s := range m.schedules {
		if !s.Enabled || s.FallbackLimits == nil {
			continue
		}
		if start, ok := m.activeWindowStart(s, at); ok {
			if s.Transition.RampUp > 0 && at.Sub(start) < s.Transition.RampUp {
				return true
			}
		} else if s.Transition.RampDown > 0 {
			if end, ok := lastWindowEnd(s, at); ok && at.Sub(end) < s.Transition.RampDown {
				return true
			}
		}
	}
	return false
}

func (m *Manager) notify() {
	if m.invalidateAll != nil {
		m.invalidateAll()
	}
}
