// Package geo applies location-based rate limit rules: a request carrying a
// country, region, or compliance zone can resolve to different limits than
// the same key elsewhere.
package geo

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	limitd "github.com/krishna-kudari/limitd"
)

// Rule binds limits to a key pattern and a location selector. At least one
// of CountryCode, Region, or ComplianceZone must be set; every set field has
// to match the request for the rule to apply.
type Rule struct {
	ID         string
	KeyPattern string

	CountryCode    string
	Region         string
	ComplianceZone string

	Limits   limitd.Config
	Priority int
	Enabled  bool

	// ValidFrom and ValidUntil bound the rule's lifetime; zero means
	// unbounded on that side.
	ValidFrom  time.Time
	ValidUntil time.Time

	CreatedAt time.Time
}

func (r *Rule) validate() error {
	if err := limitd.ValidatePattern(r.KeyPattern); err != nil {
		return err
	}
	if r.CountryCode == "" && r.Region == "" && r.ComplianceZone == "" {
		return fmt.Errorf("%w: geo rule needs a country, region, or compliance zone", limitd.ErrInvalidInput)
	}
	if err := r.Limits.Validate(); err != nil {
		return err
	}
	if !r.ValidFrom.IsZero() && !r.ValidUntil.IsZero() && !r.ValidFrom.Before(r.ValidUntil) {
		return fmt.Errorf("%w: geo rule validity window is empty", limitd.ErrInvalidInput)
	}
	return nil
}

// matches reports whether the rule applies to key under rc at the instant.
func (r *Rule) matches(key string, rc limitd.RequestContext, at time.Time) bool {
	if !r.Enabled || !limitd.MatchKey(r.KeyPattern, key) {
		return false
	}
	if !r.ValidFrom.IsZero() && at.Before(r.ValidFrom) {
		return false
	}
	if !r.ValidUntil.IsZero() && !at.Before(r.ValidUntil) {
		return false
	}
	if r.CountryCode != "" && r.CountryCode != rc.CountryCode {
		return false
	}
	if r.Region != "" && r.Region != rc.Region {
		return false
	}
	if r.ComplianceZone != "" && r.ComplianceZone != rc.ComplianceZone {
		return false
	}
	return true
}

// Overlay stores geo rules and resolves the winning one per request. It
// implements limitd.GeoSource.
type Overlay struct {
	mu    sync.RWMutex
	rules map[string]*Rule
	now   func() time.Time

	// invalidateAll fires on rule changes; rules match by pattern, so the
	// whole resolution cache goes.
	invalidateAll func()
}

var _ limitd.GeoSource = (*Overlay)(nil)

// Option configures the overlay.
type Option func(*Overlay)

// WithClock injects the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Overlay) { o.now = now }
}

// WithInvalidateAll registers the cache invalidation callback.
func WithInvalidateAll(fn func()) Option {
	return func(o *Overlay) { o.invalidateAll = fn }
}

// NewOverlay creates an empty geo overlay.
func NewOverlay(opts ...Option) *Overlay {
	o := &Overlay{
		rules: make(map[string]*Rule),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Add validates and stores a rule, assigning it an ID.
func (o *Overlay) Add(r Rule) (string, error) {
	if err := r.validate(); err != nil {
		return "", err
	}
	r.ID = uuid.NewString()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = o.now()
	}
	o.mu.Lock()
	o.rules[r.ID] = &r
	o.mu.Unlock()
	o.notify()
	return r.ID, nil
}

// Update replaces the stored rule with the same ID.
func (o *Overlay) Update(r Rule) error {
	if err := r.validate(); err != nil {
		return err
	}
	o.mu.Lock()
	old, ok := o.rules[r.ID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: geo rule %q not found", limitd.ErrInvalidInput, r.ID)
	}
	r.CreatedAt = old.CreatedAt
	o.rules[r.ID] = &r
	o.mu.Unlock()
	o.notify()
	return nil
}

// Delete removes a rule.
func (o *Overlay) Delete(id string) {
	o.mu.Lock()
	delete(o.rules, id)
	o.mu.Unlock()
	o.notify()
}

// Get returns a copy of the rule with the given ID.
func (o *Overlay) Get(id string) (Rule, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.rules[id]
	if !ok {
		return Rule{}, false
	}
	return *r, true
}

// List returns all rules, priority descending then creation order.
func (o *Overlay) List() []Rule {
	o.mu.RLock()
	out := make([]Rule, 0, len(o.rules))
	for _, r := range o.rules {
		out = append(out, *r)
	}
	o.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Overlay returns the limits from the highest-priority rule matching key
// under rc, if any. More specific selectors win inside one priority: a rule
// naming more location fields beats one naming fewer.
func (o *Overlay) Overlay(key string, rc limitd.RequestContext) (limitd.Config, bool) {
	at := rc.At
	if at.IsZero() {
		at = o.now()
	}

	o.mu.RLock()
	defer o.mu.RUnlock()

	var best *Rule
	for _, r := range o.rules {
		if !r.matches(key, rc, at) {
			continue
		}
		if best == nil || ruleWins(r, best) {
			best = r
		}
	}
	if best == nil {
		return limitd.Config{}, false
	}
	return best.Limits, true
}

func ruleWins(a, b *Rule) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if sa, sb := specificity(a), specificity(b); sa != sb {
		return sa > sb
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func specificity(r *Rule) int {
	n := 0
	if r.CountryCode != "" {
		n++
	}
	if r.Region != "" {
		n++
	}
	if r.ComplianceZone != "" {
		n++
	}
	return n
}

func (o *Overlay) notify() {
	if o.invalidateAll != nil {
		o.invalidateAll()
	}
}
