package limitd

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// CombineLogic selects how component decisions merge into one.
type CombineLogic string

const (
	AllMustPass     CombineLogic = "all_must_pass"
	AnyCanPass      CombineLogic = "any_can_pass"
	WeightedAverage CombineLogic = "weighted_average"
	HierarchicalAnd CombineLogic = "hierarchical_and"
	PriorityBased   CombineLogic = "priority_based"
)

// Scope tags a sub-limit for hierarchical evaluation.
type Scope string

const (
	ScopeUser   Scope = "user"
	ScopeTenant Scope = "tenant"
	ScopeGlobal Scope = "global"
)

func scopeRank(s Scope) (int, bool) {
	switch s {
	case ScopeUser:
		return 0, true
	case ScopeTenant:
		return 1, true
	case ScopeGlobal:
		return 2, true
	}
	return 0, false
}

// SubLimit is one component of a composite limit.
type SubLimit struct {
	Name     string
	Scope    Scope
	Weight   float64
	Priority int

	// KeyTemplate expands "{key}" to the incoming key to derive the
	// component's bucket key. Empty means "{name}:{key}".
	KeyTemplate string

	Config Config
}

func (s SubLimit) bucketKey(key string) string {
	if s.KeyTemplate == "" {
		return s.Name + ":" + key
	}
	return strings.ReplaceAll(s.KeyTemplate, "{key}", key)
}

// CompositeConfig describes a composite limit: an ordered list of
// sub-limits and the logic combining them.
type CompositeConfig struct {
	Logic  CombineLogic
	Limits []SubLimit
}

// Validate rejects inconsistent composites before any state is touched.
func (cc CompositeConfig) Validate() error {
	switch cc.Logic {
	case AllMustPass, AnyCanPass, WeightedAverage, HierarchicalAnd, PriorityBased:
	default:
		return fmt.Errorf("%w: unknown combine logic %q", ErrInvalidInput, cc.Logic)
	}
	if len(cc.Limits) == 0 {
		return fmt.Errorf("%w: composite needs at least one sub-limit", ErrInvalidInput)
	}
	seen := make(map[string]bool, len(cc.Limits))
	totalWeight := 0.0
	for _, l := range cc.Limits {
		if l.Name == "" {
			return fmt.Errorf("%w: sub-limit name cannot be empty", ErrInvalidInput)
		}
		if seen[l.Name] {
			return fmt.Errorf("%w: duplicate sub-limit %q", ErrConflict, l.Name)
		}
		seen[l.Name] = true
		if err := l.Config.Validate(); err != nil {
			return fmt.Errorf("sub-limit %q: %w", l.Name, err)
		}
		if l.Weight < 0 {
			return fmt.Errorf("%w: sub-limit %q has negative weight", ErrInvalidInput, l.Name)
		}
		totalWeight += l.Weight
		if cc.Logic == HierarchicalAnd {
			if _, ok := scopeRank(l.Scope); !ok {
				return fmt.Errorf("%w: sub-limit %q has unknown scope %q", ErrConflict, l.Name, l.Scope)
			}
		}
	}
	if cc.Logic == WeightedAverage && totalWeight <= 0 {
		return fmt.Errorf("%w: weighted average needs a positive total weight", ErrInvalidInput)
	}
	return nil
}

// ComponentResult is one sub-limit's outcome inside a composite decision.
type ComponentResult struct {
	Name       string
	Scope      Scope
	Allowed    bool
	Remaining  int64
	Capacity   int64
	RetryAfter time.Duration

	// Consulted is false for components a short-circuiting logic never
	// reached; such components consumed nothing.
	Consulted bool
}

// CompositeResult is the aggregate decision.
type CompositeResult struct {
	Allowed    bool
	Components []ComponentResult

	// LimitingComponent names the first component that forced a denial.
	LimitingComponent string

	RetryAfter time.Duration
}

// Composite fans one check out to several sub-limiters and combines the
// outcomes. A denied aggregate has no net effect on any component: the
// consuming logics run a non-mutating Check pass first and commit only what
// the aggregate decision allows.
type Composite struct {
	backend Backend
}

// NewComposite creates a composite limiter over backend.
func NewComposite(backend Backend) *Composite {
	return &Composite{backend: backend}
}

// TryConsume runs the composite decision for key and n tokens.
func (c *Composite) TryConsume(ctx context.Context, key string, n int64, cc CompositeConfig) (*CompositeResult, error) {
	if err := cc.Validate(); err != nil {
		return nil, err
	}

	switch cc.Logic {
	case AllMustPass:
		return c.allMustPass(ctx, key, n, cc.Limits)
	case AnyCanPass:
		return c.anyCanPass(ctx, key, n, cc.Limits)
	case WeightedAverage:
		return c.weightedAverage(ctx, key, n, cc.Limits)
	case HierarchicalAnd:
		ordered := make([]SubLimit, len(cc.Limits))
		copy(ordered, cc.Limits)
		sort.SliceStable(ordered, func(i, j int) bool {
			ri, _ := scopeRank(ordered[i].Scope)
			rj, _ := scopeRank(ordered[j].Scope)
			return ri < rj
		})
		return c.sequential(ctx, key, n, ordered)
	case PriorityBased:
		ordered := make([]SubLimit, len(cc.Limits))
		copy(ordered, cc.Limits)
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].Priority > ordered[j].Priority
		})
		return c.sequential(ctx, key, n, ordered)
	}
	return nil, fmt.Errorf("%w: unknown combine logic %q", ErrInvalidInput, cc.Logic)
}

func component(l SubLimit, r *Result, consulted bool) ComponentResult {
	cr := ComponentResult{
		Name:      l.Name,
		Scope:     l.Scope,
		Capacity:  l.Config.Capacity,
		Consulted: consulted,
	}
	if r != nil {
		cr.Allowed = r.Allowed
		cr.Remaining = r.Remaining
		cr.RetryAfter = r.RetryAfter
	}
	return cr
}

// allMustPass: dry-run every component; commit only if all of them pass.
func (c *Composite) allMustPass(ctx context.Context, key string, n int64, limits []SubLimit) (*CompositeResult, error) {
	out := &CompositeResult{Allowed: true}
	passed := make([]bool, len(limits))
	for i, l := range limits {
		r, err := c.backend.Check(ctx, l.bucketKey(key), l.Config, n)
		if err != nil {
			return nil, err
		}
		passed[i] = r.Allowed
		out.Components = append(out.Components, component(l, r, true))
		if !r.Allowed && out.Allowed {
			out.Allowed = false
			out.LimitingComponent = l.Name
			out.RetryAfter = r.RetryAfter
		}
	}
	if !out.Allowed {
		// Nothing was consumed; undo the dry run's hypothetical debit in
		// the reported remainders of components that passed their check.
		for i := range out.Components {
			if passed[i] {
				out.Components[i].Remaining += n
			}
		}
		return out, nil
	}

	for i, l := range limits {
		r, err := c.backend.Apply(ctx, l.bucketKey(key), l.Config, n)
		if err != nil {
			return nil, err
		}
		out.Components[i] = component(l, r, true)
		if !r.Allowed && out.Allowed {
			// Lost a race between check and commit; report the denial.
			out.Allowed = false
			out.LimitingComponent = l.Name
			out.RetryAfter = r.RetryAfter
		}
	}
	return out, nil
}

// anyCanPass: consume from the first component that admits the request;
// components after it are not consulted and consume nothing.
func (c *Composite) anyCanPass(ctx context.Context, key string, n int64, limits []SubLimit) (*CompositeResult, error) {
	out := &CompositeResult{}
	for i, l := range limits {
		r, err := c.backend.Check(ctx, l.bucketKey(key), l.Config, n)
		if err != nil {
			return nil, err
		}
		if !r.Allowed {
			out.Components = append(out.Components, component(l, r, true))
			continue
		}
		r, err = c.backend.Apply(ctx, l.bucketKey(key), l.Config, n)
		if err != nil {
			return nil, err
		}
		out.Components = append(out.Components, component(l, r, true))
		if r.Allowed {
			out.Allowed = true
			for _, rest := range limits[i+1:] {
				out.Components = append(out.Components, component(rest, nil, false))
			}
			return out, nil
		}
	}
	out.LimitingComponent = firstDenied(out.Components)
	out.RetryAfter = minRetryAfter(out.Components)
	return out, nil
}

// weightedAverage: all components are consulted; the aggregate passes when
// the weight-share of passing components exceeds one half. Only components
// that passed their own check consume, and only when the aggregate passes.
func (c *Composite) weightedAverage(ctx context.Context, key string, n int64, limits []SubLimit) (*CompositeResult, error) {
	out := &CompositeResult{}
	passed := 0.0
	total := 0.0
	checks := make([]*Result, len(limits))
	for i, l := range limits {
		r, err := c.backend.Check(ctx, l.bucketKey(key), l.Config, n)
		if err != nil {
			return nil, err
		}
		checks[i] = r
		out.Components = append(out.Components, component(l, r, true))
		total += l.Weight
		if r.Allowed {
			passed += l.Weight
		}
	}
	out.Allowed = passed/total > 0.5
	if !out.Allowed {
		out.LimitingComponent = firstDenied(out.Components)
		out.RetryAfter = maxRetryAfter(out.Components)
		for i := range out.Components {
			if checks[i].Allowed {
				out.Components[i].Remaining += n
			}
		}
		return out, nil
	}
	for i, l := range limits {
		if !checks[i].Allowed {
			continue
		}
		r, err := c.backend.Apply(ctx, l.bucketKey(key), l.Config, n)
		if err != nil {
			return nil, err
		}
		out.Components[i] = component(l, r, true)
	}
	return out, nil
}

// sequential: evaluate in the given order, deny and stop at the first
// denial. The denying component and the ones after it consume nothing.
func (c *Composite) sequential(ctx context.Context, key string, n int64, limits []SubLimit) (*CompositeResult, error) {
	out := &CompositeResult{Allowed: true}
	for i, l := range limits {
		r, err := c.backend.Check(ctx, l.bucketKey(key), l.Config, n)
		if err != nil {
			return nil, err
		}
		if !r.Allowed {
			out.Allowed = false
			out.LimitingComponent = l.Name
			out.RetryAfter = r.RetryAfter
			out.Components = append(out.Components, component(l, r, true))
			for _, rest := range limits[i+1:] {
				out.Components = append(out.Components, component(rest, nil, false))
			}
			return out, nil
		}
		r, err = c.backend.Apply(ctx, l.bucketKey(key), l.Config, n)
		if err != nil {
			return nil, err
		}
		out.Components = append(out.Components, component(l, r, true))
	}
	return out, nil
}

func firstDenied(components []ComponentResult) string {
	for _, cr := range components {
		if cr.Consulted && !cr.Allowed {
			return cr.Name
		}
	}
	return ""
}

func minRetryAfter(components []ComponentResult) time.Duration {
	var min time.Duration
	for _, cr := range components {
		if cr.Consulted && !cr.Allowed && cr.RetryAfter > 0 {
			if min == 0 || cr.RetryAfter < min {
				min = cr.RetryAfter
			}
		}
	}
	return min
}

func maxRetryAfter(components []ComponentResult) time.Duration {
	var max time.Duration
	for _, cr := range components {
		if cr.Consulted && !cr.Allowed && cr.RetryAfter > max {
			max = cr.RetryAfter
		}
	}
	return max
}
