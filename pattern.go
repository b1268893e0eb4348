package limitd

import (
	"fmt"
	"path"
)

// PatternRule binds a glob pattern over keys (e.g. "user:*", "api:*:read")
// to a config. Patterns use path.Match syntax; keys contain no '/', so '*'
// spans arbitrary segments.
type PatternRule struct {
	Pattern string
	Config  Config

	// seq preserves creation order for tie-breaking.
	seq int64
}

// Matches reports whether the rule's pattern matches key.
func (r PatternRule) Matches(key string) bool {
	return MatchKey(r.Pattern, key)
}

// MatchKey reports whether pattern matches key. Schedules and geographic
// rules share this matching with pattern rules.
func MatchKey(pattern, key string) bool {
	ok, err := path.Match(pattern, key)
	return err == nil && ok
}

// ValidatePattern rejects syntactically broken patterns up front so that a
// bad admin write cannot poison resolution later.
func ValidatePattern(p string) error {
	if p == "" {
		return fmt.Errorf("%w: empty pattern", ErrInvalidInput)
	}
	if _, err := path.Match(p, "probe"); err != nil {
		return fmt.Errorf("%w: bad pattern %q: %v", ErrInvalidInput, p, err)
	}
	return nil
}

// literalPrefixLen is the number of leading characters before the first
// metacharacter.
func literalPrefixLen(p string) int {
	for i := 0; i < len(p); i++ {
		switch p[i] {
		case '*', '?', '[', '\\':
			return i
		}
	}
	return len(p)
}

func wildcardCount(p string) int {
	n := 0
	for i := 0; i < len(p); i++ {
		if p[i] == '*' || p[i] == '?' {
			n++
		}
	}
	return n
}

// bestPattern picks the winning rule among those matching key: longest
// literal prefix first, then fewest wildcards, then creation order.
func bestPattern(rules []PatternRule, key string) (PatternRule, bool) {
	var best PatternRule
	found := false
	for _, r := range rules {
		if !r.Matches(key) {
			continue
		}
		if !found || betterPattern(r, best) {
			best = r
			found = true
		}
	}
	return best, found
}

func betterPattern(a, b PatternRule) bool {
	ap, bp := literalPrefixLen(a.Pattern), literalPrefixLen(b.Pattern)
	if ap != bp {
		return ap > bp
	}
	aw, bw := wildcardCount(a.Pattern), wildcardCount(b.Pattern)
	if aw != bw {
		return aw < bw
	}
	return a.seq < b.seq
}
