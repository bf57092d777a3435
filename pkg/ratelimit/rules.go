// Package ratelimit provides per-client, per-route admission control backed
// by the shared counter store, with fixed minute/hour/day windows.
package ratelimit

import (
	"fmt"
	"strings"
	"sync"
)

// Rule declares the ceilings for one route pattern. Registered once at
// startup and immutable thereafter. A pattern is either an exact path or a
// prefix ending in "/*"; a zero ceiling disables that window.
type Rule struct {
	Pattern   string `yaml:"pattern" json:"pattern"`
	PerMinute int    `yaml:"per_minute" json:"per_minute"`
	PerHour   int    `yaml:"per_hour" json:"per_hour"`
	PerDay    int    `yaml:"per_day,omitempty" json:"per_day,omitempty"`
}

func (r Rule) validate() error {
	if strings.TrimSpace(r.Pattern) == "" {
		return fmt.Errorf("ratelimit: rule pattern is required")
	}
	if r.PerMinute <= 0 && r.PerHour <= 0 && r.PerDay <= 0 {
		return fmt.Errorf("ratelimit: rule %s needs at least one window ceiling", r.Pattern)
	}
	return nil
}

// matches reports whether path falls under the rule's pattern.
func (r Rule) matches(path string) bool {
	if prefix, ok := strings.CutSuffix(r.Pattern, "/*"); ok {
		return path == prefix || strings.HasPrefix(path, prefix+"/")
	}
	return path == r.Pattern
}

// Registry holds the registered route rules.
type Registry struct {
	mu    sync.RWMutex
	rules []Rule
}

// NewRegistry creates an empty rule registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a rule. Called once per protected route at startup.
func (reg *Registry) Register(rule Rule) error {
	if err := rule.validate(); err != nil {
		return err
	}
	reg.mu.Lock()
	reg.rules = append(reg.rules, rule)
	reg.mu.Unlock()
	return nil
}

// RegisterAll adds multiple rules.
func (reg *Registry) RegisterAll(rules []Rule) error {
	for _, rule := range rules {
		if err := reg.Register(rule); err != nil {
			return err
		}
	}
	return nil
}

// Match returns the most specific (longest-pattern) rule covering path.
func (reg *Registry) Match(path string) (Rule, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	var best Rule
	found := false
	for _, rule := range reg.rules {
		if !rule.matches(path) {
			continue
		}
		if !found || len(rule.Pattern) > len(best.Pattern) {
			best = rule
			found = true
		}
	}
	return best, found
}

// Rules returns a copy of the registered rules.
func (reg *Registry) Rules() []Rule {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]Rule, len(reg.rules))
	copy(out, reg.rules)
	return out
}
