// Package flags implements rule-based feature flag evaluation for gradual
// rollout. Flag definitions live in the shared counter store so every
// instance converges on the same decision within the cache TTL; evaluation
// itself is local and allocation-light.
package flags

import (
	"fmt"
	"strings"
	"time"
)

// RuleType discriminates the rule variants.
type RuleType string

const (
	RuleBoolean     RuleType = "boolean"
	RulePercentage  RuleType = "percentage"
	RuleUserList    RuleType = "user_list"
	RuleEnvironment RuleType = "environment"
	RuleTimeWindow  RuleType = "time_window"
)

// Rule is one targeting condition. Only the fields for its Type are
// meaningful; the rest stay zero.
type Rule struct {
	Type RuleType `json:"type" yaml:"type"`

	// RuleBoolean
	Value bool `json:"value,omitempty" yaml:"value,omitempty"`

	// RulePercentage: 0..100 of users enabled, bucketed per flag.
	Percent int `json:"percent,omitempty" yaml:"percent,omitempty"`

	// RuleUserList
	Emails []string `json:"emails,omitempty" yaml:"emails,omitempty"`

	// RuleEnvironment
	Environments []string `json:"environments,omitempty" yaml:"environments,omitempty"`

	// RuleTimeWindow: inclusive bounds.
	Start time.Time `json:"start,omitempty" yaml:"start,omitempty"`
	End   time.Time `json:"end,omitempty" yaml:"end,omitempty"`
}

// Validate checks that the rule's fields are coherent for its type.
func (r Rule) Validate() error {
	switch r.Type {
	case RuleBoolean:
		return nil
	case RulePercentage:
		if r.Percent < 0 || r.Percent > 100 {
			return fmt.Errorf("flags: percentage rule needs percent in [0,100], got %d", r.Percent)
		}
	case RuleUserList:
		if len(r.Emails) == 0 {
			return fmt.Errorf("flags: user_list rule needs at least one email")
		}
	case RuleEnvironment:
		if len(r.Environments) == 0 {
			return fmt.Errorf("flags: environment rule needs at least one environment")
		}
	case RuleTimeWindow:
		if r.Start.IsZero() || r.End.IsZero() || r.End.Before(r.Start) {
			return fmt.Errorf("flags: time_window rule needs start <= end")
		}
	default:
		return fmt.Errorf("flags: unknown rule type %q", r.Type)
	}
	return nil
}

// Flag is one feature flag. Rules are evaluated in order; the first match
// wins. A disabled flag is always off regardless of rules.
type Flag struct {
	ID           string    `json:"id" yaml:"id,omitempty"`
	Name         string    `json:"name" yaml:"name"`
	Enabled      bool      `json:"enabled" yaml:"enabled"`
	DefaultValue bool      `json:"default_value" yaml:"default_value"`
	Rules        []Rule    `json:"rules,omitempty" yaml:"rules,omitempty"`
	CreatedAt    time.Time `json:"created_at" yaml:"-"`
	UpdatedAt    time.Time `json:"updated_at" yaml:"-"`
}

// Validate checks the flag definition, including every rule.
func (f Flag) Validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return fmt.Errorf("flags: flag name is required")
	}
	for i, rule := range f.Rules {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("flags: flag %s rule %d: %w", f.Name, i, err)
		}
	}
	return nil
}
