// Package routing matches canonical events against an ordered rule set and
// delivers them to responder agents.
package routing

import (
	"fmt"
	"regexp"

	"github.com/opsrelay-systems/opsrelay/internal/models"
)

// Strategy governs how many and which targets receive a routed event.
type Strategy string

const (
	// StrategySingle delivers only to the first target.
	StrategySingle Strategy = "single"
	// StrategyBroadcast delivers to every target independently.
	StrategyBroadcast Strategy = "broadcast"
	// StrategyRoundRobin delivers to one target chosen by a persistent
	// per-rule cursor.
	StrategyRoundRobin Strategy = "round_robin"
	// StrategyFallback delivers to the first available target in order.
	StrategyFallback Strategy = "fallback"
)

// Valid reports whether the strategy is one of the known values.
func (s Strategy) Valid() bool {
	switch s {
	case StrategySingle, StrategyBroadcast, StrategyRoundRobin, StrategyFallback:
		return true
	}
	return false
}

// Rule determines which agents handle which events. Rules are configuration
// data: loaded at process start, reloadable administratively, immutable on
// the hot path.
type Rule struct {
	Name       string                 `yaml:"name" json:"name"`
	Priority   int                    `yaml:"priority" json:"priority"` // lower value = evaluated first
	Pattern    string                 `yaml:"pattern" json:"pattern"`
	Severity   []models.Severity      `yaml:"severity,omitempty" json:"severity,omitempty"`
	Conditions map[string]interface{} `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Targets    []string               `yaml:"targets" json:"targets"`
	Strategy   Strategy               `yaml:"strategy" json:"strategy"`

	pattern *regexp.Regexp
}

// compile validates the rule and prepares its pattern for matching.
func (r *Rule) compile() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if len(r.Targets) == 0 {
		return fmt.Errorf("rule %q: at least one target is required", r.Name)
	}
	if !r.Strategy.Valid() {
		return fmt.Errorf("rule %q: unknown strategy %q", r.Name, r.Strategy)
	}
	if r.Pattern == "" {
		return fmt.Errorf("rule %q: pattern is required", r.Name)
	}
	re, err := regexp.Compile("(?i)" + r.Pattern)
	if err != nil {
		return fmt.Errorf("rule %q: invalid pattern: %w", r.Name, err)
	}
	r.pattern = re
	return nil
}

// Matches reports whether the rule applies to the event. The pattern is
// matched against the event type and, failing that, the title; the severity
// filter and metadata conditions must all be satisfied.
func (r *Rule) Matches(event *models.Event) bool {
	if r.pattern == nil {
		return false
	}
	if !r.pattern.MatchString(event.EventType) && !r.pattern.MatchString(event.Title) {
		return false
	}

	if len(r.Severity) > 0 {
		found := false
		for _, s := range r.Severity {
			if event.Severity == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for key, want := range r.Conditions {
		got, ok := event.Metadata[key]
		if !ok {
			return false
		}
		if !conditionMatches(want, got) {
			return false
		}
	}

	return true
}

// conditionMatches compares a condition value against a metadata value.
// A list condition is membership; a scalar condition is equality.
func conditionMatches(want, got interface{}) bool {
	if list, ok := want.([]interface{}); ok {
		for _, candidate := range list {
			if fmt.Sprint(candidate) == fmt.Sprint(got) {
				return true
			}
		}
		return false
	}
	return fmt.Sprint(want) == fmt.Sprint(got)
}
