package routing

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// RulesFile is the on-disk shape of the routing configuration.
type RulesFile struct {
	DefaultTarget string  `yaml:"default_target"`
	Rules         []*Rule `yaml:"rules"`
}

// Registry holds the validated, priority-ordered rule set. Reads are on the
// hot path; reloads swap the whole slice under the write lock.
type Registry struct {
	mu            sync.RWMutex
	rules         []*Rule
	defaultTarget string
}

// NewRegistry builds a registry from an already-parsed rule set.
func NewRegistry(rules []*Rule, defaultTarget string) (*Registry, error) {
	r := &Registry{}
	if err := r.replace(rules, defaultTarget); err != nil {
		return nil, err
	}
	return r, nil
}

// LoadFile reads and validates the YAML rules file.
func LoadFile(path string) (*Registry, error) {
	r := &Registry{}
	if err := r.ReloadFile(path); err != nil {
		return nil, err
	}
	return r, nil
}

// ReloadFile re-reads the rules file and atomically swaps the rule set.
// On error the previous rule set stays in effect.
func (r *Registry) ReloadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read rules file: %w", err)
	}

	var file RulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse rules file: %w", err)
	}

	return r.replace(file.Rules, file.DefaultTarget)
}

// replace validates, sorts, and installs a new rule set.
func (r *Registry) replace(rules []*Rule, defaultTarget string) error {
	seen := make(map[string]bool, len(rules))
	for _, rule := range rules {
		if err := rule.compile(); err != nil {
			return err
		}
		if seen[rule.Name] {
			return fmt.Errorf("duplicate rule name %q", rule.Name)
		}
		seen[rule.Name] = true
	}

	sorted := make([]*Rule, len(rules))
	copy(sorted, rules)
	// Ascending priority; ties keep declaration order.
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})

	if defaultTarget == "" {
		defaultTarget = "event-classifier"
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = sorted
	r.defaultTarget = defaultTarget
	return nil
}

// List returns the rule set ordered by priority. Read-only; the returned
// slice is a copy but the rules themselves are shared, so callers must not
// mutate them.
func (r *Registry) List() []*Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

// DefaultTarget returns the dead-letter/default agent for unmatched events.
func (r *Registry) DefaultTarget() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultTarget
}
