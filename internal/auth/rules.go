package auth

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Rule is a declarative access rule. Roles are OR-matched, permissions
// AND-matched. Required denies unauthenticated contexts outright.
type Rule struct {
	Required    bool     `yaml:"required" json:"required,omitempty"`
	Roles       []string `yaml:"roles" json:"roles,omitempty"`
	Permissions []string `yaml:"permissions" json:"permissions,omitempty"`
}

// ComponentRules are the per-class mount and action rules.
type ComponentRules struct {
	Mount   *Rule            `yaml:"mount" json:"mount,omitempty"`
	Actions map[string]*Rule `yaml:"actions" json:"actions,omitempty"`
}

// RuleSet maps component class names to their rules.
type RuleSet struct {
	mu    sync.RWMutex
	rules map[string]*ComponentRules
}

// NewRuleSet creates an empty rule set.
func NewRuleSet() *RuleSet {
	return &RuleSet{rules: make(map[string]*ComponentRules)}
}

// LoadRuleSet reads a YAML file mapping class names to rules:
//
//	Counter:
//	  mount:
//	    required: true
//	    roles: [admin]
//	  actions:
//	    reset:
//	      permissions: [counter.reset]
func LoadRuleSet(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read access rules: %w", err)
	}
	var raw map[string]*ComponentRules
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse access rules: %w", err)
	}
	rs := NewRuleSet()
	for name, r := range raw {
		rs.rules[name] = r
	}
	return rs, nil
}

// Set installs rules for a component class, replacing any existing ones.
func (rs *RuleSet) Set(component string, rules *ComponentRules) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.rules[component] = rules
}

// For returns the rules for a component class, or nil when unrestricted.
func (rs *RuleSet) For(component string) *ComponentRules {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.rules[component]
}

// evaluate applies a single rule to a context.
func (r *Rule) evaluate(ac *Context) (bool, string) {
	if r == nil {
		return true, ""
	}
	if r.Required && (ac == nil || !ac.Authenticated) {
		return false, "authentication required"
	}
	if len(r.Roles) > 0 && !ac.HasAnyRole(r.Roles...) {
		return false, fmt.Sprintf("Insufficient roles - requires one of %v", r.Roles)
	}
	if len(r.Permissions) > 0 && !ac.HasAllPermissions(r.Permissions...) {
		return false, fmt.Sprintf("Insufficient permissions - requires all of %v", r.Permissions)
	}
	return true, ""
}
