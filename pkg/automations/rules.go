// Package automations runs remediation actions against classified alerts.
//
// Rules are matched against alert fields, throttled by a per-rule cooldown,
// and dispatched to an action provider (Ansible Tower, Terraform Cloud,
// ServiceNow). Dry-run mode is the default: actions are logged, not fired.
package automations

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultCooldown throttles a rule per alert key when the rule does not set
// its own cooldown.
const DefaultCooldown = 15 * time.Minute

// Match selects which alerts a rule fires on. Empty fields match anything.
type Match struct {
	FailureType   string  `yaml:"failure_type,omitempty" json:"failure_type,omitempty"`
	IssueKey      string  `yaml:"issue_key,omitempty" json:"issue_key,omitempty"`
	MinConfidence float64 `yaml:"min_confidence,omitempty" json:"min_confidence,omitempty"`
}

// Action names the provider to dispatch to and its parameters. String
// parameters may reference alert fields with {{ alert.<field> }} and
// {{ alert.result.<field> }} placeholders.
type Action struct {
	Provider string         `yaml:"provider" json:"provider"`
	Params   map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// Rule is one remediation rule.
type Rule struct {
	ID      string `yaml:"id" json:"id"`
	Enabled *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Match   Match  `yaml:"match" json:"match"`
	Action  Action `yaml:"action" json:"action"`
	// Cooldown is "<n>" seconds or "<n>s", "<n>m", "<n>h". Empty uses
	// DefaultCooldown.
	Cooldown string `yaml:"cooldown,omitempty" json:"cooldown,omitempty"`
}

// IsEnabled reports whether the rule fires (default true).
func (r Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// CooldownDuration parses the rule's cooldown spec.
func (r Rule) CooldownDuration() time.Duration {
	d, err := ParseCooldown(r.Cooldown)
	if err != nil {
		return DefaultCooldown
	}
	return d
}

// ParseCooldown parses "<n>", "<n>s", "<n>m" or "<n>h". An empty spec yields
// the default.
func ParseCooldown(spec string) (time.Duration, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return DefaultCooldown, nil
	}
	unit := time.Second
	switch spec[len(spec)-1] {
	case 's':
		spec = spec[:len(spec)-1]
	case 'm':
		unit = time.Minute
		spec = spec[:len(spec)-1]
	case 'h':
		unit = time.Hour
		spec = spec[:len(spec)-1]
	}
	n, err := strconv.Atoi(spec)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid cooldown %q", spec)
	}
	return time.Duration(n) * unit, nil
}

func validateRule(r Rule) error {
	if r.ID == "" {
		return fmt.Errorf("rule id must not be empty")
	}
	if r.Action.Provider == "" {
		return fmt.Errorf("rule %s: action provider must not be empty", r.ID)
	}
	if r.Cooldown != "" {
		if _, err := ParseCooldown(r.Cooldown); err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
	}
	return nil
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// RuleStore keeps remediation rules in one YAML file, cached in memory and
// rewritten on every mutation.
type RuleStore struct {
	path string

	mu    sync.RWMutex
	rules []Rule
}

// NewRuleStore loads the rules file at path. A missing file is an empty rule
// set, not an error, so a fresh deployment starts clean.
func NewRuleStore(path string) (*RuleStore, error) {
	s := &RuleStore{path: path}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	for _, r := range f.Rules {
		if err := validateRule(r); err != nil {
			return nil, err
		}
	}
	s.rules = f.Rules
	return s, nil
}

// List returns a copy of all rules.
func (s *RuleStore) List() []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Rule(nil), s.rules...)
}

// Get returns the rule with the given id.
func (s *RuleStore) Get(id string) (Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rules {
		if r.ID == id {
			return r, true
		}
	}
	return Rule{}, false
}

// Put creates or replaces a rule and rewrites the file.
func (s *RuleStore) Put(rule Rule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	replaced := false
	for i, r := range s.rules {
		if r.ID == rule.ID {
			s.rules[i] = rule
			replaced = true
			break
		}
	}
	if !replaced {
		s.rules = append(s.rules, rule)
	}
	return s.saveLocked()
}

// Delete removes a rule and rewrites the file. Unknown ids are an error.
func (s *RuleStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.rules {
		if r.ID == id {
			s.rules = append(s.rules[:i], s.rules[i+1:]...)
			return s.saveLocked()
		}
	}
	return fmt.Errorf("rule %s not found", id)
}

func (s *RuleStore) saveLocked() error {
	out, err := yaml.Marshal(rulesFile{Rules: s.rules})
	if err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}
	if err := os.WriteFile(s.path, out, 0o644); err != nil {
		return fmt.Errorf("write rules file: %w", err)
	}
	return nil
}
