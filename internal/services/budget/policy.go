package budget

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// policySections maps scope kinds to their section in the policy document.
var policySections = map[ScopeKind]string{
	ScopeOrg:      "orgs",
	ScopeUser:     "users",
	ScopeProvider: "providers",
	ScopeModel:    "models",
}

// Policy holds the per-scope daily limits loaded from a policy document.
// It is read-only after load and safe for concurrent use.
type Policy struct {
	Environment string
	Source      string

	defaultPerDay int64
	limits        map[ScopeKind]map[string]int64

	// Warnings lists entries that were ignored because they were malformed.
	Warnings []string
}

type rawPolicy struct {
	Defaults struct {
		PerDay *int64 `yaml:"per_day"`
	} `yaml:"defaults"`
	Orgs      yaml.Node `yaml:"orgs"`
	Users     yaml.Node `yaml:"users"`
	Providers yaml.Node `yaml:"providers"`
	Models    yaml.Node `yaml:"models"`
}

type rawLimit struct {
	PerDay *int64 `yaml:"per_day"`
}

// LoadPolicy reads budgets.<environment>.yaml (or .yml / .json) from dir.
func LoadPolicy(dir, environment string) (*Policy, error) {
	if environment == "" || strings.ContainsAny(environment, `/\`) || strings.Contains(environment, "..") {
		return nil, fmt.Errorf("%w: invalid environment name %q", ErrInvalidPolicy, environment)
	}

	for _, ext := range []string{".yaml", ".yml", ".json"} {
		path := filepath.Join(dir, "budgets."+environment+ext)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read policy %s: %w", path, err)
		}

		policy, err := ParsePolicy(data)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", path, err)
		}
		policy.Environment = environment
		policy.Source = path
		return policy, nil
	}

	return nil, fmt.Errorf("%w: no budgets.%s.{yaml,yml,json} in %s", ErrPolicyNotFound, environment, dir)
}

// ParsePolicy decodes a policy document. Only an unreadable document or a
// missing/negative defaults.per_day is an error; malformed scope entries are
// skipped so they resolve to the default limit.
func ParsePolicy(data []byte) (*Policy, error) {
	var raw rawPolicy
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if raw.Defaults.PerDay == nil {
		return nil, fmt.Errorf("%w: defaults.per_day is required", ErrInvalidPolicy)
	}
	if *raw.Defaults.PerDay < 0 {
		return nil, fmt.Errorf("%w: defaults.per_day must not be negative", ErrInvalidPolicy)
	}

	p := &Policy{
		defaultPerDay: *raw.Defaults.PerDay,
		limits:        make(map[ScopeKind]map[string]int64, len(policySections)),
	}

	sections := []struct {
		kind ScopeKind
		node *yaml.Node
	}{
		{ScopeOrg, &raw.Orgs},
		{ScopeUser, &raw.Users},
		{ScopeProvider, &raw.Providers},
		{ScopeModel, &raw.Models},
	}
	for _, s := range sections {
		p.limits[s.kind] = p.decodeSection(policySections[s.kind], s.node)
	}

	return p, nil
}

func (p *Policy) decodeSection(section string, node *yaml.Node) map[string]int64 {
	out := make(map[string]int64)
	if node.Kind == 0 || node.Tag == "!!null" {
		return out
	}
	if node.Kind != yaml.MappingNode {
		p.Warnings = append(p.Warnings, fmt.Sprintf("%s: expected a mapping, section ignored", section))
		return out
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		id := node.Content[i].Value
		var entry rawLimit
		if err := node.Content[i+1].Decode(&entry); err != nil {
			p.Warnings = append(p.Warnings, fmt.Sprintf("%s.%s: %v", section, id, err))
			continue
		}
		if entry.PerDay == nil || *entry.PerDay < 0 {
			p.Warnings = append(p.Warnings, fmt.Sprintf("%s.%s: missing or negative per_day", section, id))
			continue
		}
		out[id] = *entry.PerDay
	}
	return out
}

// DefaultPerDay is the fallback limit, also used for the global scope.
func (p *Policy) DefaultPerDay() int64 {
	if p == nil {
		return 0
	}
	return p.defaultPerDay
}

// LimitFor resolves the daily limit for a scope instance, falling back to the
// default when the section or the entry is absent.
func (p *Policy) LimitFor(kind ScopeKind, id string) int64 {
	if p == nil {
		return 0
	}
	if kind == ScopeGlobal {
		return p.defaultPerDay
	}
	if limit, ok := p.limits[kind][id]; ok {
		return limit
	}
	return p.defaultPerDay
}

// Entries returns the number of explicit limits per section.
func (p *Policy) Entries() map[string]int {
	out := make(map[string]int, len(policySections))
	if p == nil {
		return out
	}
	for kind, section := range policySections {
		out[section] = len(p.limits[kind])
	}
	return out
}
