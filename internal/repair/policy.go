package repair

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Policy is the on-disk form of the repair table's tunables:
//
//	imports:
//	  sp: "import scipy as sp"
//	  os: ""            # remove a default mapping
//	pip_fallback: false
//	disabled_rules: [legacy-print]
type Policy struct {
	Imports       ImportMap `yaml:"imports"`
	PipFallback   *bool     `yaml:"pip_fallback,omitempty"`
	DisabledRules []string  `yaml:"disabled_rules,omitempty"`
}

// LoadPolicy reads a policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read repair policy: %w", err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse repair policy %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid repair policy %s: %w", path, err)
	}
	return &p, nil
}

// Validate rejects unknown rule names.
func (p *Policy) Validate() error {
	known := make(map[string]bool)
	for _, r := range DefaultRules() {
		known[r.Name] = true
	}
	for _, n := range p.DisabledRules {
		if !known[n] {
			return fmt.Errorf("unknown rule %q", n)
		}
	}
	return nil
}

// Table builds the table this policy describes.
func (p *Policy) Table() *Table {
	opts := []TableOption{WithImports(p.Imports)}
	if p.PipFallback != nil && !*p.PipFallback {
		opts = append(opts, WithoutPipFallback())
	}
	if len(p.DisabledRules) > 0 {
		opts = append(opts, WithoutRules(p.DisabledRules...))
	}
	return NewTable(opts...)
}

// LoadTable returns the default table when path is empty, otherwise the
// table described by the policy file.
func LoadTable(path string) (*Table, error) {
	if path == "" {
		return NewTable(), nil
	}
	p, err := LoadPolicy(path)
	if err != nil {
		return nil, err
	}
	return p.Table(), nil
}
