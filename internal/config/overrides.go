package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ApplyOverrides applies dotted key=value assignments (e.g.
// "candidate_sampling.num_candidates=5") on top of c. Values are decoded as
// YAML scalars, so numbers, booleans and inline lists work.
func (c *Config) ApplyOverrides(assignments []string) error {
	if len(assignments) == 0 {
		return nil
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	tree := map[string]any{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("failed to decode config tree: %w", err)
	}

	for _, a := range assignments {
		key, raw, ok := strings.Cut(a, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return fmt.Errorf("override %q must have the form key.path=value", a)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
			return fmt.Errorf("override %q: invalid value: %w", a, err)
		}
		if err := setPath(tree, strings.Split(strings.TrimSpace(key), "."), value); err != nil {
			return fmt.Errorf("override %q: %w", a, err)
		}
	}

	merged, err := yaml.Marshal(tree)
	if err != nil {
		return fmt.Errorf("failed to marshal overrides: %w", err)
	}
	next := &Config{}
	if err := yaml.Unmarshal(merged, next); err != nil {
		return fmt.Errorf("failed to apply overrides: %w", err)
	}
	*c = *next
	return nil
}

func setPath(tree map[string]any, path []string, value any) error {
	node := tree
	for i, part := range path {
		if i == len(path)-1 {
			node[part] = value
			return nil
		}
		child, ok := node[part]
		if !ok || child == nil {
			next := map[string]any{}
			node[part] = next
			node = next
			continue
		}
		next, ok := child.(map[string]any)
		if !ok {
			return fmt.Errorf("%s is not a section", strings.Join(path[:i+1], "."))
		}
		node = next
	}
	return nil
}
