package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// GetPath retrieves a value from the effective configuration using a
// dot-notation path such as "grid.size".
func (c *Config) GetPath(path string) (any, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return getValue(m, path)
}

func getValue(m map[string]any, path string) (any, error) {
	var current any = m
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		node, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q breaks at %q (not a map)", path, part)
		}
		val, exists := node[part]
		if !exists {
			return nil, fmt.Errorf("path %q: key %q not found", path, part)
		}
		current = val
	}
	return current, nil
}

// SetPath writes value at path into the file the config was loaded from.
// Comments and key order survive. The edited file is reloaded and the edit
// rolled back if it no longer validates.
func (c *Config) SetPath(path, value string) error {
	if c.Source == "" {
		return fmt.Errorf("no config file loaded; built-in defaults cannot be edited")
	}
	original, err := os.ReadFile(c.Source)
	if err != nil {
		return fmt.Errorf("read %s: %w", c.Source, err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(original, &root); err != nil {
		return fmt.Errorf("parse %s: %w", c.Source, err)
	}
	if root.Kind == 0 {
		root = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return fmt.Errorf("%s is not a yaml document", c.Source)
	}

	target, err := findNode(root.Content[0], path, true)
	if err != nil {
		return fmt.Errorf("failed to navigate/create path %q: %w", path, err)
	}
	target.Kind = yaml.ScalarNode
	target.Tag = guessTag(value)
	target.Value = value
	target.Content = nil

	candidate, err := yaml.Marshal(&root)
	if err != nil {
		return err
	}
	return c.persistWithValidation(candidate, original)
}

func findNode(node *yaml.Node, path string, create bool) (*yaml.Node, error) {
	current := node
	for _, part := range strings.Split(path, ".") {
		if current.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("%q is not a mapping", part)
		}

		var next *yaml.Node
		for i := 0; i+1 < len(current.Content); i += 2 {
			if current.Content[i].Value == part {
				next = current.Content[i+1]
				break
			}
		}
		if next == nil {
			if !create {
				return nil, fmt.Errorf("key %q not found", part)
			}
			key := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: part}
			next = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			current.Content = append(current.Content, key, next)
		}
		current = next
	}
	return current, nil
}

func guessTag(v string) string {
	if v == "true" || v == "false" {
		return "!!bool"
	}
	digits := v != "" && v != "-"
	for i, c := range v {
		if i == 0 && c == '-' {
			continue
		}
		if c < '0' || c > '9' {
			digits = false
			break
		}
	}
	if digits {
		return "!!int"
	}
	return "!!str"
}

func (c *Config) persistWithValidation(candidate, original []byte) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(c.Source); err == nil {
		mode = info.Mode().Perm()
	}

	if err := os.WriteFile(c.Source, candidate, mode); err != nil {
		return fmt.Errorf("failed to persist config change: %w", err)
	}
	if _, err := Load(c.Source); err != nil {
		if restoreErr := os.WriteFile(c.Source, original, mode); restoreErr != nil {
			return fmt.Errorf("validation failed (%v) and rollback failed (%v)", err, restoreErr)
		}
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}
