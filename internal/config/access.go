package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const redactedValue = "********"

// Redacted returns a copy of the config with credentials masked, for display.
// Unresolved ${VAR} placeholders are kept so they stay diagnosable.
func (c *Config) Redacted() *Config {
	out := *c
	out.Tracker.APIKey = redact(c.Tracker.APIKey)
	out.API.Auth.APIKey = redact(c.API.Auth.APIKey)
	out.Webhook.Secret = redact(c.Webhook.Secret)
	return &out
}

func redact(v string) string {
	if v == "" || UnresolvedEnvVar(v) != "" {
		return v
	}
	return redactedValue
}

// GetPath retrieves a value from the configuration using a dot-notation
// path such as "workflow.timeout". An empty path returns the whole document.
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

	for part := range strings.SplitSeq(path, ".") {
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
