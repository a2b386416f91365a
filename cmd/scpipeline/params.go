package main

import (
	"fmt"
	"maps"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// parseParams reads parameter overrides from an optional YAML or JSON file and from
// key=value pairs, which win over the file. Values are typed by YAML rules, so
// min_genes=300 is a number and show_gene_scores=false is a boolean.
func parseParams(file string, pairs []string) (map[string]any, error) {
	params := map[string]any{}

	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read params file: %w", err)
		}
		var fromFile map[string]any
		if err := yaml.Unmarshal(data, &fromFile); err != nil {
			return nil, fmt.Errorf("failed to parse params file %s: %w", file, err)
		}
		maps.Copy(params, fromFile)
	}

	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q: want key=value", pair)
		}
		params[key] = parseValue(raw)
	}

	if len(params) == 0 {
		return nil, nil
	}
	return params, nil
}

// parseValue types a scalar. Anything that is not a YAML scalar stays a string.
func parseValue(raw string) any {
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	switch v.(type) {
	case nil, map[string]any, []any:
		return raw
	default:
		return v
	}
}
