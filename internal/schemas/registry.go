package schemas

import (
	"fmt"

	"github.com/jonathan/scpipeline/internal/types"
)

// PropertyType is the semantic type of a step parameter.
type PropertyType string

// PropertyType constants
const (
	TypeString  PropertyType = "string"
	TypeNumber  PropertyType = "number"
	TypeInteger PropertyType = "integer"
	TypeBoolean PropertyType = "boolean"
	TypeArray   PropertyType = "array"
)

// Property describes one parameter of a step.
type Property struct {
	Type        PropertyType `json:"type"`
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Default     any          `json:"default,omitempty"`
	Enum        []any        `json:"enum,omitempty"`
	Minimum     *float64     `json:"minimum,omitempty"`
	Maximum     *float64     `json:"maximum,omitempty"`
	Widget      string       `json:"widget,omitempty"`
	Group       string       `json:"group,omitempty"`
}

// ParamSchema is the parameter shape of one step type.
type ParamSchema struct {
	Properties map[string]Property `json:"properties"`
	Order      []string            `json:"order,omitempty"`
}

// StepDefinition is the catalog entry for a step type.
type StepDefinition struct {
	StepType    types.StepType `json:"step_type"`
	DisplayName string         `json:"display_name"`
	Description string         `json:"description"`
	Icon        string         `json:"icon"`
	ParamSchema ParamSchema    `json:"param_schema"`
}

// Registry is the read-only catalog of step definitions. It is safe for concurrent use
// because it is never mutated after construction.
type Registry struct {
	defs map[types.StepType]StepDefinition
}

// NewRegistry builds a registry from the given definitions. It fails unless every step in
// types.StepOrder has exactly one definition.
func NewRegistry(defs ...StepDefinition) (*Registry, error) {
	r := &Registry{defs: make(map[types.StepType]StepDefinition, len(defs))}
	for _, d := range defs {
		if !d.StepType.Valid() {
			return nil, fmt.Errorf("definition for unknown step type %q", d.StepType)
		}
		if _, dup := r.defs[d.StepType]; dup {
			return nil, fmt.Errorf("duplicate definition for step type %q", d.StepType)
		}
		for _, name := range d.ParamSchema.Order {
			if _, ok := d.ParamSchema.Properties[name]; !ok {
				return nil, fmt.Errorf("step %s: order references unknown property %q", d.StepType, name)
			}
		}
		r.defs[d.StepType] = d
	}
	for _, st := range types.StepOrder {
		if _, ok := r.defs[st]; !ok {
			return nil, fmt.Errorf("missing definition for step type %q", st)
		}
	}
	return r, nil
}

var defaultRegistry = mustRegistry(builtinDefinitions()...)

func mustRegistry(defs ...StepDefinition) *Registry {
	r, err := NewRegistry(defs...)
	if err != nil {
		panic(err)
	}
	return r
}

// Default returns the process-wide registry of built-in single-cell steps.
func Default() *Registry {
	return defaultRegistry
}

// Definition returns the catalog entry for a step. Unknown steps are a programming error.
func (r *Registry) Definition(st types.StepType) StepDefinition {
	d, ok := r.defs[st]
	if !ok {
		panic(fmt.Sprintf("schemas: no definition for step type %q", st))
	}
	return d
}

// Definitions returns all step definitions in execution order.
func (r *Registry) Definitions() []StepDefinition {
	out := make([]StepDefinition, 0, len(types.StepOrder))
	for _, st := range types.StepOrder {
		out = append(out, r.defs[st])
	}
	return out
}

// Schema returns the parameter schema of a step.
func (r *Registry) Schema(st types.StepType) ParamSchema {
	return r.Definition(st).ParamSchema
}

// DefaultParams derives the initial parameter map of a step from every property that
// declares a default value.
func (r *Registry) DefaultParams(st types.StepType) map[string]any {
	schema := r.Schema(st)
	params := make(map[string]any, len(schema.Properties))
	for name, prop := range schema.Properties {
		if prop.Default != nil {
			params[name] = prop.Default
		}
	}
	return params
}

// JSONSchema renders the parameter schema as a JSON Schema document. Unknown keys are
// rejected.
func (s ParamSchema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s.Properties))
	for name, p := range s.Properties {
		prop := map[string]any{"type": string(p.Type)}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Minimum != nil {
			prop["minimum"] = *p.Minimum
		}
		if p.Maximum != nil {
			prop["maximum"] = *p.Maximum
		}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[name] = prop
	}
	return map[string]any{
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
}

// ValidateParams checks a parameter map against the schema of a step.
func (r *Registry) ValidateParams(st types.StepType, params map[string]any) error {
	if params == nil {
		params = map[string]any{}
	}
	return ValidateGo(r.Schema(st).JSONSchema(), params)
}

func bound(v float64) *float64 {
	return &v
}
