//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

package tool

import (
	"encoding/json"
	"fmt"
)

// Schema represents the structure of JSON Schema used for defining arguments
// and responses. It follows the JSON Schema standard, supporting types,
// properties, and validation rules. Tool args are validated against the
// schema before the tool is invoked.
type Schema struct {
	// Type specifies the data type (e.g., "object", "array", "string", "number").
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Required    []string `json:"required,omitempty"`
	// Properties of the arguments, each with its own schema.
	Properties map[string]*Schema `json:"properties,omitempty"`
	// For array types, defines the schema of items in the array.
	Items *Schema `json:"items,omitempty"`
	// Enum restricts a string value to the listed set.
	Enum []string `json:"enum,omitempty"`
	// AdditionalProperties controls whether properties not defined in
	// Properties are allowed.
	AdditionalProperties any `json:"additionalProperties,omitempty"`
}

// ValidateJSON decodes jsonArgs and validates it against the schema.
func (s *Schema) ValidateJSON(jsonArgs []byte) error {
	if s == nil {
		return nil
	}
	if len(jsonArgs) == 0 {
		jsonArgs = []byte("{}")
	}
	var value any
	if err := json.Unmarshal(jsonArgs, &value); err != nil {
		return fmt.Errorf("invalid json arguments: %w", err)
	}
	return s.Validate(value)
}

// Validate checks a decoded value against the schema.
func (s *Schema) Validate(value any) error {
	if s == nil || value == nil {
		return nil
	}
	switch s.Type {
	case "object":
		obj, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("expected object, got %T", value)
		}
		for _, req := range s.Required {
			if _, exists := obj[req]; !exists {
				return fmt.Errorf("missing required property %q", req)
			}
		}
		for name, propSchema := range s.Properties {
			propValue, exists := obj[name]
			if !exists || propValue == nil {
				continue
			}
			if err := propSchema.Validate(propValue); err != nil {
				return fmt.Errorf("property %q: %w", name, err)
			}
		}
	case "array":
		arr, ok := value.([]any)
		if !ok {
			return fmt.Errorf("expected array, got %T", value)
		}
		if s.Items != nil {
			for i, item := range arr {
				if err := s.Items.Validate(item); err != nil {
					return fmt.Errorf("item %d: %w", i, err)
				}
			}
		}
	case "string":
		str, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
		if len(s.Enum) > 0 {
			for _, allowed := range s.Enum {
				if str == allowed {
					return nil
				}
			}
			return fmt.Errorf("value %q not in enum %v", str, s.Enum)
		}
	case "number", "integer":
		switch value.(type) {
		case float64, float32, int, int64, json.Number:
		default:
			return fmt.Errorf("expected number, got %T", value)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", value)
		}
	}
	return nil
}

// ToMap converts the schema to a generic map representation suitable for
// provider SDKs that accept raw JSON schema dicts.
func (s *Schema) ToMap() map[string]any {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}
