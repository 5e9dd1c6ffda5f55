//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

// Package function provides a generic tool wrapping plain Go functions.
package function

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/zhezhiming/xpert/tool"
)

// FunctionTool implements the CallableTool interface for executing functions
// with arguments. It wraps any function as a tool that can be called with
// JSON arguments. The input schema is derived from the input type's fields.
type FunctionTool[I, O any] struct {
	name         string
	description  string
	inputSchema  *tool.Schema
	outputSchema *tool.Schema
	fn           func(ctx context.Context, input I) (O, error)
	sensitive    bool
	clientSide   bool
}

// Option is a function that configures a FunctionTool.
type Option func(*functionToolOptions)

type functionToolOptions struct {
	name        string
	description string
	sensitive   bool
	clientSide  bool
	inputSchema *tool.Schema
}

// WithName sets the name of the function tool.
func WithName(name string) Option {
	return func(opts *functionToolOptions) {
		opts.name = name
	}
}

// WithDescription sets the description of the function tool.
func WithDescription(description string) Option {
	return func(opts *functionToolOptions) {
		opts.description = description
	}
}

// WithSensitive marks the tool as requiring human review before execution.
func WithSensitive(sensitive bool) Option {
	return func(opts *functionToolOptions) {
		opts.sensitive = sensitive
	}
}

// WithClientSide marks the tool as executed by the calling client.
func WithClientSide(clientSide bool) Option {
	return func(opts *functionToolOptions) {
		opts.clientSide = clientSide
	}
}

// WithInputSchema overrides the reflection-derived input schema.
func WithInputSchema(schema *tool.Schema) Option {
	return func(opts *functionToolOptions) {
		opts.inputSchema = schema
	}
}

// New creates a FunctionTool from the given function.
func New[I, O any](fn func(ctx context.Context, input I) (O, error), opts ...Option) *FunctionTool[I, O] {
	options := &functionToolOptions{}
	for _, opt := range opts {
		opt(options)
	}
	var (
		emptyI I
		emptyO O
	)
	inputSchema := options.inputSchema
	if inputSchema == nil {
		inputSchema = generateSchema(reflect.TypeOf(emptyI))
	}
	return &FunctionTool[I, O]{
		name:         options.name,
		description:  options.description,
		fn:           fn,
		sensitive:    options.sensitive,
		clientSide:   options.clientSide,
		inputSchema:  inputSchema,
		outputSchema: generateSchema(reflect.TypeOf(emptyO)),
	}
}

// Call executes the function tool with the provided JSON arguments.
// Arguments are validated against the input schema before the function runs.
func (ft *FunctionTool[I, O]) Call(ctx context.Context, jsonArgs []byte) (any, error) {
	if err := ft.inputSchema.ValidateJSON(jsonArgs); err != nil {
		return nil, fmt.Errorf("tool %s: %w", ft.name, err)
	}
	var input I
	if len(jsonArgs) > 0 {
		if err := json.Unmarshal(jsonArgs, &input); err != nil {
			return nil, fmt.Errorf("tool %s: failed to unmarshal arguments: %w", ft.name, err)
		}
	}
	return ft.fn(ctx, input)
}

// Declaration implements the tool.Tool interface.
func (ft *FunctionTool[I, O]) Declaration() *tool.Declaration {
	return &tool.Declaration{
		Name:         ft.name,
		Description:  ft.description,
		InputSchema:  ft.inputSchema,
		OutputSchema: ft.outputSchema,
		Sensitive:    ft.sensitive,
		ClientSide:   ft.clientSide,
	}
}

// generateSchema derives a JSON schema from a Go type using reflection.
// Struct fields use their json tags as property names; fields without an
// omitempty option are required.
func generateSchema(t reflect.Type) *tool.Schema {
	if t == nil {
		return &tool.Schema{Type: "object"}
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Struct:
		schema := &tool.Schema{
			Type:       "object",
			Properties: make(map[string]*tool.Schema),
		}
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() {
				continue
			}
			name, omitempty := jsonFieldName(field)
			if name == "-" {
				continue
			}
			prop := generateSchema(field.Type)
			if desc := field.Tag.Get("description"); desc != "" {
				prop.Description = desc
			}
			schema.Properties[name] = prop
			if !omitempty {
				schema.Required = append(schema.Required, name)
			}
		}
		return schema
	case reflect.String:
		return &tool.Schema{Type: "string"}
	case reflect.Bool:
		return &tool.Schema{Type: "boolean"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return &tool.Schema{Type: "integer"}
	case reflect.Float32, reflect.Float64:
		return &tool.Schema{Type: "number"}
	case reflect.Slice, reflect.Array:
		return &tool.Schema{Type: "array", Items: generateSchema(t.Elem())}
	case reflect.Map:
		return &tool.Schema{Type: "object", AdditionalProperties: true}
	default:
		return &tool.Schema{Type: "object"}
	}
}

func jsonFieldName(field reflect.StructField) (string, bool) {
	tag := field.Tag.Get("json")
	if tag == "" {
		return field.Name, false
	}
	name := tag
	omitempty := false
	for i, part := range splitComma(tag) {
		if i == 0 {
			name = part
			continue
		}
		if part == "omitempty" {
			omitempty = true
		}
	}
	if name == "" {
		name = field.Name
	}
	return name, omitempty
}

func splitComma(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}
