//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

// Package tool provides tool interfaces and implementations for the agent system.
package tool

import (
	"context"
)

// Tool is the minimal interface every tool implements.
type Tool interface {
	// Declaration returns the metadata describing the tool.
	Declaration() *Declaration
}

// CallableTool defines the interface for tools that support calling operations.
type CallableTool interface {
	// Call calls the tool with the provided context and json-encoded arguments.
	// Returns the result of execution or an error if the operation fails.
	Call(ctx context.Context, jsonArgs []byte) (any, error)

	Tool
}

// StateAwareTool is implemented by tools that read the caller's graph
// state in addition to their arguments, such as sub-agent tools that
// inherit the parent run's checkpoint lineage. Executors prefer
// CallWithState over Call when the implementation provides it.
type StateAwareTool interface {
	CallableTool

	// CallWithState calls the tool with the invoking graph's state.
	CallWithState(ctx context.Context, jsonArgs []byte, state map[string]any) (any, error)
}

// Declaration describes the metadata of a tool, such as its name,
// description, and expected arguments.
type Declaration struct {
	// Name is the unique identifier of the tool.
	Name string `json:"name"`

	// Description explains the tool's purpose and functionality.
	Description string `json:"description"`

	// InputSchema defines the expected input for the tool in JSON schema format.
	InputSchema *Schema `json:"inputSchema"`

	// OutputSchema defines the expected output for the tool in JSON schema format.
	OutputSchema *Schema `json:"outputSchema,omitempty"`

	// Sensitive marks tools whose invocation requires human review before
	// execution. The compiler registers sensitive tools for interruption.
	Sensitive bool `json:"sensitive,omitempty"`

	// ClientSide marks tools executed by the calling UI rather than the
	// server. Invocation raises a client-tool interrupt instead of running.
	ClientSide bool `json:"clientSide,omitempty"`
}

// StateVariable describes a state channel a toolset contributes to the
// graph it is attached to.
type StateVariable struct {
	// Name is the channel name.
	Name string `json:"name"`
	// Default is the channel default value.
	Default any `json:"default,omitempty"`
	// Append selects an append reducer instead of last-writer-wins.
	Append bool `json:"append,omitempty"`
}
