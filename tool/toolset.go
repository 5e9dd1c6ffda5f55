//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

package tool

import "context"

// ToolSet defines an interface for managing a set of tools.
// Tools are stateless from the scheduler's point of view; any state they
// need travels in the runtime context.
type ToolSet interface {
	// Name returns the identifier of the ToolSet.
	Name() string

	// Provider returns the provider name of the ToolSet.
	Provider() string

	// Tools returns the Tool instances available in the set.
	Tools(context.Context) []Tool

	// Close releases any resources held by the ToolSet.
	Close() error
}

// VariableProvider is implemented by toolsets that contribute state
// channels to the graphs they are attached to.
type VariableProvider interface {
	// Variables returns the state channels this toolset declares.
	Variables() []StateVariable
}

// TitleProvider is implemented by toolsets that expose human-readable
// titles for their tools.
type TitleProvider interface {
	// ToolTitle returns a display title for the named tool.
	ToolTitle(name string) string
}

// StaticToolSet is a ToolSet over a fixed slice of tools.
type StaticToolSet struct {
	name     string
	provider string
	tools    []Tool
}

// NewStaticToolSet creates a ToolSet from a fixed set of tools.
func NewStaticToolSet(name, provider string, tools ...Tool) *StaticToolSet {
	return &StaticToolSet{name: name, provider: provider, tools: tools}
}

// Name implements the ToolSet interface.
func (s *StaticToolSet) Name() string { return s.name }

// Provider implements the ToolSet interface.
func (s *StaticToolSet) Provider() string { return s.provider }

// Tools implements the ToolSet interface.
func (s *StaticToolSet) Tools(context.Context) []Tool { return s.tools }

// Close implements the ToolSet interface.
func (s *StaticToolSet) Close() error { return nil }
