//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

// Package middleware provides the pluggable hook pipeline wrapped around
// agent execution: lifecycle hooks, model call wrappers, and tool call
// wrappers, plus the first-party middlewares (human-in-the-loop review,
// client-side tools, client effects, tool selection, summarization, todos).
package middleware

import (
	"context"
	"fmt"

	"github.com/zhezhiming/xpert/graph"
	"github.com/zhezhiming/xpert/tool"
)

// Jump targets a hook may request; a returned jump overrides the router on
// the next transition.
const (
	JumpModel = "model"
	JumpTools = "tools"
	JumpEnd   = "end"
)

// HookResult is what a lifecycle hook returns: a partial state update and
// an optional jump directive.
type HookResult struct {
	Update graph.State
	JumpTo string
}

// Middleware is the base interface; concrete middlewares additionally
// implement any subset of the capability interfaces below.
type Middleware interface {
	Name() string
}

// StateContributor declares extra state channels the middleware needs.
type StateContributor interface {
	StateFields() map[string]graph.StateField
}

// ToolContributor declares tools merged into the agent's tool set.
type ToolContributor interface {
	Tools() []tool.Tool
}

// BeforeAgentHook runs once when the agent is entered.
type BeforeAgentHook interface {
	BeforeAgent(ctx context.Context, state graph.State) (*HookResult, error)
}

// BeforeModelHook runs before every model call.
type BeforeModelHook interface {
	BeforeModel(ctx context.Context, state graph.State) (*HookResult, error)
}

// AfterModelHook runs after every model call, in reverse declaration order.
type AfterModelHook interface {
	AfterModel(ctx context.Context, state graph.State) (*HookResult, error)
}

// AfterAgentHook runs once when the agent loop finishes.
type AfterAgentHook interface {
	AfterAgent(ctx context.Context, state graph.State) (*HookResult, error)
}

// ModelWrapper decorates the model call.
type ModelWrapper interface {
	WrapModelCall() graph.ModelCallWrapper
}

// ToolWrapper decorates tool calls.
type ToolWrapper interface {
	WrapToolCall() graph.ToolCallWrapper
}

// Pipeline is an ordered middleware list attached to one agent.
type Pipeline struct {
	middlewares []Middleware
}

// NewPipeline validates and assembles a pipeline. Duplicate middleware
// names fail assembly.
func NewPipeline(middlewares ...Middleware) (*Pipeline, error) {
	seen := make(map[string]bool, len(middlewares))
	for _, m := range middlewares {
		if m.Name() == "" {
			return nil, fmt.Errorf("middleware with empty name")
		}
		if seen[m.Name()] {
			return nil, fmt.Errorf("duplicate middleware name: %s", m.Name())
		}
		seen[m.Name()] = true
	}
	return &Pipeline{middlewares: middlewares}, nil
}

// Middlewares returns the ordered middleware list.
func (p *Pipeline) Middlewares() []Middleware {
	if p == nil {
		return nil
	}
	return p.middlewares
}

// StateFields collects channels contributed by all middlewares. Two
// middlewares declaring the same channel fail assembly.
func (p *Pipeline) StateFields() (map[string]graph.StateField, error) {
	if p == nil {
		return nil, nil
	}
	fields := make(map[string]graph.StateField)
	owner := make(map[string]string)
	for _, m := range p.middlewares {
		sc, ok := m.(StateContributor)
		if !ok {
			continue
		}
		for name, field := range sc.StateFields() {
			if prev, dup := owner[name]; dup {
				return nil, fmt.Errorf("state channel %q declared by both %s and %s",
					name, prev, m.Name())
			}
			owner[name] = m.Name()
			fields[name] = field
		}
	}
	return fields, nil
}

// Tools collects tools contributed by all middlewares.
func (p *Pipeline) Tools() []tool.Tool {
	if p == nil {
		return nil
	}
	var tools []tool.Tool
	for _, m := range p.middlewares {
		if tc, ok := m.(ToolContributor); ok {
			tools = append(tools, tc.Tools()...)
		}
	}
	return tools
}

// ModelWrappers returns the model call wrappers in declaration order; the
// chain composes them right to left so the first middleware is outermost.
func (p *Pipeline) ModelWrappers() []graph.ModelCallWrapper {
	if p == nil {
		return nil
	}
	var wrappers []graph.ModelCallWrapper
	for _, m := range p.middlewares {
		if mw, ok := m.(ModelWrapper); ok {
			wrappers = append(wrappers, mw.WrapModelCall())
		}
	}
	return wrappers
}

// ToolWrappers returns the tool call wrappers in declaration order.
func (p *Pipeline) ToolWrappers() []graph.ToolCallWrapper {
	if p == nil {
		return nil
	}
	var wrappers []graph.ToolCallWrapper
	for _, m := range p.middlewares {
		if tw, ok := m.(ToolWrapper); ok {
			wrappers = append(wrappers, tw.WrapToolCall())
		}
	}
	return wrappers
}

// BeforeAgentHooks returns before-agent hooks in declaration order.
func (p *Pipeline) BeforeAgentHooks() []BeforeAgentHook {
	if p == nil {
		return nil
	}
	var hooks []BeforeAgentHook
	for _, m := range p.middlewares {
		if h, ok := m.(BeforeAgentHook); ok {
			hooks = append(hooks, h)
		}
	}
	return hooks
}

// BeforeModelHooks returns before-model hooks in declaration order.
func (p *Pipeline) BeforeModelHooks() []BeforeModelHook {
	if p == nil {
		return nil
	}
	var hooks []BeforeModelHook
	for _, m := range p.middlewares {
		if h, ok := m.(BeforeModelHook); ok {
			hooks = append(hooks, h)
		}
	}
	return hooks
}

// AfterModelHooks returns after-model hooks in reverse declaration order;
// the last returned hook is the one whose output feeds the router.
func (p *Pipeline) AfterModelHooks() []AfterModelHook {
	if p == nil {
		return nil
	}
	var hooks []AfterModelHook
	for _, m := range p.middlewares {
		if h, ok := m.(AfterModelHook); ok {
			hooks = append(hooks, h)
		}
	}
	for i, j := 0, len(hooks)-1; i < j; i, j = i+1, j-1 {
		hooks[i], hooks[j] = hooks[j], hooks[i]
	}
	return hooks
}

// AfterAgentHooks returns after-agent hooks in reverse declaration order.
func (p *Pipeline) AfterAgentHooks() []AfterAgentHook {
	if p == nil {
		return nil
	}
	var hooks []AfterAgentHook
	for _, m := range p.middlewares {
		if h, ok := m.(AfterAgentHook); ok {
			hooks = append(hooks, h)
		}
	}
	for i, j := 0, len(hooks)-1; i < j; i, j = i+1, j-1 {
		hooks[i], hooks[j] = hooks[j], hooks[i]
	}
	return hooks
}
