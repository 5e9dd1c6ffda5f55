//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

package graph

import (
	"context"

	"github.com/zhezhiming/xpert/event"
	"github.com/zhezhiming/xpert/ledger"
	"github.com/zhezhiming/xpert/model"
	"github.com/zhezhiming/xpert/tool"
)

// ExecContext is the per-run execution context threaded through the state
// under StateKeyExecContext. It is runtime-only and never checkpointed.
type ExecContext struct {
	// RunID identifies the run.
	RunID string
	// LineageID keys the run's checkpoints.
	LineageID string
	// Namespace is the run's checkpoint namespace.
	Namespace string
	// Bus receives streaming events; nil disables streaming.
	Bus *event.Bus
	// Recorder receives execution ledger entries; nil disables recording.
	Recorder ledger.Recorder
	// Tags is the tag path prefix of the current scope (agent nesting).
	Tags []string
	// Lang selects localized user-facing error messages.
	Lang string
}

// ExecContextFromState reads the execution context from state.
func ExecContextFromState(state State) *ExecContext {
	if ec, ok := state[StateKeyExecContext].(*ExecContext); ok {
		return ec
	}
	return &ExecContext{}
}

// Emit publishes an event to the run's bus, if one is attached.
func (ec *ExecContext) Emit(ctx context.Context, t event.Type, opts ...event.Option) {
	if ec == nil || ec.Bus == nil {
		return
	}
	opts = append(opts, event.WithTags(ec.Tags...))
	_ = ec.Bus.Publish(ctx, event.New(ec.RunID, t, opts...))
}

// EmitTagged publishes an event with extra tags appended to the scope path.
func (ec *ExecContext) EmitTagged(ctx context.Context, t event.Type, extraTags []string, data any) {
	if ec == nil || ec.Bus == nil {
		return
	}
	tags := make([]string, 0, len(ec.Tags)+len(extraTags))
	tags = append(tags, ec.Tags...)
	tags = append(tags, extraTags...)
	_ = ec.Bus.Publish(ctx, event.New(ec.RunID, t,
		event.WithTags(tags...), event.WithData(data)))
}

// Child returns a copy of the context with an extra tag scope.
func (ec *ExecContext) Child(tag string) *ExecContext {
	if ec == nil {
		return &ExecContext{Tags: []string{tag}}
	}
	tags := make([]string, 0, len(ec.Tags)+1)
	tags = append(tags, ec.Tags...)
	tags = append(tags, tag)
	return &ExecContext{
		RunID:     ec.RunID,
		LineageID: ec.LineageID,
		Namespace: ec.Namespace,
		Bus:       ec.Bus,
		Recorder:  ec.Recorder,
		Tags:      tags,
		Lang:      ec.Lang,
	}
}

// ModelRequest is the mutable request passed through model call wrappers.
type ModelRequest struct {
	// Model performs the call; wrappers may swap it.
	Model model.Model
	// Request is the outgoing model request.
	Request *model.Request
	// State is the state visible to the node at call time.
	State State
	// NodeID is the calling node.
	NodeID string
	// AgentKey is the agent the node belongs to.
	AgentKey string
}

// ModelCallHandler performs a model call and returns the final message.
type ModelCallHandler func(ctx context.Context, req *ModelRequest) (model.Message, error)

// ModelCallWrapper decorates a model call handler. Wrappers compose
// right to left: the first wrapper in a slice is outermost.
type ModelCallWrapper func(next ModelCallHandler) ModelCallHandler

// ChainModelCall composes wrappers around a base handler.
func ChainModelCall(base ModelCallHandler, wrappers []ModelCallWrapper) ModelCallHandler {
	handler := base
	for i := len(wrappers) - 1; i >= 0; i-- {
		handler = wrappers[i](handler)
	}
	return handler
}

// ToolCallRequest is the mutable request passed through tool call wrappers.
type ToolCallRequest struct {
	// Tool is the resolved tool; wrappers may swap it.
	Tool tool.CallableTool
	// Call is the model's tool call being executed.
	Call model.ToolCall
	// Arguments is the raw argument payload; wrappers may rewrite it.
	Arguments []byte
	// State is the state visible to the node at call time.
	State State
	// NodeID is the calling node.
	NodeID string
	// AgentKey is the agent the node belongs to.
	AgentKey string
}

// ToolCallHandler executes a tool call and returns its raw result.
type ToolCallHandler func(ctx context.Context, req *ToolCallRequest) (any, error)

// ToolCallWrapper decorates a tool call handler. Wrappers compose right to
// left: the first wrapper in a slice is outermost.
type ToolCallWrapper func(next ToolCallHandler) ToolCallHandler

// ChainToolCall composes wrappers around a base handler.
func ChainToolCall(base ToolCallHandler, wrappers []ToolCallWrapper) ToolCallHandler {
	handler := base
	for i := len(wrappers) - 1; i >= 0; i-- {
		handler = wrappers[i](handler)
	}
	return handler
}
