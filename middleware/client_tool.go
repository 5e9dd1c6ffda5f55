//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

package middleware

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zhezhiming/xpert/graph"
	"github.com/zhezhiming/xpert/model"
)

// ClientTool executes tools on the client instead of the server. When a
// wrapped call targets a client-side tool, the run pauses with a
// client-tool interrupt carrying the call; the resume payload must contain
// exactly one tool message whose tool_call_id matches the original.
type ClientTool struct {
	// names are additional tool names forced to the client; tools whose
	// declaration is flagged ClientSide are routed regardless.
	names map[string]bool
}

// NewClientTool creates the middleware. Tool names given here are routed
// to the client even if their declarations are not flagged client-side.
func NewClientTool(names ...string) *ClientTool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return &ClientTool{names: set}
}

// Name implements Middleware.
func (c *ClientTool) Name() string { return "client_tool" }

// WrapToolCall implements ToolWrapper.
func (c *ClientTool) WrapToolCall() graph.ToolCallWrapper {
	return func(next graph.ToolCallHandler) graph.ToolCallHandler {
		return func(ctx context.Context, req *graph.ToolCallRequest) (any, error) {
			if !c.isClientSide(req) {
				return next(ctx, req)
			}
			value, err := graph.Interrupt(ctx, req.State,
				"client_tool:"+req.Call.ID, map[string]any{
					"type": "client_tool",
					"clientToolCalls": []model.ToolCall{{
						Type:     req.Call.Type,
						ID:       req.Call.ID,
						Function: req.Call.Function,
					}},
				})
			if err != nil {
				return nil, err
			}
			return c.parseResponse(req.Call, value)
		}
	}
}

func (c *ClientTool) isClientSide(req *graph.ToolCallRequest) bool {
	if c.names[req.Call.Function.Name] {
		return true
	}
	if req.Tool != nil && req.Tool.Declaration() != nil {
		return req.Tool.Declaration().ClientSide
	}
	return false
}

// parseResponse validates the resume payload: exactly one tool message
// whose id matches the original call.
func (c *ClientTool) parseResponse(call model.ToolCall, value any) (model.Message, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return model.Message{}, fmt.Errorf("encode client tool response: %w", err)
	}
	var payload struct {
		ToolMessages []model.Message `json:"toolMessages"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return model.Message{}, fmt.Errorf("decode client tool response: %w", err)
	}
	if len(payload.ToolMessages) != 1 {
		return model.Message{}, fmt.Errorf("client tool response must carry exactly one tool message, got %d", len(payload.ToolMessages))
	}
	msg := payload.ToolMessages[0]
	if msg.ToolID == "" {
		return model.Message{}, fmt.Errorf("client tool response for %s is missing tool_call_id", call.ID)
	}
	if msg.ToolID != call.ID {
		return model.Message{}, fmt.Errorf("client tool response id %s does not match call %s", msg.ToolID, call.ID)
	}
	msg.Role = model.RoleTool
	if msg.ToolName == "" {
		msg.ToolName = call.Function.Name
	}
	return msg, nil
}
