//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

package middleware

import (
	"context"
	"encoding/json"

	"github.com/zhezhiming/xpert/event"
	"github.com/zhezhiming/xpert/graph"
)

// Effect is a fire-and-forget client-side action: the call streams an
// on_client_effect event and the model immediately receives the configured
// result, without pausing the run.
type Effect struct {
	// Name is the tool name the effect intercepts.
	Name string
	// Result is returned to the model as the tool's output.
	Result string
}

// ClientEffect streams client effects for registered tool names.
type ClientEffect struct {
	effects map[string]Effect
}

// NewClientEffect creates the middleware for the given effects.
func NewClientEffect(effects ...Effect) *ClientEffect {
	m := make(map[string]Effect, len(effects))
	for _, e := range effects {
		m[e.Name] = e
	}
	return &ClientEffect{effects: m}
}

// Name implements Middleware.
func (c *ClientEffect) Name() string { return "client_effect" }

// WrapToolCall implements ToolWrapper.
func (c *ClientEffect) WrapToolCall() graph.ToolCallWrapper {
	return func(next graph.ToolCallHandler) graph.ToolCallHandler {
		return func(ctx context.Context, req *graph.ToolCallRequest) (any, error) {
			effect, ok := c.effects[req.Call.Function.Name]
			if !ok {
				return next(ctx, req)
			}
			execCtx := graph.ExecContextFromState(req.State)
			execCtx.EmitTagged(ctx, event.TypeClientEffect,
				[]string{"effect:" + effect.Name}, map[string]any{
					"name":       effect.Name,
					"toolCallId": req.Call.ID,
					"args":       json.RawMessage(req.Call.Function.Arguments),
				})
			result := effect.Result
			if result == "" {
				result = "ok"
			}
			return result, nil
		}
	}
}
