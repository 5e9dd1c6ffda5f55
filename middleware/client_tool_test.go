//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

package middleware

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhezhiming/xpert/event"
	"github.com/zhezhiming/xpert/graph"
	"github.com/zhezhiming/xpert/model"
)

func clientToolRequest(state graph.State, call model.ToolCall) *graph.ToolCallRequest {
	return &graph.ToolCallRequest{
		Call:      call,
		Arguments: call.Function.Arguments,
		State:     state,
	}
}

func passThrough(result any) graph.ToolCallHandler {
	return func(ctx context.Context, req *graph.ToolCallRequest) (any, error) {
		return result, nil
	}
}

func TestClientToolPausesRegisteredTools(t *testing.T) {
	c := NewClientTool("show_map")
	handler := c.WrapToolCall()(passThrough("server result"))

	call := makeCall("c1", "show_map", `{"lat":1,"lng":2}`)
	_, err := handler(context.Background(), clientToolRequest(graph.State{}, call))
	require.Error(t, err)

	ie, ok := graph.AsInterrupt(err)
	require.True(t, ok)
	assert.Equal(t, "client_tool:c1", ie.Key)
	payload := ie.Value.(map[string]any)
	assert.Equal(t, "client_tool", payload["type"])
	calls := payload["clientToolCalls"].([]model.ToolCall)
	require.Len(t, calls, 1)
	assert.Equal(t, "c1", calls[0].ID)
}

func TestClientToolPassesThroughServerTools(t *testing.T) {
	c := NewClientTool("show_map")
	handler := c.WrapToolCall()(passThrough("server result"))

	result, err := handler(context.Background(),
		clientToolRequest(graph.State{}, makeCall("c1", "search", `{}`)))
	require.NoError(t, err)
	assert.Equal(t, "server result", result)
}

func TestClientToolResumeReturnsToolMessage(t *testing.T) {
	c := NewClientTool("show_map")
	handler := c.WrapToolCall()(passThrough(nil))

	state := resumed(graph.State{}, map[string]any{
		"toolMessages": []map[string]any{{
			"tool_call_id": "c1",
			"content":      "map rendered",
		}},
	})
	result, err := handler(context.Background(),
		clientToolRequest(state, makeCall("c1", "show_map", `{}`)))
	require.NoError(t, err)

	msg := result.(model.Message)
	assert.Equal(t, model.RoleTool, msg.Role)
	assert.Equal(t, "c1", msg.ToolID)
	assert.Equal(t, "show_map", msg.ToolName)
	assert.Equal(t, "map rendered", msg.Content)
}

func TestClientToolResumeRejectsMismatchedID(t *testing.T) {
	c := NewClientTool("show_map")
	handler := c.WrapToolCall()(passThrough(nil))

	state := resumed(graph.State{}, map[string]any{
		"toolMessages": []map[string]any{{
			"tool_call_id": "other",
			"content":      "wrong call",
		}},
	})
	_, err := handler(context.Background(),
		clientToolRequest(state, makeCall("c1", "show_map", `{}`)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

func TestClientToolResumeRequiresExactlyOneMessage(t *testing.T) {
	c := NewClientTool("show_map")
	handler := c.WrapToolCall()(passThrough(nil))

	state := resumed(graph.State{}, map[string]any{"toolMessages": []map[string]any{}})
	_, err := handler(context.Background(),
		clientToolRequest(state, makeCall("c1", "show_map", `{}`)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one tool message")
}

func TestClientEffectEmitsAndReturnsResult(t *testing.T) {
	bus := event.NewBus(event.WithBufferSize(4))
	c := NewClientEffect(Effect{Name: "play_sound", Result: "played"})
	handler := c.WrapToolCall()(passThrough("never"))

	state := graph.State{
		graph.StateKeyExecContext: &graph.ExecContext{RunID: "run", Bus: bus},
	}
	result, err := handler(context.Background(),
		clientToolRequest(state, makeCall("c1", "play_sound", `{"name":"ding"}`)))
	require.NoError(t, err)
	assert.Equal(t, "played", result)

	bus.Close()
	var got []*event.Event
	for e := range bus.Events() {
		got = append(got, e)
	}
	require.Len(t, got, 1)
	assert.Equal(t, event.TypeClientEffect, got[0].Type)
	assert.Contains(t, got[0].Tags, "effect:play_sound")
}

func TestClientEffectDefaultsResultToOK(t *testing.T) {
	c := NewClientEffect(Effect{Name: "play_sound"})
	handler := c.WrapToolCall()(passThrough("never"))

	result, err := handler(context.Background(),
		clientToolRequest(graph.State{}, makeCall("c1", "play_sound", `{}`)))
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestClientEffectPassesThroughOtherTools(t *testing.T) {
	c := NewClientEffect(Effect{Name: "play_sound"})
	handler := c.WrapToolCall()(passThrough("server result"))

	result, err := handler(context.Background(),
		clientToolRequest(graph.State{}, makeCall("c1", "search", `{}`)))
	require.NoError(t, err)
	assert.Equal(t, "server result", result)
}
