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

	"github.com/zhezhiming/xpert/graph"
	"github.com/zhezhiming/xpert/model"
	"github.com/zhezhiming/xpert/tool"
)

// declTool is a non-callable tool with just a declaration.
type declTool struct{ name string }

func (t declTool) Declaration() *tool.Declaration {
	return &tool.Declaration{Name: t.name, Description: "does " + t.name}
}

func toolMap(names ...string) map[string]tool.Tool {
	m := make(map[string]tool.Tool, len(names))
	for _, n := range names {
		m[n] = declTool{n}
	}
	return m
}

func selectorRequest(tools map[string]tool.Tool) *graph.ModelRequest {
	return &graph.ModelRequest{
		Model: &stubModel{content: "main answer"},
		Request: &model.Request{
			Messages: []model.Message{model.NewUserMessage("find flights to Lisbon")},
			Tools:    tools,
		},
	}
}

func mainCall(req *graph.ModelRequest) (model.Message, error) {
	return model.NewAssistantMessage("main answer"), nil
}

func TestToolSelectorSkipsSmallToolSets(t *testing.T) {
	selector := &stubModel{content: `{"tools":[]}`}
	s := NewLLMToolSelector(selector, 5)
	handler := s.WrapModelCall()(func(ctx context.Context, req *graph.ModelRequest) (model.Message, error) {
		return mainCall(req)
	})

	req := selectorRequest(toolMap("a", "b"))
	_, err := handler(context.Background(), req)
	require.NoError(t, err)
	assert.Zero(t, len(selector.requests))
	assert.Len(t, req.Request.Tools, 2)
}

func TestToolSelectorTrimsOversizedToolSets(t *testing.T) {
	selector := &stubModel{content: `{"tools":["flights","hotels","weather","currency"]}`}
	s := NewLLMToolSelector(selector, 3, "search")
	handler := s.WrapModelCall()(func(ctx context.Context, req *graph.ModelRequest) (model.Message, error) {
		return mainCall(req)
	})

	req := selectorRequest(toolMap("flights", "hotels", "weather", "currency", "search"))
	_, err := handler(context.Background(), req)
	require.NoError(t, err)

	// The cap truncates the selection alone; the always-include set rides
	// along on top of it.
	assert.Len(t, req.Request.Tools, 4)
	assert.Contains(t, req.Request.Tools, "flights")
	assert.Contains(t, req.Request.Tools, "hotels")
	assert.Contains(t, req.Request.Tools, "weather")
	assert.Contains(t, req.Request.Tools, "search")
	assert.NotContains(t, req.Request.Tools, "currency")

	// The selector saw the catalog and the user's question.
	require.Len(t, selector.requests, 1)
	sent := selector.requests[0].Messages
	require.Len(t, sent, 2)
	assert.Contains(t, sent[0].Content, "flights")
	assert.Equal(t, "find flights to Lisbon", sent[1].Content)
	require.NotNil(t, selector.requests[0].ResponseFormat)
}

func TestToolSelectorValidatesBeyondTheCap(t *testing.T) {
	// Unknown names are fatal even when they fall past the truncation point.
	selector := &stubModel{content: `{"tools":["a","b","made_up_tool"]}`}
	s := NewLLMToolSelector(selector, 2)
	handler := s.WrapModelCall()(func(ctx context.Context, req *graph.ModelRequest) (model.Message, error) {
		return mainCall(req)
	})

	_, err := handler(context.Background(), selectorRequest(toolMap("a", "b", "c")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tool")
}

func TestToolSelectorRejectsUnknownSelection(t *testing.T) {
	selector := &stubModel{content: `{"tools":["made_up_tool"]}`}
	s := NewLLMToolSelector(selector, 1)
	handler := s.WrapModelCall()(func(ctx context.Context, req *graph.ModelRequest) (model.Message, error) {
		return mainCall(req)
	})

	_, err := handler(context.Background(), selectorRequest(toolMap("a", "b")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tool")
}

func TestToolSelectorFallsBackToMainModel(t *testing.T) {
	// No dedicated selector model: the request's own model selects.
	s := NewLLMToolSelector(nil, 1)
	main := &stubModel{content: `{"tools":["a"]}`}
	handler := s.WrapModelCall()(func(ctx context.Context, req *graph.ModelRequest) (model.Message, error) {
		return mainCall(req)
	})

	req := selectorRequest(toolMap("a", "b"))
	req.Model = main
	_, err := handler(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, req.Request.Tools, 1)
	assert.Contains(t, req.Request.Tools, "a")
}
