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
)

// stubModel returns a fixed final message for every call.
type stubModel struct {
	content  string
	err      error
	requests []*model.Request
}

func (m *stubModel) GenerateContent(ctx context.Context, req *model.Request) (<-chan *model.Response, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	ch := make(chan *model.Response, 1)
	ch <- &model.Response{Choices: []model.Choice{{
		Message: model.NewAssistantMessage(m.content),
	}}}
	close(ch)
	return ch, nil
}

func (m *stubModel) Info() model.Info { return model.Info{Name: "stub", Provider: "test"} }

type namedMiddleware struct{ name string }

func (m namedMiddleware) Name() string { return m.name }

type channelMiddleware struct {
	namedMiddleware
	channel string
}

func (m channelMiddleware) StateFields() map[string]graph.StateField {
	return map[string]graph.StateField{
		m.channel: {Reducer: graph.DefaultReducer},
	}
}

func TestPipelineRejectsDuplicateNames(t *testing.T) {
	_, err := NewPipeline(namedMiddleware{"a"}, namedMiddleware{"a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")

	_, err = NewPipeline(namedMiddleware{""})
	require.Error(t, err)
}

func TestPipelineStateFieldConflict(t *testing.T) {
	p, err := NewPipeline(
		channelMiddleware{namedMiddleware{"a"}, "shared"},
		channelMiddleware{namedMiddleware{"b"}, "shared"},
	)
	require.NoError(t, err)
	_, err = p.StateFields()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shared")
}

type taggingHook struct {
	namedMiddleware
	tag string
}

func (h taggingHook) AfterModel(ctx context.Context, state graph.State) (*HookResult, error) {
	return &HookResult{Update: graph.State{"last_hook": h.tag}}, nil
}

func TestPipelineAfterHooksReverseOrder(t *testing.T) {
	p, err := NewPipeline(
		taggingHook{namedMiddleware{"first"}, "first"},
		taggingHook{namedMiddleware{"second"}, "second"},
	)
	require.NoError(t, err)

	hooks := p.AfterModelHooks()
	require.Len(t, hooks, 2)
	r, err := hooks[0].AfterModel(context.Background(), graph.State{})
	require.NoError(t, err)
	assert.Equal(t, "second", r.Update["last_hook"])
}

func TestNilPipelineAccessorsAreEmpty(t *testing.T) {
	var p *Pipeline
	assert.Nil(t, p.Middlewares())
	fields, err := p.StateFields()
	require.NoError(t, err)
	assert.Nil(t, fields)
	assert.Nil(t, p.Tools())
	assert.Nil(t, p.ModelWrappers())
	assert.Nil(t, p.ToolWrappers())
}

func TestTodoListContributesChannelAndTool(t *testing.T) {
	todo := NewTodoList()
	fields := todo.StateFields()
	require.Contains(t, fields, StateKeyTodos)

	tools := todo.Tools()
	require.Len(t, tools, 1)
	assert.Equal(t, "write_todos", tools[0].Declaration().Name)
}

func TestTodoListWriteReplacesList(t *testing.T) {
	todo := NewTodoList()
	callable := todo.tool

	result, err := callable.Call(context.Background(),
		[]byte(`{"todos":[{"content":"ship it","status":"in_progress"}]}`))
	require.NoError(t, err)

	cmd, ok := result.(*graph.Command)
	require.True(t, ok)
	items, ok := cmd.Update[StateKeyTodos].([]TodoItem)
	require.True(t, ok)
	require.Len(t, items, 1)
	assert.Equal(t, "ship it", items[0].Content)
}
