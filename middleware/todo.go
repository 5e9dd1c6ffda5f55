//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

package middleware

import (
	"context"
	"reflect"

	"github.com/zhezhiming/xpert/graph"
	"github.com/zhezhiming/xpert/tool"
	"github.com/zhezhiming/xpert/tool/function"
)

// StateKeyTodos is the channel the todo middleware contributes.
const StateKeyTodos = "todos"

// TodoItem is one entry of the agent's working plan.
type TodoItem struct {
	Content string `json:"content" description:"what needs to be done"`
	Status  string `json:"status" description:"pending, in_progress, or completed"`
}

type writeTodosInput struct {
	Todos []TodoItem `json:"todos" description:"the full todo list, replacing the previous one"`
}

// TodoList gives the agent a persistent plan: it contributes a "todos"
// state channel and a write_todos tool that replaces the list wholesale.
type TodoList struct {
	tool tool.CallableTool
}

// NewTodoList creates the middleware.
func NewTodoList() *TodoList {
	t := &TodoList{}
	t.tool = function.New(t.writeTodos,
		function.WithName("write_todos"),
		function.WithDescription("Replace the working todo list. Pass the complete list every time; omitted items are dropped."),
	)
	return t
}

// Name implements Middleware.
func (t *TodoList) Name() string { return "todo_list" }

// StateFields implements StateContributor.
func (t *TodoList) StateFields() map[string]graph.StateField {
	return map[string]graph.StateField{
		StateKeyTodos: {
			Type:    reflect.TypeOf([]TodoItem{}),
			Reducer: graph.DefaultReducer,
			Default: func() any { return []TodoItem{} },
		},
	}
}

// Tools implements ToolContributor.
func (t *TodoList) Tools() []tool.Tool {
	return []tool.Tool{t.tool}
}

func (t *TodoList) writeTodos(ctx context.Context, in writeTodosInput) (any, error) {
	return &graph.Command{
		Update: graph.State{StateKeyTodos: in.Todos},
	}, nil
}
