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

func assistantWithCalls(calls ...model.ToolCall) model.Message {
	msg := model.NewAssistantMessage("")
	msg.ToolCalls = calls
	return msg
}

func makeCall(id, name, args string) model.ToolCall {
	return model.ToolCall{
		Type: "function",
		ID:   id,
		Function: model.FunctionDefinitionParam{
			Name:      name,
			Arguments: []byte(args),
		},
	}
}

func reviewState(assistant model.Message) graph.State {
	return graph.State{
		graph.AgentChannelKey("main"): &graph.AgentChannel{
			Messages: []model.Message{assistant},
		},
	}
}

func resumed(state graph.State, value any) graph.State {
	state[graph.ResumeChannel] = value
	return state
}

func TestHITLIgnoresMessagesWithoutReviewedCalls(t *testing.T) {
	h := NewHITL("main", map[string]ReviewConfig{"send_email": {}})

	// No tool calls at all.
	r, err := h.AfterModel(context.Background(), reviewState(model.NewAssistantMessage("plain answer")))
	require.NoError(t, err)
	assert.Nil(t, r)

	// Tool calls, none reviewed.
	r, err = h.AfterModel(context.Background(),
		reviewState(assistantWithCalls(makeCall("c1", "search", `{}`))))
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestHITLInterruptsWithActionRequests(t *testing.T) {
	h := NewHITL("main", map[string]ReviewConfig{
		"send_email": {Description: "sends mail on your behalf"},
	})

	state := reviewState(assistantWithCalls(makeCall("c1", "send_email", `{"to":"a@b.c"}`)))
	_, err := h.AfterModel(context.Background(), state)
	require.Error(t, err)

	ie, ok := graph.AsInterrupt(err)
	require.True(t, ok)
	payload := ie.Value.(map[string]any)
	assert.Equal(t, "hitl", payload["type"])
	requests := payload["actionRequests"].([]ActionRequest)
	require.Len(t, requests, 1)
	assert.Equal(t, "c1", requests[0].ID)
	assert.Equal(t, "send_email", requests[0].Name)
	assert.Equal(t, "a@b.c", requests[0].Args["to"])
}

func TestHITLApproveKeepsCall(t *testing.T) {
	h := NewHITL("main", map[string]ReviewConfig{"send_email": {}})

	assistant := assistantWithCalls(
		makeCall("c1", "search", `{}`),
		makeCall("c2", "send_email", `{"to":"a@b.c"}`),
	)
	state := resumed(reviewState(assistant), []Decision{{Type: DecisionApprove}})
	r, err := h.AfterModel(context.Background(), state)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Empty(t, r.JumpTo)

	msgs := r.Update[graph.StateKeyMessages].([]model.Message)
	require.Len(t, msgs, 1)
	// Same message id so the reducer replaces in place, both calls kept.
	assert.Equal(t, assistant.ID, msgs[0].ID)
	require.Len(t, msgs[0].ToolCalls, 2)
}

func TestHITLEditRewritesArguments(t *testing.T) {
	h := NewHITL("main", map[string]ReviewConfig{
		"send_email": {
			ArgsSchema: &tool.Schema{
				Type:     "object",
				Required: []string{"to"},
				Properties: map[string]*tool.Schema{
					"to": {Type: "string"},
				},
			},
		},
	})

	assistant := assistantWithCalls(makeCall("c1", "send_email", `{"to":"wrong@b.c"}`))
	state := resumed(reviewState(assistant), []Decision{{
		Type:   DecisionEdit,
		Action: &EditedAction{Name: "send_email", Args: map[string]any{"to": "right@b.c"}},
	}})
	r, err := h.AfterModel(context.Background(), state)
	require.NoError(t, err)

	msgs := r.Update[graph.StateKeyMessages].([]model.Message)
	call := msgs[0].ToolCalls[0]
	assert.Equal(t, "c1", call.ID)
	assert.JSONEq(t, `{"to":"right@b.c"}`, string(call.Function.Arguments))
}

func TestHITLEditValidatesAgainstSchema(t *testing.T) {
	h := NewHITL("main", map[string]ReviewConfig{
		"send_email": {
			ArgsSchema: &tool.Schema{
				Type:     "object",
				Required: []string{"to"},
				Properties: map[string]*tool.Schema{
					"to": {Type: "string"},
				},
			},
		},
	})

	assistant := assistantWithCalls(makeCall("c1", "send_email", `{"to":"a@b.c"}`))
	state := resumed(reviewState(assistant), []Decision{{
		Type:   DecisionEdit,
		Action: &EditedAction{Name: "send_email", Args: map[string]any{"subject": "no recipient"}},
	}})
	_, err := h.AfterModel(context.Background(), state)
	require.Error(t, err)
}

func TestHITLRejectFeedsErrorBackToModel(t *testing.T) {
	h := NewHITL("main", map[string]ReviewConfig{"send_email": {}})

	assistant := assistantWithCalls(makeCall("c1", "send_email", `{}`))
	state := resumed(reviewState(assistant), []Decision{{
		Type:    DecisionReject,
		Message: "do not email the CEO",
	}})
	r, err := h.AfterModel(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, JumpModel, r.JumpTo)

	msgs := r.Update[graph.StateKeyMessages].([]model.Message)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleTool, msgs[1].Role)
	assert.Equal(t, "c1", msgs[1].ToolID)
	assert.Equal(t, "do not email the CEO", msgs[1].Content)
	assert.Equal(t, model.StatusError, msgs[1].Status)
}

func TestHITLDecisionCountMustMatch(t *testing.T) {
	h := NewHITL("main", map[string]ReviewConfig{"send_email": {}, "delete_row": {}})

	assistant := assistantWithCalls(
		makeCall("c1", "send_email", `{}`),
		makeCall("c2", "delete_row", `{}`),
	)
	state := resumed(reviewState(assistant), []Decision{{Type: DecisionApprove}})
	_, err := h.AfterModel(context.Background(), state)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 2 review decisions")
}

func TestHITLDisallowedDecisionFails(t *testing.T) {
	h := NewHITL("main", map[string]ReviewConfig{
		"send_email": {AllowedDecisions: []string{DecisionApprove, DecisionReject}},
	})

	assistant := assistantWithCalls(makeCall("c1", "send_email", `{}`))
	state := resumed(reviewState(assistant), []Decision{{
		Type:   DecisionEdit,
		Action: &EditedAction{Name: "send_email"},
	}})
	_, err := h.AfterModel(context.Background(), state)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not allowed")
}

func TestParseDecisionsFromJSONShapes(t *testing.T) {
	decisions, err := parseDecisions([]any{
		map[string]any{"type": "approve"},
		map[string]any{"type": "reject", "message": "no"},
	})
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	assert.Equal(t, DecisionApprove, decisions[0].Type)
	assert.Equal(t, "no", decisions[1].Message)

	decisions, err = parseDecisions(map[string]any{
		"decisions": []any{map[string]any{"type": "approve"}},
	})
	require.NoError(t, err)
	require.Len(t, decisions, 1)

	_, err = parseDecisions(42)
	require.Error(t, err)
}
