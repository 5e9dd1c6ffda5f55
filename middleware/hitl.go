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
	"github.com/zhezhiming/xpert/tool"
)

// Review decisions.
const (
	DecisionApprove = "approve"
	DecisionEdit    = "edit"
	DecisionReject  = "reject"
)

// hitlInterruptKey identifies the review interrupt within the agent loop.
const hitlInterruptKey = "hitl"

// ReviewConfig declares how one tool is reviewed before execution.
type ReviewConfig struct {
	// AllowedDecisions restricts what the reviewer may do; empty allows all.
	AllowedDecisions []string `json:"allowedDecisions,omitempty"`
	// Description is shown to the reviewer alongside the action.
	Description string `json:"description,omitempty"`
	// ArgsSchema validates edited arguments when present.
	ArgsSchema *tool.Schema `json:"argsSchema,omitempty"`
}

func (c ReviewConfig) allows(decision string) bool {
	if len(c.AllowedDecisions) == 0 {
		return decision == DecisionApprove || decision == DecisionEdit || decision == DecisionReject
	}
	for _, d := range c.AllowedDecisions {
		if d == decision {
			return true
		}
	}
	return false
}

// ActionRequest is one reviewed tool call surfaced to the human.
type ActionRequest struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Args        map[string]any `json:"args,omitempty"`
	Description string         `json:"description,omitempty"`
	Review      ReviewConfig   `json:"review"`
}

// Decision is the reviewer's verdict for one action, paired 1:1 with the
// interrupt's action requests.
type Decision struct {
	Type string `json:"type"`
	// Action carries the replacement name/args for an edit decision.
	Action *EditedAction `json:"action,omitempty"`
	// Message is the optional human note attached to a rejection.
	Message string `json:"message,omitempty"`
}

// EditedAction is the replacement call of an edit decision; the original
// tool call id is always kept.
type EditedAction struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// HITL is the human-in-the-loop middleware: after each model call it
// inspects the pending tool calls, and for every call matching interruptOn
// it pauses the run with a review interrupt. The resume must carry exactly
// one decision per reviewed call.
type HITL struct {
	agentKey    string
	interruptOn map[string]ReviewConfig
}

// NewHITL creates the middleware for the given agent channel.
func NewHITL(agentKey string, interruptOn map[string]ReviewConfig) *HITL {
	return &HITL{agentKey: agentKey, interruptOn: interruptOn}
}

// Name implements Middleware.
func (h *HITL) Name() string { return "human_in_the_loop" }

// AfterModel implements AfterModelHook. It returns a fresh assistant
// message carrying the surviving tool calls; the original message is
// replaced in place by id so downstream checkpoints observe the rewrite.
func (h *HITL) AfterModel(ctx context.Context, state graph.State) (*HookResult, error) {
	ch := graph.GetAgentChannel(state, h.agentKey)
	last, ok := ch.LastMessage()
	if !ok || last.Role != model.RoleAssistant || len(last.ToolCalls) == 0 {
		return nil, nil
	}

	var requests []ActionRequest
	var reviewed []model.ToolCall
	for _, call := range last.ToolCalls {
		cfg, match := h.interruptOn[call.Function.Name]
		if !match {
			continue
		}
		var args map[string]any
		if len(call.Function.Arguments) > 0 {
			if err := json.Unmarshal(call.Function.Arguments, &args); err != nil {
				return nil, fmt.Errorf("tool call %s has invalid arguments: %w", call.ID, err)
			}
		}
		requests = append(requests, ActionRequest{
			ID:          call.ID,
			Name:        call.Function.Name,
			Args:        args,
			Description: cfg.Description,
			Review:      cfg,
		})
		reviewed = append(reviewed, call)
	}
	if len(requests) == 0 {
		return nil, nil
	}

	value, err := graph.Interrupt(ctx, state, hitlInterruptKey, map[string]any{
		"type":           "hitl",
		"actionRequests": requests,
	})
	if err != nil {
		return nil, err
	}
	decisions, err := parseDecisions(value)
	if err != nil {
		return nil, err
	}
	if len(decisions) != len(reviewed) {
		return nil, fmt.Errorf("expected %d review decisions, got %d", len(reviewed), len(decisions))
	}
	return h.applyDecisions(last, reviewed, decisions)
}

// applyDecisions rewrites the assistant message according to the verdicts.
func (h *HITL) applyDecisions(last model.Message, reviewed []model.ToolCall, decisions []Decision) (*HookResult, error) {
	reviewedIDs := make(map[string]int, len(reviewed))
	for i, call := range reviewed {
		reviewedIDs[call.ID] = i
	}

	var kept []model.ToolCall
	var rejected []model.ToolCall
	var toolMessages []model.Message
	for _, call := range last.ToolCalls {
		i, isReviewed := reviewedIDs[call.ID]
		if !isReviewed {
			kept = append(kept, call)
			continue
		}
		decision := decisions[i]
		cfg := h.interruptOn[call.Function.Name]
		if !cfg.allows(decision.Type) {
			return nil, fmt.Errorf("decision %q is not allowed for tool %s", decision.Type, call.Function.Name)
		}
		switch decision.Type {
		case DecisionApprove:
			kept = append(kept, call)
		case DecisionEdit:
			if decision.Action == nil {
				return nil, fmt.Errorf("edit decision for tool call %s carries no action", call.ID)
			}
			if cfg.ArgsSchema != nil {
				if err := cfg.ArgsSchema.Validate(decision.Action.Args); err != nil {
					return nil, fmt.Errorf("edited arguments for %s: %w", call.ID, err)
				}
			}
			args, err := json.Marshal(decision.Action.Args)
			if err != nil {
				return nil, fmt.Errorf("encode edited arguments: %w", err)
			}
			edited := call
			edited.Function.Name = decision.Action.Name
			edited.Function.Arguments = args
			kept = append(kept, edited)
		case DecisionReject:
			rejected = append(rejected, call)
			content := "Tool call rejected by reviewer."
			if decision.Message != "" {
				content = decision.Message
			}
			toolMessages = append(toolMessages,
				model.NewErrorToolMessage(call.ID, call.Function.Name, content))
		default:
			return nil, fmt.Errorf("unknown review decision %q", decision.Type)
		}
	}

	// A fresh message replaces the original by id; rejections keep only the
	// rejected calls so their error responses correlate, and jump back to
	// the model so it can react.
	rewritten := last
	jumpTo := ""
	if len(rejected) > 0 {
		rewritten.ToolCalls = rejected
		jumpTo = JumpModel
	} else {
		rewritten.ToolCalls = kept
	}
	messages := append([]model.Message{rewritten}, toolMessages...)
	update := graph.State{
		graph.StateKeyMessages: messages,
		graph.AgentChannelKey(h.agentKey): &graph.AgentChannelUpdate{
			Messages: messages,
		},
	}
	return &HookResult{Update: update, JumpTo: jumpTo}, nil
}

// parseDecisions accepts either typed decisions or the JSON shapes a
// resume payload arrives in.
func parseDecisions(value any) ([]Decision, error) {
	switch v := value.(type) {
	case []Decision:
		return v, nil
	case map[string]any:
		if inner, ok := v["decisions"]; ok {
			return parseDecisions(inner)
		}
		return nil, fmt.Errorf("resume payload carries no decisions")
	case []any:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var decisions []Decision
		if err := json.Unmarshal(raw, &decisions); err != nil {
			return nil, fmt.Errorf("decode review decisions: %w", err)
		}
		return decisions, nil
	default:
		return nil, fmt.Errorf("unsupported resume payload type %T", value)
	}
}
