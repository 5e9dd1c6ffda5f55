//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/zhezhiming/xpert/event"
	"github.com/zhezhiming/xpert/ledger"
	"github.com/zhezhiming/xpert/log"
	"github.com/zhezhiming/xpert/model"
	"github.com/zhezhiming/xpert/tool"
)

// Variable assigner sources.
const (
	AssignSourceContent  = "content"
	AssignSourceConstant = "constant"
)

// VariableAssigner copies part of a tool result into a state channel after
// the call succeeds. Path is a gjson path into the JSON result; an empty
// path takes the whole content.
type VariableAssigner struct {
	// Channel is the state channel written to.
	Channel string
	// Path selects a fragment of the JSON result (gjson syntax).
	Path string
	// Source is "content" (default) or "constant".
	Source string
	// Constant is the written value for the constant source.
	Constant any
}

// ToolsNodeConfig configures a tool-executing node.
type ToolsNodeConfig struct {
	// Tools is the set the node may execute, keyed by name. Tool calls
	// naming other tools are left for sibling tool nodes.
	Tools map[string]tool.Tool
	// AgentKey names the agent channel results are appended to.
	AgentKey string
	// Wrappers decorate each tool call, outermost first.
	Wrappers []ToolCallWrapper
	// HandleToolErrors converts tool failures into error tool messages the
	// model can react to instead of failing the run.
	HandleToolErrors bool
	// Timeouts bounds individual tool calls by tool name.
	Timeouts map[string]time.Duration
	// Assigners copy tool results into state channels.
	Assigners map[string][]VariableAssigner
}

// NewToolsNodeFunc builds the node function that executes the tool calls of
// the last assistant message. Results append to the shared history and the
// agent channel; a tool returning a *Command can additionally steer routing.
func NewToolsNodeFunc(cfg ToolsNodeConfig) NodeFunc {
	return func(ctx context.Context, state State) (any, error) {
		execCtx := ExecContextFromState(state)
		nodeID, _ := state[StateKeyCurrentNodeID].(string)
		calls := pendingToolCalls(state, cfg)
		if len(calls) == 0 {
			return nil, nil
		}

		var results []model.Message
		update := State{}
		var goTo string
		for _, call := range calls {
			msg, cmdUpdate, cmdGoTo, err := executeToolCall(ctx, cfg, execCtx, nodeID, call, state)
			if err != nil {
				return nil, err
			}
			results = append(results, msg)
			for k, v := range cmdUpdate {
				update[k] = v
			}
			if cmdGoTo != "" {
				goTo = cmdGoTo
			}
		}

		update[StateKeyMessages] = results
		if cfg.AgentKey != "" {
			update[AgentChannelKey(cfg.AgentKey)] = &AgentChannelUpdate{Messages: results}
		}
		if goTo != "" {
			return &Command{Update: update, GoTo: goTo}, nil
		}
		return update, nil
	}
}

// pendingToolCalls returns the calls of the last assistant message that
// this node's tool set covers and that have no tool response yet.
func pendingToolCalls(state State, cfg ToolsNodeConfig) []model.ToolCall {
	messages := historyFor(state, cfg.AgentKey)
	answered := make(map[string]bool)
	var lastAssistant *model.Message
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role == model.RoleTool {
			answered[m.ToolID] = true
			continue
		}
		if m.Role == model.RoleAssistant {
			lastAssistant = &messages[i]
			break
		}
	}
	if lastAssistant == nil {
		return nil
	}
	var calls []model.ToolCall
	for _, call := range lastAssistant.ToolCalls {
		if answered[call.ID] {
			continue
		}
		if _, ok := cfg.Tools[call.Function.Name]; !ok {
			continue
		}
		calls = append(calls, call)
	}
	return calls
}

func historyFor(state State, agentKey string) []model.Message {
	if agentKey != "" {
		if ch := GetAgentChannel(state, agentKey); len(ch.Messages) > 0 {
			return ch.Messages
		}
	}
	msgs, _ := state[StateKeyMessages].([]model.Message)
	return msgs
}

// executeToolCall runs one call through the wrapper chain and normalizes
// its result into a tool message, plus any state update and routing the
// tool requested by returning a *Command.
func executeToolCall(ctx context.Context, cfg ToolsNodeConfig, execCtx *ExecContext,
	nodeID string, call model.ToolCall, state State) (model.Message, State, string, error) {
	name := call.Function.Name
	callable, _ := cfg.Tools[name].(tool.CallableTool)

	entry := ledger.NewExecution(execCtx.RunID, ledger.CategoryTool)
	entry.AgentKey = cfg.AgentKey
	entry.NodeID = nodeID
	entry.Title = name
	entry.Inputs = map[string]any{"arguments": string(call.Function.Arguments)}
	record := func() {
		if execCtx.Recorder != nil {
			if err := execCtx.Recorder.Record(ctx, entry); err != nil {
				log.Warnf("record tool execution: %v", err)
			}
		}
	}

	tags := []string{"agent:" + cfg.AgentKey, "tool:" + name}
	execCtx.EmitTagged(ctx, event.TypeToolStart, tags, map[string]any{
		"toolCallId": call.ID,
		"name":       name,
		"arguments":  json.RawMessage(call.Function.Arguments),
	})

	handler := ChainToolCall(func(ctx context.Context, req *ToolCallRequest) (any, error) {
		if req.Tool == nil {
			return nil, fmt.Errorf("tool %s is not callable", name)
		}
		if timeout, ok := cfg.Timeouts[name]; ok && timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if sa, ok := req.Tool.(tool.StateAwareTool); ok {
			return sa.CallWithState(ctx, req.Arguments, req.State)
		}
		return req.Tool.Call(ctx, req.Arguments)
	}, cfg.Wrappers)

	result, err := handler(ctx, &ToolCallRequest{
		Tool:      callable,
		Call:      call,
		Arguments: call.Function.Arguments,
		State:     state,
		NodeID:    nodeID,
		AgentKey:  cfg.AgentKey,
	})
	if err != nil {
		if _, isInterrupt := AsInterrupt(err); isInterrupt {
			return model.Message{}, nil, "", err
		}
		entry.Finish(err)
		record()
		execCtx.EmitTagged(ctx, event.TypeToolError, tags, map[string]any{
			"toolCallId": call.ID,
			"name":       name,
			"error":      err.Error(),
		})
		if !cfg.HandleToolErrors {
			return model.Message{}, nil, "", NewError(ErrorTypeTool, nodeID, err)
		}
		return model.NewErrorToolMessage(call.ID, name, err.Error()), nil, "", nil
	}

	msg, cmdUpdate, goTo := normalizeToolResult(call, name, result)
	entry.Outputs = map[string]any{"content": msg.Content}
	entry.Finish(nil)
	record()
	execCtx.EmitTagged(ctx, event.TypeToolEnd, tags, map[string]any{
		"toolCallId": call.ID,
		"name":       name,
		"content":    msg.Content,
	})
	update := applyAssigners(cfg.Assigners[name], msg.Content, cmdUpdate)
	return msg, update, goTo, nil
}

// normalizeToolResult converts a raw tool return value into the tool
// message appended to history.
func normalizeToolResult(call model.ToolCall, name string, result any) (model.Message, State, string) {
	switch r := result.(type) {
	case model.Message:
		if r.ToolID == "" {
			r.ToolID = call.ID
		}
		if r.ToolName == "" {
			r.ToolName = name
		}
		return r, nil, ""
	case *Command:
		content := "ok"
		if r.Update != nil {
			if raw, err := json.Marshal(stripInternalKeys(r.Update)); err == nil {
				content = string(raw)
			}
		}
		return model.NewToolMessage(call.ID, name, content), r.Update, r.GoTo
	case string:
		return model.NewToolMessage(call.ID, name, r), nil, ""
	case nil:
		return model.NewToolMessage(call.ID, name, "null"), nil, ""
	default:
		raw, err := json.Marshal(r)
		if err != nil {
			return model.NewToolMessage(call.ID, name, fmt.Sprintf("%v", r)), nil, ""
		}
		return model.NewToolMessage(call.ID, name, string(raw)), nil, ""
	}
}

// applyAssigners copies fragments of the tool result into state channels.
func applyAssigners(assigners []VariableAssigner, content string, base State) State {
	if len(assigners) == 0 {
		return base
	}
	update := State{}
	for k, v := range base {
		update[k] = v
	}
	for _, a := range assigners {
		switch a.Source {
		case AssignSourceConstant:
			update[a.Channel] = a.Constant
		default:
			if a.Path == "" {
				update[a.Channel] = content
				continue
			}
			res := gjson.Get(content, a.Path)
			if res.Exists() {
				update[a.Channel] = res.Value()
			}
		}
	}
	return update
}
