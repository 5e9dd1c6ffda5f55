//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/zhezhiming/xpert/event"
	"github.com/zhezhiming/xpert/ledger"
	"github.com/zhezhiming/xpert/log"
	"github.com/zhezhiming/xpert/model"
	"github.com/zhezhiming/xpert/tool"
)

// Error handling strategies for model nodes.
const (
	// ErrorHandlingDefaultValue substitutes a fixed assistant message.
	ErrorHandlingDefaultValue = "defaultValue"
	// ErrorHandlingFailBranch routes to a failure node.
	ErrorHandlingFailBranch = "failBranch"
)

// ErrorHandling configures what a model node does when the call fails
// after retries and fallback.
type ErrorHandling struct {
	// Type is one of the ErrorHandling* strategies; empty propagates.
	Type string
	// Content is the substituted assistant content for defaultValue.
	Content string
	// FailNode is the branch target for failBranch.
	FailNode string
}

// LLMNodeConfig configures a model-calling node.
type LLMNodeConfig struct {
	// Model performs the call.
	Model model.Model
	// FallbackModel is tried when Model fails after retries.
	FallbackModel model.Model
	// AgentKey names the agent channel the node reads and writes.
	AgentKey string
	// Instruction overrides the channel's system prompt when set.
	Instruction string
	// Tools are offered to the model.
	Tools map[string]tool.Tool
	// ProviderTools are provider-native tool payloads passed through as-is.
	ProviderTools []map[string]any
	// GenerationConfig tunes the call.
	GenerationConfig model.GenerationConfig
	// ToolChoice forces tool usage ("auto", "none", "required").
	ToolChoice string
	// OutputSchema requests structured output; the parsed object lands in
	// the channel's Output field.
	OutputSchema *model.ResponseFormat
	// DisableMessageHistory sends only the system prompt and the current
	// user input, dropping accumulated history.
	DisableMessageHistory bool
	// Wrappers decorate the model call, outermost first.
	Wrappers []ModelCallWrapper
	// Retries is the number of additional attempts per model.
	Retries int
	// ErrorHandling decides what happens when every attempt failed.
	ErrorHandling *ErrorHandling
}

// NewLLMNodeFunc builds the node function for a model call: it assembles
// the request from the agent channel, runs it through the wrapper chain,
// streams chunks to the event bus, and writes the final message back to
// both the shared history and the agent channel.
func NewLLMNodeFunc(cfg LLMNodeConfig) NodeFunc {
	return func(ctx context.Context, state State) (any, error) {
		execCtx := ExecContextFromState(state)
		nodeID, _ := state[StateKeyCurrentNodeID].(string)
		req := &ModelRequest{
			Model:    cfg.Model,
			Request:  buildModelRequest(cfg, state),
			State:    state,
			NodeID:   nodeID,
			AgentKey: cfg.AgentKey,
		}
		handler := ChainModelCall(func(ctx context.Context, req *ModelRequest) (model.Message, error) {
			return invokeModel(ctx, cfg, execCtx, req)
		}, cfg.Wrappers)

		msg, err := handler(ctx, req)
		if err != nil {
			if _, isInterrupt := AsInterrupt(err); isInterrupt {
				return nil, err
			}
			return handleModelError(cfg, err)
		}
		if msg.ID == "" {
			msg.ID = uuid.New().String()
		}
		update := State{
			StateKeyMessages:     []model.Message{msg},
			StateKeyLastResponse: msg.Content,
		}
		chUpdate := &AgentChannelUpdate{Messages: []model.Message{msg}}
		if cfg.OutputSchema != nil && msg.Content != "" {
			var output map[string]any
			if err := json.Unmarshal([]byte(msg.Content), &output); err != nil {
				log.Warnf("structured output of node %s is not valid JSON: %v", nodeID, err)
			} else {
				chUpdate.Output = output
			}
		}
		if cfg.AgentKey != "" {
			update[AgentChannelKey(cfg.AgentKey)] = chUpdate
		}
		return update, nil
	}
}

// buildModelRequest assembles the outgoing request from the agent channel.
func buildModelRequest(cfg LLMNodeConfig, state State) *model.Request {
	ch := GetAgentChannel(state, cfg.AgentKey)
	system := ch.System
	if cfg.Instruction != "" {
		system = cfg.Instruction
	}
	var messages []model.Message
	if system != "" {
		messages = append(messages, model.NewSystemMessage(system))
	}
	if ch.Summary != "" {
		messages = append(messages, model.NewSystemMessage(
			"Summary of the conversation so far:\n"+ch.Summary))
	}
	userInput, _ := state[StateKeyUserInput].(string)
	if cfg.DisableMessageHistory {
		if userInput != "" {
			messages = append(messages, model.NewUserMessage(userInput))
		}
	} else {
		messages = append(messages, ch.Messages...)
		if userInput != "" && !lastUserMatches(ch.Messages, userInput) {
			messages = append(messages, model.NewUserMessage(userInput))
		}
	}
	req := &model.Request{
		Messages:         messages,
		GenerationConfig: cfg.GenerationConfig,
		ToolChoice:       cfg.ToolChoice,
		Tools:            cfg.Tools,
		ProviderTools:    cfg.ProviderTools,
	}
	if cfg.OutputSchema != nil {
		req.GenerationConfig.ResponseFormat = cfg.OutputSchema
	}
	return req
}

// lastUserMatches reports whether the channel history already ends with the
// given user input, so the input is not appended twice on re-entry.
func lastUserMatches(messages []model.Message, input string) bool {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == model.RoleUser {
			return messages[i].Content == input
		}
	}
	return false
}

// invokeModel performs the call with retries and fallback, streaming chunks
// to the bus and recording a ledger entry.
func invokeModel(ctx context.Context, cfg LLMNodeConfig, execCtx *ExecContext, req *ModelRequest) (model.Message, error) {
	entry := ledger.NewExecution(execCtx.RunID, ledger.CategoryModel)
	entry.AgentKey = cfg.AgentKey
	entry.NodeID = req.NodeID
	if req.Model != nil {
		entry.Title = req.Model.Info().Name
	}
	record := func() {
		if execCtx.Recorder != nil {
			if err := execCtx.Recorder.Record(ctx, entry); err != nil {
				log.Warnf("record model execution: %v", err)
			}
		}
	}

	models := []model.Model{req.Model}
	if cfg.FallbackModel != nil {
		models = append(models, cfg.FallbackModel)
	}
	attempts := cfg.Retries + 1
	var lastErr error
	for _, m := range models {
		if m == nil {
			continue
		}
		for attempt := 0; attempt < attempts; attempt++ {
			msg, usage, err := streamModel(ctx, m, req.Request, cfg, execCtx)
			if err == nil {
				if usage != nil {
					entry.TokensIn = usage.PromptTokens
					entry.TokensOut = usage.CompletionTokens
				}
				entry.Finish(nil)
				record()
				return msg, nil
			}
			lastErr = err
			log.Warnf("model call failed (model=%s attempt=%d): %v", m.Info().Name, attempt+1, err)
		}
	}
	entry.Finish(lastErr)
	record()
	return model.Message{}, lastErr
}

// streamModel runs one streaming model call, forwarding chunks as events.
func streamModel(ctx context.Context, m model.Model, req *model.Request,
	cfg LLMNodeConfig, execCtx *ExecContext) (model.Message, *model.Usage, error) {
	ch, err := m.GenerateContent(ctx, req)
	if err != nil {
		return model.Message{}, nil, err
	}
	var final model.Message
	var usage *model.Usage
	gotFinal := false
	for rsp := range ch {
		if rsp == nil {
			continue
		}
		if rsp.Error != nil {
			return model.Message{}, nil, fmt.Errorf("%s: %s", rsp.Error.Type, rsp.Error.Message)
		}
		if rsp.Usage != nil {
			usage = rsp.Usage
		}
		if rsp.IsPartial {
			for _, choice := range rsp.Choices {
				if choice.Delta.Content == "" && len(choice.Delta.ToolCalls) == 0 {
					continue
				}
				execCtx.EmitTagged(ctx, event.TypeChatMessageChunk,
					[]string{"agent:" + cfg.AgentKey},
					map[string]any{
						"content":   choice.Delta.Content,
						"toolCalls": choice.Delta.ToolCalls,
					})
			}
			continue
		}
		if len(rsp.Choices) > 0 {
			final = rsp.Choices[0].Message
			gotFinal = true
		}
	}
	if !gotFinal {
		if err := ctx.Err(); err != nil {
			return model.Message{}, nil, err
		}
		return model.Message{}, nil, errors.New("model stream ended without a final message")
	}
	return final, usage, nil
}

// handleModelError applies the configured error strategy.
func handleModelError(cfg LLMNodeConfig, err error) (any, error) {
	if cfg.ErrorHandling == nil {
		return nil, err
	}
	switch cfg.ErrorHandling.Type {
	case ErrorHandlingDefaultValue:
		msg := model.NewAssistantMessage(cfg.ErrorHandling.Content)
		update := State{
			StateKeyMessages:     []model.Message{msg},
			StateKeyLastResponse: msg.Content,
		}
		if cfg.AgentKey != "" {
			update[AgentChannelKey(cfg.AgentKey)] = &AgentChannelUpdate{
				Messages: []model.Message{msg},
			}
		}
		return update, nil
	case ErrorHandlingFailBranch:
		errText := err.Error()
		update := State{}
		if cfg.AgentKey != "" {
			update[AgentChannelKey(cfg.AgentKey)] = &AgentChannelUpdate{Error: &errText}
		}
		return &Command{Update: update, GoTo: cfg.ErrorHandling.FailNode}, nil
	default:
		return nil, err
	}
}
