//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

package middleware

import (
	"context"
	"fmt"
	"strings"

	"github.com/zhezhiming/xpert/graph"
	"github.com/zhezhiming/xpert/model"
)

const summarizePrompt = `Summarize the conversation below for future turns.
Preserve decisions, facts, open questions, and tool results. Be concise.

%s`

// Summarization compacts long agent histories: once the channel holds more
// than maxMessages entries, the older ones are folded into the channel's
// rolling summary and removed, keeping the retainMessages most recent.
type Summarization struct {
	agentKey       string
	summarizer     model.Model
	maxMessages    int
	retainMessages int
}

// NewSummarization creates the middleware. The summarizer model may be
// smaller than the agent's main model.
func NewSummarization(agentKey string, summarizer model.Model, maxMessages, retainMessages int) *Summarization {
	return &Summarization{
		agentKey:       agentKey,
		summarizer:     summarizer,
		maxMessages:    maxMessages,
		retainMessages: retainMessages,
	}
}

// Name implements Middleware.
func (s *Summarization) Name() string { return "summarization" }

// BeforeModel implements BeforeModelHook.
func (s *Summarization) BeforeModel(ctx context.Context, state graph.State) (*HookResult, error) {
	ch := graph.GetAgentChannel(state, s.agentKey)
	if len(ch.Messages) <= s.maxMessages {
		return nil, nil
	}
	cut := len(ch.Messages) - s.retainMessages
	if cut <= 0 {
		return nil, nil
	}
	// A tool message must not survive without the assistant message that
	// requested it; move the cut back before any orphaned responses.
	for cut < len(ch.Messages) && ch.Messages[cut].Role == model.RoleTool {
		cut++
	}
	older := ch.Messages[:cut]

	summary, err := s.summarize(ctx, ch.Summary, older)
	if err != nil {
		return nil, fmt.Errorf("summarize history: %w", err)
	}
	ops := make([]graph.MessageOp, 0, len(older))
	for _, m := range older {
		ops = append(ops, graph.RemoveMessage{ID: m.ID})
	}
	update := graph.State{
		graph.AgentChannelKey(s.agentKey): &graph.AgentChannelUpdate{
			Summary: &summary,
			Ops:     ops,
		},
	}
	return &HookResult{Update: update}, nil
}

func (s *Summarization) summarize(ctx context.Context, previous string, messages []model.Message) (string, error) {
	var transcript strings.Builder
	if previous != "" {
		fmt.Fprintf(&transcript, "Previous summary:\n%s\n\n", previous)
	}
	for _, m := range messages {
		switch m.Role {
		case model.RoleTool:
			fmt.Fprintf(&transcript, "tool(%s): %s\n", m.ToolName, m.Content)
		default:
			fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Content)
		}
	}
	req := &model.Request{
		Messages: []model.Message{
			model.NewUserMessage(fmt.Sprintf(summarizePrompt, transcript.String())),
		},
	}
	ch, err := s.summarizer.GenerateContent(ctx, req)
	if err != nil {
		return "", err
	}
	var content string
	for rsp := range ch {
		if rsp == nil || rsp.IsPartial {
			continue
		}
		if rsp.Error != nil {
			return "", fmt.Errorf("%s", rsp.Error.Message)
		}
		if len(rsp.Choices) > 0 {
			content = rsp.Choices[0].Message.Content
		}
	}
	if content == "" {
		return "", fmt.Errorf("summarizer returned no content")
	}
	return content, nil
}
