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
	"strings"

	"github.com/zhezhiming/xpert/graph"
	"github.com/zhezhiming/xpert/log"
	"github.com/zhezhiming/xpert/model"
	"github.com/zhezhiming/xpert/tool"
)

const selectorPrompt = `You pick the tools relevant to the user's request.
Reply with a JSON object {"tools": ["name", ...]} listing only tool names
from the list below. Pick at most %d.

Available tools:
%s`

// LLMToolSelector trims oversized tool sets before the main model call: a
// selector model (possibly smaller) picks the relevant tools, the rest are
// dropped from the request. Provider-native tool dicts pass through
// untouched.
type LLMToolSelector struct {
	selector      model.Model
	maxTools      int
	alwaysInclude []string
}

// NewLLMToolSelector creates the middleware. The selector model may be nil,
// in which case the main request's model performs the selection.
func NewLLMToolSelector(selector model.Model, maxTools int, alwaysInclude ...string) *LLMToolSelector {
	return &LLMToolSelector{
		selector:      selector,
		maxTools:      maxTools,
		alwaysInclude: alwaysInclude,
	}
}

// Name implements Middleware.
func (s *LLMToolSelector) Name() string { return "llm_tool_selector" }

// WrapModelCall implements ModelWrapper.
func (s *LLMToolSelector) WrapModelCall() graph.ModelCallWrapper {
	return func(next graph.ModelCallHandler) graph.ModelCallHandler {
		return func(ctx context.Context, req *graph.ModelRequest) (model.Message, error) {
			if len(req.Request.Tools) <= s.maxTools {
				return next(ctx, req)
			}
			selected, err := s.selectTools(ctx, req)
			if err != nil {
				return model.Message{}, err
			}
			req.Request.Tools = selected
			return next(ctx, req)
		}
	}
}

// selectTools asks the selector model for the relevant subset and filters
// the request's tools to it. The cap applies to the selection alone; the
// always-include set is added afterwards and never counts against it.
func (s *LLMToolSelector) selectTools(ctx context.Context, req *graph.ModelRequest) (map[string]tool.Tool, error) {
	selectorModel := s.selector
	if selectorModel == nil {
		selectorModel = req.Model
	}

	var catalog strings.Builder
	for name, t := range req.Request.Tools {
		desc := ""
		if d := t.Declaration(); d != nil {
			desc = d.Description
		}
		fmt.Fprintf(&catalog, "- %s: %s\n", name, desc)
	}
	userInput := lastUserContent(req.Request.Messages)

	selReq := &model.Request{
		Messages: []model.Message{
			model.NewSystemMessage(fmt.Sprintf(selectorPrompt, s.maxTools, catalog.String())),
			model.NewUserMessage(userInput),
		},
	}
	selReq.ResponseFormat = &model.ResponseFormat{
		Name: "tool_selection",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"tools": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string"},
				},
			},
			"required":             []string{"tools"},
			"additionalProperties": false,
		},
	}

	ch, err := selectorModel.GenerateContent(ctx, selReq)
	if err != nil {
		return nil, fmt.Errorf("tool selector call: %w", err)
	}
	var content string
	for rsp := range ch {
		if rsp == nil || rsp.IsPartial {
			continue
		}
		if rsp.Error != nil {
			return nil, fmt.Errorf("tool selector: %s", rsp.Error.Message)
		}
		if len(rsp.Choices) > 0 {
			content = rsp.Choices[0].Message.Content
		}
	}
	var selection struct {
		Tools []string `json:"tools"`
	}
	if err := json.Unmarshal([]byte(content), &selection); err != nil {
		return nil, fmt.Errorf("decode tool selection: %w", err)
	}

	selected := make(map[string]tool.Tool)
	kept := 0
	for _, name := range selection.Tools {
		t, ok := req.Request.Tools[name]
		if !ok {
			return nil, fmt.Errorf("tool selector returned unknown tool %q", name)
		}
		if kept >= s.maxTools {
			log.Debugf("tool selector: truncating selection at %d tools", s.maxTools)
			continue
		}
		if _, dup := selected[name]; dup {
			continue
		}
		selected[name] = t
		kept++
	}
	for _, name := range s.alwaysInclude {
		if t, ok := req.Request.Tools[name]; ok {
			selected[name] = t
		}
	}
	return selected, nil
}

func lastUserContent(messages []model.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == model.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
