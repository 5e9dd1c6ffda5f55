//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

package xpert

import (
	"context"
	"fmt"
	"strings"

	"github.com/zhezhiming/xpert/graph"
	"github.com/zhezhiming/xpert/middleware"
	"github.com/zhezhiming/xpert/model"
)

const titlePrompt = `Write a short title (at most six words) for the
conversation below. Reply with the title only, no quotes.

%s`

// SummarizeConfig enables the terminal summarize node: after the agent loop
// finishes, histories above MaxMessages are folded into the rolling summary,
// keeping the RetainMessages most recent entries.
type SummarizeConfig struct {
	Model          model.Model
	MaxMessages    int
	RetainMessages int
}

// finishPlan describes the terminal path of the agent graph: the chain of
// terminal nodes and the targets after it (workflow navigators or END).
type finishPlan struct {
	nodes []string
	exits []string
}

// entry returns the first hop of the finish path; with no terminal nodes
// the exits are entered directly.
func (f finishPlan) entry(fallback string) []string {
	if len(f.nodes) > 0 {
		return f.nodes[:1]
	}
	if len(f.exits) > 0 {
		return f.exits
	}
	return []string{fallback}
}

func finishChain(agent *XpertAgent, cfg *CompileConfig, hasAfterAgent bool) finishPlan {
	var nodes []string
	if hasAfterAgent {
		nodes = append(nodes, NodeAfterAgent)
	}
	if cfg.Summarize != nil && cfg.Summarize.Model != nil {
		nodes = append(nodes, NodeSummarize)
	}
	if cfg.TitleModel != nil {
		nodes = append(nodes, NodeTitle)
	}
	exits := agent.Next
	if len(exits) == 0 {
		exits = []string{graph.End}
	}
	return finishPlan{nodes: nodes, exits: exits}
}

// addFinishNodes registers the terminal chain and links it to the exits.
func addFinishNodes(sg *graph.StateGraph, agent *XpertAgent, cfg *CompileConfig,
	schema *graph.StateSchema, finish finishPlan, afterAgent []hookFunc,
	jumps map[string]string) error {
	for _, nodeID := range finish.nodes {
		switch nodeID {
		case NodeAfterAgent:
			sg.AddNode(NodeAfterAgent, hookNodeFunc(schema, afterAgent, jumps))
		case NodeSummarize:
			sum := middleware.NewSummarization(agent.Key, cfg.Summarize.Model,
				cfg.Summarize.MaxMessages, cfg.Summarize.RetainMessages)
			sg.AddNode(NodeSummarize, func(ctx context.Context, state graph.State) (any, error) {
				res, err := sum.BeforeModel(ctx, state)
				if err != nil || res == nil {
					return nil, err
				}
				return res.Update, nil
			})
		case NodeTitle:
			sg.AddNode(NodeTitle, titleNodeFunc(agent.Key, cfg.TitleModel))
		}
	}
	for i := 0; i+1 < len(finish.nodes); i++ {
		sg.AddEdge(finish.nodes[i], finish.nodes[i+1])
	}
	if len(finish.nodes) > 0 {
		last := finish.nodes[len(finish.nodes)-1]
		for _, exit := range finish.exits {
			sg.AddEdge(last, exit)
		}
	}
	return nil
}

// titleNodeFunc generates a thread title on the first completed turn; later
// turns keep the existing title.
func titleNodeFunc(agentKey string, titler model.Model) graph.NodeFunc {
	return func(ctx context.Context, state graph.State) (any, error) {
		if existing, _ := state[StateKeyTitle].(string); existing != "" {
			return nil, nil
		}
		ch := graph.GetAgentChannel(state, agentKey)
		if len(ch.Messages) == 0 {
			return nil, nil
		}
		var transcript strings.Builder
		for _, m := range ch.Messages {
			if m.Role != model.RoleUser && m.Role != model.RoleAssistant {
				continue
			}
			fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Content)
		}
		req := &model.Request{
			Messages: []model.Message{
				model.NewUserMessage(fmt.Sprintf(titlePrompt, transcript.String())),
			},
		}
		rspCh, err := titler.GenerateContent(ctx, req)
		if err != nil {
			// Titling is cosmetic; the turn still succeeds.
			return nil, nil
		}
		var title string
		for rsp := range rspCh {
			if rsp == nil || rsp.IsPartial || rsp.Error != nil {
				continue
			}
			if len(rsp.Choices) > 0 {
				title = strings.TrimSpace(rsp.Choices[0].Message.Content)
			}
		}
		if title == "" {
			return nil, nil
		}
		return graph.State{StateKeyTitle: title}, nil
	}
}

// addWorkflowNodes registers the xpert's workflow nodes with their
// navigators. A node result that is not a state update is recorded in the
// node's own channel.
func addWorkflowNodes(sg *graph.StateGraph, x *Xpert, cfg *CompileConfig) error {
	for _, w := range x.Workflows {
		handler := w.Handler
		if handler == nil && w.HandlerName != "" {
			handler = cfg.WorkflowHandlers[w.HandlerName]
			if handler == nil {
				return fmt.Errorf("workflow node %s: unknown handler %q", w.Key, w.HandlerName)
			}
		}
		if handler == nil {
			return fmt.Errorf("workflow node %s has no handler", w.Key)
		}
		sg.AddNode(w.Key, workflowNodeFunc(w, handler), graph.WithNodeName(w.Key))
		for _, next := range w.Next {
			sg.AddEdge(w.Key, next)
		}
		if w.IsEnd || len(w.Next) == 0 {
			sg.AddEdge(w.Key, graph.End)
		}
	}
	return nil
}

func workflowNodeFunc(w *WorkflowNode, handler graph.NodeFunc) graph.NodeFunc {
	channel := graph.AgentChannelKey(w.Key)
	return func(ctx context.Context, state graph.State) (any, error) {
		result, err := handler(ctx, state)
		if err != nil {
			return nil, err
		}
		switch result.(type) {
		case nil, graph.State, *graph.Command:
			return result, nil
		default:
			return graph.State{channel: map[string]any{"output": result}}, nil
		}
	}
}
