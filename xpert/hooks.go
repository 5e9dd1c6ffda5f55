//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

package xpert

import (
	"context"
	"fmt"

	"github.com/zhezhiming/xpert/graph"
	"github.com/zhezhiming/xpert/middleware"
	"github.com/zhezhiming/xpert/model"
)

// hookFunc is the uniform shape all middleware lifecycle hooks reduce to.
type hookFunc func(ctx context.Context, state graph.State) (*middleware.HookResult, error)

func beforeAgentFuncs(hooks []middleware.BeforeAgentHook) []hookFunc {
	fns := make([]hookFunc, 0, len(hooks))
	for _, h := range hooks {
		fns = append(fns, h.BeforeAgent)
	}
	return fns
}

func beforeModelFuncs(hooks []middleware.BeforeModelHook) []hookFunc {
	fns := make([]hookFunc, 0, len(hooks))
	for _, h := range hooks {
		fns = append(fns, h.BeforeModel)
	}
	return fns
}

func afterModelFuncs(hooks []middleware.AfterModelHook) []hookFunc {
	fns := make([]hookFunc, 0, len(hooks))
	for _, h := range hooks {
		fns = append(fns, h.AfterModel)
	}
	return fns
}

func afterAgentFuncs(hooks []middleware.AfterAgentHook) []hookFunc {
	fns := make([]hookFunc, 0, len(hooks))
	for _, h := range hooks {
		fns = append(fns, h.AfterAgent)
	}
	return fns
}

// hookNodeFunc runs a hook chain as one graph node. Each hook sees the
// state with earlier hooks' updates applied; a hook returning a jump stops
// the chain and overrides the router for this transition.
func hookNodeFunc(schema *graph.StateSchema, hooks []hookFunc, jumps map[string]string) graph.NodeFunc {
	return func(ctx context.Context, state graph.State) (any, error) {
		working := state
		var updates []graph.State
		for _, hook := range hooks {
			res, err := hook(ctx, working)
			if err != nil {
				return nil, err
			}
			if res == nil {
				continue
			}
			if res.Update != nil {
				updates = append(updates, res.Update)
				next, err := schema.ApplyUpdate(working, res.Update)
				if err != nil {
					return nil, err
				}
				working = next
			}
			if res.JumpTo != "" {
				target, ok := jumps[res.JumpTo]
				if !ok {
					return nil, fmt.Errorf("hook requested unknown jump target %q", res.JumpTo)
				}
				return &graph.Command{Update: mergeHookUpdates(updates), GoTo: target}, nil
			}
		}
		if len(updates) == 0 {
			return nil, nil
		}
		return mergeHookUpdates(updates), nil
	}
}

// mergeHookUpdates folds the chain's partial updates into one update the
// reducers apply atomically. Message lists concatenate and agent channel
// updates merge field-wise; other channels are last-writer-wins, matching
// what applying the updates one by one would produce.
func mergeHookUpdates(updates []graph.State) graph.State {
	if len(updates) == 0 {
		return nil
	}
	if len(updates) == 1 {
		return updates[0]
	}
	merged := graph.State{}
	for _, u := range updates {
		for k, v := range u {
			prev, ok := merged[k]
			if !ok {
				merged[k] = v
				continue
			}
			merged[k] = combineUpdateValues(prev, v)
		}
	}
	return merged
}

func combineUpdateValues(a, b any) any {
	switch av := a.(type) {
	case []model.Message:
		if bv, ok := b.([]model.Message); ok {
			out := make([]model.Message, 0, len(av)+len(bv))
			out = append(out, av...)
			return append(out, bv...)
		}
	case *graph.AgentChannelUpdate:
		if bv, ok := b.(*graph.AgentChannelUpdate); ok {
			return mergeChannelUpdates(av, bv)
		}
	}
	return b
}

func mergeChannelUpdates(a, b *graph.AgentChannelUpdate) *graph.AgentChannelUpdate {
	out := &graph.AgentChannelUpdate{
		System:  a.System,
		Summary: a.Summary,
		Error:   a.Error,
	}
	if b.System != nil {
		out.System = b.System
	}
	if b.Summary != nil {
		out.Summary = b.Summary
	}
	if b.Error != nil {
		out.Error = b.Error
	}
	out.Messages = append(append([]model.Message{}, a.Messages...), b.Messages...)
	out.Ops = append(append([]graph.MessageOp{}, a.Ops...), b.Ops...)
	if a.Output != nil || b.Output != nil {
		out.Output = make(map[string]any, len(a.Output)+len(b.Output))
		for k, v := range a.Output {
			out.Output[k] = v
		}
		for k, v := range b.Output {
			out.Output[k] = v
		}
	}
	return out
}
