//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

package xpert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zhezhiming/xpert/event"
	"github.com/zhezhiming/xpert/graph"
	"github.com/zhezhiming/xpert/ledger"
	"github.com/zhezhiming/xpert/log"
	"github.com/zhezhiming/xpert/tool"
)

// subAgentTool exposes a compiled agent graph as a callable tool: the call
// runs the subgraph to completion and returns the last assistant content.
// When invoked from a parent run it checkpoints under a child namespace of
// the parent's, so interrupts raised inside the sub-agent pause the whole
// run and resume back into it.
type subAgentTool struct {
	name        string
	description string
	executor    *graph.Executor
	saver       graph.CheckpointSaver
	timeout     time.Duration
}

func newSubAgentTool(name, description string, compiled *CompiledAgent,
	saver graph.CheckpointSaver, timeout time.Duration) *subAgentTool {
	var opts []graph.ExecutorOption
	if saver != nil {
		opts = append(opts, graph.WithCheckpointSaver(saver))
	}
	return &subAgentTool{
		name:        name,
		description: description,
		executor:    graph.NewExecutor(compiled.Graph, opts...),
		saver:       saver,
		timeout:     timeout,
	}
}

type subAgentInput struct {
	Input string `json:"input"`
}

// Declaration implements tool.Tool.
func (t *subAgentTool) Declaration() *tool.Declaration {
	return &tool.Declaration{
		Name:        t.name,
		Description: t.description,
		InputSchema: &tool.Schema{
			Type: "object",
			Properties: map[string]*tool.Schema{
				"input": {Type: "string", Description: "the task or question for the agent"},
			},
			Required: []string{"input"},
		},
	}
}

// Call implements tool.CallableTool. Without a parent state the sub-agent
// runs under a fresh lineage.
func (t *subAgentTool) Call(ctx context.Context, jsonArgs []byte) (any, error) {
	return t.CallWithState(ctx, jsonArgs, nil)
}

// CallWithState implements tool.StateAwareTool.
func (t *subAgentTool) CallWithState(ctx context.Context, jsonArgs []byte, state map[string]any) (any, error) {
	var in subAgentInput
	if err := json.Unmarshal(jsonArgs, &in); err != nil {
		return nil, fmt.Errorf("decode %s arguments: %w", t.name, err)
	}
	execCtx := graph.ExecContextFromState(graph.State(state))

	lineageID := execCtx.LineageID
	if lineageID == "" {
		lineageID = uuid.New().String()
	}
	inv := &graph.Invocation{
		RunID:     execCtx.RunID,
		LineageID: lineageID,
		Namespace: graph.ChildNamespace(execCtx.Namespace, t.name),
		Bus:       execCtx.Bus,
		Recorder:  execCtx.Recorder,
		Lang:      execCtx.Lang,
	}
	if cmd := t.resumeCommand(ctx, graph.State(state), lineageID, inv.Namespace); cmd != nil {
		inv.Command = cmd
	}

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	entry := ledger.NewExecution(execCtx.RunID, ledger.CategoryAgent)
	entry.ThreadID = lineageID
	entry.AgentKey = t.name
	entry.Inputs = map[string]any{"input": in.Input}
	execCtx.EmitTagged(ctx, event.TypeAgentStart, []string{"agent:" + t.name}, map[string]any{
		"executionId": entry.ID,
		"agentKey":    t.name,
	})

	final, err := t.executor.Execute(ctx, graph.State{graph.StateKeyUserInput: in.Input}, inv)
	if err != nil {
		// Interrupts bubble up to pause the parent run at this tool call;
		// the entry stays open so a resume lands in the same execution.
		if _, paused := graph.AsInterrupt(err); !paused {
			t.record(ctx, execCtx, entry.Finish(err))
		}
		return nil, err
	}
	content, _ := final[graph.StateKeyLastResponse].(string)
	entry.Outputs = map[string]any{"content": content}
	t.record(ctx, execCtx, entry.Finish(nil))
	return content, nil
}

func (t *subAgentTool) record(ctx context.Context, execCtx *graph.ExecContext, entry *ledger.Execution) {
	if execCtx.Recorder != nil {
		if err := execCtx.Recorder.Record(ctx, entry); err != nil {
			log.Warnf("record sub-agent execution: %v", err)
		}
	}
	execCtx.EmitTagged(ctx, event.TypeAgentEnd, []string{"agent:" + t.name}, entry)
}

// resumeCommand builds the resume command when the parent run carries a
// resume value and the sub-agent's namespace is paused on an interrupt.
func (t *subAgentTool) resumeCommand(ctx context.Context, state graph.State,
	lineageID, namespace string) *graph.Command {
	if t.saver == nil || state == nil {
		return nil
	}
	resume, hasResume := state[graph.ResumeChannel]
	resumeMap, _ := state[graph.StateKeyResumeMap].(map[string]any)
	if !hasResume && len(resumeMap) == 0 {
		return nil
	}
	tuple, err := t.saver.GetTuple(ctx, graph.CreateCheckpointConfig(lineageID, "", namespace))
	if err != nil || tuple == nil || tuple.Checkpoint == nil || tuple.Checkpoint.InterruptState == nil {
		return nil
	}
	cmd := &graph.Command{ResumeMap: resumeMap}
	if hasResume {
		cmd.Resume = resume
	}
	return cmd
}
