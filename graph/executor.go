//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

package graph

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/zhezhiming/xpert/event"
	"github.com/zhezhiming/xpert/ledger"
	"github.com/zhezhiming/xpert/log"
	"github.com/zhezhiming/xpert/model"
)

// DefaultRecursionLimit bounds the number of steps per run.
const DefaultRecursionLimit = 25

// defaultMaxConcurrency bounds parallel task execution within a step.
const defaultMaxConcurrency = 10

// Invocation carries per-run execution parameters.
type Invocation struct {
	// RunID identifies the run in events and the ledger.
	RunID string
	// LineageID keys checkpoints, typically the thread id.
	LineageID string
	// Namespace is the checkpoint namespace ("" for the root graph).
	Namespace string
	// Bus receives streaming events; nil disables streaming.
	Bus *event.Bus
	// Recorder receives ledger entries; nil disables recording.
	Recorder ledger.Recorder
	// Command, when set, resumes or steers the run instead of starting
	// from scratch.
	Command *Command
	// RecursionLimit overrides the default step budget when positive.
	RecursionLimit int
	// Lang selects localized user-facing error messages.
	Lang string
}

// Executor runs a compiled graph: it schedules frontier tasks step by step,
// applies their writes atomically through the reducers, checkpoints at step
// boundaries, and pauses on interrupts.
type Executor struct {
	graph          *Graph
	saver          CheckpointSaver
	recursionLimit int
	maxConcurrency int
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithCheckpointSaver enables checkpoint persistence.
func WithCheckpointSaver(saver CheckpointSaver) ExecutorOption {
	return func(e *Executor) { e.saver = saver }
}

// WithRecursionLimit sets the default step budget.
func WithRecursionLimit(limit int) ExecutorOption {
	return func(e *Executor) { e.recursionLimit = limit }
}

// WithMaxConcurrency bounds parallel task execution within a step.
func WithMaxConcurrency(n int) ExecutorOption {
	return func(e *Executor) { e.maxConcurrency = n }
}

// NewExecutor creates an executor for the compiled graph.
func NewExecutor(graph *Graph, opts ...ExecutorOption) *Executor {
	e := &Executor{
		graph:          graph,
		recursionLimit: DefaultRecursionLimit,
		maxConcurrency: defaultMaxConcurrency,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Saver returns the configured checkpoint saver, if any.
func (e *Executor) Saver() CheckpointSaver { return e.saver }

// task is one scheduled node execution within a step.
type task struct {
	id      string
	nodeID  string
	overlay State
	index   int
	result  *taskResult
}

// taskResult pairs a task with what its node returned.
type taskResult struct {
	task   *task
	update any
	err    error
}

// Execute runs the graph to completion, interruption, or error. It returns
// the final state (internal keys stripped); on interruption the returned
// error is an *InterruptError and the state reflects all writes up to the
// pausing step.
func (e *Executor) Execute(ctx context.Context, initial State, inv *Invocation) (State, error) {
	if inv == nil {
		inv = &Invocation{}
	}
	if inv.RunID == "" {
		inv.RunID = uuid.New().String()
	}
	limit := e.recursionLimit
	if inv.RecursionLimit > 0 {
		limit = inv.RecursionLimit
	}

	state, frontier, step, resumed, err := e.prepare(ctx, initial, inv)
	if err != nil {
		return nil, err
	}
	execCtx := &ExecContext{
		RunID:     inv.RunID,
		LineageID: inv.LineageID,
		Namespace: inv.Namespace,
		Bus:       inv.Bus,
		Recorder:  inv.Recorder,
		Lang:      inv.Lang,
	}
	state[StateKeyExecContext] = execCtx
	// Seed the used-interrupts map so interrupt helpers running on task
	// clones mutate a shared instance.
	if _, ok := state[StateKeyUsedInterrupts].(map[string]any); !ok {
		state[StateKeyUsedInterrupts] = make(map[string]any)
	}

	var seq atomic.Int64
	skipBefore := resumed
	for len(frontier) > 0 {
		select {
		case <-ctx.Done():
			return stripInternalKeys(state), NewError(ErrorTypeCancelled, "", ctx.Err())
		default:
		}
		step++
		if step > limit {
			return stripInternalKeys(state), NewRecursionLimitError(limit, inv.Lang)
		}

		// Static before-interrupts pause prior to executing the step.
		if !skipBefore {
			if paused := e.beforeInterrupt(frontier); paused != nil {
				return e.pause(ctx, state, inv, taskNodeIDs(frontier), step-1, paused, nil)
			}
		}
		skipBefore = false

		normal, deferred := e.partitionTasks(frontier)
		var writes []PendingWrite

		newState, interrupted, err := e.runWave(ctx, state, normal, inv, &seq, &writes)
		if interrupted != nil {
			return e.pause(ctx, newState, inv, nil, step, interrupted, writes)
		}
		if err != nil {
			return stripInternalKeys(newState), err
		}
		// Deferred tasks run after every sibling completed, over the
		// merged state, so joins observe all parallel writes.
		newState, interrupted, err = e.runWave(ctx, newState, deferred, inv, &seq, &writes)
		if interrupted != nil {
			return e.pause(ctx, newState, inv, nil, step, interrupted, writes)
		}
		if err != nil {
			return stripInternalKeys(newState), err
		}
		state = newState
		state[StateKeyExecContext] = execCtx
		// The single-shot resume value is spent once a full step completes
		// without interrupting again.
		delete(state, ResumeChannel)

		next, routeErr := e.route(ctx, state, frontier)
		if routeErr != nil {
			return stripInternalKeys(state), routeErr
		}

		// After-interrupts pause once the step's writes are committed.
		if paused := e.afterInterrupt(frontier); paused != nil {
			return e.pause(ctx, state, inv, taskNodeIDs(next), step, paused, writes)
		}

		if _, err := e.checkpoint(ctx, state, inv, taskNodeIDs(next), step, nil, writes); err != nil {
			return stripInternalKeys(state), err
		}
		frontier = next
	}

	ClearResumeState(state)
	return stripInternalKeys(state), nil
}

// prepare resolves the starting state and frontier, loading the latest
// checkpoint when a resume command is present.
func (e *Executor) prepare(ctx context.Context, initial State, inv *Invocation) (State, []*task, int, bool, error) {
	schema := e.graph.Schema()
	entry := []*task{newTask(e.graph.EntryPoint(), nil, 0)}

	if inv.Command == nil {
		state := schema.InitialState()
		merged, err := schema.ApplyUpdate(state, initial)
		if err != nil {
			return nil, nil, 0, false, err
		}
		if e.saver != nil {
			if _, err := e.checkpoint(ctx, merged, inv, taskNodeIDs(entry), -1, nil, nil); err != nil {
				return nil, nil, 0, false, err
			}
		}
		return merged, entry, 0, false, nil
	}

	cmd := inv.Command
	var (
		state    State
		frontier = entry
		step     int
		resumed  bool
	)
	if e.saver != nil {
		tuple, err := e.saver.GetTuple(ctx, CreateCheckpointConfig(inv.LineageID, "", inv.Namespace))
		if err != nil {
			return nil, nil, 0, false, NewError(ErrorTypeCheckpoint, "", err)
		}
		if tuple != nil && tuple.Checkpoint != nil {
			state = schema.Rehydrate(State(tuple.Checkpoint.ChannelValues))
			if len(tuple.Checkpoint.NextNodes) > 0 {
				frontier = frontier[:0]
				for i, id := range tuple.Checkpoint.NextNodes {
					frontier = append(frontier, newTask(id, nil, i))
				}
			}
			if tuple.Metadata != nil {
				step = tuple.Metadata.Step
			}
			resumed = true
		}
	} else if cmd.Resume != nil || cmd.ResumeMap != nil {
		return nil, nil, 0, false, ErrNoCheckpointSaver
	}
	if state == nil {
		state = schema.InitialState()
	}
	merged, err := schema.ApplyUpdate(state, initial)
	if err != nil {
		return nil, nil, 0, false, err
	}
	state = merged
	if cmd.Update != nil {
		state, err = schema.ApplyUpdate(state, cmd.Update)
		if err != nil {
			return nil, nil, 0, false, err
		}
	}
	if cmd.Resume != nil {
		state[ResumeChannel] = cmd.Resume
	}
	if cmd.ResumeMap != nil {
		state[StateKeyResumeMap] = cmd.ResumeMap
	}
	if cmd.ToolCalls != nil {
		rewriteLastToolCalls(state, cmd.ToolCalls)
	}
	if cmd.GoTo != "" {
		frontier = []*task{newTask(cmd.GoTo, nil, 0)}
	}
	if len(cmd.Sends) > 0 {
		frontier = frontier[:0]
		for i, s := range cmd.Sends {
			frontier = append(frontier, newTask(s.Node, s.State, i))
		}
	}
	return state, frontier, step, resumed, nil
}

// runWave executes a set of tasks concurrently (bounded by maxConcurrency)
// and applies their writes atomically in task order. It returns the merged
// state, the first interrupt if one fired, or the first error.
func (e *Executor) runWave(ctx context.Context, state State, tasks []*task,
	inv *Invocation, seq *atomic.Int64, writes *[]PendingWrite) (State, *InterruptError, error) {
	if len(tasks) == 0 {
		return state, nil, nil
	}
	results := make([]taskResult, len(tasks))
	if len(tasks) == 1 || e.maxConcurrency <= 1 {
		for i, t := range tasks {
			results[i] = e.runTask(ctx, state, t)
		}
	} else {
		pool, err := ants.NewPool(e.maxConcurrency)
		if err != nil {
			return state, nil, NewError(ErrorTypeGraph, "", err)
		}
		defer pool.Release()
		var wg sync.WaitGroup
		for i, t := range tasks {
			i, t := i, t
			wg.Add(1)
			submitErr := pool.Submit(func() {
				defer wg.Done()
				results[i] = e.runTask(ctx, state, t)
			})
			if submitErr != nil {
				wg.Done()
				results[i] = taskResult{task: t, err: NewError(ErrorTypeGraph, t.nodeID, submitErr)}
			}
		}
		wg.Wait()
	}

	select {
	case <-ctx.Done():
		return state, nil, NewError(ErrorTypeCancelled, "", ctx.Err())
	default:
	}

	// Apply writes in deterministic task order. Successful sibling writes
	// merge even when another task interrupted, so the interrupt checkpoint
	// snapshot already carries them and a resume does not re-run siblings.
	schema := e.graph.Schema()
	merged := state
	var firstInterrupt *InterruptError
	var firstErr error
	for _, res := range results {
		if res.err != nil {
			if ie, ok := AsInterrupt(res.err); ok {
				if firstInterrupt == nil {
					ie.TaskID = res.task.id
					if ie.NodeID == "" {
						ie.NodeID = res.task.nodeID
					}
					firstInterrupt = ie
				}
				continue
			}
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		update := updateOf(res.update)
		if update == nil {
			continue
		}
		next, err := schema.ApplyUpdate(merged, update)
		if err != nil {
			if firstErr == nil {
				firstErr = NewError(ErrorTypeState, res.task.nodeID, err)
			}
			continue
		}
		merged = next
		for k, v := range update {
			*writes = append(*writes, PendingWrite{
				TaskID:   res.task.id,
				Channel:  k,
				Value:    v,
				Sequence: seq.Add(1),
			})
		}
	}
	if firstInterrupt != nil {
		return merged, firstInterrupt, nil
	}
	if firstErr != nil {
		return merged, nil, firstErr
	}
	// Stash results for routing.
	for i := range results {
		tasks[i].result = &results[i]
	}
	return merged, nil, nil
}

// runTask executes one node over a task-local view of the state.
func (e *Executor) runTask(ctx context.Context, state State, t *task) taskResult {
	node, ok := e.graph.Node(t.nodeID)
	if !ok {
		return taskResult{task: t, err: fmt.Errorf("%w: %s", ErrNodeNotFound, t.nodeID)}
	}
	taskState := state.Clone()
	for k, v := range t.overlay {
		taskState[k] = v
	}
	taskState[StateKeyCurrentNodeID] = t.nodeID
	update, err := node.Function(ctx, taskState)
	if err != nil {
		if _, isInterrupt := AsInterrupt(err); isInterrupt {
			return taskResult{task: t, err: err}
		}
		log.Errorf("node %s failed: %v", t.nodeID, err)
		return taskResult{task: t, update: update, err: NewError(ErrorTypeGraph, t.nodeID, err)}
	}
	return taskResult{task: t, update: update}
}

// route computes the next frontier from the completed step's tasks.
func (e *Executor) route(ctx context.Context, state State, frontier []*task) ([]*task, error) {
	var next []*task
	seen := make(map[string]bool)
	add := func(nodeID string, overlay State) {
		if nodeID == End {
			return
		}
		if overlay == nil {
			if seen[nodeID] {
				return
			}
			seen[nodeID] = true
		}
		next = append(next, newTask(nodeID, overlay, len(next)))
	}

	for _, t := range frontier {
		if t.result == nil {
			continue
		}
		if cmd, ok := t.result.update.(*Command); ok && cmd != nil {
			if len(cmd.Sends) > 0 {
				for _, s := range cmd.Sends {
					add(s.Node, s.State)
				}
				continue
			}
			if cmd.GoTo != "" {
				add(cmd.GoTo, nil)
				continue
			}
		}
		targets, err := e.staticTargets(ctx, state, t.nodeID)
		if err != nil {
			return nil, err
		}
		for _, target := range targets {
			add(target, nil)
		}
	}
	return next, nil
}

// staticTargets resolves the successors of a node from its conditional or
// plain edges. A node with no outgoing edges finishes its branch.
func (e *Executor) staticTargets(ctx context.Context, state State, nodeID string) ([]string, error) {
	if ce, ok := e.graph.ConditionalEdge(nodeID); ok {
		var results []string
		if ce.Multi != nil {
			multi, err := ce.Multi(ctx, state)
			if err != nil {
				return nil, NewError(ErrorTypeGraph, nodeID, err)
			}
			results = multi
		} else {
			single, err := ce.Condition(ctx, state)
			if err != nil {
				return nil, NewError(ErrorTypeGraph, nodeID, err)
			}
			results = []string{single}
		}
		targets, err := ce.resolve(results)
		if err != nil {
			return nil, NewError(ErrorTypeGraph, nodeID, err)
		}
		return targets, nil
	}
	edges := e.graph.Edges(nodeID)
	targets := make([]string, 0, len(edges))
	for _, edge := range edges {
		targets = append(targets, edge.To)
	}
	return targets, nil
}

// beforeInterrupt returns an interrupt for the first frontier node marked
// interrupt-before, or nil.
func (e *Executor) beforeInterrupt(frontier []*task) *InterruptError {
	for _, t := range frontier {
		if e.graph.InterruptBefore(t.nodeID) {
			return &InterruptError{
				Key:    "before:" + t.nodeID,
				Value:  map[string]any{"node": t.nodeID, "when": "before"},
				NodeID: t.nodeID,
			}
		}
	}
	return nil
}

// afterInterrupt returns an interrupt for the first executed node marked
// interrupt-after, or nil.
func (e *Executor) afterInterrupt(executed []*task) *InterruptError {
	for _, t := range executed {
		if e.graph.InterruptAfter(t.nodeID) {
			return &InterruptError{
				Key:    "after:" + t.nodeID,
				Value:  map[string]any{"node": t.nodeID, "when": "after"},
				NodeID: t.nodeID,
			}
		}
	}
	return nil
}

// pause checkpoints the interrupt and returns it to the caller. Writes from
// siblings that completed before the interrupt are recorded against the
// interrupt checkpoint so a resume can tell which tasks already ran.
func (e *Executor) pause(ctx context.Context, state State, inv *Invocation,
	nextNodes []string, step int, ie *InterruptError, writes []PendingWrite) (State, error) {
	ie.Step = step
	interruptState := &InterruptState{
		NodeID: ie.NodeID,
		TaskID: ie.TaskID,
		Key:    ie.Key,
		Value:  ie.Value,
		Step:   step,
	}
	// Resume re-enters at the interrupted node unless a before-interrupt
	// already knows its frontier.
	if len(nextNodes) == 0 && ie.NodeID != "" {
		nextNodes = []string{ie.NodeID}
	}
	ckptID, err := e.checkpoint(ctx, state, inv, nextNodes, step, interruptState, nil)
	if err != nil {
		log.Errorf("checkpoint on interrupt failed: %v", err)
	} else if ckptID != "" && len(writes) > 0 {
		e.recordPartialWrites(ctx, inv, ckptID, writes)
	}
	if inv.Bus != nil {
		_ = inv.Bus.Publish(ctx, event.New(inv.RunID, event.TypeInterrupt,
			event.WithData(map[string]any{
				"key":   ie.Key,
				"value": ie.Value,
				"node":  ie.NodeID,
			})))
	}
	return stripInternalKeys(state), ie
}

// recordPartialWrites attaches a partially-completed step's writes to the
// interrupt checkpoint, one PutWrites call per producing task.
func (e *Executor) recordPartialWrites(ctx context.Context, inv *Invocation,
	ckptID string, writes []PendingWrite) {
	cfg := CreateCheckpointConfig(inv.LineageID, ckptID, inv.Namespace)
	var order []string
	byTask := make(map[string][]PendingWrite)
	for _, w := range writes {
		if _, ok := byTask[w.TaskID]; !ok {
			order = append(order, w.TaskID)
		}
		byTask[w.TaskID] = append(byTask[w.TaskID], w)
	}
	for _, taskID := range order {
		if err := e.saver.PutWrites(ctx, PutWritesRequest{
			Config: cfg,
			Writes: byTask[taskID],
			TaskID: taskID,
		}); err != nil {
			log.Errorf("record writes for task %s: %v", taskID, err)
		}
	}
}

// checkpoint persists a snapshot at a step boundary and emits the
// checkpoint event. It returns the stored checkpoint id, or "" when
// checkpointing is disabled.
func (e *Executor) checkpoint(ctx context.Context, state State, inv *Invocation,
	nextNodes []string, step int, interrupt *InterruptState, writes []PendingWrite) (string, error) {
	if e.saver == nil || inv.LineageID == "" {
		return "", nil
	}
	ckpt := NewCheckpoint(stripForCheckpoint(state))
	ckpt.NextNodes = nextNodes
	ckpt.InterruptState = interrupt
	source := CheckpointSourceLoop
	if step < 0 {
		source = CheckpointSourceInput
	}
	if interrupt != nil {
		source = CheckpointSourceInterrupt
	}
	if tuple, err := e.saver.GetTuple(ctx, CreateCheckpointConfig(inv.LineageID, "", inv.Namespace)); err == nil && tuple != nil && tuple.Checkpoint != nil {
		ckpt.ParentCheckpointID = tuple.Checkpoint.ID
	}
	_, err := e.saver.PutFull(ctx, PutFullRequest{
		Config:        CreateCheckpointConfig(inv.LineageID, ckpt.ID, inv.Namespace),
		Checkpoint:    ckpt,
		Metadata:      &CheckpointMetadata{Source: source, Step: step},
		PendingWrites: writes,
	})
	if err != nil {
		return "", NewError(ErrorTypeCheckpoint, "", err)
	}
	if inv.Bus != nil {
		_ = inv.Bus.Publish(ctx, event.New(inv.RunID, event.TypeCheckpoint,
			event.WithData(map[string]any{
				"checkpoint_id": ckpt.ID,
				"step":          step,
				"next_nodes":    nextNodes,
			})))
	}
	return ckpt.ID, nil
}

// rewriteLastToolCalls replaces the tool calls of the last assistant
// message in both the shared history and every agent channel that holds it,
// supporting edit-before-approve resume flows.
func rewriteLastToolCalls(state State, calls []model.ToolCall) {
	replace := func(msgs []model.Message) []model.Message {
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Role == model.RoleAssistant {
				result := copyMessages(msgs)
				result[i].ToolCalls = calls
				return result
			}
		}
		return msgs
	}
	if msgs, ok := state[StateKeyMessages].([]model.Message); ok {
		state[StateKeyMessages] = replace(msgs)
	}
	for key, value := range state {
		ch, ok := value.(*AgentChannel)
		if !ok || len(ch.Messages) == 0 {
			continue
		}
		clone := ch.Clone()
		clone.Messages = replace(clone.Messages)
		state[key] = clone
	}
}

func newTask(nodeID string, overlay State, index int) *task {
	return &task{
		id:      uuid.New().String(),
		nodeID:  nodeID,
		overlay: overlay,
		index:   index,
	}
}

// updateOf normalizes a node return value to a state update.
func updateOf(update any) State {
	switch u := update.(type) {
	case State:
		return u
	case map[string]any:
		return State(u)
	case *Command:
		if u == nil {
			return nil
		}
		return u.Update
	default:
		return nil
	}
}

// partitionTasks splits a frontier into the tasks that run first and the
// deferred tasks that run once the first wave's writes are merged.
func (e *Executor) partitionTasks(tasks []*task) (normal, deferred []*task) {
	for _, t := range tasks {
		if node, ok := e.graph.Node(t.nodeID); ok && node.Defer {
			deferred = append(deferred, t)
			continue
		}
		normal = append(normal, t)
	}
	return normal, deferred
}

func taskNodeIDs(tasks []*task) []string {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.nodeID)
	}
	return ids
}
