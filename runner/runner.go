//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

// Package runner manages threads and runs: it drives compiled agent graphs
// through the executor, tracks run status transitions, and owns the event
// bus of every run.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhezhiming/xpert/event"
	"github.com/zhezhiming/xpert/graph"
	"github.com/zhezhiming/xpert/ledger"
	"github.com/zhezhiming/xpert/log"
	"github.com/zhezhiming/xpert/xpert"
)

// Thread states.
const (
	ThreadStateOpen        = "open"
	ThreadStateInterrupted = "interrupted"
	ThreadStateClosed      = "closed"
)

// Run statuses.
const (
	RunStatusRunning     = "RUNNING"
	RunStatusSuccess     = "SUCCESS"
	RunStatusError       = "ERROR"
	RunStatusInterrupted = "INTERRUPTED"
	RunStatusAborted     = "ABORTED"
)

// ErrThreadExists is returned when creating a thread whose id is taken and
// the caller asked for a conflict error.
var ErrThreadExists = errors.New("thread already exists")

// ErrNotFound is returned for unknown thread, run, or assistant ids.
var ErrNotFound = errors.New("not found")

// Thread is one conversation, the checkpoint lineage unit.
type Thread struct {
	ID        string         `json:"id"`
	State     string         `json:"state"`
	Title     string         `json:"title,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Run is one execution of an assistant against a thread.
type Run struct {
	ID          string         `json:"id"`
	ThreadID    string         `json:"thread_id"`
	AssistantID string         `json:"assistant_id"`
	Status      string         `json:"status"`
	// Predecessor is the previous run on the same thread, if any.
	Predecessor string         `json:"predecessor,omitempty"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	Outputs     map[string]any `json:"outputs,omitempty"`
	Error       string         `json:"error,omitempty"`
	ElapsedMs   int64          `json:"elapsed_ms"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Assistant pairs a declarative xpert with its compiled form.
type Assistant struct {
	Xpert    *xpert.Xpert
	Compiled *xpert.CompiledAgent
}

// RunRequest describes a run to start.
type RunRequest struct {
	AssistantID string
	ThreadID    string
	// Input is the user input of the turn.
	Input string
	// Parameters are caller-supplied variables for the agent.
	Parameters map[string]any
	// Command resumes an interrupted run or steers the graph.
	Command *graph.Command
	// Timeout overrides the assistant's configured run timeout.
	Timeout time.Duration
	// Lang selects localized user-facing error messages.
	Lang string
	// Metadata is stored on the run as caller-supplied annotations.
	Metadata map[string]any
}

// Runner owns threads, runs, and assistants.
type Runner struct {
	mu         sync.RWMutex
	threads    map[string]*Thread
	runs       map[string]*Run
	lastRun    map[string]string
	assistants map[string]*Assistant

	saver          graph.CheckpointSaver
	recorder       ledger.Recorder
	defaultTimeout time.Duration
	maxConcurrency int
}

// Option configures a Runner.
type Option func(*Runner)

// WithCheckpointSaver enables durable checkpoints for every run.
func WithCheckpointSaver(saver graph.CheckpointSaver) Option {
	return func(r *Runner) { r.saver = saver }
}

// WithRecorder enables the execution ledger.
func WithRecorder(rec ledger.Recorder) Option {
	return func(r *Runner) { r.recorder = rec }
}

// WithDefaultTimeout bounds runs that carry no explicit timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Runner) { r.defaultTimeout = d }
}

// WithMaxConcurrency bounds parallel task execution inside each run.
func WithMaxConcurrency(n int) Option {
	return func(r *Runner) { r.maxConcurrency = n }
}

// New creates a Runner.
func New(opts ...Option) *Runner {
	r := &Runner{
		threads:    make(map[string]*Thread),
		runs:       make(map[string]*Run),
		lastRun:    make(map[string]string),
		assistants: make(map[string]*Assistant),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterAssistant makes an assistant runnable, addressable by the xpert's
// id and slug.
func (r *Runner) RegisterAssistant(a *Assistant) error {
	if a == nil || a.Xpert == nil || a.Compiled == nil {
		return fmt.Errorf("incomplete assistant registration")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.Xpert.ID != "" {
		r.assistants[a.Xpert.ID] = a
	}
	if a.Xpert.Slug != "" {
		r.assistants[a.Xpert.Slug] = a
	}
	return nil
}

// Assistant returns the registered assistant for the id or slug.
func (r *Runner) Assistant(id string) (*Assistant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.assistants[id]
	if !ok {
		return nil, fmt.Errorf("assistant %s: %w", id, ErrNotFound)
	}
	return a, nil
}

// Assistants returns registered assistants matching the query, deduplicated.
func (r *Runner) Assistants(query string) []*Assistant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	query = strings.ToLower(query)
	seen := make(map[*Assistant]bool)
	var out []*Assistant
	for _, a := range r.assistants {
		if seen[a] {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(a.Xpert.Name), query) &&
			!strings.Contains(strings.ToLower(a.Xpert.Slug), query) {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Xpert.Slug < out[j].Xpert.Slug })
	return out
}

// CreateThread creates a thread. An existing id either errors or returns
// the existing thread, per onConflictError.
func (r *Runner) CreateThread(ctx context.Context, id string, metadata map[string]any,
	onConflictError bool) (*Thread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == "" {
		id = uuid.New().String()
	}
	if existing, ok := r.threads[id]; ok {
		if onConflictError {
			return nil, fmt.Errorf("thread %s: %w", id, ErrThreadExists)
		}
		return existing, nil
	}
	now := time.Now().UTC()
	t := &Thread{
		ID:        id,
		State:     ThreadStateOpen,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.threads[id] = t
	return t, nil
}

// Thread returns the thread by id.
func (r *Runner) Thread(id string) (*Thread, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.threads[id]
	if !ok {
		return nil, fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	return t, nil
}

// SearchThreads returns threads, newest first, optionally filtered by a
// metadata equality map.
func (r *Runner) SearchThreads(metadata map[string]any, limit, offset int) []*Thread {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Thread
	for _, t := range r.threads {
		if !metadataMatches(t.Metadata, metadata) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset > 0 {
		if offset >= len(out) {
			return nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func metadataMatches(have, want map[string]any) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// DeleteThread removes the thread, its runs, and its checkpoint lineage.
func (r *Runner) DeleteThread(ctx context.Context, id string) error {
	r.mu.Lock()
	if _, ok := r.threads[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	delete(r.threads, id)
	delete(r.lastRun, id)
	for runID, run := range r.runs {
		if run.ThreadID == id {
			delete(r.runs, runID)
		}
	}
	r.mu.Unlock()
	if r.saver != nil {
		if err := r.saver.DeleteLineage(ctx, id); err != nil {
			return fmt.Errorf("delete checkpoints of thread %s: %w", id, err)
		}
	}
	return nil
}

// ThreadState returns the thread's latest checkpointed channel values.
func (r *Runner) ThreadState(ctx context.Context, threadID string) (map[string]any, error) {
	if _, err := r.Thread(threadID); err != nil {
		return nil, err
	}
	if r.saver == nil {
		return nil, nil
	}
	tuple, err := r.saver.GetTuple(ctx,
		graph.CreateCheckpointConfig(threadID, "", graph.CheckpointNSDefault))
	if err != nil {
		return nil, err
	}
	if tuple == nil || tuple.Checkpoint == nil {
		return nil, nil
	}
	return tuple.Checkpoint.ChannelValues, nil
}

// Run returns the run by id.
func (r *Runner) Run(id string) (*Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, nil
}

// StartRun starts a run and returns it with the bus streaming its events.
// Execution happens on a separate goroutine; cancelling ctx aborts the run.
// The bus is closed by the runner after the terminal event.
func (r *Runner) StartRun(ctx context.Context, req *RunRequest) (*Run, *event.Bus, error) {
	assistant, err := r.Assistant(req.AssistantID)
	if err != nil {
		return nil, nil, err
	}
	thread, err := r.Thread(req.ThreadID)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	run := &Run{
		ID:          uuid.New().String(),
		ThreadID:    thread.ID,
		AssistantID: req.AssistantID,
		Status:      RunStatusRunning,
		Inputs:      map[string]any{"input": req.Input, "parameters": req.Parameters},
		Metadata:    req.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.mu.Lock()
	run.Predecessor = r.lastRun[thread.ID]
	r.runs[run.ID] = run
	r.lastRun[thread.ID] = run.ID
	r.mu.Unlock()

	bus := event.NewBus()
	go r.execute(ctx, assistant, thread, run, req, bus)
	return run, bus, nil
}

// execute drives the run to a terminal status.
func (r *Runner) execute(ctx context.Context, assistant *Assistant, thread *Thread,
	run *Run, req *RunRequest, bus *event.Bus) {
	defer bus.Close()
	started := time.Now()

	timeout := req.Timeout
	if timeout == 0 {
		timeout = assistant.Compiled.Agent.Options.Timeout
	}
	if timeout == 0 {
		timeout = r.defaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	entry := ledger.NewExecution(run.ID, ledger.CategoryAgent)
	entry.ThreadID = thread.ID
	entry.AgentKey = assistant.Compiled.Agent.Key
	entry.Title = assistant.Xpert.Name
	entry.Inputs = run.Inputs

	bus.Publish(ctx, event.New(run.ID, event.TypeRunStart, event.WithData(map[string]any{
		"threadId":    thread.ID,
		"assistantId": run.AssistantID,
	})))
	bus.Publish(ctx, event.New(run.ID, event.TypeAgentStart, event.WithData(map[string]any{
		"executionId": entry.ID,
		"agentKey":    entry.AgentKey,
	})))

	opts := []graph.ExecutorOption{}
	if r.saver != nil {
		opts = append(opts, graph.WithCheckpointSaver(r.saver))
	}
	if r.maxConcurrency > 0 {
		opts = append(opts, graph.WithMaxConcurrency(r.maxConcurrency))
	}
	exec := graph.NewExecutor(assistant.Compiled.Graph, opts...)

	initial := graph.State{}
	if req.Input != "" {
		initial[graph.StateKeyUserInput] = req.Input
	}
	if req.Parameters != nil {
		initial[graph.StateKeyParameters] = req.Parameters
	}
	inv := &graph.Invocation{
		RunID:     run.ID,
		LineageID: thread.ID,
		Bus:       bus,
		Recorder:  r.recorder,
		Command:   req.Command,
		Lang:      req.Lang,
	}

	final, err := exec.Execute(ctx, initial, inv)
	r.finalize(ctx, thread, run, entry, bus, final, err, started)
}

func (r *Runner) finalize(ctx context.Context, thread *Thread, run *Run,
	entry *ledger.Execution, bus *event.Bus, final graph.State, err error, started time.Time) {
	r.mu.Lock()
	run.ElapsedMs = time.Since(started).Milliseconds()
	run.UpdatedAt = time.Now().UTC()
	threadState := ThreadStateOpen
	switch {
	case err == nil:
		run.Status = RunStatusSuccess
		run.Outputs = runOutputs(final)
		if title, _ := final["title"].(string); title != "" {
			thread.Title = title
		}
	default:
		var ie *graph.InterruptError
		var ge *graph.Error
		switch {
		case errors.As(err, &ie):
			run.Status = RunStatusInterrupted
			run.Outputs = map[string]any{"interrupt": ie.Value}
			threadState = ThreadStateInterrupted
		case errors.As(err, &ge) && ge.Type == graph.ErrorTypeCancelled:
			run.Status = RunStatusAborted
			run.Error = err.Error()
		default:
			run.Status = RunStatusError
			run.Error = err.Error()
		}
	}
	thread.State = threadState
	thread.UpdatedAt = run.UpdatedAt
	status := run.Status
	r.mu.Unlock()

	entry.Outputs = run.Outputs
	switch status {
	case RunStatusSuccess, RunStatusInterrupted:
		entry.Finish(nil)
	default:
		entry.Finish(err)
	}
	if r.recorder != nil {
		if recErr := r.recorder.Record(ctx, entry); recErr != nil {
			log.Warnf("record run execution: %v", recErr)
		}
	}

	// Terminal events. Publish with a fresh context so an aborted run still
	// reports its ending to any connected consumer.
	pubCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	bus.Publish(pubCtx, event.New(run.ID, event.TypeAgentEnd, event.WithData(entry)))
	switch status {
	case RunStatusError, RunStatusAborted:
		bus.Publish(pubCtx, event.New(run.ID, event.TypeRunError, event.WithData(map[string]any{
			"status": status,
			"error":  run.Error,
		})))
	default:
		bus.Publish(pubCtx, event.New(run.ID, event.TypeRunEnd, event.WithData(map[string]any{
			"status":  status,
			"outputs": run.Outputs,
		})))
	}
}

func runOutputs(final graph.State) map[string]any {
	out := map[string]any{}
	if final == nil {
		return out
	}
	if content, _ := final[graph.StateKeyLastResponse].(string); content != "" {
		out["content"] = content
	}
	return out
}

// Wait blocks until the run's bus closes and returns the terminal run.
// Useful for callers that want only the final answer.
func (r *Runner) Wait(bus *event.Bus, runID string) (*Run, error) {
	for range bus.Events() {
	}
	return r.Run(runID)
}

// Close releases runner resources: registered assistants' toolsets, the
// checkpoint saver, and the ledger recorder.
func (r *Runner) Close() error {
	r.mu.Lock()
	seen := make(map[*Assistant]bool)
	var assistants []*Assistant
	for _, a := range r.assistants {
		if !seen[a] {
			seen[a] = true
			assistants = append(assistants, a)
		}
	}
	r.mu.Unlock()

	var first error
	for _, a := range assistants {
		if err := a.Compiled.Close(); err != nil && first == nil {
			first = err
		}
	}
	if r.saver != nil {
		if err := r.saver.Close(); err != nil && first == nil {
			first = err
		}
	}
	if r.recorder != nil {
		if err := r.recorder.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
