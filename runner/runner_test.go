//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

package runner

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhezhiming/xpert/event"
	"github.com/zhezhiming/xpert/graph"
	"github.com/zhezhiming/xpert/graph/checkpoint/inmemory"
	"github.com/zhezhiming/xpert/ledger"
	"github.com/zhezhiming/xpert/model"
	"github.com/zhezhiming/xpert/tool"
	"github.com/zhezhiming/xpert/xpert"
)

// scriptModel replays a fixed sequence of assistant messages, one per call.
type scriptModel struct {
	mu    sync.Mutex
	queue []model.Message
}

func script(messages ...model.Message) *scriptModel {
	return &scriptModel{queue: messages}
}

func (m *scriptModel) GenerateContent(ctx context.Context, req *model.Request) (<-chan *model.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return nil, errors.New("script exhausted")
	}
	msg := m.queue[0]
	m.queue = m.queue[1:]
	ch := make(chan *model.Response, 1)
	ch <- &model.Response{Choices: []model.Choice{{Message: msg}}}
	close(ch)
	return ch, nil
}

func (m *scriptModel) Info() model.Info { return model.Info{Name: "script", Provider: "test"} }

func say(content string) model.Message { return model.NewAssistantMessage(content) }

type sensitiveEcho struct{}

func (sensitiveEcho) Declaration() *tool.Declaration {
	return &tool.Declaration{Name: "transfer", Description: "moves money", Sensitive: true}
}

func (sensitiveEcho) Call(ctx context.Context, jsonArgs []byte) (any, error) {
	return "transferred", nil
}

func compileAssistant(t *testing.T, x *xpert.Xpert, cfg *xpert.CompileConfig) *Assistant {
	t.Helper()
	compiled, err := xpert.CompileAgent(context.Background(), x, x.Entry, cfg)
	require.NoError(t, err)
	return &Assistant{Xpert: x, Compiled: compiled}
}

func plainXpert(id, slug string) *xpert.Xpert {
	return &xpert.Xpert{
		ID:      id,
		Slug:    slug,
		Name:    "Travel Planner",
		Version: "1",
		Latest:  true,
		Agents:  []*xpert.XpertAgent{{Key: "planner"}},
		Entry:   "planner",
	}
}

func TestCreateThreadConflict(t *testing.T) {
	r := New()
	ctx := context.Background()

	first, err := r.CreateThread(ctx, "t1", map[string]any{"user": "alice"}, true)
	require.NoError(t, err)
	assert.Equal(t, ThreadStateOpen, first.State)

	_, err = r.CreateThread(ctx, "t1", nil, true)
	require.ErrorIs(t, err, ErrThreadExists)

	same, err := r.CreateThread(ctx, "t1", nil, false)
	require.NoError(t, err)
	assert.Same(t, first, same)

	generated, err := r.CreateThread(ctx, "", nil, true)
	require.NoError(t, err)
	assert.NotEmpty(t, generated.ID)
}

func TestSearchThreadsFiltersAndPaginates(t *testing.T) {
	r := New()
	ctx := context.Background()
	_, err := r.CreateThread(ctx, "a", map[string]any{"user": "alice"}, true)
	require.NoError(t, err)
	_, err = r.CreateThread(ctx, "b", map[string]any{"user": "alice"}, true)
	require.NoError(t, err)
	_, err = r.CreateThread(ctx, "c", map[string]any{"user": "bob"}, true)
	require.NoError(t, err)

	assert.Len(t, r.SearchThreads(nil, 0, 0), 3)
	assert.Len(t, r.SearchThreads(map[string]any{"user": "alice"}, 0, 0), 2)
	assert.Len(t, r.SearchThreads(nil, 2, 0), 2)
	assert.Len(t, r.SearchThreads(nil, 0, 2), 1)
	assert.Empty(t, r.SearchThreads(nil, 0, 10))
	assert.Empty(t, r.SearchThreads(map[string]any{"user": "carol"}, 0, 0))
}

func TestDeleteThreadRemovesRunsAndCheckpoints(t *testing.T) {
	saver := inmemory.NewSaver()
	r := New(WithCheckpointSaver(saver))
	ctx := context.Background()

	require.NoError(t, r.RegisterAssistant(compileAssistant(t, plainXpert("x1", "travel"),
		&xpert.CompileConfig{Model: script(say("done"))})))
	thread, err := r.CreateThread(ctx, "t1", nil, true)
	require.NoError(t, err)

	run, bus, err := r.StartRun(ctx, &RunRequest{AssistantID: "x1", ThreadID: thread.ID, Input: "hi"})
	require.NoError(t, err)
	_, err = r.Wait(bus, run.ID)
	require.NoError(t, err)

	require.NoError(t, r.DeleteThread(ctx, thread.ID))
	_, err = r.Thread(thread.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Run(run.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	tuple, err := saver.GetTuple(ctx,
		graph.CreateCheckpointConfig(thread.ID, "", graph.CheckpointNSDefault))
	require.NoError(t, err)
	assert.Nil(t, tuple)

	assert.ErrorIs(t, r.DeleteThread(ctx, "missing"), ErrNotFound)
}

func TestAssistantsRegistryDedupes(t *testing.T) {
	r := New()
	a := compileAssistant(t, plainXpert("x1", "travel"),
		&xpert.CompileConfig{Model: script(say("hi"))})
	require.NoError(t, r.RegisterAssistant(a))

	byID, err := r.Assistant("x1")
	require.NoError(t, err)
	bySlug, err := r.Assistant("travel")
	require.NoError(t, err)
	assert.Same(t, byID, bySlug)

	// Registered under two keys, listed once.
	assert.Len(t, r.Assistants(""), 1)
	assert.Len(t, r.Assistants("TRAVEL"), 1)
	assert.Empty(t, r.Assistants("finance"))

	_, err = r.Assistant("ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, r.RegisterAssistant(&Assistant{}))
}

func TestRunToCompletion(t *testing.T) {
	recorder := ledger.NewMemoryRecorder()
	r := New(WithCheckpointSaver(inmemory.NewSaver()), WithRecorder(recorder))
	ctx := context.Background()

	require.NoError(t, r.RegisterAssistant(compileAssistant(t, plainXpert("x1", "travel"),
		&xpert.CompileConfig{Model: script(say("Lisbon in May."))})))
	thread, err := r.CreateThread(ctx, "t1", nil, true)
	require.NoError(t, err)

	run, bus, err := r.StartRun(ctx, &RunRequest{
		AssistantID: "x1",
		ThreadID:    thread.ID,
		Input:       "where should I go?",
	})
	require.NoError(t, err)

	var types []string
	var agentStart map[string]any
	for e := range bus.Events() {
		types = append(types, string(e.Type))
		if e.Type == event.TypeAgentStart {
			agentStart, _ = e.Data.(map[string]any)
		}
	}
	assert.Equal(t, string(event.TypeRunStart), types[0])
	assert.Equal(t, string(event.TypeAgentStart), types[1])
	assert.Equal(t, string(event.TypeAgentEnd), types[len(types)-2])
	assert.Equal(t, string(event.TypeRunEnd), types[len(types)-1])
	require.NotNil(t, agentStart)
	assert.Equal(t, "planner", agentStart["agentKey"])

	done, err := r.Run(run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusSuccess, done.Status)
	assert.Empty(t, done.Predecessor)
	assert.Equal(t, "Lisbon in May.", done.Outputs["content"])
	assert.Equal(t, ThreadStateOpen, thread.State)

	state, err := r.ThreadState(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, "Lisbon in May.", state[graph.StateKeyLastResponse])

	entries, err := recorder.List(ctx, ledger.Filter{RunID: run.ID, Category: ledger.CategoryAgent})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.StatusSuccess, entries[0].Status)
	assert.Equal(t, thread.ID, entries[0].ThreadID)
	assert.Equal(t, entries[0].ID, agentStart["executionId"])
}

func TestRunsChainPredecessors(t *testing.T) {
	r := New()
	ctx := context.Background()
	require.NoError(t, r.RegisterAssistant(compileAssistant(t, plainXpert("x1", "travel"),
		&xpert.CompileConfig{Model: script(say("first"), say("second"))})))
	thread, err := r.CreateThread(ctx, "t1", nil, true)
	require.NoError(t, err)

	req := &RunRequest{AssistantID: "x1", ThreadID: thread.ID, Input: "hi"}
	first, bus, err := r.StartRun(ctx, req)
	require.NoError(t, err)
	_, err = r.Wait(bus, first.ID)
	require.NoError(t, err)

	second, bus, err := r.StartRun(ctx, req)
	require.NoError(t, err)
	done, err := r.Wait(bus, second.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, done.Predecessor)
}

func TestRunPicksUpGeneratedTitle(t *testing.T) {
	r := New()
	ctx := context.Background()
	require.NoError(t, r.RegisterAssistant(compileAssistant(t, plainXpert("x1", "travel"),
		&xpert.CompileConfig{
			Model:      script(say("Lisbon in May.")),
			TitleModel: script(say("Trip planning")),
		})))
	thread, err := r.CreateThread(ctx, "t1", nil, true)
	require.NoError(t, err)

	run, bus, err := r.StartRun(ctx, &RunRequest{AssistantID: "x1", ThreadID: thread.ID, Input: "hi"})
	require.NoError(t, err)
	_, err = r.Wait(bus, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "Trip planning", thread.Title)
}

func TestRunInterruptAndResume(t *testing.T) {
	saver := inmemory.NewSaver()
	r := New(WithCheckpointSaver(saver))
	ctx := context.Background()

	m := script(func() model.Message {
		msg := model.NewAssistantMessage("")
		msg.ToolCalls = []model.ToolCall{{
			Type: "function",
			ID:   "c1",
			Function: model.FunctionDefinitionParam{
				Name:      "transfer",
				Arguments: []byte(`{"amount":100}`),
			},
		}}
		return msg
	}(), say("Transfer complete."))

	x := plainXpert("x1", "travel")
	x.Agents[0].ToolsetIDs = []string{"bank"}
	require.NoError(t, r.RegisterAssistant(compileAssistant(t, x, &xpert.CompileConfig{
		Model: m,
		Toolsets: map[string]tool.ToolSet{
			"bank": tool.NewStaticToolSet("bank", "builtin", sensitiveEcho{}),
		},
	})))
	thread, err := r.CreateThread(ctx, "t1", nil, true)
	require.NoError(t, err)

	run, bus, err := r.StartRun(ctx, &RunRequest{AssistantID: "x1", ThreadID: thread.ID, Input: "send money"})
	require.NoError(t, err)
	paused, err := r.Wait(bus, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusInterrupted, paused.Status)
	assert.Contains(t, paused.Outputs, "interrupt")
	assert.Equal(t, ThreadStateInterrupted, thread.State)

	resume, bus, err := r.StartRun(ctx, &RunRequest{
		AssistantID: "x1",
		ThreadID:    thread.ID,
		Command:     &graph.Command{Resume: "approved"},
	})
	require.NoError(t, err)
	done, err := r.Wait(bus, resume.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusSuccess, done.Status)
	assert.Equal(t, "Transfer complete.", done.Outputs["content"])
	assert.Equal(t, ThreadStateOpen, thread.State)
}

func TestRunAbortedOnCancelledContext(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterAssistant(compileAssistant(t, plainXpert("x1", "travel"),
		&xpert.CompileConfig{Model: script(say("never"))})))
	thread, err := r.CreateThread(context.Background(), "t1", nil, true)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	run, bus, err := r.StartRun(ctx, &RunRequest{AssistantID: "x1", ThreadID: thread.ID, Input: "hi"})
	require.NoError(t, err)
	done, err := r.Wait(bus, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusAborted, done.Status)
	assert.NotEmpty(t, done.Error)
}

func TestStartRunRejectsUnknownIDs(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterAssistant(compileAssistant(t, plainXpert("x1", "travel"),
		&xpert.CompileConfig{Model: script(say("hi"))})))
	_, err := r.CreateThread(context.Background(), "t1", nil, true)
	require.NoError(t, err)

	_, _, err = r.StartRun(context.Background(), &RunRequest{AssistantID: "ghost", ThreadID: "t1"})
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = r.StartRun(context.Background(), &RunRequest{AssistantID: "x1", ThreadID: "ghost"})
	assert.ErrorIs(t, err, ErrNotFound)
}
