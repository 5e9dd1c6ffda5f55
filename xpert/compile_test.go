//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

package xpert

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhezhiming/xpert/event"
	"github.com/zhezhiming/xpert/graph"
	"github.com/zhezhiming/xpert/middleware"
	"github.com/zhezhiming/xpert/model"
	"github.com/zhezhiming/xpert/tool"
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

func callTool(name, args string) model.Message {
	msg := model.NewAssistantMessage("")
	msg.ToolCalls = []model.ToolCall{{
		Type: "function",
		ID:   "call_" + name,
		Function: model.FunctionDefinitionParam{
			Name:      name,
			Arguments: []byte(args),
		},
	}}
	return msg
}

// calcTool adds two numbers.
type calcTool struct{ sensitive bool }

func (t calcTool) Declaration() *tool.Declaration {
	return &tool.Declaration{Name: "add", Description: "adds two numbers", Sensitive: t.sensitive}
}

func (t calcTool) Call(ctx context.Context, jsonArgs []byte) (any, error) {
	var args struct{ A, B int }
	if err := json.Unmarshal(jsonArgs, &args); err != nil {
		return nil, err
	}
	return args.A + args.B, nil
}

func teamOf(agent *XpertAgent) *Xpert {
	return &Xpert{
		ID:      "x1",
		Slug:    "travel",
		Name:    "Travel Planner",
		Version: "1",
		Latest:  true,
		Agents:  []*XpertAgent{agent},
		Entry:   agent.Key,
	}
}

func run(t *testing.T, compiled *CompiledAgent, input string) graph.State {
	t.Helper()
	final, err := graph.NewExecutor(compiled.Graph).Execute(context.Background(),
		graph.State{graph.StateKeyUserInput: input}, &graph.Invocation{})
	require.NoError(t, err)
	return final
}

func TestCompilePlainAgent(t *testing.T) {
	x := teamOf(&XpertAgent{Key: "planner", Prompt: "You plan trips."})
	cfg := &CompileConfig{Model: script(say("Lisbon in May."))}

	compiled, err := CompileAgent(context.Background(), x, "planner", cfg)
	require.NoError(t, err)
	require.NotNil(t, compiled.Graph)
	assert.True(t, compiled.Schema.Strict)
	assert.Empty(t, compiled.InterruptBefore)

	final := run(t, compiled, "where should I go?")
	assert.Equal(t, "Lisbon in May.", final[graph.StateKeyLastResponse])

	ch, ok := final[graph.AgentChannelKey("planner")].(*graph.AgentChannel)
	require.True(t, ok)
	require.Len(t, ch.Messages, 1)
}

func TestCompileToolLoop(t *testing.T) {
	x := teamOf(&XpertAgent{
		Key:        "calc",
		Prompt:     "You do arithmetic with the add tool.",
		ToolsetIDs: []string{"math"},
	})
	cfg := &CompileConfig{
		Model: script(
			callTool("add", `{"a":2,"b":3}`),
			say("The answer is 5."),
		),
		Toolsets: map[string]tool.ToolSet{
			"math": tool.NewStaticToolSet("math", "builtin", calcTool{}),
		},
	}

	compiled, err := CompileAgent(context.Background(), x, "calc", cfg)
	require.NoError(t, err)

	final := run(t, compiled, "what is 2+3?")
	assert.Equal(t, "The answer is 5.", final[graph.StateKeyLastResponse])

	ch := final[graph.AgentChannelKey("calc")].(*graph.AgentChannel)
	// Assistant tool call, tool result, final assistant answer.
	require.Len(t, ch.Messages, 3)
	assert.Equal(t, model.RoleTool, ch.Messages[1].Role)
	assert.Equal(t, "5", ch.Messages[1].Content)
}

func TestCompileSensitiveToolPausesBeforeExecution(t *testing.T) {
	x := teamOf(&XpertAgent{Key: "calc", ToolsetIDs: []string{"math"}})
	cfg := &CompileConfig{
		Model: script(callTool("add", `{"a":1,"b":1}`)),
		Toolsets: map[string]tool.ToolSet{
			"math": tool.NewStaticToolSet("math", "builtin", calcTool{sensitive: true}),
		},
	}

	compiled, err := CompileAgent(context.Background(), x, "calc", cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{ToolNodeID("add")}, compiled.InterruptBefore)

	_, err = graph.NewExecutor(compiled.Graph).Execute(context.Background(),
		graph.State{graph.StateKeyUserInput: "1+1"}, &graph.Invocation{})
	ie, ok := graph.AsInterrupt(err)
	require.True(t, ok)
	assert.Equal(t, ToolNodeID("add"), ie.NodeID)
}

func TestCompileStructuredOutput(t *testing.T) {
	x := teamOf(&XpertAgent{
		Key: "extractor",
		OutputVariables: &model.ResponseFormat{
			Name: "extraction",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"city": map[string]any{"type": "string"},
				},
			},
		},
	})
	cfg := &CompileConfig{Model: script(say(`{"city":"Lisbon"}`))}

	compiled, err := CompileAgent(context.Background(), x, "extractor", cfg)
	require.NoError(t, err)

	final := run(t, compiled, "extract the city")
	ch := final[graph.AgentChannelKey("extractor")].(*graph.AgentChannel)
	require.NotNil(t, ch.Output)
	assert.Equal(t, "Lisbon", ch.Output["city"])
}

func TestCompileTitleNode(t *testing.T) {
	x := teamOf(&XpertAgent{Key: "planner"})
	cfg := &CompileConfig{
		Model:      script(say("Lisbon in May.")),
		TitleModel: script(say("Trip planning")),
	}

	compiled, err := CompileAgent(context.Background(), x, "planner", cfg)
	require.NoError(t, err)

	final := run(t, compiled, "where should I go?")
	assert.Equal(t, "Trip planning", final[StateKeyTitle])
}

func TestCompileWorkflowExit(t *testing.T) {
	x := teamOf(&XpertAgent{Key: "planner", Next: []string{"report"}})
	x.Workflows = []*WorkflowNode{{
		Key: "report",
		Handler: func(ctx context.Context, state graph.State) (any, error) {
			content, _ := state[graph.StateKeyLastResponse].(string)
			return "REPORT: " + content, nil
		},
	}}
	cfg := &CompileConfig{Model: script(say("Lisbon in May."))}

	compiled, err := CompileAgent(context.Background(), x, "planner", cfg)
	require.NoError(t, err)

	final := run(t, compiled, "plan a trip")
	channel, ok := final[graph.AgentChannelKey("report")].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "REPORT: Lisbon in May.", channel["output"])
}

func TestCompileMiddlewareToolsAndChannels(t *testing.T) {
	pipeline, err := middleware.NewPipeline(middleware.NewTodoList())
	require.NoError(t, err)

	x := teamOf(&XpertAgent{Key: "planner"})
	cfg := &CompileConfig{
		Model: script(
			callTool("write_todos", `{"todos":[{"content":"book flight","status":"pending"}]}`),
			say("Noted."),
		),
		Middlewares: map[string]*middleware.Pipeline{"": pipeline},
	}

	compiled, err := CompileAgent(context.Background(), x, "planner", cfg)
	require.NoError(t, err)

	final := run(t, compiled, "plan my trip")
	todos, ok := final[middleware.StateKeyTodos].([]middleware.TodoItem)
	require.True(t, ok)
	require.Len(t, todos, 1)
	assert.Equal(t, "book flight", todos[0].Content)
}

type fakeRetriever struct {
	query string
	topK  int
}

func (r *fakeRetriever) Retrieve(ctx context.Context, query string, topK int) ([]Document, error) {
	r.query = query
	r.topK = topK
	return []Document{{ID: "d1", Content: "visa required for stays over 90 days", Score: 0.9}}, nil
}

func TestCompileKnowledgebaseAsTool(t *testing.T) {
	retriever := &fakeRetriever{}
	x := teamOf(&XpertAgent{Key: "planner", KnowledgebaseIDs: []string{"docs"}})
	cfg := &CompileConfig{
		Model: script(
			callTool("knowledge_docs", `{"query":"visa rules"}`),
			say("You need a visa."),
		),
		Retrievers: map[string]KnowledgeRetriever{"docs": retriever},
		RecallTopK: 2,
	}

	compiled, err := CompileAgent(context.Background(), x, "planner", cfg)
	require.NoError(t, err)

	final := run(t, compiled, "do I need a visa?")
	assert.Equal(t, "You need a visa.", final[graph.StateKeyLastResponse])
	assert.Equal(t, "visa rules", retriever.query)
	assert.Equal(t, 2, retriever.topK)

	ch := final[graph.AgentChannelKey("planner")].(*graph.AgentChannel)
	assert.Contains(t, ch.Messages[1].Content, "90 days")
}

func TestCompileEndNodeToolSkipsModelRoundTrip(t *testing.T) {
	x := teamOf(&XpertAgent{
		Key:        "calc",
		ToolsetIDs: []string{"math"},
		EndNodes:   []string{"add"},
	})
	// A single scripted turn: returning to the model after the tool would
	// exhaust the script and fail the run.
	cfg := &CompileConfig{
		Model: script(callTool("add", `{"a":2,"b":3}`)),
		Toolsets: map[string]tool.ToolSet{
			"math": tool.NewStaticToolSet("math", "builtin", calcTool{}),
		},
	}

	compiled, err := CompileAgent(context.Background(), x, "calc", cfg)
	require.NoError(t, err)

	final := run(t, compiled, "what is 2+3?")
	ch := final[graph.AgentChannelKey("calc")].(*graph.AgentChannel)
	require.Len(t, ch.Messages, 2)
	assert.Equal(t, "5", ch.Messages[1].Content)
}

func TestCompileFollowerRunsAsTool(t *testing.T) {
	x := teamOf(&XpertAgent{Key: "lead", Followers: []string{"helper"}})
	x.Agents = append(x.Agents, &XpertAgent{Key: "helper", Name: "Research helper"})
	cfg := &CompileConfig{
		Model: script(
			callTool("helper", `{"input":"find hotels"}`),
			say("Here are three hotels."), // helper's own turn
			say("Delegation done: three hotels found."),
		),
	}

	compiled, err := CompileAgent(context.Background(), x, "lead", cfg)
	require.NoError(t, err)

	bus := event.NewBus()
	final, err := graph.NewExecutor(compiled.Graph).Execute(context.Background(),
		graph.State{graph.StateKeyUserInput: "book the trip"},
		&graph.Invocation{Bus: bus})
	require.NoError(t, err)
	bus.Close()
	assert.Equal(t, "Delegation done: three hotels found.", final[graph.StateKeyLastResponse])

	ch := final[graph.AgentChannelKey("lead")].(*graph.AgentChannel)
	require.Len(t, ch.Messages, 3)
	assert.Equal(t, "Here are three hotels.", ch.Messages[1].Content)

	// The delegated turn is bracketed by agent start/end events carrying
	// the helper's tag scope.
	var starts, ends int
	for e := range bus.Events() {
		switch e.Type {
		case event.TypeAgentStart:
			starts++
			assert.Contains(t, e.Tags, "agent:helper")
			data, ok := e.Data.(map[string]any)
			require.True(t, ok)
			assert.Equal(t, "helper", data["agentKey"])
			assert.NotEmpty(t, data["executionId"])
		case event.TypeAgentEnd:
			ends++
			assert.Contains(t, e.Tags, "agent:helper")
		}
	}
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, ends)
}

func TestCompileRejectsUnknownReferences(t *testing.T) {
	cfg := &CompileConfig{Model: script(say("x"))}

	_, err := CompileAgent(context.Background(),
		teamOf(&XpertAgent{Key: "a", ToolsetIDs: []string{"missing"}}), "a", cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown toolset")

	_, err = CompileAgent(context.Background(),
		teamOf(&XpertAgent{Key: "a", Followers: []string{"ghost"}}), "a", cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown follower")

	_, err = CompileAgent(context.Background(),
		teamOf(&XpertAgent{Key: "a", Next: []string{"nowhere"}}), "a", cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown workflow node")

	_, err = CompileAgent(context.Background(),
		teamOf(&XpertAgent{Key: "a", EndNodes: []string{"missing"}}), "a", cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tool")

	_, err = CompileAgent(context.Background(), teamOf(&XpertAgent{Key: "a"}), "other", cfg)
	require.Error(t, err)
}

func TestCompileRejectsFollowerCycle(t *testing.T) {
	x := teamOf(&XpertAgent{Key: "a", Followers: []string{"a"}})
	_, err := CompileAgent(context.Background(), x, "a", &CompileConfig{Model: script(say("x"))})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestCompileErrorHandlingValidation(t *testing.T) {
	cfg := &CompileConfig{Model: script(say("x"))}

	_, err := CompileAgent(context.Background(), teamOf(&XpertAgent{
		Key:     "a",
		Options: AgentOptions{ErrorHandling: graph.ErrorHandlingFailBranch},
	}), "a", cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fail target")

	_, err = CompileAgent(context.Background(), teamOf(&XpertAgent{
		Key:     "a",
		Options: AgentOptions{ErrorHandling: "explode"},
	}), "a", cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown errorHandling")
}

func TestCompileRequiresModel(t *testing.T) {
	_, err := CompileAgent(context.Background(), teamOf(&XpertAgent{Key: "a"}), "a", &CompileConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no model")
}
