//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

package xpert

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/zhezhiming/xpert/graph"
	"github.com/zhezhiming/xpert/middleware"
	"github.com/zhezhiming/xpert/model"
	"github.com/zhezhiming/xpert/tool"
)

// Node ids of the compiled agent graph.
const (
	NodeBeforeAgent = "before_agent"
	NodeBeforeModel = "before_model"
	NodeCallModel   = "call_model"
	NodeAfterModel  = "after_model"
	NodeRouter      = "router"
	NodeAfterAgent  = "after_agent"
	NodeSummarize   = "summarize_conversation"
	NodeTitle       = "title_conversation"
)

// StateKeyTitle is the channel the title node writes.
const StateKeyTitle = "title"

// ToolNodeID returns the graph node id executing the named tool.
func ToolNodeID(name string) string { return "tool_" + name }

// CompiledAgent is the executable form of one agent: its graph, the schema
// the graph runs over, and the resources the run owner must release.
type CompiledAgent struct {
	Xpert *Xpert
	Agent *XpertAgent
	Graph *graph.Graph
	// Schema is the state schema the graph was compiled against.
	Schema *graph.StateSchema
	// Toolsets are the resolved toolsets; Close them when the run owner is
	// done with the compiled agent.
	Toolsets []tool.ToolSet
	// InterruptBefore lists tool nodes paused for human review.
	InterruptBefore []string
}

// Close releases the toolsets held by the compiled agent.
func (c *CompiledAgent) Close() error {
	var first error
	for _, ts := range c.Toolsets {
		if err := ts.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// CompileAgent turns the declarative agent into an executable graph: hook
// chains around a model-calling node, one node per tool, sub-agent tools
// for followers and collaborators, knowledge retriever tools, workflow
// nodes with their navigators, and terminal summarize/title nodes.
func CompileAgent(ctx context.Context, x *Xpert, agentKey string, cfg *CompileConfig) (*CompiledAgent, error) {
	if cfg == nil {
		cfg = &CompileConfig{}
	}
	return compileAgent(ctx, x, agentKey, cfg, map[string]bool{})
}

func compileAgent(ctx context.Context, x *Xpert, agentKey string, cfg *CompileConfig,
	visiting map[string]bool) (*CompiledAgent, error) {
	if x == nil {
		return nil, fmt.Errorf("nil xpert")
	}
	agent, ok := x.Agent(agentKey)
	if !ok {
		return nil, fmt.Errorf("xpert %s has no agent %q", x.Slug, agentKey)
	}
	if cfg.Model == nil {
		return nil, fmt.Errorf("compile %s/%s: no model configured", x.Slug, agentKey)
	}
	visitKey := x.Slug + "/" + agentKey
	if visiting[visitKey] {
		return nil, fmt.Errorf("agent cycle through %s", visitKey)
	}
	visiting[visitKey] = true
	defer delete(visiting, visitKey)

	pipeline := cfg.Middlewares[agent.Key]
	if pipeline == nil {
		pipeline = cfg.Middlewares[""]
	}

	compiled := &CompiledAgent{Xpert: x, Agent: agent}
	schema, err := buildSchema(x, agent, pipeline)
	if err != nil {
		return nil, err
	}
	compiled.Schema = schema

	tools, sensitive, err := collectTools(ctx, x, agent, cfg, pipeline, visiting, compiled)
	if err != nil {
		return nil, err
	}

	g, interruptBefore, err := buildGraph(x, agent, cfg, pipeline, schema, tools, sensitive)
	if err != nil {
		return nil, err
	}
	compiled.Graph = g
	compiled.InterruptBefore = interruptBefore
	return compiled, nil
}

// buildSchema assembles the state schema: the shared message channels, the
// agent's own channel, one channel per workflow node, toolset variables,
// middleware contributions, and the title channel. Conflicting reducer
// declarations for one channel fail compilation.
func buildSchema(x *Xpert, agent *XpertAgent, pipeline *middleware.Pipeline) (*graph.StateSchema, error) {
	schema := graph.MessagesStateSchema()
	schema.AddField(graph.AgentChannelKey(agent.Key), graph.AgentChannelField())
	schema.AddField(StateKeyTitle, graph.StateField{
		Type:    reflect.TypeOf(""),
		Reducer: graph.DefaultReducer,
	})
	for _, w := range x.Workflows {
		schema.AddField(graph.AgentChannelKey(w.Key), graph.StateField{
			Type:    reflect.TypeOf(map[string]any{}),
			Reducer: graph.MergeReducer,
			Default: func() any { return map[string]any{} },
		})
		for _, v := range w.Variables {
			if err := addVariableField(schema, v); err != nil {
				return nil, err
			}
		}
	}
	mwFields, err := pipeline.StateFields()
	if err != nil {
		return nil, err
	}
	for name, field := range mwFields {
		if existing, ok := schema.Field(name); ok {
			if !sameReducer(existing.Reducer, field.Reducer) {
				return nil, fmt.Errorf("channel %q declared twice with different reducers", name)
			}
			continue
		}
		schema.AddField(name, field)
	}
	schema.Strict = true
	return schema, nil
}

func addVariableField(schema *graph.StateSchema, v tool.StateVariable) error {
	reducer := graph.StateReducer(graph.DefaultReducer)
	if v.Append {
		reducer = graph.AppendReducer
	}
	if existing, ok := schema.Field(v.Name); ok {
		if !sameReducer(existing.Reducer, reducer) {
			return fmt.Errorf("channel %q declared twice with different reducers", v.Name)
		}
		return nil
	}
	def := v.Default
	schema.AddField(v.Name, graph.StateField{
		Reducer: reducer,
		Default: func() any { return def },
	})
	return nil
}

func sameReducer(a, b graph.StateReducer) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

// collectTools resolves every tool the agent can call: toolset tools
// (allow-list filtered, descriptions overridable), knowledge retrievers,
// follower and collaborator sub-agents, and middleware contributions.
// It returns the tool map and the names requiring review before execution.
func collectTools(ctx context.Context, x *Xpert, agent *XpertAgent, cfg *CompileConfig,
	pipeline *middleware.Pipeline, visiting map[string]bool,
	compiled *CompiledAgent) (map[string]tool.Tool, []string, error) {
	tools := make(map[string]tool.Tool)
	var sensitive []string
	add := func(t tool.Tool) error {
		decl := t.Declaration()
		if decl == nil || decl.Name == "" {
			return fmt.Errorf("tool without a declaration in agent %s", agent.Key)
		}
		if _, dup := tools[decl.Name]; dup {
			return fmt.Errorf("duplicate tool name %q in agent %s", decl.Name, agent.Key)
		}
		tools[decl.Name] = t
		if decl.Sensitive {
			sensitive = append(sensitive, decl.Name)
		}
		return nil
	}

	allowed := make(map[string]bool, len(agent.AllowedTools))
	for _, name := range agent.AllowedTools {
		allowed[name] = true
	}
	for _, id := range agent.ToolsetIDs {
		ts, ok := cfg.Toolsets[id]
		if !ok {
			return nil, nil, fmt.Errorf("agent %s references unknown toolset %q", agent.Key, id)
		}
		compiled.Toolsets = append(compiled.Toolsets, ts)
		for _, t := range ts.Tools(ctx) {
			decl := t.Declaration()
			if decl == nil {
				continue
			}
			if len(allowed) > 0 && !allowed[decl.Name] {
				continue
			}
			if desc, ok := agent.ToolDescriptions[decl.Name]; ok {
				t = withDescription(t, desc)
			}
			if err := add(t); err != nil {
				return nil, nil, err
			}
		}
	}

	for _, kbID := range agent.KnowledgebaseIDs {
		retriever, ok := cfg.Retrievers[kbID]
		if !ok {
			return nil, nil, fmt.Errorf("agent %s references unknown knowledgebase %q", agent.Key, kbID)
		}
		if err := add(newKnowledgeTool(kbID, retriever, cfg.RecallTopK)); err != nil {
			return nil, nil, err
		}
	}

	for _, followerKey := range agent.Followers {
		follower, ok := x.Agent(followerKey)
		if !ok {
			return nil, nil, fmt.Errorf("agent %s references unknown follower %q", agent.Key, followerKey)
		}
		sub, err := compileAgent(ctx, x, followerKey, cfg, visiting)
		if err != nil {
			return nil, nil, fmt.Errorf("compile follower %s: %w", followerKey, err)
		}
		desc := follower.Name
		if desc == "" {
			desc = "Delegate the task to the " + followerKey + " agent."
		}
		if err := add(newSubAgentTool(followerKey, desc, sub, cfg.Saver, follower.Options.Timeout)); err != nil {
			return nil, nil, err
		}
	}

	for _, slug := range agent.Collaborators {
		collab, ok := cfg.Collaborators[slug]
		if !ok {
			return nil, nil, fmt.Errorf("agent %s references unknown collaborator %q", agent.Key, slug)
		}
		sub, err := compileAgent(ctx, collab, collab.Entry, cfg, visiting)
		if err != nil {
			return nil, nil, fmt.Errorf("compile collaborator %s: %w", slug, err)
		}
		desc := collab.Description
		if desc == "" {
			desc = "Delegate the task to the " + collab.Name + " expert."
		}
		if err := add(newSubAgentTool(slug, desc, sub, cfg.Saver, 0)); err != nil {
			return nil, nil, err
		}
	}

	for _, t := range pipeline.Tools() {
		if err := add(t); err != nil {
			return nil, nil, err
		}
	}
	return tools, sensitive, nil
}

// buildGraph wires the node set: hook chains, the model node, the router,
// one node per tool, terminal nodes, and the workflow subgraph.
func buildGraph(x *Xpert, agent *XpertAgent, cfg *CompileConfig, pipeline *middleware.Pipeline,
	schema *graph.StateSchema, tools map[string]tool.Tool,
	sensitive []string) (*graph.Graph, []string, error) {
	sg := graph.NewStateGraph(schema)

	workflows := make(map[string]bool, len(x.Workflows))
	for _, w := range x.Workflows {
		workflows[w.Key] = true
	}
	for _, next := range agent.Next {
		if !workflows[next] {
			return nil, nil, fmt.Errorf("agent %s routes to unknown workflow node %q", agent.Key, next)
		}
	}

	beforeAgent := beforeAgentFuncs(pipeline.BeforeAgentHooks())
	beforeModel := beforeModelFuncs(pipeline.BeforeModelHooks())
	afterModel := afterModelFuncs(pipeline.AfterModelHooks())
	afterAgent := afterAgentFuncs(pipeline.AfterAgentHooks())

	modelEntry := NodeCallModel
	if len(beforeModel) > 0 {
		modelEntry = NodeBeforeModel
	}
	finish := finishChain(agent, cfg, len(afterAgent) > 0)
	finishStart := graph.End
	if len(finish.nodes) > 0 {
		finishStart = finish.nodes[0]
	} else if len(finish.exits) == 1 && finish.exits[0] != graph.End {
		finishStart = finish.exits[0]
	}
	jumps := map[string]string{
		middleware.JumpModel: modelEntry,
		middleware.JumpTools: NodeRouter,
		middleware.JumpEnd:   finishStart,
	}

	if len(beforeAgent) > 0 {
		sg.AddNode(NodeBeforeAgent, hookNodeFunc(schema, beforeAgent, jumps))
		sg.SetEntryPoint(NodeBeforeAgent)
		sg.AddEdge(NodeBeforeAgent, modelEntry)
	} else {
		sg.SetEntryPoint(modelEntry)
	}
	if len(beforeModel) > 0 {
		sg.AddNode(NodeBeforeModel, hookNodeFunc(schema, beforeModel, jumps))
		sg.AddEdge(NodeBeforeModel, NodeCallModel)
	}

	llmCfg, err := modelNodeConfig(agent, cfg, pipeline, tools)
	if err != nil {
		return nil, nil, err
	}
	sg.AddNode(NodeCallModel, graph.NewLLMNodeFunc(llmCfg),
		graph.WithNodeType(graph.NodeTypeLLM), graph.WithNodeName(agent.Key))

	routeFrom := NodeCallModel
	if len(afterModel) > 0 {
		sg.AddNode(NodeAfterModel, hookNodeFunc(schema, afterModel, jumps))
		sg.AddEdge(NodeCallModel, NodeAfterModel)
		routeFrom = NodeAfterModel
	}
	// The router is its own node so hooks can jump straight to tool
	// dispatch without re-running the model.
	sg.AddNode(NodeRouter, func(ctx context.Context, state graph.State) (any, error) {
		return nil, nil
	})
	sg.AddEdge(routeFrom, NodeRouter)

	// One node per tool; the router fans out a target per distinct node so
	// independent tools of one assistant turn run in parallel.
	toolNodes := make(map[string]string, len(tools))
	endNode := make(map[string]bool, len(agent.EndNodes))
	for _, name := range agent.EndNodes {
		if _, ok := tools[name]; !ok {
			return nil, nil, fmt.Errorf("endNodes references unknown tool %q", name)
		}
		endNode[name] = true
	}
	handleErrors := true
	if agent.Options.HandleToolErrors != nil {
		handleErrors = *agent.Options.HandleToolErrors
	}
	for name, t := range tools {
		nodeID := ToolNodeID(name)
		toolNodes[name] = nodeID
		nodeCfg := graph.ToolsNodeConfig{
			Tools:            map[string]tool.Tool{name: t},
			AgentKey:         agent.Key,
			Wrappers:         pipeline.ToolWrappers(),
			HandleToolErrors: handleErrors,
		}
		if timeout, ok := agent.Options.ToolTimeouts[name]; ok {
			nodeCfg.Timeouts = map[string]time.Duration{name: timeout}
		}
		sg.AddNode(nodeID, graph.NewToolsNodeFunc(nodeCfg),
			graph.WithNodeType(graph.NodeTypeTool), graph.WithNodeName(name))
		if endNode[name] {
			for _, exit := range finish.entry(graph.End) {
				sg.AddEdge(nodeID, exit)
			}
		} else {
			sg.AddEdge(nodeID, modelEntry)
		}
	}

	pathMap := make(map[string]string, len(toolNodes)+len(finish.exits)+1)
	for _, nodeID := range toolNodes {
		pathMap[nodeID] = nodeID
	}
	finishTargets := finish.entry(graph.End)
	for _, target := range finishTargets {
		pathMap[target] = target
	}
	sg.AddMultiConditionalEdge(NodeRouter, routerFunc(agent.Key, toolNodes, finishTargets), pathMap)

	if err := addFinishNodes(sg, agent, cfg, schema, finish, afterAgent, jumps); err != nil {
		return nil, nil, err
	}
	if err := addWorkflowNodes(sg, x, cfg); err != nil {
		return nil, nil, err
	}

	var interruptBefore []string
	for _, name := range sensitive {
		interruptBefore = append(interruptBefore, ToolNodeID(name))
	}
	if len(interruptBefore) > 0 {
		sg.InterruptBefore(interruptBefore...)
	}

	g, err := sg.Compile()
	if err != nil {
		return nil, nil, err
	}
	return g, interruptBefore, nil
}

// routerFunc inspects the last assistant message of the agent channel: with
// tool calls it fans out to the matching tool nodes, otherwise it follows
// the finish chain. A call naming an unknown tool fails the run.
func routerFunc(agentKey string, toolNodes map[string]string, finishTargets []string) graph.MultiConditionalFunc {
	return func(ctx context.Context, state graph.State) ([]string, error) {
		ch := graph.GetAgentChannel(state, agentKey)
		last := lastAssistantMessage(ch.Messages)
		if last == nil || len(last.ToolCalls) == 0 {
			return finishTargets, nil
		}
		var targets []string
		seen := make(map[string]bool)
		for _, call := range last.ToolCalls {
			nodeID, ok := toolNodes[call.Function.Name]
			if !ok {
				return nil, fmt.Errorf("model requested unknown tool %q", call.Function.Name)
			}
			if !seen[nodeID] {
				seen[nodeID] = true
				targets = append(targets, nodeID)
			}
		}
		return targets, nil
	}
}

func lastAssistantMessage(messages []model.Message) *model.Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == model.RoleAssistant {
			return &messages[i]
		}
	}
	return nil
}

// modelNodeConfig maps the agent's declarative options onto the model node.
func modelNodeConfig(agent *XpertAgent, cfg *CompileConfig, pipeline *middleware.Pipeline,
	tools map[string]tool.Tool) (graph.LLMNodeConfig, error) {
	llmCfg := graph.LLMNodeConfig{
		Model:         cfg.Model,
		FallbackModel: cfg.FallbackModel,
		AgentKey:      agent.Key,
		Instruction:   agent.Prompt,
		Tools:         tools,
		GenerationConfig: model.GenerationConfig{
			MaxTokens:   agent.Options.MaxTokens,
			Temperature: agent.Options.Temperature,
			TopP:        agent.Options.TopP,
			Stream:      true,
		},
		OutputSchema:          agent.OutputVariables,
		DisableMessageHistory: agent.Options.DisableMessageHistory,
		Wrappers:              pipeline.ModelWrappers(),
		Retries:               agent.Options.Retries,
	}
	switch agent.Options.ErrorHandling {
	case "":
	case graph.ErrorHandlingDefaultValue:
		llmCfg.ErrorHandling = &graph.ErrorHandling{
			Type:    graph.ErrorHandlingDefaultValue,
			Content: agent.Options.ErrorContent,
		}
	case graph.ErrorHandlingFailBranch:
		if agent.Fail == "" {
			return llmCfg, fmt.Errorf("agent %s uses failBranch error handling without a fail target", agent.Key)
		}
		llmCfg.ErrorHandling = &graph.ErrorHandling{
			Type:     graph.ErrorHandlingFailBranch,
			FailNode: agent.Fail,
		}
	default:
		return llmCfg, fmt.Errorf("agent %s: unknown errorHandling %q", agent.Key, agent.Options.ErrorHandling)
	}
	return llmCfg, nil
}
