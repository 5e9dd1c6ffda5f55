//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

// Package xpert defines the declarative assistant model (an agent team and
// its wiring) and compiles it into an executable graph.
package xpert

import (
	"context"
	"time"

	"github.com/zhezhiming/xpert/graph"
	"github.com/zhezhiming/xpert/middleware"
	"github.com/zhezhiming/xpert/model"
	"github.com/zhezhiming/xpert/tool"
)

// Xpert is a versioned declarative description of an agent team. It is
// immutable per version; at most one version per slug is marked latest.
type Xpert struct {
	ID          string                 `json:"id"`
	Slug        string                 `json:"slug"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Version     string                 `json:"version"`
	Latest      bool                   `json:"latest"`
	Agents      []*XpertAgent          `json:"agents"`
	Workflows   []*WorkflowNode        `json:"workflows,omitempty"`
	Entry       string                 `json:"entry"`
	Metadata    map[string]any         `json:"metadata,omitempty"`
	Options     map[string]any         `json:"options,omitempty"`
}

// Agent returns the agent with the given key.
func (x *Xpert) Agent(key string) (*XpertAgent, bool) {
	for _, a := range x.Agents {
		if a.Key == key {
			return a, true
		}
	}
	return nil, false
}

// XpertAgent is one agent inside an Xpert.
type XpertAgent struct {
	// Key is unique within the xpert and names the agent's state channel.
	Key  string `json:"key"`
	Name string `json:"name,omitempty"`
	// Prompt is the system prompt template.
	Prompt string `json:"prompt,omitempty"`
	// Parameters declares the caller-supplied inputs of the agent.
	Parameters *tool.Schema `json:"parameters,omitempty"`
	// OutputVariables requests structured output conforming to the schema.
	OutputVariables *model.ResponseFormat `json:"outputVariables,omitempty"`
	// ToolsetIDs names the toolsets the agent may use.
	ToolsetIDs []string `json:"toolsetIds,omitempty"`
	// AllowedTools filters toolset tools by name; empty allows all.
	AllowedTools []string `json:"allowedTools,omitempty"`
	// ToolDescriptions overrides tool descriptions by name.
	ToolDescriptions map[string]string `json:"toolDescriptions,omitempty"`
	// KnowledgebaseIDs names knowledgebases exposed as retriever tools.
	KnowledgebaseIDs []string `json:"knowledgebaseIds,omitempty"`
	// Followers are sub-agents of the same team, exposed as tools.
	Followers []string `json:"followers,omitempty"`
	// Collaborators are external xperts called as tools, by slug.
	Collaborators []string `json:"collaborators,omitempty"`
	// Next routes the agent to workflow nodes (or agents) after its loop.
	Next []string `json:"next,omitempty"`
	// Fail routes model failures when options select the fail branch.
	Fail string `json:"fail,omitempty"`
	// EndNodes are tools whose result ends the agent loop instead of
	// returning to the model.
	EndNodes []string `json:"endNodes,omitempty"`
	// Options tunes execution behavior.
	Options AgentOptions `json:"options,omitempty"`
}

// AgentOptions tunes a single agent's execution.
type AgentOptions struct {
	// Retries is the number of extra model attempts before fallback.
	Retries int `json:"retries,omitempty"`
	// ErrorHandling selects what happens when the model call fails:
	// "defaultValue" substitutes Content, "failBranch" routes to Fail.
	ErrorHandling string `json:"errorHandling,omitempty"`
	// ErrorContent is the substituted content for defaultValue handling.
	ErrorContent string `json:"errorContent,omitempty"`
	// DisableMessageHistory sends only the system prompt and the current
	// input to the model; accumulated history is not replayed.
	DisableMessageHistory bool `json:"disableMessageHistory,omitempty"`
	// Timeout bounds the whole run of this agent.
	Timeout time.Duration `json:"timeout,omitempty"`
	// ToolTimeouts bounds individual tool calls by name.
	ToolTimeouts map[string]time.Duration `json:"toolTimeouts,omitempty"`
	// Temperature, TopP and MaxTokens pass through to generation.
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"topP,omitempty"`
	MaxTokens   *int     `json:"maxTokens,omitempty"`
	// HandleToolErrors feeds tool failures back to the model as error
	// messages instead of failing the run. Defaults to true.
	HandleToolErrors *bool `json:"handleToolErrors,omitempty"`
}

// WorkflowNode is a deterministic (non-LLM) node in the team graph. It
// contributes its own state channel and follows its navigator.
type WorkflowNode struct {
	// Key names the node and its state channel ("<key>_channel").
	Key string `json:"key"`
	// Handler runs the node; registered at compile time by name when nil.
	Handler graph.NodeFunc `json:"-"`
	// HandlerName resolves the handler from the compile registry.
	HandlerName string `json:"handlerName,omitempty"`
	// Next is the deterministic successor set.
	Next []string `json:"next,omitempty"`
	// IsEnd adds END to the successor set.
	IsEnd bool `json:"isEnd,omitempty"`
	// Assigners copy parts of upstream tool results into channels.
	Variables []tool.StateVariable `json:"variables,omitempty"`
}

// Document is one retrieved knowledge fragment.
type Document struct {
	ID       string         `json:"id,omitempty"`
	Content  string         `json:"content"`
	Score    float64        `json:"score,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// KnowledgeRetriever recalls documents for a query.
type KnowledgeRetriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]Document, error)
}

// CompileConfig supplies the runtime dependencies the declarative Xpert
// references by id. The compiler resolves everything here; nothing is
// looked up at execution time.
type CompileConfig struct {
	// Model is the primary chat model.
	Model model.Model
	// FallbackModel is tried when the primary fails after retries.
	FallbackModel model.Model
	// TitleModel, when set, generates a thread title at the end of the
	// first turn.
	TitleModel model.Model
	// Toolsets resolves toolset ids.
	Toolsets map[string]tool.ToolSet
	// Retrievers resolves knowledgebase ids.
	Retrievers map[string]KnowledgeRetriever
	// Collaborators resolves external xpert slugs.
	Collaborators map[string]*Xpert
	// Middlewares attach per agent key; the empty key applies to all.
	Middlewares map[string]*middleware.Pipeline
	// Saver is propagated to sub-agent executors for nested checkpoints.
	Saver graph.CheckpointSaver
	// WorkflowHandlers resolves workflow handler names.
	WorkflowHandlers map[string]graph.NodeFunc
	// Summarize enables the terminal history-compaction node.
	Summarize *SummarizeConfig
	// RecallTopK is the document count per knowledge retrieval.
	RecallTopK int
}
