//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

// Package graph provides a checkpointed, streaming state machine executor
// for agent workflows. Nodes read a shared state and return partial updates
// that reducers merge channel by channel; edges, conditional branches, and
// dynamic Send fan-outs decide what runs next.
package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/zhezhiming/xpert/model"
)

// Virtual node ids.
const (
	// Start is the virtual entry node of every graph.
	Start = "__start__"
	// End is the virtual exit node of every graph.
	End = "__end__"
)

// NodeFunc is the function signature executed by a node. It receives the
// current state and returns a partial update (State), a *Command, or nil.
type NodeFunc func(ctx context.Context, state State) (any, error)

// NodeType classifies nodes for event reporting and tooling.
type NodeType string

// Node types used by the compiler; plain function nodes use NodeTypeFunction.
const (
	NodeTypeFunction NodeType = "function"
	NodeTypeLLM      NodeType = "llm"
	NodeTypeTool     NodeType = "tool"
	NodeTypeSubgraph NodeType = "subgraph"
)

// Node is a single unit of work in the graph.
type Node struct {
	ID       string
	Name     string
	Type     NodeType
	Function NodeFunc
	// Defer delays the node until every other task scheduled for the same
	// step has completed, so joins observe all parallel writes.
	Defer bool
}

// Edge is an unconditional transition between two nodes.
type Edge struct {
	From string
	To   string
}

// ConditionalFunc selects a single successor from the current state.
type ConditionalFunc func(ctx context.Context, state State) (string, error)

// MultiConditionalFunc selects any number of successors from the current
// state, enabling static parallel fan-out from a branch.
type MultiConditionalFunc func(ctx context.Context, state State) ([]string, error)

// ConditionalEdge routes from a node through a condition function. Every
// value the condition can return must appear as a key of PathMap; the mapped
// value is the destination node id (or End).
type ConditionalEdge struct {
	From      string
	Condition ConditionalFunc
	Multi     MultiConditionalFunc
	PathMap   map[string]string
}

// resolve maps raw branch results through the path map.
func (e *ConditionalEdge) resolve(results []string) ([]string, error) {
	targets := make([]string, 0, len(results))
	for _, r := range results {
		target, ok := e.PathMap[r]
		if !ok {
			return nil, fmt.Errorf("%w: %q from node %s", ErrPathNotInMap, r, e.From)
		}
		targets = append(targets, target)
	}
	return targets, nil
}

// Send dynamically schedules a target node with its own state overlay,
// enabling map-reduce style fan-out decided at runtime.
type Send struct {
	// Node is the target node id.
	Node string `json:"node"`
	// State is merged over the shared state for this task only.
	State State `json:"state,omitempty"`
}

// Command is returned by a node (or carried into a resumed run) to combine
// a state update with routing control.
type Command struct {
	// Update is applied to the state through the reducers.
	Update State
	// GoTo overrides static routing with an explicit successor.
	GoTo string
	// Sends schedules dynamic fan-out tasks; mutually exclusive with GoTo.
	Sends []Send
	// Resume carries the resume value for the single pending interrupt.
	Resume any
	// ResumeMap carries resume values keyed by interrupt key.
	ResumeMap map[string]any
	// ToolCalls, when non-nil, replaces the tool calls of the last
	// assistant message before resuming (edit-before-approve flows).
	ToolCalls []model.ToolCall
}

// Graph is the compiled, immutable workflow.
type Graph struct {
	mu               sync.RWMutex
	schema           *StateSchema
	nodes            map[string]*Node
	edges            map[string][]Edge
	conditionalEdges map[string]*ConditionalEdge
	entryPoint       string
	interruptBefore  map[string]bool
	interruptAfter   map[string]bool
}

// New creates an empty graph with the given schema.
func New(schema *StateSchema) *Graph {
	return &Graph{
		schema:           schema,
		nodes:            make(map[string]*Node),
		edges:            make(map[string][]Edge),
		conditionalEdges: make(map[string]*ConditionalEdge),
		interruptBefore:  make(map[string]bool),
		interruptAfter:   make(map[string]bool),
	}
}

// Schema returns the state schema of the graph.
func (g *Graph) Schema() *StateSchema {
	return g.schema
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	return n, ok
}

// EntryPoint returns the entry node id.
func (g *Graph) EntryPoint() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.entryPoint
}

// Edges returns the static edges leaving the given node.
func (g *Graph) Edges(from string) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edges[from]
}

// ConditionalEdge returns the conditional edge leaving the given node.
func (g *Graph) ConditionalEdge(from string) (*ConditionalEdge, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.conditionalEdges[from]
	return e, ok
}

// InterruptBefore reports whether execution pauses before the node.
func (g *Graph) InterruptBefore(nodeID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.interruptBefore[nodeID]
}

// InterruptAfter reports whether execution pauses after the node.
func (g *Graph) InterruptAfter(nodeID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.interruptAfter[nodeID]
}

// validate checks structural integrity before the graph is handed to the
// executor: entry point set, every edge endpoint resolvable, every path map
// target resolvable.
func (g *Graph) validate() error {
	if g.entryPoint == "" {
		return ErrNoEntryPoint
	}
	if _, ok := g.nodes[g.entryPoint]; !ok {
		return fmt.Errorf("%w: entry point %s", ErrNodeNotFound, g.entryPoint)
	}
	resolvable := func(id string) bool {
		if id == End {
			return true
		}
		_, ok := g.nodes[id]
		return ok
	}
	for from, edges := range g.edges {
		if _, ok := g.nodes[from]; !ok && from != Start {
			return fmt.Errorf("%w: edge source %s", ErrNodeNotFound, from)
		}
		for _, e := range edges {
			if !resolvable(e.To) {
				return fmt.Errorf("%w: edge target %s", ErrNodeNotFound, e.To)
			}
		}
	}
	for from, ce := range g.conditionalEdges {
		if _, ok := g.nodes[from]; !ok {
			return fmt.Errorf("%w: branch source %s", ErrNodeNotFound, from)
		}
		for result, target := range ce.PathMap {
			if !resolvable(target) {
				return fmt.Errorf("%w: path map %q -> %s", ErrNodeNotFound, result, target)
			}
		}
	}
	return nil
}

// predecessors returns the set of node ids with a static edge into nodeID.
func (g *Graph) predecessors(nodeID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var preds []string
	for from, edges := range g.edges {
		for _, e := range edges {
			if e.To == nodeID {
				preds = append(preds, from)
			}
		}
	}
	return preds
}
