//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

package graph

import (
	"fmt"
)

// StateGraph builds a Graph fluently. Errors are collected and surfaced by
// Compile so call chains stay uncluttered.
type StateGraph struct {
	graph *Graph
	errs  []error
}

// NewStateGraph creates a new graph builder with the given schema.
func NewStateGraph(schema *StateSchema) *StateGraph {
	return &StateGraph{graph: New(schema)}
}

// NodeOption configures a node added to the builder.
type NodeOption func(*Node)

// WithNodeName sets the display name of the node.
func WithNodeName(name string) NodeOption {
	return func(n *Node) { n.Name = name }
}

// WithNodeType sets the node type.
func WithNodeType(t NodeType) NodeOption {
	return func(n *Node) { n.Type = t }
}

// WithDefer marks the node deferred: within a step it runs only after every
// non-deferred task has completed, so parallel branch writes are visible.
func WithDefer() NodeOption {
	return func(n *Node) { n.Defer = true }
}

// AddNode registers a node under the given id.
func (sg *StateGraph) AddNode(id string, fn NodeFunc, opts ...NodeOption) *StateGraph {
	if id == Start || id == End {
		sg.errs = append(sg.errs, fmt.Errorf("node id %s is reserved", id))
		return sg
	}
	if _, exists := sg.graph.nodes[id]; exists {
		sg.errs = append(sg.errs, fmt.Errorf("%w: %s", ErrDuplicateNode, id))
		return sg
	}
	node := &Node{ID: id, Name: id, Type: NodeTypeFunction, Function: fn}
	for _, opt := range opts {
		opt(node)
	}
	sg.graph.nodes[id] = node
	return sg
}

// AddEdge adds an unconditional edge. Multiple edges from one node fan out
// in parallel within a single step.
func (sg *StateGraph) AddEdge(from, to string) *StateGraph {
	if from == Start {
		return sg.SetEntryPoint(to)
	}
	sg.graph.edges[from] = append(sg.graph.edges[from], Edge{From: from, To: to})
	return sg
}

// AddConditionalEdge routes from a node through a single-target condition.
// Every possible condition result must be a key of pathMap.
func (sg *StateGraph) AddConditionalEdge(from string, cond ConditionalFunc, pathMap map[string]string) *StateGraph {
	if _, exists := sg.graph.conditionalEdges[from]; exists {
		sg.errs = append(sg.errs, fmt.Errorf("node %s already has a conditional edge", from))
		return sg
	}
	sg.graph.conditionalEdges[from] = &ConditionalEdge{From: from, Condition: cond, PathMap: pathMap}
	return sg
}

// AddMultiConditionalEdge routes from a node through a condition that may
// select several successors at once.
func (sg *StateGraph) AddMultiConditionalEdge(from string, cond MultiConditionalFunc, pathMap map[string]string) *StateGraph {
	if _, exists := sg.graph.conditionalEdges[from]; exists {
		sg.errs = append(sg.errs, fmt.Errorf("node %s already has a conditional edge", from))
		return sg
	}
	sg.graph.conditionalEdges[from] = &ConditionalEdge{From: from, Multi: cond, PathMap: pathMap}
	return sg
}

// SetEntryPoint sets the node that Start routes to.
func (sg *StateGraph) SetEntryPoint(nodeID string) *StateGraph {
	if sg.graph.entryPoint != "" && sg.graph.entryPoint != nodeID {
		sg.errs = append(sg.errs, fmt.Errorf("entry point already set to %s", sg.graph.entryPoint))
		return sg
	}
	sg.graph.entryPoint = nodeID
	return sg
}

// SetFinishPoint adds an edge from the node to End.
func (sg *StateGraph) SetFinishPoint(nodeID string) *StateGraph {
	return sg.AddEdge(nodeID, End)
}

// InterruptBefore pauses execution before each listed node, checkpointing
// first so a resume re-enters at the node.
func (sg *StateGraph) InterruptBefore(nodeIDs ...string) *StateGraph {
	for _, id := range nodeIDs {
		sg.graph.interruptBefore[id] = true
	}
	return sg
}

// InterruptAfter pauses execution after each listed node completes.
func (sg *StateGraph) InterruptAfter(nodeIDs ...string) *StateGraph {
	for _, id := range nodeIDs {
		sg.graph.interruptAfter[id] = true
	}
	return sg
}

// Compile validates the builder and returns the immutable graph. Nodes with
// more than one static predecessor are marked deferred automatically so
// joins see every parallel branch's writes.
func (sg *StateGraph) Compile() (*Graph, error) {
	if len(sg.errs) > 0 {
		return nil, sg.errs[0]
	}
	if err := sg.graph.validate(); err != nil {
		return nil, err
	}
	for id, node := range sg.graph.nodes {
		if !node.Defer && len(sg.graph.predecessors(id)) > 1 {
			node.Defer = true
		}
	}
	return sg.graph, nil
}
