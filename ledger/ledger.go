//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

// Package ledger records per-step execution entries of agent runs: model
// calls, tool calls, and their token usage, keyed by run and thread. The
// ledger is the audit surface behind execution listings and usage reports.
package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Category of a ledger entry.
const (
	CategoryModel = "model"
	CategoryTool  = "tool"
	CategoryAgent = "agent"
)

// Status of a ledger entry.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusError   = "error"
)

// Execution is one ledger row: a single model call, tool call, or agent
// span within a run.
type Execution struct {
	ID        string         `json:"id"`
	RunID     string         `json:"runId"`
	ThreadID  string         `json:"threadId,omitempty"`
	AgentKey  string         `json:"agentKey,omitempty"`
	NodeID    string         `json:"nodeId,omitempty"`
	Category  string         `json:"category"`
	Title     string         `json:"title,omitempty"`
	Status    string         `json:"status"`
	Error     string         `json:"error,omitempty"`
	Inputs    map[string]any `json:"inputs,omitempty"`
	Outputs   map[string]any `json:"outputs,omitempty"`
	TokensIn  int            `json:"tokensIn,omitempty"`
	TokensOut int            `json:"tokensOut,omitempty"`
	StartedAt time.Time      `json:"startedAt"`
	EndedAt   *time.Time     `json:"endedAt,omitempty"`
}

// NewExecution creates a running execution entry.
func NewExecution(runID, category string) *Execution {
	return &Execution{
		ID:        uuid.New().String(),
		RunID:     runID,
		Category:  category,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}
}

// Finish marks the entry done, with an error status when err is non-nil.
func (e *Execution) Finish(err error) *Execution {
	now := time.Now().UTC()
	e.EndedAt = &now
	if err != nil {
		e.Status = StatusError
		e.Error = err.Error()
	} else {
		e.Status = StatusSuccess
	}
	return e
}

// Filter narrows listing queries.
type Filter struct {
	RunID    string
	ThreadID string
	Category string
	Limit    int
}

// Recorder persists and lists execution entries. Implementations must be
// safe for concurrent use; Record upserts by entry id.
type Recorder interface {
	Record(ctx context.Context, exec *Execution) error
	List(ctx context.Context, filter Filter) ([]*Execution, error)
	Close() error
}

// MemoryRecorder is an in-memory Recorder for tests and single-process use.
type MemoryRecorder struct {
	mu      sync.RWMutex
	entries map[string]*Execution
}

// NewMemoryRecorder creates an empty in-memory recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{entries: make(map[string]*Execution)}
}

// Record implements Recorder.
func (r *MemoryRecorder) Record(ctx context.Context, exec *Execution) error {
	if exec == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *exec
	r.entries[exec.ID] = &clone
	return nil
}

// List implements Recorder. Results are ordered by start time ascending.
func (r *MemoryRecorder) List(ctx context.Context, filter Filter) ([]*Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*Execution
	for _, e := range r.entries {
		if filter.RunID != "" && e.RunID != filter.RunID {
			continue
		}
		if filter.ThreadID != "" && e.ThreadID != filter.ThreadID {
			continue
		}
		if filter.Category != "" && e.Category != filter.Category {
			continue
		}
		clone := *e
		result = append(result, &clone)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// Close implements Recorder.
func (r *MemoryRecorder) Close() error { return nil }
