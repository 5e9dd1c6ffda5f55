//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

// Package event provides the typed streaming event system for runs.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of event emitted during a run.
type Type string

// Event types emitted by the runtime.
const (
	TypeRunStart         Type = "on_run_start"
	TypeRunEnd           Type = "on_run_end"
	TypeRunError         Type = "on_run_error"
	TypeAgentStart       Type = "on_agent_start"
	TypeAgentEnd         Type = "on_agent_end"
	TypeChatMessageChunk Type = "on_chat_message_chunk"
	TypeToolStart        Type = "on_tool_start"
	TypeToolEnd          Type = "on_tool_end"
	TypeToolError        Type = "on_tool_error"
	TypeInterrupt        Type = "on_interrupt"
	TypeClientEffect     Type = "on_client_effect"
	TypeCheckpoint       Type = "on_checkpoint"
)

// Event represents a single typed event in a run's stream.
type Event struct {
	// ID is the unique identifier of the event.
	ID string `json:"id"`

	// Type is the event type.
	Type Type `json:"type"`

	// RunID is the run this event belongs to.
	RunID string `json:"runId,omitempty"`

	// Tags is the tag path of the emitter, used for mute filtering.
	// e.g. ["agent:researcher", "tool:search"].
	Tags []string `json:"tags,omitempty"`

	// Data is the event payload.
	Data any `json:"data,omitempty"`

	// Timestamp is when the event was created.
	Timestamp time.Time `json:"timestamp"`
}

// Option configures an Event.
type Option func(*Event)

// WithTags sets the tag path of the event.
func WithTags(tags ...string) Option {
	return func(e *Event) {
		e.Tags = tags
	}
}

// WithData sets the payload of the event.
func WithData(data any) Option {
	return func(e *Event) {
		e.Data = data
	}
}

// New creates a new Event with a generated ID and timestamp.
func New(runID string, t Type, opts ...Option) *Event {
	e := &Event{
		ID:        uuid.New().String(),
		Type:      t,
		RunID:     runID,
		Timestamp: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}
