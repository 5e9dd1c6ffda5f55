//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

package graph

import (
	"context"
	"errors"
	"fmt"
)

// InterruptError pauses execution and surfaces a prompt to the caller.
// The executor checkpoints before propagating it, so the run can resume
// later with a value for the interrupt key.
type InterruptError struct {
	// Key identifies the interrupt within the node, so resumes can target
	// a specific pause when a node interrupts more than once.
	Key string `json:"key,omitempty"`
	// Value is the payload shown to the caller (question, proposed action).
	Value any `json:"value"`
	// NodeID is the node that raised the interrupt.
	NodeID string `json:"node_id,omitempty"`
	// TaskID is the task that raised the interrupt.
	TaskID string `json:"task_id,omitempty"`
	// Step is the step during which the interrupt fired.
	Step int `json:"step,omitempty"`
}

// Error implements the error interface.
func (e *InterruptError) Error() string {
	return fmt.Sprintf("graph execution interrupted: %v", e.Value)
}

// AsInterrupt extracts an InterruptError from err, if present.
func AsInterrupt(err error) (*InterruptError, bool) {
	var ie *InterruptError
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}

// Interrupt pauses the node at the given key unless a resume value is
// already available. On first execution it returns an InterruptError that
// the node must propagate; on re-execution after resume it returns the
// stored value and records the key as used so later interrupts in the same
// node see their own values.
//
// The value returned on resume comes from, in order of precedence: the
// used-interrupts record (idempotent re-execution), the resume map entry
// for the key, then the single pending resume value.
func Interrupt(ctx context.Context, state State, key string, prompt any) (any, error) {
	if used, ok := state[StateKeyUsedInterrupts].(map[string]any); ok {
		if v, done := used[key]; done {
			return v, nil
		}
	}
	if resumeMap, ok := state[StateKeyResumeMap].(map[string]any); ok {
		if v, match := resumeMap[key]; match {
			consumeInterrupt(state, key, v)
			return v, nil
		}
	}
	if v, ok := state[ResumeChannel]; ok && v != nil {
		delete(state, ResumeChannel)
		consumeInterrupt(state, key, v)
		return v, nil
	}
	nodeID, _ := state[StateKeyCurrentNodeID].(string)
	return nil, &InterruptError{Key: key, Value: prompt, NodeID: nodeID}
}

// consumeInterrupt records a satisfied interrupt so re-execution of the
// node reuses the stored answer instead of pausing again.
func consumeInterrupt(state State, key string, value any) {
	used, ok := state[StateKeyUsedInterrupts].(map[string]any)
	if !ok {
		used = make(map[string]any)
		state[StateKeyUsedInterrupts] = used
	}
	used[key] = value
}

// ResumeValue reads the resume value for key without consuming it.
func ResumeValue(state State, key string) (any, bool) {
	if resumeMap, ok := state[StateKeyResumeMap].(map[string]any); ok {
		if v, match := resumeMap[key]; match {
			return v, true
		}
	}
	if v, ok := state[ResumeChannel]; ok && v != nil {
		return v, true
	}
	return nil, false
}

// ClearResumeState removes resume bookkeeping, called when a run completes.
func ClearResumeState(state State) {
	delete(state, ResumeChannel)
	delete(state, StateKeyResumeMap)
	delete(state, StateKeyUsedInterrupts)
}
