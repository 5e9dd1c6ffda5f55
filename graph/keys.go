//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

package graph

import "strings"

// Internal state keys carry runtime plumbing through the state map. They are
// never persisted into checkpoints and never exposed to callers.
const (
	// ResumeChannel carries the single resume value for the pending interrupt.
	ResumeChannel = "__resume__"
	// StateKeyResumeMap carries keyed resume values for named interrupts.
	StateKeyResumeMap = "__resume_map__"
	// StateKeyUsedInterrupts records interrupt keys already satisfied in the
	// current run, so re-executed nodes reuse stored answers.
	StateKeyUsedInterrupts = "__used_interrupts__"
	// StateKeyCommand carries the resume command into the first step.
	StateKeyCommand = "__command__"
	// StateKeySendOverlay carries the per-task state overlay of a Send.
	StateKeySendOverlay = "__send_overlay__"
)

const internalKeyPrefix = "__"

// isInternalStateKey reports whether a state key is runtime-internal.
// Internal keys bypass strict schema checks and are stripped before
// checkpointing and before state is returned to callers.
func isInternalStateKey(key string) bool {
	switch key {
	case StateKeyExecContext, StateKeyCurrentNodeID:
		return true
	}
	return strings.HasPrefix(key, internalKeyPrefix)
}

// stripInternalKeys returns a copy of state without internal keys. Used for
// state handed back to callers.
func stripInternalKeys(state State) State {
	result := make(State, len(state))
	for k, v := range state {
		if isInternalStateKey(k) {
			continue
		}
		result[k] = v
	}
	return result
}

// stripForCheckpoint returns a copy of state without runtime-only keys.
// Resume bookkeeping (__resume_map__, __used_interrupts__) persists so a run
// pausing on a second interrupt still knows which answers were consumed.
func stripForCheckpoint(state State) State {
	result := make(State, len(state))
	for k, v := range state {
		switch k {
		case StateKeyResumeMap, StateKeyUsedInterrupts:
			result[k] = v
			continue
		}
		if isInternalStateKey(k) {
			continue
		}
		result[k] = v
	}
	return result
}
