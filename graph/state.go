//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

package graph

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/zhezhiming/xpert/model"
)

const (
	// StateKeyUserInput is the key of the user input.
	// Typically it remains constant across the graph.
	StateKeyUserInput = "user_input"
	// StateKeyLastResponse is the key of the last response.
	StateKeyLastResponse = "last_response"
	// StateKeyMessages is the key of the shared message history.
	StateKeyMessages = "messages"
	// StateKeyMetadata is the key of the metadata.
	StateKeyMetadata = "metadata"
	// StateKeyExecContext is the key of the execution context.
	StateKeyExecContext = "exec_context"
	// StateKeyCurrentNodeID is the key for the node currently executing.
	StateKeyCurrentNodeID = "current_node_id"
	// StateKeyParameters is the key of the caller-supplied run parameters.
	StateKeyParameters = "parameters"
)

// AgentChannelSuffix is appended to an agent key to form its channel name.
const AgentChannelSuffix = "_channel"

// AgentChannelKey returns the state channel name for an agent key.
func AgentChannelKey(agentKey string) string {
	return agentKey + AgentChannelSuffix
}

// State represents the state that flows through the graph.
// This is the shared data structure that flows between nodes.
type State map[string]any

// Clone creates a shallow copy of the state. Values are shared; reducers
// must not mutate existing values in place.
func (s State) Clone() State {
	clone := make(State, len(s))
	for k, v := range s {
		clone[k] = v
	}
	return clone
}

// StateReducer is a function that determines how state updates are merged.
// It takes existing and new values and returns the merged result.
type StateReducer func(existing, update any) any

// StateField defines a field in the state schema with its type and reducer.
type StateField struct {
	Type     reflect.Type
	Reducer  StateReducer
	Default  func() any
	Required bool
}

// StateSchema defines the structure and behavior of graph state.
type StateSchema struct {
	mu     sync.RWMutex
	Fields map[string]StateField
	// Strict rejects updates to channels that are not declared in the schema.
	Strict bool
}

// NewStateSchema creates a new state schema.
func NewStateSchema() *StateSchema {
	return &StateSchema{
		Fields: make(map[string]StateField),
	}
}

// AddField adds a field to the state schema.
func (s *StateSchema) AddField(name string, field StateField) *StateSchema {
	s.mu.Lock()
	defer s.mu.Unlock()
	if field.Reducer == nil {
		field.Reducer = DefaultReducer
	}
	s.Fields[name] = field
	return s
}

// HasField reports whether the schema declares the named field.
func (s *StateSchema) HasField(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.Fields[name]
	return ok
}

// Field returns the named field definition.
func (s *StateSchema) Field(name string) (StateField, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.Fields[name]
	return f, ok
}

// InitialState returns a state populated with every declared default.
func (s *StateSchema) InitialState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state := make(State, len(s.Fields))
	for name, field := range s.Fields {
		if field.Default != nil {
			state[name] = field.Default()
		}
	}
	return state
}

// ApplyUpdate applies a state update using the defined reducers.
// Unknown channels are rejected when the schema is strict; internal keys
// (prefixed with "__" or registered as internal) are always allowed.
func (s *StateSchema) ApplyUpdate(currentState State, update State) (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := currentState.Clone()
	for key, updateValue := range update {
		field, exists := s.Fields[key]
		if !exists {
			if s.Strict && !isInternalStateKey(key) {
				return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, key)
			}
			// No field definition, default behavior is override.
			result[key] = updateValue
			continue
		}
		currentValue, hasCurrentValue := result[key]
		if !hasCurrentValue && field.Default != nil {
			currentValue = field.Default()
		}
		result[key] = field.Reducer(currentValue, updateValue)
	}
	return result, nil
}

// Rehydrate restores typed channel values after a checkpoint round-trips
// through JSON: any declared field whose stored value no longer matches the
// schema type is re-decoded into a fresh instance of that type. Unknown
// channels are left as decoded.
func (s *StateSchema) Rehydrate(state State) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := state.Clone()
	for name, field := range s.Fields {
		value, ok := result[name]
		if !ok || value == nil || field.Type == nil {
			continue
		}
		if reflect.TypeOf(value).AssignableTo(field.Type) {
			continue
		}
		raw, err := json.Marshal(value)
		if err != nil {
			continue
		}
		var target reflect.Value
		if field.Type.Kind() == reflect.Ptr {
			target = reflect.New(field.Type.Elem())
			if err := json.Unmarshal(raw, target.Interface()); err != nil {
				continue
			}
			result[name] = target.Interface()
		} else {
			target = reflect.New(field.Type)
			if err := json.Unmarshal(raw, target.Interface()); err != nil {
				continue
			}
			result[name] = target.Elem().Interface()
		}
	}
	return result
}

// Validate validates a state against the schema.
func (s *StateSchema) Validate(state State) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for name, field := range s.Fields {
		value, exists := state[name]
		if field.Required && !exists {
			return fmt.Errorf("required field %s is missing", name)
		}
		if exists && value != nil && field.Type != nil {
			valueType := reflect.TypeOf(value)
			if !valueType.AssignableTo(field.Type) {
				return fmt.Errorf("field %s has wrong type: expected %v, got %v",
					name, field.Type, valueType)
			}
		}
	}
	return nil
}

// Common reducer functions.

// DefaultReducer overwrites the existing value with the update.
func DefaultReducer(existing, update any) any {
	return update
}

// AppendReducer appends update to the existing slice.
func AppendReducer(existing, update any) any {
	if existing == nil {
		existing = []any{}
	}
	existingSlice, ok1 := existing.([]any)
	updateSlice, ok2 := update.([]any)
	if !ok1 || !ok2 {
		return update
	}
	merged := make([]any, 0, len(existingSlice)+len(updateSlice))
	merged = append(merged, existingSlice...)
	return append(merged, updateSlice...)
}

// StringSliceReducer appends string slices specifically.
func StringSliceReducer(existing, update any) any {
	if existing == nil {
		existing = []string{}
	}
	existingSlice, ok1 := existing.([]string)
	updateSlice, ok2 := update.([]string)
	if !ok1 || !ok2 {
		return update
	}
	merged := make([]string, 0, len(existingSlice)+len(updateSlice))
	merged = append(merged, existingSlice...)
	return append(merged, updateSlice...)
}

// MergeReducer merges an update map into the existing map, field level
// last-writer-wins.
func MergeReducer(existing, update any) any {
	if existing == nil {
		existing = make(map[string]any)
	}
	existingMap, ok1 := existing.(map[string]any)
	updateMap, ok2 := update.(map[string]any)
	if !ok1 || !ok2 {
		return update
	}
	result := make(map[string]any, len(existingMap)+len(updateMap))
	for k, v := range existingMap {
		result[k] = v
	}
	for k, v := range updateMap {
		result[k] = v
	}
	return result
}

// MessageReducer handles message channels: append with de-duplication by
// message id, order preserved. Updates may be []model.Message, a single
// model.Message, a MessageOp, or a []MessageOp.
func MessageReducer(existing, update any) any {
	existingMsgs, _ := existing.([]model.Message)
	switch upd := update.(type) {
	case []model.Message:
		return mergeMessages(existingMsgs, upd)
	case model.Message:
		return mergeMessages(existingMsgs, []model.Message{upd})
	case MessageOp:
		return upd.Apply(copyMessages(existingMsgs))
	case []MessageOp:
		result := copyMessages(existingMsgs)
		for _, op := range upd {
			result = op.Apply(result)
		}
		return result
	default:
		return update
	}
}

// MessagesStateSchema creates a state schema for message-based workflows.
func MessagesStateSchema() *StateSchema {
	schema := NewStateSchema()
	schema.AddField(StateKeyMessages, StateField{
		Type:    reflect.TypeOf([]model.Message{}),
		Reducer: MessageReducer,
		Default: func() any { return []model.Message{} },
	})
	schema.AddField(StateKeyUserInput, StateField{
		Type:    reflect.TypeOf(""),
		Reducer: DefaultReducer,
	})
	schema.AddField(StateKeyLastResponse, StateField{
		Type:    reflect.TypeOf(""),
		Reducer: DefaultReducer,
	})
	schema.AddField(StateKeyMetadata, StateField{
		Type:    reflect.TypeOf(map[string]any{}),
		Reducer: MergeReducer,
		Default: func() any { return make(map[string]any) },
	})
	schema.AddField(StateKeyParameters, StateField{
		Type:    reflect.TypeOf(map[string]any{}),
		Reducer: MergeReducer,
		Default: func() any { return make(map[string]any) },
	})
	return schema
}

// AgentChannel is the per-agent state structure carried in the channel
// named AgentChannelKey(agentKey).
type AgentChannel struct {
	// System is the resolved system prompt of the agent.
	System string `json:"system,omitempty"`
	// Messages is the agent's private message history.
	Messages []model.Message `json:"messages,omitempty"`
	// Summary holds the rolling conversation summary, if any.
	Summary string `json:"summary,omitempty"`
	// Error holds the last error routed into the channel.
	Error string `json:"error,omitempty"`
	// Output holds the structured output of the agent, if declared.
	Output map[string]any `json:"output,omitempty"`
}

// Clone returns a deep copy of the channel.
func (c *AgentChannel) Clone() *AgentChannel {
	if c == nil {
		return &AgentChannel{}
	}
	clone := &AgentChannel{
		System:  c.System,
		Summary: c.Summary,
		Error:   c.Error,
	}
	clone.Messages = copyMessages(c.Messages)
	if c.Output != nil {
		clone.Output = make(map[string]any, len(c.Output))
		for k, v := range c.Output {
			clone.Output[k] = v
		}
	}
	return clone
}

// LastMessage returns the last message of the channel.
func (c *AgentChannel) LastMessage() (model.Message, bool) {
	if c == nil || len(c.Messages) == 0 {
		return model.Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// AgentChannelUpdate is a field-wise update to an AgentChannel. Nil pointer
// fields leave the current value untouched; Messages append with id
// de-duplication; Ops apply after Messages.
type AgentChannelUpdate struct {
	System   *string
	Messages []model.Message
	Ops      []MessageOp
	Summary  *string
	Error    *string
	Output   map[string]any
}

// AgentChannelReducer reduces agent channel updates field-wise:
// last-writer-wins for scalar fields, append for the message list.
func AgentChannelReducer(existing, update any) any {
	current, _ := existing.(*AgentChannel)
	switch upd := update.(type) {
	case *AgentChannel:
		return upd
	case *AgentChannelUpdate:
		result := current.Clone()
		if upd.System != nil {
			result.System = *upd.System
		}
		if upd.Summary != nil {
			result.Summary = *upd.Summary
		}
		if upd.Error != nil {
			result.Error = *upd.Error
		}
		if len(upd.Messages) > 0 {
			result.Messages = mergeMessages(result.Messages, upd.Messages)
		}
		for _, op := range upd.Ops {
			result.Messages = op.Apply(result.Messages)
		}
		if upd.Output != nil {
			if result.Output == nil {
				result.Output = make(map[string]any, len(upd.Output))
			}
			for k, v := range upd.Output {
				result.Output[k] = v
			}
		}
		return result
	default:
		return existing
	}
}

// AgentChannelField returns the schema field definition for an agent channel.
func AgentChannelField() StateField {
	return StateField{
		Type:    reflect.TypeOf(&AgentChannel{}),
		Reducer: AgentChannelReducer,
		Default: func() any { return &AgentChannel{} },
	}
}

// GetAgentChannel reads the agent channel for the given key, returning an
// empty channel when absent.
func GetAgentChannel(state State, agentKey string) *AgentChannel {
	if ch, ok := state[AgentChannelKey(agentKey)].(*AgentChannel); ok && ch != nil {
		return ch
	}
	return &AgentChannel{}
}
