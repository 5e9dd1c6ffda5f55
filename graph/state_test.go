//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

package graph

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhezhiming/xpert/model"
)

func TestMessageReducerAppendsAndDeduplicates(t *testing.T) {
	first := model.NewUserMessage("hello")
	second := model.NewAssistantMessage("hi")

	merged, ok := MessageReducer(nil, []model.Message{first, second}).([]model.Message)
	require.True(t, ok)
	require.Len(t, merged, 2)

	// Same id replaces in place, preserving order.
	edited := second
	edited.Content = "hi there"
	merged, ok = MessageReducer(merged, []model.Message{edited}).([]model.Message)
	require.True(t, ok)
	require.Len(t, merged, 2)
	assert.Equal(t, "hi there", merged[1].Content)
	assert.Equal(t, first.ID, merged[0].ID)
}

func TestMessageReducerRemoveByID(t *testing.T) {
	first := model.NewUserMessage("a")
	second := model.NewAssistantMessage("b")
	existing := []model.Message{first, second}

	result, ok := MessageReducer(existing, RemoveMessage{ID: first.ID}).([]model.Message)
	require.True(t, ok)
	require.Len(t, result, 1)
	assert.Equal(t, second.ID, result[0].ID)

	result, ok = MessageReducer(existing, RemoveAllMessages{}).([]model.Message)
	require.True(t, ok)
	assert.Empty(t, result)
}

func TestAgentChannelReducerFieldWise(t *testing.T) {
	system := "you are a poet"
	msg := model.NewUserMessage("write a haiku")
	ch, ok := AgentChannelReducer(nil, &AgentChannelUpdate{
		System:   &system,
		Messages: []model.Message{msg},
	}).(*AgentChannel)
	require.True(t, ok)
	assert.Equal(t, system, ch.System)
	require.Len(t, ch.Messages, 1)

	// A later update only touches the fields it sets.
	summary := "user wants poems"
	ch, ok = AgentChannelReducer(ch, &AgentChannelUpdate{Summary: &summary}).(*AgentChannel)
	require.True(t, ok)
	assert.Equal(t, system, ch.System)
	assert.Equal(t, summary, ch.Summary)
	assert.Len(t, ch.Messages, 1)

	// Ops apply after message appends.
	ch, ok = AgentChannelReducer(ch, &AgentChannelUpdate{
		Ops: []MessageOp{RemoveMessage{ID: msg.ID}},
	}).(*AgentChannel)
	require.True(t, ok)
	assert.Empty(t, ch.Messages)
}

func TestStrictSchemaRejectsUnknownChannel(t *testing.T) {
	schema := MessagesStateSchema()
	schema.Strict = true

	_, err := schema.ApplyUpdate(State{}, State{"mystery": 1})
	require.ErrorIs(t, err, ErrUnknownChannel)

	// Internal keys bypass strictness.
	_, err = schema.ApplyUpdate(State{}, State{ResumeChannel: "go"})
	require.NoError(t, err)
}

func TestApplyUpdateUsesReducers(t *testing.T) {
	schema := NewStateSchema()
	schema.AddField("trace", StateField{Reducer: StringSliceReducer, Default: func() any { return []string{} }})

	state, err := schema.ApplyUpdate(State{}, State{"trace": []string{"a"}})
	require.NoError(t, err)
	state, err = schema.ApplyUpdate(state, State{"trace": []string{"b"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, state["trace"])
}

func TestRehydrateRestoresTypedChannels(t *testing.T) {
	schema := MessagesStateSchema()
	schema.AddField(AgentChannelKey("poet"), AgentChannelField())

	state := State{
		StateKeyMessages: []model.Message{model.NewUserMessage("hello")},
		AgentChannelKey("poet"): &AgentChannel{
			System:   "poet",
			Messages: []model.Message{model.NewAssistantMessage("hi")},
		},
	}
	// Round-trip through JSON the way a persisted checkpoint does.
	raw, err := json.Marshal(state)
	require.NoError(t, err)
	var decoded State
	require.NoError(t, json.Unmarshal(raw, &decoded))

	restored := schema.Rehydrate(decoded)
	ch, ok := restored[AgentChannelKey("poet")].(*AgentChannel)
	require.True(t, ok)
	assert.Equal(t, "poet", ch.System)
	require.Len(t, ch.Messages, 1)

	msgs, ok := restored[StateKeyMessages].([]model.Message)
	require.True(t, ok)
	assert.Equal(t, "hello", msgs[0].Content)
}

func TestStripInternalKeys(t *testing.T) {
	state := State{
		StateKeyMessages:       []model.Message{},
		ResumeChannel:          "value",
		StateKeyExecContext:    &ExecContext{},
		StateKeyUsedInterrupts: map[string]any{},
	}
	stripped := stripInternalKeys(state)
	assert.Contains(t, stripped, StateKeyMessages)
	assert.NotContains(t, stripped, ResumeChannel)
	assert.NotContains(t, stripped, StateKeyExecContext)
	assert.NotContains(t, stripped, StateKeyUsedInterrupts)

	// Checkpoints keep the resume bookkeeping but drop runtime handles.
	forCheckpoint := stripForCheckpoint(state)
	assert.Contains(t, forCheckpoint, StateKeyUsedInterrupts)
	assert.NotContains(t, forCheckpoint, StateKeyExecContext)
}
