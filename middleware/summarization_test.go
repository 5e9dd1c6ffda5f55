//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

package middleware

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhezhiming/xpert/graph"
	"github.com/zhezhiming/xpert/model"
)

func historyState(messages ...model.Message) graph.State {
	return graph.State{
		graph.AgentChannelKey("main"): &graph.AgentChannel{Messages: messages},
	}
}

func TestSummarizationSkipsShortHistories(t *testing.T) {
	s := NewSummarization("main", &stubModel{content: "summary"}, 4, 2)

	r, err := s.BeforeModel(context.Background(), historyState(
		model.NewUserMessage("q1"),
		model.NewAssistantMessage("a1"),
	))
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestSummarizationFoldsOlderMessages(t *testing.T) {
	summarizer := &stubModel{content: "they planned a trip"}
	s := NewSummarization("main", summarizer, 4, 2)

	older := []model.Message{
		model.NewUserMessage("q1"),
		model.NewAssistantMessage("a1"),
		model.NewUserMessage("q2"),
		model.NewAssistantMessage("a2"),
	}
	recent := []model.Message{
		model.NewUserMessage("q3"),
		model.NewAssistantMessage("a3"),
	}
	r, err := s.BeforeModel(context.Background(), historyState(append(older, recent...)...))
	require.NoError(t, err)
	require.NotNil(t, r)

	update := r.Update[graph.AgentChannelKey("main")].(*graph.AgentChannelUpdate)
	require.NotNil(t, update.Summary)
	assert.Equal(t, "they planned a trip", *update.Summary)
	// One removal per folded message, none for the retained tail.
	require.Len(t, update.Ops, len(older))
	removed := make(map[string]bool)
	for _, op := range update.Ops {
		removed[op.(graph.RemoveMessage).ID] = true
	}
	for _, m := range older {
		assert.True(t, removed[m.ID])
	}
	for _, m := range recent {
		assert.False(t, removed[m.ID])
	}

	// The summarizer saw the prior turns.
	require.Len(t, summarizer.requests, 1)
	assert.Contains(t, summarizer.requests[0].Messages[0].Content, "q1")
}

func TestSummarizationNeverOrphansToolMessages(t *testing.T) {
	s := NewSummarization("main", &stubModel{content: "summary"}, 4, 2)

	assistant := model.NewAssistantMessage("")
	assistant.ToolCalls = []model.ToolCall{makeCall("c1", "search", `{}`)}
	toolMsg := model.NewToolMessage("c1", "search", "results")
	messages := []model.Message{
		model.NewUserMessage("q1"),
		model.NewAssistantMessage("a1"),
		model.NewUserMessage("q2"),
		assistant,
		toolMsg,
		model.NewAssistantMessage("a2"),
	}
	r, err := s.BeforeModel(context.Background(), historyState(messages...))
	require.NoError(t, err)
	require.NotNil(t, r)

	// The naive cut lands on the tool message; it moves forward so the
	// response is folded together with the call that produced it.
	update := r.Update[graph.AgentChannelKey("main")].(*graph.AgentChannelUpdate)
	removed := make(map[string]bool)
	for _, op := range update.Ops {
		removed[op.(graph.RemoveMessage).ID] = true
	}
	assert.True(t, removed[assistant.ID])
	assert.True(t, removed[toolMsg.ID])
	assert.False(t, removed[messages[5].ID])
}

func TestSummarizationCarriesPreviousSummary(t *testing.T) {
	summarizer := &stubModel{content: "combined summary"}
	s := NewSummarization("main", summarizer, 2, 1)

	state := graph.State{
		graph.AgentChannelKey("main"): &graph.AgentChannel{
			Summary: "earlier: they chose Lisbon",
			Messages: []model.Message{
				model.NewUserMessage("q1"),
				model.NewAssistantMessage("a1"),
				model.NewUserMessage("q2"),
			},
		},
	}
	_, err := s.BeforeModel(context.Background(), state)
	require.NoError(t, err)
	assert.Contains(t, summarizer.requests[0].Messages[0].Content, "they chose Lisbon")
}
