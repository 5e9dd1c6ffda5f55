//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

package graph

import "github.com/zhezhiming/xpert/model"

// MessageOp is an operation applied to a message list by a reducer.
type MessageOp interface {
	Apply(messages []model.Message) []model.Message
}

// RemoveMessage removes the message with the given id.
type RemoveMessage struct {
	ID string
}

// Apply implements MessageOp.
func (op RemoveMessage) Apply(messages []model.Message) []model.Message {
	result := make([]model.Message, 0, len(messages))
	for _, m := range messages {
		if m.ID != op.ID {
			result = append(result, m)
		}
	}
	return result
}

// RemoveAllMessages clears the message list.
type RemoveAllMessages struct{}

// Apply implements MessageOp.
func (op RemoveAllMessages) Apply(messages []model.Message) []model.Message {
	return []model.Message{}
}

// ReplaceMessage replaces the message with the matching id in place.
// When no message matches, the operation is a no-op.
type ReplaceMessage struct {
	Message model.Message
}

// Apply implements MessageOp.
func (op ReplaceMessage) Apply(messages []model.Message) []model.Message {
	result := copyMessages(messages)
	for i, m := range result {
		if m.ID != "" && m.ID == op.Message.ID {
			result[i] = op.Message
		}
	}
	return result
}

// mergeMessages appends updates to existing, de-duplicating by message id.
// A message whose id already exists replaces the original in place instead
// of appending, so re-delivered messages cannot duplicate history. Messages
// without an id always append.
func mergeMessages(existing, updates []model.Message) []model.Message {
	result := copyMessages(existing)
	index := make(map[string]int, len(result))
	for i, m := range result {
		if m.ID != "" {
			index[m.ID] = i
		}
	}
	for _, m := range updates {
		if m.ID != "" {
			if i, ok := index[m.ID]; ok {
				result[i] = m
				continue
			}
			index[m.ID] = len(result)
		}
		result = append(result, m)
	}
	return result
}

func copyMessages(messages []model.Message) []model.Message {
	result := make([]model.Message, len(messages))
	copy(result, messages)
	return result
}
