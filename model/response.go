//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

package model

import (
	"time"
)

// Error type constants for ResponseError.Type field.
const (
	ErrorTypeStreamError = "stream_error"
	ErrorTypeAPIError    = "api_error"
	ErrorTypeFlowError   = "flow_error"
)

// Object type constants for Response.Object field.
const (
	// ObjectTypeError is the object type for error events.
	ObjectTypeError = "error"
	// ObjectTypeToolResponse is the object type for tool response events.
	ObjectTypeToolResponse = "tool.response"
	// ObjectTypeChatCompletionChunk is the object type for chat completion chunk events.
	ObjectTypeChatCompletionChunk = "chat.completion.chunk"
	// ObjectTypeChatCompletion is the object type for chat completion events.
	ObjectTypeChatCompletion = "chat.completion"
)

// Choice represents a single completion choice.
type Choice struct {
	// Index is the index of the choice.
	Index int `json:"index"`

	// Message is the message content.
	Message Message `json:"message,omitempty"`

	// Delta is the delta message content for streaming responses.
	Delta Message `json:"delta,omitempty"`

	// FinishReason is the reason the choice was finished.
	FinishReason *string `json:"finish_reason,omitempty"`
}

// Usage represents token usage information.
type Usage struct {
	// PromptTokens is the number of tokens in the prompt.
	PromptTokens int `json:"prompt_tokens"`

	// CompletionTokens is the number of tokens in the completion.
	CompletionTokens int `json:"completion_tokens"`

	// TotalTokens is the total number of tokens in the response.
	TotalTokens int `json:"total_tokens"`
}

// ResponseError carries API-level error information.
type ResponseError struct {
	// Message is a human-readable error message.
	Message string `json:"message"`
	// Type is the error category.
	Type string `json:"type"`
}

// Response is the response from the model.
//
// The Error field represents API-level errors that occur after successful
// communication with the model service; function-level errors returned by
// GenerateContent indicate failures that prevent communication entirely.
type Response struct {
	// ID is the unique identifier for this response.
	ID string `json:"id"`

	// Object describes the type of object returned (e.g., "chat.completion").
	Object string `json:"object"`

	// Created is the Unix timestamp when the response was created.
	Created int64 `json:"created"`

	// Model is the model used to generate the response.
	Model string `json:"model"`

	// Choices contains the completion choices.
	Choices []Choice `json:"choices"`

	// Usage contains token usage information (may be nil for streaming responses).
	Usage *Usage `json:"usage,omitempty"`

	// Error contains API-level error information if the request failed.
	Error *ResponseError `json:"error,omitempty"`

	// Timestamp when this response chunk was received (for streaming).
	Timestamp time.Time `json:"timestamp"`

	// Done indicates if the generation has finished.
	Done bool `json:"done"`

	// IsPartial indicates if this is a partial response.
	IsPartial bool `json:"is_partial"`
}

// Clone creates a deep copy of the response.
func (rsp *Response) Clone() *Response {
	if rsp == nil {
		return nil
	}
	clone := *rsp
	clone.Choices = make([]Choice, len(rsp.Choices))
	copy(clone.Choices, rsp.Choices)
	for i := range clone.Choices {
		if len(rsp.Choices[i].Message.ToolCalls) > 0 {
			calls := make([]ToolCall, len(rsp.Choices[i].Message.ToolCalls))
			copy(calls, rsp.Choices[i].Message.ToolCalls)
			clone.Choices[i].Message.ToolCalls = calls
		}
	}
	if rsp.Usage != nil {
		usage := *rsp.Usage
		clone.Usage = &usage
	}
	if rsp.Error != nil {
		respErr := *rsp.Error
		clone.Error = &respErr
	}
	return &clone
}
