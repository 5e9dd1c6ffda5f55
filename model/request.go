//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

package model

import (
	"github.com/google/uuid"

	"github.com/zhezhiming/xpert/tool"
)

// Role represents the role of a message author.
type Role string

// Role constants for message authors.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// IsValid checks if the role is one of the defined constants.
func (r Role) IsValid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	default:
		return false
	}
}

// Message status constants. Status is only meaningful on tool messages.
const (
	StatusError = "error"
)

// Message represents a single message in a conversation.
// Every message carries a unique ID so that message channels can
// de-duplicate and target individual entries for removal.
type Message struct {
	// ID is the unique identifier of the message.
	ID string `json:"id,omitempty"`
	// Role is the role of the message author.
	Role Role `json:"role"`
	// Content is the message content.
	Content string `json:"content"`
	// ToolID is the id of the tool call this message responds to.
	ToolID string `json:"tool_call_id,omitempty"`
	// ToolName is the name of the tool that produced this message.
	ToolName string `json:"tool_name,omitempty"`
	// ToolCalls are the tool calls requested by an assistant message.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// Status marks error tool messages ("error") fed back to the model.
	Status string `json:"status,omitempty"`
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) Message {
	return Message{
		ID:      uuid.New().String(),
		Role:    RoleSystem,
		Content: content,
	}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) Message {
	return Message{
		ID:      uuid.New().String(),
		Role:    RoleUser,
		Content: content,
	}
}

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content string) Message {
	return Message{
		ID:      uuid.New().String(),
		Role:    RoleAssistant,
		Content: content,
	}
}

// NewToolMessage creates a new tool response message correlated with the
// originating tool call id.
func NewToolMessage(toolCallID, toolName, content string) Message {
	return Message{
		ID:       uuid.New().String(),
		Role:     RoleTool,
		ToolID:   toolCallID,
		ToolName: toolName,
		Content:  content,
	}
}

// NewErrorToolMessage creates a tool response message flagged as an error so
// the model can recover from failed tool invocations.
func NewErrorToolMessage(toolCallID, toolName, content string) Message {
	msg := NewToolMessage(toolCallID, toolName, content)
	msg.Status = StatusError
	return msg
}

// GenerationConfig contains configuration for text generation.
type GenerationConfig struct {
	// MaxTokens is the maximum number of tokens to generate.
	MaxTokens *int `json:"max_tokens,omitempty"`

	// Temperature controls randomness (0.0 to 2.0).
	Temperature *float64 `json:"temperature,omitempty"`

	// TopP controls nucleus sampling (0.0 to 1.0).
	TopP *float64 `json:"top_p,omitempty"`

	// Stream indicates whether to stream the response.
	Stream bool `json:"stream"`

	// Stop sequences where the API will stop generating further tokens.
	Stop []string `json:"stop,omitempty"`

	// ResponseFormat constrains the output to a JSON schema when set.
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

// ResponseFormat describes a structured output constraint.
type ResponseFormat struct {
	// Name identifies the schema for providers that require a name.
	Name string `json:"name,omitempty"`
	// Schema is a JSON Schema the output must conform to.
	Schema map[string]any `json:"schema,omitempty"`
}

// ToolChoice constants controlling how the model may use tools.
const (
	ToolChoiceAuto     = "auto"
	ToolChoiceNone     = "none"
	ToolChoiceRequired = "required"
)

// Request is the request to the model.
type Request struct {
	// Messages is the conversation history.
	Messages []Message `json:"messages"`

	// GenerationConfig contains the generation parameters.
	GenerationConfig `json:",inline"`

	// ToolChoice controls tool usage ("auto", "none", "required").
	ToolChoice string `json:"tool_choice,omitempty"`

	// Tools are not serialized, handled separately.
	Tools map[string]tool.Tool `json:"-"`

	// ProviderTools carries provider-specific tool dicts passed through
	// untouched (e.g. built-in web search entries).
	ProviderTools []map[string]any `json:"-"`
}

// ToolCall represents a call to a tool (function) in the model response.
type ToolCall struct {
	// Type of the tool. Currently, only `function` is supported.
	Type string `json:"type"`
	// Function definition for the tool.
	Function FunctionDefinitionParam `json:"function,omitempty"`
	// The ID of the tool call returned by the model. The id is preserved
	// end-to-end so a resulting tool message can be correlated.
	ID string `json:"id,omitempty"`
	// Index is the index of the tool call in the message for streaming responses.
	Index *int `json:"index,omitempty"`
}

// FunctionDefinitionParam is the function payload of a tool call.
type FunctionDefinitionParam struct {
	// Name is the name of the function to be called.
	Name string `json:"name"`
	// Description explains what the function does.
	Description string `json:"description,omitempty"`
	// Arguments to pass to the function, json-encoded.
	Arguments []byte `json:"arguments,omitempty"`
}
