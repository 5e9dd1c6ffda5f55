//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

// Package openai provides a model implementation backed by the OpenAI
// chat completions API (and any compatible endpoint via a base URL).
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	openai "github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"github.com/zhezhiming/xpert/log"
	"github.com/zhezhiming/xpert/model"
	"github.com/zhezhiming/xpert/tool"
)

const defaultChannelBufferSize = 256

// Model calls an OpenAI-compatible chat completions endpoint.
type Model struct {
	client            openai.Client
	name              string
	channelBufferSize int
	extraFields       map[string]any
}

type options struct {
	apiKey            string
	baseURL           string
	channelBufferSize int
	extraFields       map[string]any
	openaiOptions     []openaiopt.RequestOption
}

// Option configures the model.
type Option func(*options)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(o *options) { o.apiKey = key }
}

// WithBaseURL points the client at a compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *options) { o.baseURL = url }
}

// WithChannelBufferSize sets the response channel buffer size.
func WithChannelBufferSize(size int) Option {
	return func(o *options) { o.channelBufferSize = size }
}

// WithExtraFields merges additional JSON fields into every request body.
func WithExtraFields(fields map[string]any) Option {
	return func(o *options) { o.extraFields = fields }
}

// WithOpenAIOptions appends raw client options.
func WithOpenAIOptions(opts ...openaiopt.RequestOption) Option {
	return func(o *options) { o.openaiOptions = append(o.openaiOptions, opts...) }
}

// New creates a model for the given model name.
func New(name string, opts ...Option) *Model {
	o := &options{channelBufferSize: defaultChannelBufferSize}
	for _, opt := range opts {
		opt(o)
	}
	var clientOpts []openaiopt.RequestOption
	if o.apiKey != "" {
		clientOpts = append(clientOpts, openaiopt.WithAPIKey(o.apiKey))
	}
	if o.baseURL != "" {
		clientOpts = append(clientOpts, openaiopt.WithBaseURL(o.baseURL))
	}
	clientOpts = append(clientOpts, o.openaiOptions...)
	return &Model{
		client:            openai.NewClient(clientOpts...),
		name:              name,
		channelBufferSize: o.channelBufferSize,
		extraFields:       o.extraFields,
	}
}

// Info implements the model.Model interface.
func (m *Model) Info() model.Info {
	return model.Info{Name: m.name, Provider: "openai"}
}

// GenerateContent implements the model.Model interface.
func (m *Model) GenerateContent(ctx context.Context, request *model.Request) (<-chan *model.Response, error) {
	if request == nil {
		return nil, errors.New("request cannot be nil")
	}
	responseChan := make(chan *model.Response, m.channelBufferSize)

	chatRequest := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(m.name),
		Messages: convertMessages(request.Messages),
		Tools:    convertTools(request.Tools),
	}
	if request.MaxTokens != nil {
		chatRequest.MaxCompletionTokens = openai.Int(int64(*request.MaxTokens))
	}
	if request.Temperature != nil {
		chatRequest.Temperature = openai.Float(*request.Temperature)
	}
	if request.TopP != nil {
		chatRequest.TopP = openai.Float(*request.TopP)
	}
	if len(request.Stop) > 0 {
		chatRequest.Stop = openai.ChatCompletionNewParamsStopUnion{
			OfString: openai.String(request.Stop[0]),
		}
	}
	if request.ToolChoice != "" {
		chatRequest.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{
			OfAuto: openai.String(request.ToolChoice),
		}
	}
	if rf := request.ResponseFormat; rf != nil {
		chatRequest.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   rf.Name,
					Schema: rf.Schema,
					Strict: openai.Bool(true),
				},
			},
		}
	}

	var opts []openaiopt.RequestOption
	for key, value := range m.extraFields {
		opts = append(opts, openaiopt.WithJSONSet(key, value))
	}
	// Provider-native tools merge into the serialized tools array untouched.
	if len(request.ProviderTools) > 0 {
		combined, err := mergeProviderTools(chatRequest.Tools, request.ProviderTools)
		if err != nil {
			return nil, err
		}
		opts = append(opts, openaiopt.WithJSONSet("tools", combined))
	}
	if request.Stream {
		chatRequest.StreamOptions = openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		}
	}

	go func() {
		defer close(responseChan)
		if request.Stream {
			m.handleStreamingResponse(ctx, chatRequest, responseChan, opts...)
		} else {
			m.handleNonStreamingResponse(ctx, chatRequest, responseChan, opts...)
		}
	}()
	return responseChan, nil
}

func convertMessages(messages []model.Message) []openai.ChatCompletionMessageParamUnion {
	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			result = append(result, openai.SystemMessage(msg.Content))
		case model.RoleAssistant:
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(msg.Content),
				}
			}
			for _, call := range msg.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: call.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Function.Name,
						Arguments: string(call.Function.Arguments),
					},
				})
			}
			result = append(result, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case model.RoleTool:
			result = append(result, openai.ChatCompletionMessageParamUnion{
				OfTool: &openai.ChatCompletionToolMessageParam{
					Content: openai.ChatCompletionToolMessageParamContentUnion{
						OfString: openai.String(msg.Content),
					},
					ToolCallID: msg.ToolID,
				},
			})
		default:
			result = append(result, openai.UserMessage(msg.Content))
		}
	}
	return result
}

func convertTools(tools map[string]tool.Tool) []openai.ChatCompletionToolParam {
	var result []openai.ChatCompletionToolParam
	for _, t := range tools {
		declaration := t.Declaration()
		schemaBytes, err := json.Marshal(declaration.InputSchema)
		if err != nil {
			log.Errorf("marshal tool schema for %s: %v", declaration.Name, err)
			continue
		}
		var parameters shared.FunctionParameters
		if err := json.Unmarshal(schemaBytes, &parameters); err != nil {
			log.Errorf("unmarshal tool schema for %s: %v", declaration.Name, err)
			continue
		}
		result = append(result, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        declaration.Name,
				Description: openai.String(declaration.Description),
				Parameters:  parameters,
			},
		})
	}
	return result
}

func mergeProviderTools(tools []openai.ChatCompletionToolParam, provider []map[string]any) ([]map[string]any, error) {
	combined := make([]map[string]any, 0, len(tools)+len(provider))
	for _, t := range tools {
		raw, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		combined = append(combined, m)
	}
	combined = append(combined, provider...)
	return combined, nil
}

func (m *Model) handleStreamingResponse(
	ctx context.Context,
	chatRequest openai.ChatCompletionNewParams,
	responseChan chan<- *model.Response,
	opts ...openaiopt.RequestOption,
) {
	stream := m.client.Chat.Completions.NewStreaming(ctx, chatRequest, opts...)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content == "" && len(delta.ToolCalls) == 0 && chunk.Choices[0].FinishReason == "" {
			continue
		}
		partial := createPartialResponse(chunk)
		select {
		case responseChan <- partial:
		case <-ctx.Done():
			return
		}
	}
	m.sendFinalResponse(ctx, stream, acc, responseChan)
}

func createPartialResponse(chunk openai.ChatCompletionChunk) *model.Response {
	response := &model.Response{
		ID:        chunk.ID,
		Object:    model.ObjectTypeChatCompletionChunk,
		Created:   chunk.Created,
		Model:     chunk.Model,
		Timestamp: time.Now(),
		IsPartial: true,
		Choices:   make([]model.Choice, 1),
	}
	choice := chunk.Choices[0]
	response.Choices[0].Delta = model.Message{
		Role:      model.RoleAssistant,
		Content:   choice.Delta.Content,
		ToolCalls: convertDeltaToolCalls(choice.Delta.ToolCalls),
	}
	if choice.FinishReason != "" {
		finishReason := choice.FinishReason
		response.Choices[0].FinishReason = &finishReason
	}
	return response
}

func convertDeltaToolCalls(calls []openai.ChatCompletionChunkChoiceDeltaToolCall) []model.ToolCall {
	var result []model.ToolCall
	for _, call := range calls {
		if call.ID == "" && call.Function.Name == "" && call.Function.Arguments == "" {
			continue
		}
		index := int(call.Index)
		result = append(result, model.ToolCall{
			Type:  "function",
			ID:    call.ID,
			Index: &index,
			Function: model.FunctionDefinitionParam{
				Name:      call.Function.Name,
				Arguments: []byte(call.Function.Arguments),
			},
		})
	}
	return result
}

func (m *Model) sendFinalResponse(
	ctx context.Context,
	stream *ssestream.Stream[openai.ChatCompletionChunk],
	acc openai.ChatCompletionAccumulator,
	responseChan chan<- *model.Response,
) {
	if err := stream.Err(); err != nil {
		select {
		case responseChan <- &model.Response{
			Object:    model.ObjectTypeError,
			Timestamp: time.Now(),
			Done:      true,
			Error: &model.ResponseError{
				Message: err.Error(),
				Type:    model.ErrorTypeStreamError,
			},
		}:
		case <-ctx.Done():
		}
		return
	}
	final := &model.Response{
		ID:        acc.ID,
		Object:    model.ObjectTypeChatCompletion,
		Created:   acc.Created,
		Model:     acc.Model,
		Timestamp: time.Now(),
		Done:      true,
		Choices:   make([]model.Choice, len(acc.Choices)),
	}
	if acc.Usage.TotalTokens > 0 {
		final.Usage = &model.Usage{
			PromptTokens:     int(acc.Usage.PromptTokens),
			CompletionTokens: int(acc.Usage.CompletionTokens),
			TotalTokens:      int(acc.Usage.TotalTokens),
		}
	}
	for i, choice := range acc.Choices {
		msg := model.Message{
			Role:      model.RoleAssistant,
			Content:   choice.Message.Content,
			ToolCalls: convertAccumulatedToolCalls(choice.Message.ToolCalls),
		}
		final.Choices[i] = model.Choice{Index: i, Message: msg}
		if choice.FinishReason != "" {
			finishReason := choice.FinishReason
			final.Choices[i].FinishReason = &finishReason
		}
	}
	select {
	case responseChan <- final:
	case <-ctx.Done():
	}
}

func convertAccumulatedToolCalls(calls []openai.ChatCompletionMessageToolCall) []model.ToolCall {
	var result []model.ToolCall
	for i, call := range calls {
		// The accumulator can leave empty placeholder entries; skip them.
		if call.ID == "" && call.Function.Name == "" {
			continue
		}
		index := i
		result = append(result, model.ToolCall{
			Type:  "function",
			ID:    call.ID,
			Index: &index,
			Function: model.FunctionDefinitionParam{
				Name:      call.Function.Name,
				Arguments: []byte(call.Function.Arguments),
			},
		})
	}
	return result
}

func (m *Model) handleNonStreamingResponse(
	ctx context.Context,
	chatRequest openai.ChatCompletionNewParams,
	responseChan chan<- *model.Response,
	opts ...openaiopt.RequestOption,
) {
	completion, err := m.client.Chat.Completions.New(ctx, chatRequest, opts...)
	if err != nil {
		select {
		case responseChan <- &model.Response{
			Object:    model.ObjectTypeError,
			Timestamp: time.Now(),
			Done:      true,
			Error: &model.ResponseError{
				Message: err.Error(),
				Type:    model.ErrorTypeAPIError,
			},
		}:
		case <-ctx.Done():
		}
		return
	}
	response := &model.Response{
		ID:        completion.ID,
		Object:    model.ObjectTypeChatCompletion,
		Created:   completion.Created,
		Model:     completion.Model,
		Timestamp: time.Now(),
		Done:      true,
		Choices:   make([]model.Choice, len(completion.Choices)),
	}
	if completion.Usage.TotalTokens > 0 {
		response.Usage = &model.Usage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		}
	}
	for i, choice := range completion.Choices {
		response.Choices[i] = model.Choice{
			Index: i,
			Message: model.Message{
				Role:      model.RoleAssistant,
				Content:   choice.Message.Content,
				ToolCalls: convertAccumulatedToolCalls(choice.Message.ToolCalls),
			},
		}
		if choice.FinishReason != "" {
			finishReason := choice.FinishReason
			response.Choices[i].FinishReason = &finishReason
		}
	}
	select {
	case responseChan <- response:
	case <-ctx.Done():
	}
}

var _ model.Model = (*Model)(nil)
