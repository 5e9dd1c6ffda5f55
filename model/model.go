//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

// Package model provides the chat model abstraction and message types.
package model

import "context"

// Info contains basic information about a model.
type Info struct {
	// Name is the name of the model.
	Name string
	// Provider is the provider identifier (e.g. "openai").
	Provider string
}

// Model is the interface for chat language models.
type Model interface {
	// GenerateContent generates content from the model. The returned channel
	// yields streaming responses and is closed when generation completes.
	// The context cancels in-flight generation.
	GenerateContent(ctx context.Context, request *Request) (<-chan *Response, error)

	// Info returns basic information about the model.
	Info() Info
}
