//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

package xpert

import (
	"context"
	"fmt"

	"github.com/zhezhiming/xpert/tool"
	"github.com/zhezhiming/xpert/tool/function"
)

// defaultRecallTopK is the document count per retrieval when the compile
// config does not set one.
const defaultRecallTopK = 5

type knowledgeInput struct {
	Query string `json:"query" description:"what to look up in the knowledgebase"`
}

type knowledgeOutput struct {
	Documents []Document `json:"documents"`
}

// newKnowledgeTool wraps a retriever as a tool named after its
// knowledgebase id.
func newKnowledgeTool(kbID string, retriever KnowledgeRetriever, topK int) tool.CallableTool {
	if topK <= 0 {
		topK = defaultRecallTopK
	}
	return function.New(
		func(ctx context.Context, in knowledgeInput) (knowledgeOutput, error) {
			docs, err := retriever.Retrieve(ctx, in.Query, topK)
			if err != nil {
				return knowledgeOutput{}, fmt.Errorf("retrieve from %s: %w", kbID, err)
			}
			return knowledgeOutput{Documents: docs}, nil
		},
		function.WithName("knowledge_"+kbID),
		function.WithDescription(fmt.Sprintf(
			"Search the %s knowledgebase and return the most relevant fragments.", kbID)),
	)
}
