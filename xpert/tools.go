//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

package xpert

import (
	"github.com/zhezhiming/xpert/tool"
)

// withDescription overrides a tool's description while keeping its
// callability.
func withDescription(t tool.Tool, description string) tool.Tool {
	if c, ok := t.(tool.CallableTool); ok {
		return &describedCallable{CallableTool: c, description: description}
	}
	return &describedTool{Tool: t, description: description}
}

type describedTool struct {
	tool.Tool
	description string
}

func (d *describedTool) Declaration() *tool.Declaration {
	decl := *d.Tool.Declaration()
	decl.Description = d.description
	return &decl
}

type describedCallable struct {
	tool.CallableTool
	description string
}

func (d *describedCallable) Declaration() *tool.Declaration {
	decl := *d.CallableTool.Declaration()
	decl.Description = d.description
	return &decl
}
