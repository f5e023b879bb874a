package tool

import (
	"context"

	"github.com/hupe1980/researchmesh/internal/util"
)

// FunctionTool is a generic adapter that exposes a plain Go function as a tool.
//
// Argument validation happens in the Registry before Call is reached, so fn
// receives arguments conforming to parameters. A FunctionTool has no mutable
// state after construction and is safe for concurrent use.
type FunctionTool struct {
	// Tool identifier (snake_case recommended)
	name string
	// Human-readable description shown to models
	description string
	// JSON schema describing accepted arguments
	parameters map[string]any
	// User supplied implementation
	fn func(ctx context.Context, args map[string]any) (any, error)
}

// NewFunctionTool constructs a FunctionTool from explicit schema and function.
//
// Example:
//
//	search := NewFunctionTool(
//	  "compound_search",
//	  "Search a compound database by name",
//	  map[string]any{
//	    "type": "object",
//	    "properties": map[string]any{
//	      "query": map[string]any{"type": "string"},
//	    },
//	    "required": []string{"query"},
//	  },
//	  func(ctx context.Context, args map[string]any) (any, error) {
//	    return lookup(ctx, args["query"].(string))
//	  },
//	)
func NewFunctionTool(
	name, description string,
	parameters map[string]any,
	fn func(ctx context.Context, args map[string]any) (any, error),
) *FunctionTool {
	return &FunctionTool{
		name:        name,
		description: description,
		parameters:  parameters,
		fn:          fn,
	}
}

// NewFunctionToolFromStruct derives the parameter schema from a struct using
// reflection (see util.CreateSchema).
//
// Example:
//
//	type SearchArgs struct {
//	  Query string `json:"query" description:"Search terms"`
//	  Limit *int   `json:"limit" description:"Maximum hits"`
//	}
//
//	search := NewFunctionToolFromStruct("literature_search", "Search papers", SearchArgs{}, fn)
func NewFunctionToolFromStruct(
	name, description string,
	structType any,
	fn func(ctx context.Context, args map[string]any) (any, error),
) *FunctionTool {
	schema := util.CreateSchema(structType)
	return NewFunctionTool(name, description, schema, fn)
}

// Name returns the unique tool name used in function call declarations and routing.
func (t *FunctionTool) Name() string { return t.name }

// Description returns the short natural language description exposed to models.
func (t *FunctionTool) Description() string { return t.description }

// Parameters returns the JSON schema describing expected arguments.
func (t *FunctionTool) Parameters() map[string]any { return t.parameters }

// Call invokes the wrapped function.
func (t *FunctionTool) Call(ctx context.Context, args map[string]any) (any, error) {
	return t.fn(ctx, args)
}
