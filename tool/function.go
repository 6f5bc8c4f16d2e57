package tool

import (
	"context"
	"errors"

	"github.com/hupe1980/agentbridge/internal/util"
)

// FunctionTool is a generic adapter that exposes a plain Go function as a tool.
//
// Responsibilities:
//   - Holds a lightweight JSON-Schema-like parameter specification (parameters)
//   - Invokes the wrapped function with the invocation (call id, identity token)
//   - Normalizes error handling so callers receive *ToolError with consistent codes:
//     EXECUTION_ERROR   -> underlying function returned an error (non-ToolError)
//     (custom codes preserved if the function returns *ToolError directly)
//
// Argument validation happens once in the Dispatcher before Call.
//
// Concurrency:
//
//	A FunctionTool has no internal mutable state after construction and is safe for
//	concurrent use by multiple goroutines.
type FunctionTool struct {
	name        string
	description string
	parameters  map[string]any
	resource    string
	fn          func(ctx context.Context, inv *Invocation, args map[string]any) (any, error)
}

// FunctionOptions configures a FunctionTool.
type FunctionOptions struct {
	// Resource marks the tool as acting on behalf of the user against the
	// named downstream resource.
	Resource string
}

// NewFunctionTool constructs a FunctionTool from explicit schema and function.
//
// Example:
//
//	sumTool := NewFunctionTool(
//	  "calculate_sum",
//	  "Calculate the sum of two numbers",
//	  map[string]any{
//	    "type": "object",
//	    "properties": map[string]any{
//	      "a": map[string]any{"type": "number"},
//	      "b": map[string]any{"type": "number"},
//	    },
//	    "required": []string{"a", "b"},
//	  },
//	  func(ctx context.Context, inv *Invocation, args map[string]any) (any, error) {
//	    return args["a"].(float64) + args["b"].(float64), nil
//	  },
//	)
func NewFunctionTool(
	name, description string,
	parameters map[string]any,
	fn func(ctx context.Context, inv *Invocation, args map[string]any) (any, error),
	optFns ...func(o *FunctionOptions),
) *FunctionTool {
	opts := FunctionOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &FunctionTool{
		name:        name,
		description: description,
		parameters:  parameters,
		resource:    opts.Resource,
		fn:          fn,
	}
}

// NewFunctionToolFromStruct derives the parameter schema from a struct using reflection.
func NewFunctionToolFromStruct(
	name, description string,
	structType any,
	fn func(ctx context.Context, inv *Invocation, args map[string]any) (any, error),
	optFns ...func(o *FunctionOptions),
) *FunctionTool {
	return NewFunctionTool(name, description, util.CreateSchema(structType), fn, optFns...)
}

// Name returns the unique tool name used in function call declarations and routing.
func (t *FunctionTool) Name() string { return t.name }

// Description returns the short natural language description exposed to models.
func (t *FunctionTool) Description() string { return t.description }

// Parameters returns the (minimal) JSON schema describing expected arguments.
func (t *FunctionTool) Parameters() map[string]any { return t.parameters }

// Resource returns the downstream resource the tool needs a token for, or "".
func (t *FunctionTool) Resource() string { return t.resource }

// Call invokes the underlying function.
func (t *FunctionTool) Call(ctx context.Context, inv *Invocation, args map[string]any) (any, error) {
	result, err := t.fn(ctx, inv, args)
	if err != nil {
		var toolErr *ToolError
		if errors.As(err, &toolErr) {
			return nil, toolErr
		}
		return nil, &ToolError{
			Tool:    t.name,
			Message: err.Error(),
			Code:    CodeExecution,
		}
	}
	return result, nil
}

// withDefinition overrides the declared description and schema while
// keeping the implementation. Used when a descriptor file redeclares a
// built-in.
type withDefinition struct {
	Tool
	description string
	parameters  map[string]any
}

func (w *withDefinition) Description() string        { return w.description }
func (w *withDefinition) Parameters() map[string]any { return w.parameters }

// Resource forwards to the wrapped tool when it is authenticated.
func (w *withDefinition) Resource() string {
	if a, ok := w.Tool.(Authenticated); ok {
		return a.Resource()
	}
	return ""
}
