// Package tool implements the tool dispatching subsystem: the immutable
// registry of handlers the agent may call, schema validated argument parsing,
// and uniform conversion of handler results, errors, panics and timeouts into
// tool outputs the agent backend accepts.
package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hupe1980/agentbridge/core"
	"github.com/hupe1980/agentbridge/internal/util"
	"github.com/hupe1980/agentbridge/logging"
)

// Tool defines a capability the agent can invoke during a run.
//
// Tool implementations should:
//   - Provide clear, descriptive names and descriptions
//   - Define proper JSON schema for parameters
//   - Handle errors gracefully and honour ctx cancellation
//   - Be safe for concurrent use; calls of one batch run in parallel
type Tool interface {
	// Name returns the unique identifier for this tool (snake_case recommended).
	Name() string

	// Description returns a human-readable description handed to the agent.
	Description() string

	// Parameters returns a JSON schema describing the expected input format.
	Parameters() map[string]any

	// Call executes the tool with already validated arguments.
	Call(ctx context.Context, inv *Invocation, args map[string]any) (any, error)
}

// Authenticated is implemented by tools that act on behalf of the user. The
// dispatcher hands them the identity token for Resource obtained by the auth
// gate; they never authenticate on their own.
type Authenticated interface {
	Resource() string
}

// Invocation carries per-call context into a tool.
type Invocation struct {
	CallID string
	// Token is nil for tools that do not implement Authenticated.
	Token  *core.IdentityToken
	Logger logging.Logger
}

// ValidationError represents parameter validation errors with detailed information.
type ValidationError = util.ValidationError

// Error codes carried by ToolError.
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeExecution        = "EXECUTION_ERROR"
	CodeTimeout          = "TIMEOUT"
	CodePanic            = "PANIC"
	CodeNotFound         = "NOT_FOUND"
	CodeInvalidArguments = "INVALID_ARGUMENTS"
	CodeAuthRequired     = "AUTH_REQUIRED"
)

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string `json:"tool"`              // Name of the tool that failed
	Message string `json:"message"`           // Error message
	Code    string `json:"code"`              // Error code for categorization
	Details any    `json:"details,omitempty"` // Additional error details
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}

// Output renders the error as the JSON payload submitted for callID.
func (e *ToolError) Output(callID string) core.ToolOutput {
	payload, err := json.Marshal(map[string]any{"error": e})
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"error":{"tool":%q,"code":%q,"message":%q}}`, e.Tool, e.Code, e.Message))
	}
	return core.ToolOutput{CallID: callID, Output: string(payload), IsError: true}
}
