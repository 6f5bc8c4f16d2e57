package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/agentbridge/core"
	"github.com/hupe1980/agentbridge/internal/util"
	"github.com/hupe1980/agentbridge/logging"
)

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	// Timeout bounds every single handler invocation.
	Timeout time.Duration
	// MaxParallel bounds concurrent handlers within one batch. 0 means no limit.
	MaxParallel int
	Logger      logging.Logger
	// Now is the clock used to check identity token expiry.
	Now func() time.Time
}

// Dispatcher routes tool calls to registered handlers. It never returns an
// error: every failure mode (unknown tool, malformed arguments, schema
// violation, handler error, panic, timeout) becomes a structured error output
// so the agent can recover within the same run.
type Dispatcher struct {
	registry *Registry
	opts     DispatcherOptions
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *Registry, optFns ...func(o *DispatcherOptions)) *Dispatcher {
	opts := DispatcherOptions{
		Timeout: 30 * time.Second,
		Logger:  logging.NoOpLogger{},
		Now:     time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Dispatcher{registry: registry, opts: opts}
}

// Registry returns the underlying registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// ResourceFor returns the resource the call needs an identity token for.
func (d *Dispatcher) ResourceFor(call core.ToolCall) string {
	return d.registry.ResourceFor(call.Name)
}

// Request pairs a call with the token the auth gate obtained for it.
type Request struct {
	Call  core.ToolCall
	Token *core.IdentityToken
}

// InvokeBatch runs all requests concurrently and returns exactly one output
// per request, in request order.
func (d *Dispatcher) InvokeBatch(ctx context.Context, reqs []Request) []core.ToolOutput {
	outputs := make([]core.ToolOutput, len(reqs))
	switch len(reqs) {
	case 0:
		return outputs
	case 1:
		outputs[0] = d.Invoke(ctx, reqs[0].Call, reqs[0].Token)
		return outputs
	}

	start := time.Now()
	var g errgroup.Group
	if d.opts.MaxParallel > 0 {
		g.SetLimit(d.opts.MaxParallel)
	}
	for i, r := range reqs {
		g.Go(func() error {
			outputs[i] = d.Invoke(ctx, r.Call, r.Token)
			return nil
		})
	}
	_ = g.Wait()

	d.opts.Logger.Debug("tool batch complete", "count", len(reqs), "duration_ms", time.Since(start).Milliseconds())
	return outputs
}

// Invoke executes a single call. token is passed to handlers implementing
// Authenticated and ignored otherwise.
func (d *Dispatcher) Invoke(ctx context.Context, call core.ToolCall, token *core.IdentityToken) core.ToolOutput {
	logger := d.opts.Logger
	start := time.Now()

	t, args, toolErr := d.prepare(call)
	if toolErr != nil {
		logger.Warn("tool call rejected", "tool", call.Name, "call_id", call.ID, "code", toolErr.Code, "error", toolErr.Message)
		return toolErr.Output(call.ID)
	}

	inv := &Invocation{CallID: call.ID, Logger: logger}
	if a, ok := t.(Authenticated); ok && a.Resource() != "" {
		if !token.Valid(d.opts.Now(), 0) {
			return NewToolError(call.Name, "identity token required for "+a.Resource(), CodeAuthRequired).Output(call.ID)
		}
		inv.Token = token
	}

	result, err := d.execute(ctx, t, inv, args)
	dur := time.Since(start)
	if err != nil {
		toolErr := asToolError(call.Name, err)
		logger.Error("tool execution failed", "tool", call.Name, "call_id", call.ID, "code", toolErr.Code, "duration_ms", dur.Milliseconds(), "error", toolErr.Message)
		return toolErr.Output(call.ID)
	}

	out, err := encodeResult(result)
	if err != nil {
		return NewToolError(call.Name, "encoding result: "+err.Error(), CodeExecution).Output(call.ID)
	}
	logger.Info("tool execution completed", "tool", call.Name, "call_id", call.ID, "duration_ms", dur.Milliseconds())
	return core.ToolOutput{CallID: call.ID, Output: out}
}

// Validate reports whether call names a registered tool and carries
// arguments its schema accepts. The error is the *ToolError Invoke would
// answer with.
func (d *Dispatcher) Validate(call core.ToolCall) error {
	if _, _, toolErr := d.prepare(call); toolErr != nil {
		return toolErr
	}
	return nil
}

func (d *Dispatcher) prepare(call core.ToolCall) (Tool, map[string]any, *ToolError) {
	t, ok := d.registry.Lookup(call.Name)
	if !ok {
		return nil, nil, NewToolError(call.Name, fmt.Sprintf("tool %q is not registered", call.Name), CodeNotFound)
	}
	args, err := parseArguments(call.Arguments)
	if err != nil {
		return nil, nil, NewToolError(call.Name, err.Error(), CodeInvalidArguments)
	}
	if err := util.ValidateParameters(args, t.Parameters()); err != nil {
		return nil, nil, &ToolError{
			Tool:    call.Name,
			Message: fmt.Sprintf("parameter validation failed: %v", err),
			Code:    CodeValidation,
			Details: err,
		}
	}
	return t, args, nil
}

type callResult struct {
	value any
	err   error
}

// execute runs the handler on its own goroutine so a handler that ignores
// ctx still yields a timeout output.
func (d *Dispatcher) execute(ctx context.Context, t Tool, inv *Invocation, args map[string]any) (any, error) {
	cctx := ctx
	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}

	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.opts.Logger.Error("tool panic", "tool", t.Name(), "call_id", inv.CallID, "recover", r, "stack", string(debug.Stack()))
				done <- callResult{err: NewToolError(t.Name(), fmt.Sprintf("panic: %v", r), CodePanic)}
			}
		}()
		v, err := t.Call(cctx, inv, args)
		done <- callResult{value: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, NewToolError(t.Name(), fmt.Sprintf("timed out after %s", d.opts.Timeout), CodeTimeout)
		}
		return r.value, r.err
	case <-cctx.Done():
		if errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, NewToolError(t.Name(), fmt.Sprintf("timed out after %s", d.opts.Timeout), CodeTimeout)
		}
		return nil, NewToolError(t.Name(), "call cancelled: "+cctx.Err().Error(), CodeTimeout)
	}
}

func parseArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func asToolError(name string, err error) *ToolError {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		if toolErr.Tool == "" {
			toolErr.Tool = name
		}
		return toolErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewToolError(name, err.Error(), CodeTimeout)
	}
	return NewToolError(name, err.Error(), CodeExecution)
}

func encodeResult(v any) (string, error) {
	switch r := v.(type) {
	case nil:
		return "null", nil
	case string:
		return r, nil
	case json.RawMessage:
		return string(r), nil
	case []byte:
		return string(r), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
