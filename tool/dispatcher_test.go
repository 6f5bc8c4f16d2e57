package tool

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentbridge/core"
)

func errorCode(t *testing.T, out core.ToolOutput) string {
	t.Helper()
	require.True(t, out.IsError, "expected error output, got %s", out.Output)
	var payload struct {
		Error ToolError `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out.Output), &payload))
	return payload.Error.Code
}

func newTestDispatcher(t *testing.T, tools ...Tool) *Dispatcher {
	t.Helper()
	reg, err := NewRegistry(tools)
	require.NoError(t, err)
	return NewDispatcher(reg, func(o *DispatcherOptions) { o.Timeout = 200 * time.Millisecond })
}

func TestDispatcher_Success(t *testing.T) {
	d := newTestDispatcher(t, sumTool())
	out := d.Invoke(context.Background(), core.ToolCall{ID: "c1", Name: "sum", Arguments: `{"a":1,"b":2}`}, nil)
	assert.False(t, out.IsError)
	assert.Equal(t, "c1", out.CallID)
	assert.Equal(t, "3", out.Output)
}

func TestDispatcher_StringResultPassesThrough(t *testing.T) {
	echo := NewFunctionTool("echo", "", nil, func(_ context.Context, _ *Invocation, args map[string]any) (any, error) {
		return "plain text", nil
	})
	d := newTestDispatcher(t, echo)
	out := d.Invoke(context.Background(), core.ToolCall{ID: "c1", Name: "echo"}, nil)
	assert.Equal(t, "plain text", out.Output)
}

func TestDispatcher_ErrorOutputs(t *testing.T) {
	var called atomic.Int32
	strict := NewFunctionTool("strict", "", map[string]any{
		"type":       "object",
		"properties": map[string]any{"n": map[string]any{"type": "integer"}},
		"required":   []any{"n"},
	}, func(context.Context, *Invocation, map[string]any) (any, error) {
		called.Add(1)
		return "ok", nil
	})
	panicky := NewFunctionTool("panicky", "", nil, func(context.Context, *Invocation, map[string]any) (any, error) {
		panic("kaboom")
	})
	slow := NewFunctionTool("slow", "", nil, func(context.Context, *Invocation, map[string]any) (any, error) {
		time.Sleep(2 * time.Second)
		return "late", nil
	})
	authed := NewFunctionTool("authed", "", nil, func(context.Context, *Invocation, map[string]any) (any, error) {
		return "secret", nil
	}, func(o *FunctionOptions) { o.Resource = "graph" })

	d := newTestDispatcher(t, strict, panicky, slow, authed)

	tests := []struct {
		name string
		call core.ToolCall
		code string
	}{
		{"unknown tool", core.ToolCall{ID: "1", Name: "nope"}, CodeNotFound},
		{"malformed json", core.ToolCall{ID: "2", Name: "strict", Arguments: `{"n":`}, CodeInvalidArguments},
		{"non object json", core.ToolCall{ID: "3", Name: "strict", Arguments: `[1,2]`}, CodeInvalidArguments},
		{"schema violation", core.ToolCall{ID: "4", Name: "strict", Arguments: `{"n":"x"}`}, CodeValidation},
		{"missing required", core.ToolCall{ID: "5", Name: "strict", Arguments: `{}`}, CodeValidation},
		{"panic", core.ToolCall{ID: "6", Name: "panicky"}, CodePanic},
		{"timeout", core.ToolCall{ID: "7", Name: "slow"}, CodeTimeout},
		{"missing token", core.ToolCall{ID: "8", Name: "authed"}, CodeAuthRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := d.Invoke(context.Background(), tt.call, nil)
			assert.Equal(t, tt.call.ID, out.CallID)
			assert.Equal(t, tt.code, errorCode(t, out))
		})
	}
	assert.Equal(t, int32(0), called.Load(), "handler must not run when validation fails")
}

func TestDispatcher_Validate(t *testing.T) {
	d := newTestDispatcher(t, sumTool())

	assert.NoError(t, d.Validate(core.ToolCall{ID: "c1", Name: "sum", Arguments: `{"a":1,"b":2}`}))

	cases := map[string]struct {
		call core.ToolCall
		code string
	}{
		"unknown":   {core.ToolCall{ID: "c1", Name: "nope"}, CodeNotFound},
		"malformed": {core.ToolCall{ID: "c1", Name: "sum", Arguments: `[1,2]`}, CodeInvalidArguments},
		"schema":    {core.ToolCall{ID: "c1", Name: "sum", Arguments: `{"a":1}`}, CodeValidation},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := d.Validate(tc.call)
			var toolErr *ToolError
			require.ErrorAs(t, err, &toolErr)
			assert.Equal(t, tc.code, toolErr.Code)
			assert.Equal(t, tc.code, errorCode(t, d.Invoke(context.Background(), tc.call, nil)))
		})
	}
}

func TestDispatcher_PassesTokenToAuthenticatedTools(t *testing.T) {
	var seen *core.IdentityToken
	authed := NewFunctionTool("authed", "", nil, func(_ context.Context, inv *Invocation, _ map[string]any) (any, error) {
		seen = inv.Token
		return "ok", nil
	}, func(o *FunctionOptions) { o.Resource = "graph" })
	plain := NewFunctionTool("plain", "", nil, func(_ context.Context, inv *Invocation, _ map[string]any) (any, error) {
		assert.Nil(t, inv.Token)
		return "ok", nil
	})
	d := newTestDispatcher(t, authed, plain)
	tok := &core.IdentityToken{Resource: "graph", Value: "abc", ExpiresAt: time.Now().Add(time.Hour)}

	out := d.Invoke(context.Background(), core.ToolCall{ID: "1", Name: "authed"}, tok)
	assert.False(t, out.IsError)
	assert.Same(t, tok, seen)

	out = d.Invoke(context.Background(), core.ToolCall{ID: "2", Name: "plain"}, tok)
	assert.False(t, out.IsError)

	expired := &core.IdentityToken{Resource: "graph", Value: "abc", ExpiresAt: time.Now().Add(-time.Minute)}
	out = d.Invoke(context.Background(), core.ToolCall{ID: "3", Name: "authed"}, expired)
	assert.Equal(t, CodeAuthRequired, errorCode(t, out))
}

func TestDispatcher_InvokeBatch(t *testing.T) {
	boom := NewFunctionTool("boom", "", nil, func(context.Context, *Invocation, map[string]any) (any, error) {
		panic("nope")
	})
	d := newTestDispatcher(t, sumTool(), boom)

	reqs := []Request{
		{Call: core.ToolCall{ID: "a", Name: "sum", Arguments: `{"a":1,"b":1}`}},
		{Call: core.ToolCall{ID: "b", Name: "boom"}},
		{Call: core.ToolCall{ID: "c", Name: "sum", Arguments: `{"a":2,"b":2}`}},
	}
	outs := d.InvokeBatch(context.Background(), reqs)
	require.Len(t, outs, 3)
	assert.Equal(t, "a", outs[0].CallID)
	assert.Equal(t, "2", outs[0].Output)
	assert.Equal(t, "b", outs[1].CallID)
	assert.Equal(t, CodePanic, errorCode(t, outs[1]))
	assert.Equal(t, "c", outs[2].CallID)
	assert.Equal(t, "4", outs[2].Output)

	assert.Empty(t, d.InvokeBatch(context.Background(), nil))
}

func TestDispatcher_InvokeBatchRunsConcurrently(t *testing.T) {
	var inflight, peak atomic.Int32
	wait := NewFunctionTool("wait", "", nil, func(context.Context, *Invocation, map[string]any) (any, error) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		inflight.Add(-1)
		return "ok", nil
	})
	d := newTestDispatcher(t, wait)

	reqs := make([]Request, 4)
	for i := range reqs {
		reqs[i] = Request{Call: core.ToolCall{ID: string(rune('a' + i)), Name: "wait"}}
	}
	d.InvokeBatch(context.Background(), reqs)
	assert.Greater(t, peak.Load(), int32(1))
}
