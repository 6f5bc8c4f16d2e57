package agentbridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentbridge/auth"
	"github.com/hupe1980/agentbridge/backend"
	"github.com/hupe1980/agentbridge/core"
	"github.com/hupe1980/agentbridge/internal/testutil"
	"github.com/hupe1980/agentbridge/orchestrator"
	"github.com/hupe1980/agentbridge/runner"
	"github.com/hupe1980/agentbridge/tool"
	"github.com/hupe1980/agentbridge/tool/builtin"
)

func fast(o *Options) {
	o.AssistantID = "asst_1"
	o.Waiter = &runner.PollWaiter{Interval: time.Millisecond}
	o.Retry = []func(c *backend.RetryConfig){func(c *backend.RetryConfig) {
		c.BaseDelay = time.Millisecond
		c.MaxDelay = 2 * time.Millisecond
	}}
}

func TestBridge_PlainAnswerOnNewThread(t *testing.T) {
	fb := testutil.NewFakeBackend()
	fb.Script(testutil.InProgress(), testutil.Completed("Hello! How can I help?"))
	fb.FailNext(testutil.OpCreateRun, &backend.HTTPError{StatusCode: http.StatusServiceUnavailable, Message: "busy"})

	b, err := New(fb, fast)
	require.NoError(t, err)

	reply, err := b.HandleTurn(context.Background(), orchestrator.Inbound{ConversationID: "c1", UserID: "u1", Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "Hello! How can I help?", reply.Text)
	assert.False(t, reply.Failed)
	assert.Equal(t, 1, fb.Threads())
	assert.Equal(t, 2, fb.Calls(testutil.OpCreateRun))
	assert.Empty(t, fb.Submissions())
}

func TestBridge_SignInSuspendsAndResumes(t *testing.T) {
	var (
		mu      sync.Mutex
		gotAuth string
		pushes  []*core.ChannelReply
	)
	graph := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotAuth = r.Header.Get("Authorization")
		mu.Unlock()
		assert.Equal(t, "/users", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"value":[{"displayName":"Ada Lovelace","mail":"ada@example.com"}]}`))
	}))
	defer graph.Close()

	signer, err := auth.NewStateSigner([]byte("secret"))
	require.NoError(t, err)
	gate := auth.NewGate(nil, signer, func(o *auth.GateOptions) { o.SignInURL = "https://bridge.test/signin" })

	fb := testutil.NewFakeBackend()
	fb.Script(
		testutil.RequiresAction(core.ToolCall{ID: "call_1", Name: "directory_lookup", Arguments: `{"name":"Ada"}`}),
		testutil.Completed("Ada Lovelace, ada@example.com"),
	)

	b, err := New(fb, fast, func(o *Options) {
		o.Tools = []tool.Tool{builtin.NewDirectoryLookup(func(o *builtin.DirectoryOptions) { o.BaseURL = graph.URL })}
		o.Gate = gate
		o.Channel = core.ChannelFunc(func(_ context.Context, _ string, reply *core.ChannelReply) error {
			mu.Lock()
			defer mu.Unlock()
			pushes = append(pushes, reply)
			return nil
		})
	})
	require.NoError(t, err)

	reply, err := b.HandleTurn(context.Background(), orchestrator.Inbound{ConversationID: "c1", UserID: "u1", Text: "find Ada"})
	require.NoError(t, err)
	require.NotEmpty(t, reply.SignInURL)
	assert.Contains(t, reply.Text, reply.SignInURL)
	assert.Empty(t, fb.Submissions())

	u, err := url.Parse(reply.SignInURL)
	require.NoError(t, err)
	reply, err = b.ResumeSignIn(context.Background(), auth.SignInEvent{
		ConversationID: "c1", UserID: "u1", Resource: builtin.ResourceGraph,
		Token: "graph-token", State: u.Query().Get("state"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace, ada@example.com", reply.Text)

	subs := fb.Submissions()
	require.Len(t, subs, 1)
	require.Len(t, subs[0], 1)
	assert.Equal(t, "call_1", subs[0][0].CallID)
	assert.Contains(t, subs[0][0].Output, "Ada Lovelace")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Bearer graph-token", gotAuth)
	require.Len(t, pushes, 1)
	assert.Equal(t, reply.Text, pushes[0].Text)
}

func TestBridge_ToolTimeoutStillCompletesRun(t *testing.T) {
	slow := tool.NewFunctionTool("slow", "never finishes", nil, func(ctx context.Context, _ *tool.Invocation, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	fb := testutil.NewFakeBackend()
	fb.Script(
		testutil.RequiresAction(core.ToolCall{ID: "call_1", Name: "slow", Arguments: `{}`}),
		testutil.Completed("The lookup timed out, sorry."),
	)

	b, err := New(fb, fast, func(o *Options) {
		o.Tools = []tool.Tool{slow}
		o.ToolTimeout = 20 * time.Millisecond
	})
	require.NoError(t, err)

	reply, err := b.HandleTurn(context.Background(), orchestrator.Inbound{ConversationID: "c1", UserID: "u1", Text: "go"})
	require.NoError(t, err)
	assert.Equal(t, "The lookup timed out, sorry.", reply.Text)

	subs := fb.Submissions()
	require.Len(t, subs, 1)
	assert.True(t, subs[0][0].IsError)
	assert.Contains(t, subs[0][0].Output, tool.CodeTimeout)
}

func TestBridge_RunTimeoutReply(t *testing.T) {
	steps := make([]testutil.Step, 10000)
	for i := range steps {
		steps[i] = testutil.InProgress()
	}
	fb := testutil.NewFakeBackend()
	fb.Script(steps...)

	b, err := New(fb, fast, func(o *Options) { o.RunTimeout = 30 * time.Millisecond })
	require.NoError(t, err)

	reply, err := b.HandleTurn(context.Background(), orchestrator.Inbound{ConversationID: "c1", UserID: "u1", Text: "slow"})
	require.ErrorIs(t, err, core.ErrRunTimeout)
	assert.True(t, reply.Failed)
	assert.True(t, strings.HasPrefix(reply.Text, "Sorry, that took too long"))
	assert.Len(t, fb.Cancelled(), 1)
}

func TestBridge_Manifest(t *testing.T) {
	b, err := New(testutil.NewFakeBackend(), func(o *Options) {
		o.Tools = []tool.Tool{builtin.NewDirectoryLookup()}
		o.Hosted = []tool.HostedKind{tool.HostedCodeInterpreter}
	})
	require.NoError(t, err)

	manifest := b.Manifest()
	require.Len(t, manifest, 2)
	assert.Equal(t, []string{"directory_lookup"}, b.Registry().Names())
}

func TestBridge_RejectsDuplicateTools(t *testing.T) {
	_, err := New(testutil.NewFakeBackend(), func(o *Options) {
		o.Tools = []tool.Tool{builtin.NewDirectoryLookup(), builtin.NewDirectoryLookup()}
	})
	assert.Error(t, err)
}
