// Package openai implements core.Backend on top of the OpenAI Assistants
// API (threads, runs and messages). It adapts the SDK's types into the
// bridge's normalized Run, ToolCall and Message structures and back.
package openai

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/hupe1980/agentbridge/backend"
	"github.com/hupe1980/agentbridge/core"
)

// Options configure the OpenAI backend.
type Options struct {
	APIKey  string
	BaseURL string
	// Headers are added to every request, e.g. an api-key header for
	// compatible gateways.
	Headers map[string]string
}

// Backend wraps the Assistants API behind core.Backend.
type Backend struct {
	client *openai.Client
}

var (
	_ core.Backend       = (*Backend)(nil)
	_ backend.FileSource = (*Backend)(nil)
)

// New creates a backend with a new client. Empty option fields fall back to
// the SDK's environment defaults (OPENAI_API_KEY, OPENAI_BASE_URL). SDK
// level retries are disabled; wrap the backend with backend.WithRetry.
func New(optFns ...func(o *Options)) *Backend {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	reqOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	for k, v := range opts.Headers {
		reqOpts = append(reqOpts, option.WithHeader(k, v))
	}
	client := openai.NewClient(reqOpts...)
	return NewFromClient(&client)
}

// NewFromClient creates a backend from an existing client.
func NewFromClient(client *openai.Client) *Backend {
	return &Backend{client: client}
}

// CreateThread implements core.Backend.
func (b *Backend) CreateThread(ctx context.Context) (string, error) {
	th, err := b.client.Beta.Threads.New(ctx, openai.BetaThreadNewParams{})
	if err != nil {
		return "", fmt.Errorf("creating thread: %w", err)
	}
	return th.ID, nil
}

// AddUserMessage implements core.Backend.
func (b *Backend) AddUserMessage(ctx context.Context, threadID, text string) (string, error) {
	msg, err := b.client.Beta.Threads.Messages.New(ctx, threadID, openai.BetaThreadMessageNewParams{
		Role: openai.BetaThreadMessageNewParamsRoleUser,
		Content: openai.BetaThreadMessageNewParamsContentUnion{
			OfString: openai.String(text),
		},
	})
	if err != nil {
		return "", fmt.Errorf("adding message to thread %s: %w", threadID, err)
	}
	return msg.ID, nil
}

// CreateRun implements core.Backend.
func (b *Backend) CreateRun(ctx context.Context, threadID, assistantID string) (*core.Run, error) {
	run, err := b.client.Beta.Threads.Runs.New(ctx, threadID, openai.BetaThreadRunNewParams{
		AssistantID: assistantID,
	})
	if err != nil {
		return nil, fmt.Errorf("creating run on thread %s: %w", threadID, err)
	}
	return toRun(run), nil
}

// GetRun implements core.Backend.
func (b *Backend) GetRun(ctx context.Context, threadID, runID string) (*core.Run, error) {
	run, err := b.client.Beta.Threads.Runs.Get(ctx, threadID, runID)
	if err != nil {
		return nil, fmt.Errorf("getting run %s: %w", runID, err)
	}
	return toRun(run), nil
}

// SubmitToolOutputs implements core.Backend.
func (b *Backend) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []core.ToolOutput) (*core.Run, error) {
	params := openai.BetaThreadRunSubmitToolOutputsParams{
		ToolOutputs: make([]openai.BetaThreadRunSubmitToolOutputsParamsToolOutput, 0, len(outputs)),
	}
	for _, o := range outputs {
		params.ToolOutputs = append(params.ToolOutputs, openai.BetaThreadRunSubmitToolOutputsParamsToolOutput{
			ToolCallID: openai.String(o.CallID),
			Output:     openai.String(o.Output),
		})
	}
	run, err := b.client.Beta.Threads.Runs.SubmitToolOutputs(ctx, threadID, runID, params)
	if err != nil {
		return nil, fmt.Errorf("submitting tool outputs for run %s: %w", runID, err)
	}
	return toRun(run), nil
}

// CancelRun implements core.Backend.
func (b *Backend) CancelRun(ctx context.Context, threadID, runID string) (*core.Run, error) {
	run, err := b.client.Beta.Threads.Runs.Cancel(ctx, threadID, runID)
	if err != nil {
		return nil, fmt.Errorf("cancelling run %s: %w", runID, err)
	}
	return toRun(run), nil
}

// ListMessages implements core.Backend.
func (b *Backend) ListMessages(ctx context.Context, threadID string, limit int) ([]core.Message, error) {
	page, err := b.client.Beta.Threads.Messages.List(ctx, threadID, openai.BetaThreadMessageListParams{
		Order: openai.BetaThreadMessageListParamsOrderDesc,
		Limit: openai.Int(int64(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("listing messages of thread %s: %w", threadID, err)
	}
	out := make([]core.Message, 0, len(page.Data))
	for i := range page.Data {
		out = append(out, toMessage(&page.Data[i]))
	}
	return out, nil
}

// OpenFile implements backend.FileSource.
func (b *Backend) OpenFile(ctx context.Context, fileID string) (io.ReadCloser, string, error) {
	meta, err := b.client.Files.Get(ctx, fileID)
	if err != nil {
		return nil, "", fmt.Errorf("getting file %s: %w", fileID, err)
	}
	resp, err := b.client.Files.Content(ctx, fileID)
	if err != nil {
		return nil, "", fmt.Errorf("downloading file %s: %w", fileID, err)
	}
	return resp.Body, meta.Filename, nil
}

func toRun(r *openai.Run) *core.Run {
	run := &core.Run{
		ID:          r.ID,
		ThreadID:    r.ThreadID,
		AssistantID: r.AssistantID,
		Status:      core.RunStatus(r.Status),
		CreatedAt:   time.Unix(r.CreatedAt, 0),
	}
	if run.Status == core.RunStatusRequiresAction {
		for _, tc := range r.RequiredAction.SubmitToolOutputs.ToolCalls {
			run.ToolCalls = append(run.ToolCalls, core.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
	}
	if r.LastError.Code != "" || r.LastError.Message != "" {
		run.LastError = &core.RunError{Code: string(r.LastError.Code), Message: r.LastError.Message}
	} else if run.Status == core.RunStatusIncomplete && r.IncompleteDetails.Reason != "" {
		run.LastError = &core.RunError{Code: "incomplete", Message: string(r.IncompleteDetails.Reason)}
	}
	return run
}

func toMessage(m *openai.Message) core.Message {
	msg := core.Message{
		ID:        m.ID,
		ThreadID:  m.ThreadID,
		RunID:     m.RunID,
		Role:      core.MessageRole(m.Role),
		CreatedAt: time.Unix(m.CreatedAt, 0),
	}
	seen := map[string]struct{}{}
	addFile := func(id string) {
		if id == "" {
			return
		}
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		msg.Files = append(msg.Files, core.FileRef{FileID: id})
	}
	for _, c := range m.Content {
		switch c.Type {
		case "text":
			msg.Text = append(msg.Text, c.Text.Value)
			for _, a := range c.Text.Annotations {
				if a.Type == "file_path" {
					addFile(a.FilePath.FileID)
				}
			}
		case "image_file":
			addFile(c.ImageFile.FileID)
		}
	}
	return msg
}
