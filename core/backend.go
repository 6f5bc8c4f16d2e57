package core

import "context"

// Backend is the agent service contract the run driver is written against.
// Implementations translate the provider's thread/run API into these calls.
type Backend interface {
	// CreateThread creates a new empty thread and returns its id.
	CreateThread(ctx context.Context) (string, error)
	// AddUserMessage appends a user message to the thread.
	AddUserMessage(ctx context.Context, threadID, text string) (string, error)
	// CreateRun starts a run of assistantID over the thread.
	CreateRun(ctx context.Context, threadID, assistantID string) (*Run, error)
	// GetRun returns the latest run snapshot.
	GetRun(ctx context.Context, threadID, runID string) (*Run, error)
	// SubmitToolOutputs resumes a requires_action run with one output per call.
	SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) (*Run, error)
	// CancelRun asks the backend to cancel the run.
	CancelRun(ctx context.Context, threadID, runID string) (*Run, error)
	// ListMessages returns the newest messages of the thread, newest first.
	ListMessages(ctx context.Context, threadID string, limit int) ([]Message, error)
}

// Channel pushes replies to a conversation outside of the request/response
// cycle, e.g. after a sign-in resumed or expired a parked turn.
type Channel interface {
	Send(ctx context.Context, conversationID string, reply *ChannelReply) error
}

// ChannelFunc adapts a function to the Channel interface.
type ChannelFunc func(ctx context.Context, conversationID string, reply *ChannelReply) error

// Send implements Channel.
func (f ChannelFunc) Send(ctx context.Context, conversationID string, reply *ChannelReply) error {
	return f(ctx, conversationID, reply)
}
