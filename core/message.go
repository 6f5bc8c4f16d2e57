package core

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageRole identifies the author of a thread message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// FileRef points at a file generated by the agent (code interpreter output,
// images). Name is best effort and may be empty. URL is filled in by the
// channel once the file is downloadable.
type FileRef struct {
	FileID string `json:"file_id"`
	Name   string `json:"name,omitempty"`
	URL    string `json:"url,omitempty"`
}

// Message is one entry of the backend owned thread log.
type Message struct {
	ID        string      `json:"id"`
	ThreadID  string      `json:"thread_id"`
	RunID     string      `json:"run_id,omitempty"`
	Role      MessageRole `json:"role"`
	Text      []string    `json:"text,omitempty"`
	Files     []FileRef   `json:"files,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// JoinedText concatenates the text segments of the message.
func (m Message) JoinedText() string { return strings.Join(m.Text, "\n\n") }

// ChannelReply is the outbound payload handed back to the messaging channel.
// HTML is an optional rendering of Text for channels that support markup.
type ChannelReply struct {
	Text        string    `json:"text"`
	HTML        string    `json:"html,omitempty"`
	Attachments []FileRef `json:"attachments,omitempty"`
	// SignInURL is set when the turn is parked waiting for the user to sign in.
	SignInURL string `json:"sign_in_url,omitempty"`
	// Failed marks graceful replies produced for an unrecoverable error.
	Failed bool `json:"failed,omitempty"`
}

// NewID returns a random identifier used for turns, nonces and test fixtures.
func NewID() string { return uuid.NewString() }
