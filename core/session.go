package core

import (
	"context"
	"slices"
	"time"
)

// SuspendedTurn is the parked state of a turn waiting for the user to finish
// an interactive sign-in. It captures the whole pending tool-call batch so the
// run can resume exactly where it stopped: calls listed in Outputs were
// already resolved and must not run again.
type SuspendedTurn struct {
	TurnID     string        `json:"turn_id"`
	RunID      string        `json:"run_id"`
	ThreadID   string        `json:"thread_id"`
	UserID     string        `json:"user_id"`
	Resource   string        `json:"resource"`
	Batch      []ToolCall    `json:"batch"`
	Outputs    []ToolOutput  `json:"outputs,omitempty"`
	RoundTrips int           `json:"round_trips"`
	Elapsed    time.Duration `json:"elapsed"`
	SignInURL  string        `json:"sign_in_url,omitempty"`
	Deadline   time.Time     `json:"deadline"`
}

// Expired reports whether the sign-in wait is over at now.
func (s *SuspendedTurn) Expired(now time.Time) bool {
	return !s.Deadline.IsZero() && !now.Before(s.Deadline)
}

// Clone returns a deep copy.
func (s *SuspendedTurn) Clone() *SuspendedTurn {
	if s == nil {
		return nil
	}
	out := *s
	out.Batch = slices.Clone(s.Batch)
	out.Outputs = slices.Clone(s.Outputs)
	return &out
}

// SessionState is the durable record kept per conversation. Version is the
// optimistic concurrency token assigned by the store; callers never set it.
type SessionState struct {
	ThreadID  string         `json:"thread_id"`
	Suspended *SuspendedTurn `json:"suspended,omitempty"`
	Version   int64          `json:"-"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// AwaitingAuth reports whether the conversation has a parked turn.
func (s *SessionState) AwaitingAuth() bool { return s != nil && s.Suspended != nil }

// Clone returns a deep copy safe for in-memory stores.
func (s *SessionState) Clone() *SessionState {
	if s == nil {
		return nil
	}
	out := *s
	out.Suspended = s.Suspended.Clone()
	return &out
}

// SessionStore persists SessionState keyed by conversation id with
// optimistic concurrency.
//
// Contract:
//   - Get returns (nil, nil) when nothing is stored for the conversation.
//   - Put succeeds only when expectedVersion equals the stored version
//     (0 for "must not exist yet") and returns the new version.
//   - A mismatch returns an error wrapping ErrVersionConflict and leaves the
//     stored state untouched; callers re-read and retry or abandon.
type SessionStore interface {
	Get(ctx context.Context, conversationID string) (*SessionState, error)
	Put(ctx context.Context, conversationID string, state *SessionState, expectedVersion int64) (int64, error)
}
