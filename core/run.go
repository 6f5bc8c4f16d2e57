package core

import (
	"fmt"
	"time"
)

// RunStatus mirrors the lifecycle states reported by the agent backend.
type RunStatus string

const (
	RunStatusQueued         RunStatus = "queued"
	RunStatusInProgress     RunStatus = "in_progress"
	RunStatusRequiresAction RunStatus = "requires_action"
	RunStatusCancelling     RunStatus = "cancelling"
	RunStatusCompleted      RunStatus = "completed"
	RunStatusFailed         RunStatus = "failed"
	RunStatusCancelled      RunStatus = "cancelled"
	RunStatusExpired        RunStatus = "expired"
	RunStatusIncomplete     RunStatus = "incomplete"
)

// IsTerminal reports whether no further transition is possible from s.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusExpired, RunStatusIncomplete:
		return true
	default:
		return false
	}
}

// IsPending reports whether the backend is still working on the run and the
// driver should keep waiting.
func (s RunStatus) IsPending() bool {
	switch s {
	case RunStatusQueued, RunStatusInProgress, RunStatusCancelling:
		return true
	default:
		return false
	}
}

// RunError is the backend supplied reason for a failed or expired run.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Run is a snapshot of one execution attempt of the agent against a thread.
// ToolCalls is only populated while Status is requires_action.
type Run struct {
	ID          string     `json:"id"`
	ThreadID    string     `json:"thread_id"`
	AssistantID string     `json:"assistant_id"`
	Status      RunStatus  `json:"status"`
	ToolCalls   []ToolCall `json:"tool_calls,omitempty"`
	LastError   *RunError  `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Transition moves the run to next, refusing to leave a terminal state.
// Observing the same terminal state twice is not an error.
func (r *Run) Transition(next RunStatus) error {
	if r.Status.IsTerminal() && next != r.Status {
		return fmt.Errorf("%w: run %s %s -> %s", ErrTerminalRun, r.ID, r.Status, next)
	}
	r.Status = next
	return nil
}

// RoundTripLimiter enforces a maximum number of requires_action round-trips
// per run. A max of 0 allows unlimited round-trips.
type RoundTripLimiter struct {
	max   int
	count int
}

// NewRoundTripLimiter creates a limiter starting from an already consumed
// count, which lets a resumed run keep its budget across a suspension.
func NewRoundTripLimiter(max, used int) *RoundTripLimiter {
	return &RoundTripLimiter{max: max, count: used}
}

// Increment records one round-trip and returns ErrTooManyRoundTrips once the
// limit is exceeded.
func (l *RoundTripLimiter) Increment() error {
	l.count++
	if l.max > 0 && l.count > l.max {
		return fmt.Errorf("%w: %d", ErrTooManyRoundTrips, l.max)
	}
	return nil
}

// Count returns the number of round-trips recorded so far.
func (l *RoundTripLimiter) Count() int { return l.count }

// Remaining returns how many round-trips are left, or -1 when unlimited.
func (l *RoundTripLimiter) Remaining() int {
	if l.max == 0 {
		return -1
	}
	return l.max - l.count
}
