package core

import (
	"errors"
	"fmt"
)

var (
	// ErrVersionConflict is returned by SessionStore.Put when the expected
	// version does not match the stored one.
	ErrVersionConflict = errors.New("session state version conflict")

	// ErrTerminalRun signals an attempted transition out of a terminal status.
	ErrTerminalRun = errors.New("run already terminal")

	// ErrRunTimeout is returned when a run exceeds its wall-clock budget.
	ErrRunTimeout = errors.New("run exceeded wall-clock budget")

	// ErrTooManyRoundTrips is returned when a run keeps requesting tools past
	// the configured round-trip limit.
	ErrTooManyRoundTrips = errors.New("run exceeded max requires_action round-trips")

	// ErrEmptyRequiredAction is returned when the backend reports
	// requires_action without any tool call to answer.
	ErrEmptyRequiredAction = errors.New("requires_action without tool calls")

	// ErrAuthTimeout is returned when no sign-in completion arrived in time.
	ErrAuthTimeout = errors.New("sign-in timed out")

	// ErrNoSuspendedTurn is returned when a sign-in event arrives for a
	// conversation that has nothing parked.
	ErrNoSuspendedTurn = errors.New("no suspended turn for conversation")

	// ErrSignInMismatch is returned when a sign-in event does not match the
	// parked turn (other user or resource).
	ErrSignInMismatch = errors.New("sign-in event does not match suspended turn")

	// ErrTurnInProgress is returned when a conversation lane stays busy
	// longer than the caller is willing to wait.
	ErrTurnInProgress = errors.New("turn already in progress for conversation")
)

// RunFailedError reports a run that ended in failed, cancelled, expired or
// incomplete. The backend reason is kept for observability only.
type RunFailedError struct {
	RunID  string
	Status RunStatus
	Code   string
	Reason string
}

func (e *RunFailedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("run %s ended %s [%s]: %s", e.RunID, e.Status, e.Code, e.Reason)
	}
	if e.Reason != "" {
		return fmt.Sprintf("run %s ended %s: %s", e.RunID, e.Status, e.Reason)
	}
	return fmt.Sprintf("run %s ended %s", e.RunID, e.Status)
}

// NewRunFailedError builds a RunFailedError from a terminal run snapshot.
func NewRunFailedError(run *Run) *RunFailedError {
	err := &RunFailedError{RunID: run.ID, Status: run.Status}
	if run.LastError != nil {
		err.Code = run.LastError.Code
		err.Reason = run.LastError.Message
	}
	return err
}
