// Package runner drives one agent run per turn.
//
// The Driver creates a run on the conversation's thread and waits (through a
// pluggable Waiter) until the backend either finishes it or asks for tool
// outputs. Every requires_action episode is resolved completely before the
// single submission: calls needing an identity go through the auth gate
// first, the rest of the batch runs concurrently on the tool dispatcher.
//
// When a call needs an interactive sign-in the driver stops and returns the
// parked batch as a core.SuspendedTurn; Resume picks it up once the user
// signed in and never invokes an already answered call again.
//
// Wall-clock budget, round-trip limit, abandonment and backend failures all
// cancel the run on the backend before the error is returned.
package runner
