// Package core provides the foundational domain types and contracts used by
// agentbridge. It defines the core abstractions for:
//
//   - Runs (one execution attempt of the remote agent over a thread)
//   - Tool calls and tool outputs (the requires_action round-trip)
//   - Session state (conversation -> thread mapping plus parked turns)
//   - Identity tokens handed to tools by the auth gate
//   - The agent Backend and outbound Channel collaborators
//
// The package keeps implementation concerns (persistence, polling, HTTP) out
// of scope, exposing small interfaces so backends, stores and channels can be
// swapped in tests and production without touching orchestration code.
package core
