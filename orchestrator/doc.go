// Package orchestrator turns inbound channel messages into agent turns.
//
// For each message the Orchestrator resolves (or creates) the conversation's
// agent thread, appends the message, lets the runner drive the run and
// renders the agent's answer. Messages of one conversation are handled one
// at a time; different conversations run in parallel.
//
// A turn that needs the user to sign in is parked in the session state and
// its lane released. Messages arriving meanwhile get a reminder with the
// pending sign-in link. ResumeSignIn continues the parked turn, Abandon
// drops it, and Run expires waits whose deadline passed.
package orchestrator
