// Package auth implements the gate that stands between the run driver and
// tools acting on behalf of the user.
//
// Before a call to a tool bound to a downstream resource runs, the gate
// either hands out a cached, unexpired identity token for (user, resource)
// or produces a sign-in prompt. The prompt URL carries an HS256 signed state
// so the completion event can be tied back to the conversation, user and
// resource that asked for it. Completion events arrive from any source (the
// HTTP callback in cmd/agentbridge or AMQPSource) and are fed to
// CompleteSignIn, which caches the token for later turns.
package auth
