// Package artifact serves files the agent generated (code interpreter
// output, images) to the channel.
//
// Replies only reference files by backend id. The Store remembers which
// conversation a file was attached to, so a download link can only fetch
// files of the conversation it was issued for, and keeps downloaded bytes
// so repeated downloads do not hit the backend again.
package artifact
