package testutil

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hupe1980/agentbridge/core"
)

// Operation names used by FailNext and Calls.
const (
	OpCreateThread      = "CreateThread"
	OpAddUserMessage    = "AddUserMessage"
	OpCreateRun         = "CreateRun"
	OpGetRun            = "GetRun"
	OpSubmitToolOutputs = "SubmitToolOutputs"
	OpCancelRun         = "CancelRun"
	OpListMessages      = "ListMessages"
)

// Step is one observable state of a scripted run. Pending steps (queued,
// in_progress) advance on the next GetRun; a requires_action step advances
// when its outputs are submitted. Reply and Files become the assistant
// message written when the run reaches completed.
type Step struct {
	Status    core.RunStatus
	ToolCalls []core.ToolCall
	LastError *core.RunError
	Reply     string
	Files     []core.FileRef
}

// Completed is a shorthand for a completed step with a text reply.
func Completed(reply string) Step {
	return Step{Status: core.RunStatusCompleted, Reply: reply}
}

// RequiresAction is a shorthand for a requires_action step.
func RequiresAction(calls ...core.ToolCall) Step {
	return Step{Status: core.RunStatusRequiresAction, ToolCalls: calls}
}

// InProgress is a shorthand for an in_progress step.
func InProgress() Step { return Step{Status: core.RunStatusInProgress} }

type fakeRun struct {
	run    core.Run
	script []Step
	pos    int
}

// FakeBackend is a scripted, concurrency safe core.Backend. Each CreateRun
// consumes the next script queued with Script; without one the run
// completes immediately with "ok".
type FakeBackend struct {
	// OnGetRun, when set, runs before every GetRun. Tests use it to block a
	// run in flight.
	OnGetRun func(ctx context.Context, runID string)

	mu          sync.Mutex
	threads     map[string][]core.Message
	runs        map[string]*fakeRun
	scripts     [][]Step
	failures    map[string][]error
	calls       map[string]int
	submissions [][]core.ToolOutput
	cancelled   []string
	seq         int
}

var _ core.Backend = (*FakeBackend)(nil)

// NewFakeBackend creates an empty fake.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		threads:  make(map[string][]core.Message),
		runs:     make(map[string]*fakeRun),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// Script queues the step sequence for the next created run.
func (f *FakeBackend) Script(steps ...Step) *FakeBackend {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, steps)
	return f
}

// FailNext makes the next len(errs) calls of op fail with errs in order.
func (f *FakeBackend) FailNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], errs...)
}

// Calls returns how often op was invoked, failed attempts included.
func (f *FakeBackend) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Submissions returns every SubmitToolOutputs payload in call order.
func (f *FakeBackend) Submissions() [][]core.ToolOutput {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]core.ToolOutput, len(f.submissions))
	for i, s := range f.submissions {
		out[i] = slices.Clone(s)
	}
	return out
}

// Cancelled returns the ids of runs CancelRun was called for.
func (f *FakeBackend) Cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.cancelled)
}

// Threads returns the number of threads created.
func (f *FakeBackend) Threads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.threads)
}

// Messages returns the thread log oldest first.
func (f *FakeBackend) Messages(threadID string) []core.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.threads[threadID])
}

// Run returns a snapshot of a run.
func (f *FakeBackend) Run(runID string) (core.Run, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	if !ok {
		return core.Run{}, false
	}
	return snapshot(r), true
}

// enter records the call and pops an injected failure. Callers hold f.mu.
func (f *FakeBackend) enter(op string) error {
	f.calls[op]++
	if errs := f.failures[op]; len(errs) > 0 {
		f.failures[op] = errs[1:]
		return errs[0]
	}
	return nil
}

func (f *FakeBackend) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_%d", prefix, f.seq)
}

// CreateThread implements core.Backend.
func (f *FakeBackend) CreateThread(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpCreateThread); err != nil {
		return "", err
	}
	id := f.nextID("thread")
	f.threads[id] = nil
	return id, nil
}

// AddUserMessage implements core.Backend.
func (f *FakeBackend) AddUserMessage(ctx context.Context, threadID, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpAddUserMessage); err != nil {
		return "", err
	}
	if _, ok := f.threads[threadID]; !ok {
		return "", fmt.Errorf("thread %s not found", threadID)
	}
	id := f.nextID("msg")
	f.threads[threadID] = append(f.threads[threadID], core.Message{
		ID: id, ThreadID: threadID, Role: core.RoleUser, Text: []string{text}, CreatedAt: time.Now(),
	})
	return id, nil
}

// CreateRun implements core.Backend.
func (f *FakeBackend) CreateRun(ctx context.Context, threadID, assistantID string) (*core.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpCreateRun); err != nil {
		return nil, err
	}
	if _, ok := f.threads[threadID]; !ok {
		return nil, fmt.Errorf("thread %s not found", threadID)
	}
	script := []Step{Completed("ok")}
	if len(f.scripts) > 0 {
		script, f.scripts = f.scripts[0], f.scripts[1:]
	}
	r := &fakeRun{
		run: core.Run{
			ID: f.nextID("run"), ThreadID: threadID, AssistantID: assistantID,
			Status: core.RunStatusQueued, CreatedAt: time.Now(),
		},
		script: script,
		pos:    -1,
	}
	f.runs[r.run.ID] = r
	f.advance(r)
	out := snapshot(r)
	return &out, nil
}

// GetRun implements core.Backend.
func (f *FakeBackend) GetRun(ctx context.Context, threadID, runID string) (*core.Run, error) {
	if f.OnGetRun != nil {
		f.OnGetRun(ctx, runID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpGetRun); err != nil {
		return nil, err
	}
	r, ok := f.runs[runID]
	if !ok || r.run.ThreadID != threadID {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	if r.run.Status.IsPending() {
		f.advance(r)
	}
	out := snapshot(r)
	return &out, nil
}

// SubmitToolOutputs implements core.Backend. It rejects submissions that do
// not answer every pending call exactly once.
func (f *FakeBackend) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []core.ToolOutput) (*core.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpSubmitToolOutputs); err != nil {
		return nil, err
	}
	r, ok := f.runs[runID]
	if !ok || r.run.ThreadID != threadID {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	if r.run.Status != core.RunStatusRequiresAction {
		return nil, fmt.Errorf("run %s is %s, not requires_action", runID, r.run.Status)
	}
	if len(outputs) != len(r.run.ToolCalls) || len(core.PendingCalls(r.run.ToolCalls, outputs)) > 0 {
		return nil, fmt.Errorf("outputs do not match pending tool calls of run %s", runID)
	}
	f.submissions = append(f.submissions, slices.Clone(outputs))
	f.advance(r)
	out := snapshot(r)
	return &out, nil
}

// CancelRun implements core.Backend.
func (f *FakeBackend) CancelRun(ctx context.Context, threadID, runID string) (*core.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpCancelRun); err != nil {
		return nil, err
	}
	r, ok := f.runs[runID]
	if !ok || r.run.ThreadID != threadID {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	f.cancelled = append(f.cancelled, runID)
	if !r.run.Status.IsTerminal() {
		r.run.Status = core.RunStatusCancelled
		r.run.ToolCalls = nil
		r.pos = len(r.script)
	}
	out := snapshot(r)
	return &out, nil
}

// ListMessages implements core.Backend.
func (f *FakeBackend) ListMessages(ctx context.Context, threadID string, limit int) ([]core.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpListMessages); err != nil {
		return nil, err
	}
	msgs := f.threads[threadID]
	out := make([]core.Message, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, msgs[i])
	}
	return out, nil
}

// advance moves r to its next scripted step. A script that runs out leaves
// the run completed. Callers hold f.mu.
func (f *FakeBackend) advance(r *fakeRun) {
	r.pos++
	if r.pos >= len(r.script) {
		if !r.run.Status.IsTerminal() {
			r.run.Status = core.RunStatusCompleted
			r.run.ToolCalls = nil
		}
		return
	}
	step := r.script[r.pos]
	r.run.Status = step.Status
	r.run.ToolCalls = slices.Clone(step.ToolCalls)
	r.run.LastError = step.LastError
	if step.Status == core.RunStatusCompleted && (step.Reply != "" || len(step.Files) > 0) {
		msg := core.Message{
			ID: f.nextID("msg"), ThreadID: r.run.ThreadID, RunID: r.run.ID,
			Role: core.RoleAssistant, Files: slices.Clone(step.Files), CreatedAt: time.Now(),
		}
		if step.Reply != "" {
			msg.Text = []string{step.Reply}
		}
		f.threads[r.run.ThreadID] = append(f.threads[r.run.ThreadID], msg)
	}
}

func snapshot(r *fakeRun) core.Run {
	out := r.run
	out.ToolCalls = slices.Clone(r.run.ToolCalls)
	if r.run.LastError != nil {
		e := *r.run.LastError
		out.LastError = &e
	}
	return out
}
