package runner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hupe1980/agentbridge/auth"
	"github.com/hupe1980/agentbridge/core"
	"github.com/hupe1980/agentbridge/logging"
	"github.com/hupe1980/agentbridge/tool"
)

// Authorizer is the part of auth.Gate the driver needs.
type Authorizer interface {
	Authorize(ctx context.Context, req auth.Request) (auth.Outcome, error)
}

// Options holds dependency + configuration overrides passed to New().
type Options struct {
	// AssistantID is the agent definition every run is created against.
	AssistantID string
	// MaxRoundTrips limits requires_action round-trips per run. 0 disables
	// the limit.
	MaxRoundTrips int
	// RunTimeout is the wall-clock budget of one run, excluding time spent
	// parked for sign-in.
	RunTimeout time.Duration
	// MessageLimit bounds how many thread messages are read to collect the
	// reply of a completed run.
	MessageLimit int
	// CancelTimeout bounds the best-effort CancelRun issued on abort.
	CancelTimeout time.Duration
	Waiter        Waiter
	Logger        logging.Logger
	Now           func() time.Time
}

// Request describes one run to drive for a conversation.
type Request struct {
	ConversationID string
	UserID         string
	ThreadID       string
	// TurnID correlates log lines of one turn.
	TurnID string
}

// Result is the outcome of a drive that did not fail. Exactly one of
// Messages (completed run) and Suspended (parked for sign-in) is meaningful.
type Result struct {
	Run        *core.Run
	Messages   []core.Message
	Suspended  *core.SuspendedTurn
	RoundTrips int
	Elapsed    time.Duration
}

// Driver drives an agent run from creation to a terminal state, resolving
// tool calls through the auth gate and the dispatcher on every
// requires_action episode. Public methods are safe for concurrent use.
type Driver struct {
	backend    core.Backend
	dispatcher *tool.Dispatcher
	gate       Authorizer
	opts       Options

	activeRuns map[string]context.CancelFunc
	mu         sync.Mutex
}

// New constructs a Driver. gate may be nil; calls that need an identity then
// receive an auth error output.
func New(backend core.Backend, dispatcher *tool.Dispatcher, gate Authorizer, optFns ...func(o *Options)) *Driver {
	opts := Options{
		MaxRoundTrips: 10,
		RunTimeout:    2 * time.Minute,
		MessageLimit:  20,
		CancelTimeout: 10 * time.Second,
		Waiter:        NewPollWaiter(),
		Logger:        logging.NoOpLogger{},
		Now:           time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if dispatcher == nil {
		dispatcher = tool.NewDispatcher(mustEmptyRegistry())
	}
	return &Driver{
		backend:    backend,
		dispatcher: dispatcher,
		gate:       gate,
		opts:       opts,
		activeRuns: make(map[string]context.CancelFunc),
	}
}

func mustEmptyRegistry() *tool.Registry {
	reg, _ := tool.NewRegistry(nil)
	return reg
}

// episode tracks the budget of one run across its round-trips.
type episode struct {
	req      Request
	run      *core.Run
	limiter  *core.RoundTripLimiter
	started  time.Time
	consumed time.Duration
}

func (e *episode) elapsed(now time.Time) time.Duration {
	return e.consumed + now.Sub(e.started)
}

// Drive creates a run on req.ThreadID and drives it until it completes,
// fails or parks for sign-in.
func (d *Driver) Drive(ctx context.Context, req Request) (*Result, error) {
	ctx, release := d.track(ctx, req.ConversationID)
	defer release()

	run, err := d.backend.CreateRun(ctx, req.ThreadID, d.opts.AssistantID)
	if err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}
	d.logRun(req, run, 0)

	ep := &episode{
		req:     req,
		run:     run,
		limiter: core.NewRoundTripLimiter(d.opts.MaxRoundTrips, 0),
		started: d.opts.Now(),
	}
	return d.loop(ctx, ep, nil)
}

// Resume continues a run parked in st once the user has signed in. Calls
// already answered in st.Outputs are not invoked again.
func (d *Driver) Resume(ctx context.Context, req Request, st *core.SuspendedTurn) (*Result, error) {
	if st == nil {
		return nil, core.ErrNoSuspendedTurn
	}
	ctx, release := d.track(ctx, req.ConversationID)
	defer release()

	if req.ThreadID == "" {
		req.ThreadID = st.ThreadID
	}
	if st.Expired(d.opts.Now()) {
		d.cancelRun(req, st.RunID, "sign-in timed out")
		return nil, core.ErrAuthTimeout
	}

	run, err := d.backend.GetRun(ctx, req.ThreadID, st.RunID)
	if err != nil {
		// The parked turn is already claimed; nothing would cancel the run later.
		d.cancelRun(req, st.RunID, "resume failed")
		return nil, fmt.Errorf("reading suspended run: %w", err)
	}
	ep := &episode{
		req:      req,
		run:      run,
		limiter:  core.NewRoundTripLimiter(d.opts.MaxRoundTrips, st.RoundTrips),
		started:  d.opts.Now(),
		consumed: st.Elapsed,
	}
	if run.Status != core.RunStatusRequiresAction {
		// The backend moved on (expired or cancelled while we waited).
		return d.loop(ctx, ep, nil)
	}
	return d.loop(ctx, ep, st)
}

// Abandon cancels the drive in flight for conversationID, if any. The
// driver then cancels the run on the backend.
func (d *Driver) Abandon(conversationID string) bool {
	d.mu.Lock()
	cancel, ok := d.activeRuns[conversationID]
	d.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// CancelSuspended cancels the backend run of a parked turn.
func (d *Driver) CancelSuspended(req Request, st *core.SuspendedTurn, reason string) {
	if st == nil {
		return
	}
	if req.ThreadID == "" {
		req.ThreadID = st.ThreadID
	}
	d.cancelRun(req, st.RunID, reason)
}

func (d *Driver) track(ctx context.Context, conversationID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	if conversationID == "" {
		return ctx, cancel
	}
	d.mu.Lock()
	d.activeRuns[conversationID] = cancel
	d.mu.Unlock()
	return ctx, func() {
		cancel()
		d.mu.Lock()
		delete(d.activeRuns, conversationID)
		d.mu.Unlock()
	}
}

// loop is the state machine. resume carries the parked batch when the first
// requires_action episode is the one the turn was suspended on.
func (d *Driver) loop(ctx context.Context, ep *episode, resume *core.SuspendedTurn) (*Result, error) {
	req := ep.req
	remaining := d.opts.RunTimeout - ep.consumed
	if d.opts.RunTimeout > 0 && remaining <= 0 {
		d.cancelRun(req, ep.run.ID, "run budget exhausted")
		return nil, fmt.Errorf("%w: run %s", core.ErrRunTimeout, ep.run.ID)
	}
	runCtx := ctx
	if d.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, remaining)
		defer cancel()
	}

	cur := ep.run
	for {
		if cur.Status.IsPending() {
			next, err := d.opts.Waiter.Wait(runCtx, d.backend, req.ThreadID, cur.ID)
			if err != nil {
				return nil, d.abort(ctx, runCtx, req, cur.ID, err)
			}
			if err := d.observe(req, cur, next, ep); err != nil {
				return nil, err
			}
			cur = next
		}

		switch {
		case cur.Status == core.RunStatusRequiresAction:
			var prior *core.SuspendedTurn
			if resume != nil && resume.RunID == cur.ID {
				prior, resume = resume, nil
			}
			if prior == nil {
				if len(cur.ToolCalls) == 0 {
					d.cancelRun(req, cur.ID, "empty requires_action")
					return nil, fmt.Errorf("%w: run %s", core.ErrEmptyRequiredAction, cur.ID)
				}
				if err := ep.limiter.Increment(); err != nil {
					d.cancelRun(req, cur.ID, "too many round-trips")
					return nil, err
				}
			}

			batch := cur.ToolCalls
			var answered []core.ToolOutput
			if prior != nil {
				batch, answered = prior.Batch, prior.Outputs
			}
			outputs, parked, err := d.resolve(runCtx, req, cur.ID, batch, answered)
			if err != nil {
				return nil, d.abort(ctx, runCtx, req, cur.ID, err)
			}
			if parked != nil {
				parked.RoundTrips = ep.limiter.Count()
				parked.Elapsed = ep.elapsed(d.opts.Now())
				d.opts.Logger.Info("run parked for sign-in", "conversation_id", req.ConversationID,
					"run_id", cur.ID, "resource", parked.Resource, "answered", len(parked.Outputs), "pending", len(batch)-len(parked.Outputs))
				return &Result{Run: cur, Suspended: parked, RoundTrips: parked.RoundTrips, Elapsed: parked.Elapsed}, nil
			}

			next, err := d.backend.SubmitToolOutputs(runCtx, req.ThreadID, cur.ID, outputs)
			if err != nil {
				return nil, d.abort(ctx, runCtx, req, cur.ID, fmt.Errorf("submitting tool outputs: %w", err))
			}
			if err := d.observe(req, cur, next, ep); err != nil {
				return nil, err
			}
			cur = next

		case cur.Status == core.RunStatusCompleted:
			msgs, err := d.collect(runCtx, req.ThreadID, cur.ID)
			if err != nil {
				return nil, err
			}
			return &Result{Run: cur, Messages: msgs, RoundTrips: ep.limiter.Count(), Elapsed: ep.elapsed(d.opts.Now())}, nil

		case cur.Status.IsTerminal():
			err := core.NewRunFailedError(cur)
			d.opts.Logger.Warn("run ended without completing", "conversation_id", req.ConversationID,
				"run_id", cur.ID, "status", string(cur.Status), "error", err)
			return nil, err

		case cur.Status.IsPending():
			// wait again on the next iteration

		default:
			d.cancelRun(req, cur.ID, "unknown status")
			return nil, fmt.Errorf("run %s reported unknown status %q", cur.ID, cur.Status)
		}
	}
}

// observe validates the transition from cur to next and logs it.
func (d *Driver) observe(req Request, cur, next *core.Run, ep *episode) error {
	check := *cur
	if err := check.Transition(next.Status); err != nil {
		return err
	}
	d.logRun(req, next, ep.elapsed(d.opts.Now()))
	return nil
}

// resolve answers the pending calls of batch. Calls are authorized in batch
// order; the first one that needs an interactive sign-in stops
// authorization, and it and every later call needing an identity stay
// pending in the returned parked turn. Everything approved so far runs.
// Calls with invalid arguments skip authorization and fail in the dispatcher.
func (d *Driver) resolve(ctx context.Context, req Request, runID string, batch []core.ToolCall, answered []core.ToolOutput) ([]core.ToolOutput, *core.SuspendedTurn, error) {
	pending := core.PendingCalls(batch, answered)
	approved := make([]tool.Request, 0, len(pending))
	var prompt *auth.Prompt

	for _, call := range pending {
		resource := d.dispatcher.ResourceFor(call)
		if resource == "" || d.dispatcher.Validate(call) != nil {
			approved = append(approved, tool.Request{Call: call})
			continue
		}
		if prompt != nil {
			continue
		}
		if d.gate == nil {
			approved = append(approved, tool.Request{Call: call})
			continue
		}
		out, err := d.gate.Authorize(ctx, auth.Request{UserID: req.UserID, ConversationID: req.ConversationID, Resource: resource})
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			d.opts.Logger.Error("authorization failed", "conversation_id", req.ConversationID, "tool", call.Name, "error", err)
			approved = append(approved, tool.Request{Call: call})
			continue
		}
		if out.Suspend() {
			prompt = out.Prompt
			continue
		}
		approved = append(approved, tool.Request{Call: call, Token: out.Token})
	}

	outputs := slices.Clone(answered)
	outputs = append(outputs, d.dispatcher.InvokeBatch(ctx, approved)...)
	if ctx.Err() != nil {
		return nil, nil, ctx.Err()
	}

	if prompt != nil {
		return nil, &core.SuspendedTurn{
			TurnID:    req.TurnID,
			RunID:     runID,
			ThreadID:  req.ThreadID,
			UserID:    req.UserID,
			Resource:  prompt.Resource,
			Batch:     slices.Clone(batch),
			Outputs:   core.OrderOutputs(batch, outputs),
			SignInURL: prompt.URL,
			Deadline:  prompt.ExpiresAt,
		}, nil
	}
	return core.OrderOutputs(batch, outputs), nil, nil
}

// collect returns the assistant messages the run produced, oldest first.
func (d *Driver) collect(ctx context.Context, threadID, runID string) ([]core.Message, error) {
	msgs, err := d.backend.ListMessages(ctx, threadID, d.opts.MessageLimit)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	var out []core.Message
	for _, m := range msgs {
		if m.Role == core.RoleAssistant && m.RunID == runID {
			out = append(out, m)
		}
	}
	if len(out) == 0 {
		// Backends that do not tag messages with the run: take the assistant
		// messages after the newest user message.
		for _, m := range msgs {
			if m.Role != core.RoleAssistant {
				break
			}
			out = append(out, m)
		}
	}
	slices.Reverse(out)
	return out, nil
}

// abort maps a failure inside the loop to the error returned to the caller
// and cancels the backend run whenever the drive gives up on it.
func (d *Driver) abort(ctx, runCtx context.Context, req Request, runID string, err error) error {
	switch {
	case ctx.Err() != nil:
		d.cancelRun(req, runID, "turn abandoned")
		return fmt.Errorf("run %s abandoned: %w", runID, ctx.Err())
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		d.cancelRun(req, runID, "run timeout")
		return fmt.Errorf("%w: run %s after %s", core.ErrRunTimeout, runID, d.opts.RunTimeout)
	default:
		// A live run blocks new messages on its thread.
		d.cancelRun(req, runID, "backend error")
		return err
	}
}

func (d *Driver) cancelRun(req Request, runID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.CancelTimeout)
	defer cancel()
	if _, err := d.backend.CancelRun(ctx, req.ThreadID, runID); err != nil {
		d.opts.Logger.Warn("cancelling run failed", "conversation_id", req.ConversationID, "run_id", runID, "reason", reason, "error", err)
		return
	}
	d.opts.Logger.Info("run cancelled", "conversation_id", req.ConversationID, "run_id", runID, "reason", reason)
}

func (d *Driver) logRun(req Request, run *core.Run, elapsed time.Duration) {
	d.opts.Logger.Debug("run status", "conversation_id", req.ConversationID, "thread_id", req.ThreadID,
		"run_id", run.ID, "status", string(run.Status), "duration_ms", elapsed.Milliseconds())
}
