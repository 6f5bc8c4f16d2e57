package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hupe1980/agentbridge/auth"
	"github.com/hupe1980/agentbridge/core"
	"github.com/hupe1980/agentbridge/internal/dedupe"
	"github.com/hupe1980/agentbridge/logging"
	"github.com/hupe1980/agentbridge/runner"
	"github.com/hupe1980/agentbridge/session"
)

// ErrDuplicateMessage is returned for a redelivered inbound message. The
// reply is empty and should not be shown.
var ErrDuplicateMessage = errors.New("message already handled")

// Inbound is one user message received from the channel.
type Inbound struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	// MessageID is the channel's id of the message, used to drop
	// redeliveries. Optional.
	MessageID string `json:"message_id,omitempty"`
	Text      string `json:"text"`
}

// Replies are the fixed texts the orchestrator answers with. SignIn and
// Reminder take the sign-in URL as their only %s verb.
type Replies struct {
	Failure     string
	Timeout     string
	AuthTimeout string
	Busy        string
	SignIn      string
	Reminder    string
	SignedIn    string
	SignedOut   string
}

// DefaultReplies returns the English reply texts.
func DefaultReplies() Replies {
	return Replies{
		Failure:     "Sorry, something went wrong while working on that. Please try again.",
		Timeout:     "Sorry, that took too long. Please try again.",
		AuthTimeout: "The sign-in request expired, so I stopped working on that. Please ask again.",
		Busy:        "I'm still working on your previous message. Please try again in a moment.",
		SignIn:      "Please sign in so I can continue: %s",
		Reminder:    "I'm still waiting for you to sign in: %s",
		SignedIn:    "You're signed in.",
		SignedOut:   "You have been signed out.",
	}
}

// Options holds dependency + configuration overrides passed to New().
type Options struct {
	// Store keeps the per-conversation session state. Defaults to an
	// in-memory store.
	Store session.Store
	// Gate handles sign-in completion and sign-out. Without it ResumeSignIn
	// fails and sign-out only acknowledges.
	Gate *auth.Gate
	// Channel receives replies of turns finished outside HandleTurn (resumed
	// after sign-in or expired).
	Channel  core.Channel
	Renderer Renderer
	Replies  Replies
	// SignOutCommand is the message text that clears the user's tokens.
	SignOutCommand string
	DedupeTTL      time.Duration
	DedupeSize     int
	// LaneWait bounds how long a message waits for the conversation's
	// previous turn. 0 waits as long as the caller's context allows.
	LaneWait time.Duration
	// SweepInterval is how often Run looks for expired sign-in waits.
	SweepInterval time.Duration
	// SweepLaneWait bounds how long the sweep waits for one busy
	// conversation before moving on to the next.
	SweepLaneWait time.Duration
	Logger        logging.Logger
	Now           func() time.Time
}

// Orchestrator handles turns: it binds conversations to agent threads,
// drives the run for every message and parks turns that wait for sign-in.
// Public methods are safe for concurrent use.
type Orchestrator struct {
	backend core.Backend
	driver  *runner.Driver
	opts    Options

	lanes  *lanes
	flight singleflight.Group
	seen   *dedupe.Cache

	mu     sync.Mutex
	parked map[string]time.Time
}

// New creates an orchestrator. driver must drive runs on backend.
func New(backend core.Backend, driver *runner.Driver, optFns ...func(o *Options)) *Orchestrator {
	opts := Options{
		Store:          session.NewInMemoryStore(),
		Replies:        DefaultReplies(),
		SignOutCommand: "logout",
		DedupeTTL:      10 * time.Minute,
		DedupeSize:     10000,
		SweepInterval:  30 * time.Second,
		SweepLaneWait:  time.Second,
		Logger:         logging.NoOpLogger{},
		Now:            time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Renderer == nil {
		opts.Renderer = NewMarkdownRenderer()
	}
	return &Orchestrator{
		backend: backend,
		driver:  driver,
		opts:    opts,
		lanes:   newLanes(),
		seen:    dedupe.New(opts.DedupeTTL, opts.DedupeSize).WithClock(opts.Now),
		parked:  make(map[string]time.Time),
	}
}

// HandleTurn answers one inbound message. The reply is never nil; on
// failure it carries a generic text and the error holds the reason.
func (o *Orchestrator) HandleTurn(ctx context.Context, in Inbound) (*core.ChannelReply, error) {
	if in.ConversationID == "" {
		return o.failure(in.ConversationID, errors.New("conversation id is required"))
	}
	if in.MessageID != "" && o.seen.Seen(in.ConversationID+"/"+in.MessageID) {
		o.opts.Logger.Debug("dropping redelivered message", "conversation_id", in.ConversationID, "message_id", in.MessageID)
		return &core.ChannelReply{}, ErrDuplicateMessage
	}
	if o.opts.SignOutCommand != "" && strings.EqualFold(strings.TrimSpace(in.Text), o.opts.SignOutCommand) {
		return o.signOut(in)
	}

	release, err := o.acquire(ctx, in.ConversationID)
	if err != nil {
		return o.failure(in.ConversationID, fmt.Errorf("%w: %v", core.ErrTurnInProgress, err))
	}
	defer release()

	state, err := o.opts.Store.Get(ctx, in.ConversationID)
	if err != nil {
		return o.failure(in.ConversationID, fmt.Errorf("reading session: %w", err))
	}
	var notice string
	if state.AwaitingAuth() {
		st := state.Suspended
		if !st.Expired(o.opts.Now()) {
			return &core.ChannelReply{
				Text:      fmt.Sprintf(o.opts.Replies.Reminder, st.SignInURL),
				SignInURL: st.SignInURL,
			}, nil
		}
		switch expired, err := o.expire(ctx, in.ConversationID); {
		case err == nil:
			notice = o.opts.Replies.AuthTimeout
			o.opts.Logger.Info("sign-in wait expired", "conversation_id", in.ConversationID, "run_id", expired.RunID)
		case !errors.Is(err, core.ErrNoSuspendedTurn):
			return o.failure(in.ConversationID, err)
		}
	}

	reply, err := o.drive(ctx, in, state)
	if notice != "" {
		reply.Text = notice + "\n\n" + reply.Text
	}
	return reply, err
}

func (o *Orchestrator) drive(ctx context.Context, in Inbound, state *core.SessionState) (*core.ChannelReply, error) {
	threadID, err := o.ensureThread(ctx, in.ConversationID, state)
	if err != nil {
		return o.failure(in.ConversationID, err)
	}
	if _, err := o.backend.AddUserMessage(ctx, threadID, in.Text); err != nil {
		return o.failure(in.ConversationID, fmt.Errorf("adding user message: %w", err))
	}

	req := runner.Request{
		ConversationID: in.ConversationID,
		UserID:         in.UserID,
		ThreadID:       threadID,
		TurnID:         core.NewID(),
	}
	res, err := o.driver.Drive(ctx, req)
	return o.finish(ctx, req, res, err)
}

// ResumeSignIn completes a sign-in and resumes the turn parked for it. The
// reply is returned and also pushed to the channel.
func (o *Orchestrator) ResumeSignIn(ctx context.Context, ev auth.SignInEvent) (*core.ChannelReply, error) {
	if o.opts.Gate == nil {
		return o.failure(ev.ConversationID, errors.New("sign-in is not configured"))
	}
	if ev.ConversationID == "" {
		return o.failure("", fmt.Errorf("%w: conversation id is required", core.ErrSignInMismatch))
	}
	if _, err := o.opts.Gate.CompleteSignIn(ctx, ev); err != nil {
		return o.failure(ev.ConversationID, err)
	}

	release, err := o.acquire(ctx, ev.ConversationID)
	if err != nil {
		return o.failure(ev.ConversationID, fmt.Errorf("%w: %v", core.ErrTurnInProgress, err))
	}
	defer release()

	st, err := o.claim(ctx, ev.ConversationID, func(s *core.SuspendedTurn) error {
		if s.UserID != ev.UserID || s.Resource != ev.Resource {
			return core.ErrSignInMismatch
		}
		return nil
	})
	if errors.Is(err, core.ErrNoSuspendedTurn) {
		return &core.ChannelReply{Text: o.opts.Replies.SignedIn}, err
	}
	if err != nil {
		return o.failure(ev.ConversationID, err)
	}

	o.opts.Logger.Info("resuming turn after sign-in", "conversation_id", ev.ConversationID, "run_id", st.RunID, "resource", st.Resource)
	req := runner.Request{
		ConversationID: ev.ConversationID,
		UserID:         st.UserID,
		ThreadID:       st.ThreadID,
		TurnID:         st.TurnID,
	}
	res, err := o.driver.Resume(ctx, req, st)
	reply, err := o.finish(ctx, req, res, err)
	o.push(ctx, ev.ConversationID, reply)
	return reply, err
}

// Abandon stops the conversation's turn: a run being driven is cancelled
// and a parked turn is dropped with its run cancelled on the backend.
func (o *Orchestrator) Abandon(ctx context.Context, conversationID string) (bool, error) {
	stopped := o.driver.Abandon(conversationID)
	st, err := o.claim(ctx, conversationID, nil)
	switch {
	case errors.Is(err, core.ErrNoSuspendedTurn):
		return stopped, nil
	case err != nil:
		return stopped, err
	}
	o.driver.CancelSuspended(runner.Request{ConversationID: conversationID}, st, "abandoned")
	o.opts.Logger.Info("parked turn abandoned", "conversation_id", conversationID, "run_id", st.RunID)
	return true, nil
}

// ExpireSuspended cancels every parked turn of this process whose sign-in
// deadline passed and tells the user. It returns how many were expired.
func (o *Orchestrator) ExpireSuspended(ctx context.Context) int {
	now := o.opts.Now()
	var due []string
	o.mu.Lock()
	for id, deadline := range o.parked {
		if !now.Before(deadline) {
			due = append(due, id)
		}
	}
	o.mu.Unlock()

	expired := 0
	for _, id := range due {
		if ctx.Err() != nil {
			break
		}
		release, err := o.acquireFor(ctx, id, o.opts.SweepLaneWait)
		if err != nil {
			o.opts.Logger.Debug("conversation busy, expiring later", "conversation_id", id)
			continue
		}
		st, err := o.expire(ctx, id)
		release()
		switch {
		case err == nil:
			expired++
			o.push(ctx, id, &core.ChannelReply{Text: o.opts.Replies.AuthTimeout, Failed: true})
			o.opts.Logger.Info("sign-in wait expired", "conversation_id", id, "run_id", st.RunID)
		case errors.Is(err, core.ErrNoSuspendedTurn):
			o.untrack(id)
		default:
			o.opts.Logger.Warn("expiring parked turn failed", "conversation_id", id, "error", err)
		}
	}
	return expired
}

// Run sweeps expired sign-in waits until ctx ends.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.ExpireSuspended(ctx)
		}
	}
}

func (o *Orchestrator) acquire(ctx context.Context, conversationID string) (func(), error) {
	return o.acquireFor(ctx, conversationID, o.opts.LaneWait)
}

func (o *Orchestrator) acquireFor(ctx context.Context, conversationID string, wait time.Duration) (func(), error) {
	if wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}
	return o.lanes.acquire(ctx, conversationID)
}

// ensureThread returns the conversation's thread, creating it on first use.
// The store's version check decides between concurrent creators; a loser
// adopts the winner's thread.
func (o *Orchestrator) ensureThread(ctx context.Context, conversationID string, state *core.SessionState) (string, error) {
	if state != nil && state.ThreadID != "" {
		return state.ThreadID, nil
	}
	v, err, _ := o.flight.Do(conversationID, func() (any, error) {
		created, err := o.backend.CreateThread(ctx)
		if err != nil {
			return "", fmt.Errorf("creating thread: %w", err)
		}
		stored, err := session.Update(ctx, o.opts.Store, conversationID, func(cur *core.SessionState) (*core.SessionState, error) {
			if cur != nil && cur.ThreadID != "" {
				return nil, nil
			}
			if cur == nil {
				cur = &core.SessionState{}
			}
			cur.ThreadID = created
			return cur, nil
		})
		if err != nil {
			return "", fmt.Errorf("persisting thread: %w", err)
		}
		if stored.ThreadID != created {
			o.opts.Logger.Info("adopting concurrently created thread", "conversation_id", conversationID,
				"thread_id", stored.ThreadID, "discarded_thread_id", created)
		} else {
			o.opts.Logger.Info("thread created", "conversation_id", conversationID, "thread_id", created)
		}
		return stored.ThreadID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// finish turns a drive result into the reply and parks suspended turns.
func (o *Orchestrator) finish(ctx context.Context, req runner.Request, res *runner.Result, err error) (*core.ChannelReply, error) {
	if err != nil {
		return o.failure(req.ConversationID, err)
	}
	if res.Suspended != nil {
		if err := o.park(ctx, req.ConversationID, res.Suspended); err != nil {
			o.driver.CancelSuspended(req, res.Suspended, "parking failed")
			return o.failure(req.ConversationID, err)
		}
		url := res.Suspended.SignInURL
		return &core.ChannelReply{Text: fmt.Sprintf(o.opts.Replies.SignIn, url), SignInURL: url}, nil
	}

	o.opts.Logger.Info("turn completed", "conversation_id", req.ConversationID, "run_id", res.Run.ID,
		"round_trips", res.RoundTrips, "duration_ms", res.Elapsed.Milliseconds())
	return o.opts.Renderer.Render(res.Messages), nil
}

func (o *Orchestrator) park(ctx context.Context, conversationID string, st *core.SuspendedTurn) error {
	_, err := session.Update(ctx, o.opts.Store, conversationID, func(cur *core.SessionState) (*core.SessionState, error) {
		if cur == nil {
			cur = &core.SessionState{ThreadID: st.ThreadID}
		}
		cur.Suspended = st.Clone()
		return cur, nil
	})
	if err != nil {
		return fmt.Errorf("parking turn: %w", err)
	}
	o.mu.Lock()
	o.parked[conversationID] = st.Deadline
	o.mu.Unlock()
	return nil
}

// claim removes the parked turn from the session and returns it. Only one
// caller can claim a given turn. check may veto the claim.
func (o *Orchestrator) claim(ctx context.Context, conversationID string, check func(*core.SuspendedTurn) error) (*core.SuspendedTurn, error) {
	var claimed *core.SuspendedTurn
	_, err := session.Update(ctx, o.opts.Store, conversationID, func(cur *core.SessionState) (*core.SessionState, error) {
		if !cur.AwaitingAuth() {
			return nil, core.ErrNoSuspendedTurn
		}
		if check != nil {
			if err := check(cur.Suspended); err != nil {
				return nil, err
			}
		}
		claimed = cur.Suspended
		cur.Suspended = nil
		return cur, nil
	})
	if err != nil {
		return nil, err
	}
	o.untrack(conversationID)
	return claimed, nil
}

// expire claims the parked turn if its deadline passed and cancels its run.
func (o *Orchestrator) expire(ctx context.Context, conversationID string) (*core.SuspendedTurn, error) {
	now := o.opts.Now()
	st, err := o.claim(ctx, conversationID, func(s *core.SuspendedTurn) error {
		if !s.Expired(now) {
			return core.ErrNoSuspendedTurn
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.driver.CancelSuspended(runner.Request{ConversationID: conversationID}, st, "sign-in timed out")
	return st, nil
}

func (o *Orchestrator) untrack(conversationID string) {
	o.mu.Lock()
	delete(o.parked, conversationID)
	o.mu.Unlock()
}

func (o *Orchestrator) signOut(in Inbound) (*core.ChannelReply, error) {
	if o.opts.Gate != nil {
		n := o.opts.Gate.SignOut(in.UserID)
		o.opts.Logger.Info("user signed out", "conversation_id", in.ConversationID, "tokens", n)
	}
	return &core.ChannelReply{Text: o.opts.Replies.SignedOut}, nil
}

func (o *Orchestrator) push(ctx context.Context, conversationID string, reply *core.ChannelReply) {
	if o.opts.Channel == nil || reply == nil {
		return
	}
	if err := o.opts.Channel.Send(ctx, conversationID, reply); err != nil {
		o.opts.Logger.Error("pushing reply failed", "conversation_id", conversationID, "error", err)
	}
}

// failure builds the graceful reply for err and logs the full reason.
func (o *Orchestrator) failure(conversationID string, err error) (*core.ChannelReply, error) {
	text := o.opts.Replies.Failure
	switch {
	case errors.Is(err, core.ErrRunTimeout):
		text = o.opts.Replies.Timeout
	case errors.Is(err, core.ErrAuthTimeout):
		text = o.opts.Replies.AuthTimeout
	case errors.Is(err, core.ErrTurnInProgress):
		text = o.opts.Replies.Busy
	}
	o.opts.Logger.Error("turn failed", "conversation_id", conversationID, "error", err)
	return &core.ChannelReply{Text: text, Failed: true}, err
}
