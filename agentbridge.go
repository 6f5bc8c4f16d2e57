// Package agentbridge provides a high-level façade binding a messaging
// channel to a cloud-hosted AI agent that calls tools while it answers.
// Most applications interact with this package by:
//  1. Creating a Bridge via New() with an agent backend (backend/openai) and
//     the tools the agent may call
//  2. Passing every inbound channel message to HandleTurn and sending the
//     returned reply
//  3. Feeding sign-in completions to ResumeSignIn and running Run in the
//     background to expire abandoned sign-ins
//
// The façade delegates to orchestrator.Orchestrator and runner.Driver while
// keeping setup concise. All defaults are safe for local development and
// testing; production deployments typically supply a durable session store,
// an auth gate with a signing secret and a structured logger.
package agentbridge

import (
	"context"
	"time"

	"github.com/hupe1980/agentbridge/auth"
	"github.com/hupe1980/agentbridge/backend"
	"github.com/hupe1980/agentbridge/core"
	"github.com/hupe1980/agentbridge/logging"
	"github.com/hupe1980/agentbridge/orchestrator"
	"github.com/hupe1980/agentbridge/runner"
	"github.com/hupe1980/agentbridge/session"
	"github.com/hupe1980/agentbridge/tool"
)

// Options configures the Bridge instance.
type Options struct {
	// AssistantID is the agent definition every run uses.
	AssistantID string

	// Tools the agent may call. Names must be unique.
	Tools []tool.Tool
	// Hosted lists tools that run inside the backend (code interpreter,
	// file search). They only show up in Manifest.
	Hosted []tool.HostedKind

	// SessionStore keeps conversation state (defaults to in-memory).
	SessionStore core.SessionStore
	// Gate enables tools that act on behalf of the user. Without a gate such
	// tools answer with an auth error.
	Gate *auth.Gate
	// Channel receives replies of turns finished asynchronously.
	Channel core.Channel
	// Waiter waits for run status changes (defaults to polling).
	Waiter runner.Waiter

	MaxRoundTrips    int
	RunTimeout       time.Duration
	ToolTimeout      time.Duration
	MaxParallelTools int
	// LaneWait bounds how long a message queues behind the previous turn of
	// its conversation. 0 waits for the caller's context.
	LaneWait time.Duration

	// DisableRetry turns off the transient error retries around the backend.
	DisableRetry bool
	Retry        []func(c *backend.RetryConfig)

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
	Now    func() time.Time
}

// Bridge is the high-level façade aggregating registry, dispatcher, run
// driver and turn orchestrator.
type Bridge struct {
	opts         Options
	registry     *tool.Registry
	driver       *runner.Driver
	orchestrator *orchestrator.Orchestrator
}

// New creates a Bridge over the agent backend b.
func New(b core.Backend, optFns ...func(o *Options)) (*Bridge, error) {
	opts := Options{
		SessionStore:  session.NewInMemoryStore(),
		Waiter:        runner.NewPollWaiter(),
		MaxRoundTrips: 10,
		RunTimeout:    2 * time.Minute,
		ToolTimeout:   30 * time.Second,
		Logger:        logging.NoOpLogger{},
		Now:           time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	registry, err := tool.NewRegistry(opts.Tools, func(o *tool.RegistryOptions) { o.Hosted = opts.Hosted })
	if err != nil {
		return nil, err
	}

	if !opts.DisableRetry {
		retryOpts := append([]func(c *backend.RetryConfig){func(c *backend.RetryConfig) { c.Logger = opts.Logger }}, opts.Retry...)
		b = backend.WithRetry(b, retryOpts...)
	}

	dispatcher := tool.NewDispatcher(registry, func(o *tool.DispatcherOptions) {
		o.Timeout = opts.ToolTimeout
		o.MaxParallel = opts.MaxParallelTools
		o.Logger = opts.Logger
		o.Now = opts.Now
	})

	var gate runner.Authorizer
	if opts.Gate != nil {
		gate = opts.Gate
	}
	driver := runner.New(b, dispatcher, gate, func(o *runner.Options) {
		o.AssistantID = opts.AssistantID
		o.MaxRoundTrips = opts.MaxRoundTrips
		o.RunTimeout = opts.RunTimeout
		o.Waiter = opts.Waiter
		o.Logger = opts.Logger
		o.Now = opts.Now
	})

	orch := orchestrator.New(b, driver, func(o *orchestrator.Options) {
		o.Store = opts.SessionStore
		o.Gate = opts.Gate
		o.Channel = opts.Channel
		o.LaneWait = opts.LaneWait
		o.Logger = opts.Logger
		o.Now = opts.Now
	})

	return &Bridge{opts: opts, registry: registry, driver: driver, orchestrator: orch}, nil
}

// HandleTurn answers one inbound message. The reply is never nil.
func (b *Bridge) HandleTurn(ctx context.Context, in orchestrator.Inbound) (*core.ChannelReply, error) {
	return b.orchestrator.HandleTurn(ctx, in)
}

// ResumeSignIn completes a sign-in and resumes the turn waiting for it.
func (b *Bridge) ResumeSignIn(ctx context.Context, ev auth.SignInEvent) (*core.ChannelReply, error) {
	return b.orchestrator.ResumeSignIn(ctx, ev)
}

// Abandon stops whatever turn the conversation has in flight or parked.
func (b *Bridge) Abandon(ctx context.Context, conversationID string) (bool, error) {
	return b.orchestrator.Abandon(ctx, conversationID)
}

// Run expires abandoned sign-in waits until ctx ends.
func (b *Bridge) Run(ctx context.Context) error { return b.orchestrator.Run(ctx) }

// Registry returns the immutable tool registry.
func (b *Bridge) Registry() *tool.Registry { return b.registry }

// Manifest lists the tool definitions the agent must be provisioned with.
func (b *Bridge) Manifest() []tool.Definition { return b.registry.Manifest() }
