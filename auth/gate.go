package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/hupe1980/agentbridge/core"
	"github.com/hupe1980/agentbridge/logging"
)

// Request asks whether a tool call for Resource may proceed for UserID.
type Request struct {
	UserID         string
	ConversationID string
	Resource       string
}

// Prompt is the interactive sign-in the user must complete.
type Prompt struct {
	URL       string
	Resource  string
	ExpiresAt time.Time
}

// Outcome is either a token to proceed with or a prompt to suspend on.
// Both are nil for calls that need no identity.
type Outcome struct {
	Token  *core.IdentityToken
	Prompt *Prompt
}

// Suspend reports whether the caller must park the turn.
func (o Outcome) Suspend() bool { return o.Prompt != nil }

// SignInEvent is delivered once the user finished signing in.
type SignInEvent struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Resource       string    `json:"resource"`
	Token          string    `json:"token"`
	ExpiresAt      time.Time `json:"expires_at,omitempty"`
	// State is the signed state from the prompt URL. Gates with a signer
	// require it and check it against the event's conversation, user and
	// resource.
	State string `json:"state,omitempty"`
}

// GateOptions configures a Gate.
type GateOptions struct {
	// SignInURL is the base URL the prompt points the user to.
	SignInURL string
	// Timeout bounds how long a prompt stays valid.
	Timeout time.Duration
	// DefaultTokenLifetime applies to opaque tokens without an expiry.
	DefaultTokenLifetime time.Duration
	Logger               logging.Logger
	Now                  func() time.Time
}

// Gate decides whether a tool call can proceed with a cached identity token
// or needs an interactive sign-in first.
type Gate struct {
	cache  *TokenCache
	signer *StateSigner
	opts   GateOptions
}

// NewGate creates a gate over cache. signer may be nil, in which case prompt
// URLs carry no state and completion events are not cross-checked.
func NewGate(cache *TokenCache, signer *StateSigner, optFns ...func(o *GateOptions)) *Gate {
	opts := GateOptions{
		SignInURL:            "http://localhost:3978/signin",
		Timeout:              5 * time.Minute,
		DefaultTokenLifetime: time.Hour,
		Logger:               logging.NoOpLogger{},
		Now:                  time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if cache == nil {
		cache = NewTokenCache(func(o *CacheOptions) { o.Now = opts.Now })
	}
	return &Gate{cache: cache, signer: signer, opts: opts}
}

// Timeout returns how long a sign-in prompt stays valid.
func (g *Gate) Timeout() time.Duration { return g.opts.Timeout }

// Authorize returns a token for req.Resource or a prompt. Requests without
// resource proceed without token.
func (g *Gate) Authorize(_ context.Context, req Request) (Outcome, error) {
	if req.Resource == "" {
		return Outcome{}, nil
	}
	if tok, ok := g.cache.Get(req.UserID, req.Resource); ok {
		return Outcome{Token: tok}, nil
	}

	expires := g.opts.Now().Add(g.opts.Timeout)
	u, err := url.Parse(g.opts.SignInURL)
	if err != nil {
		return Outcome{}, fmt.Errorf("invalid sign-in url: %w", err)
	}
	q := u.Query()
	q.Set("resource", req.Resource)
	if g.signer != nil {
		state, err := g.signer.Sign(SignInState{
			ConversationID: req.ConversationID,
			UserID:         req.UserID,
			Resource:       req.Resource,
			ExpiresAt:      expires,
		})
		if err != nil {
			return Outcome{}, fmt.Errorf("signing sign-in state: %w", err)
		}
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()

	g.opts.Logger.Info("sign-in required", "conversation_id", req.ConversationID, "resource", req.Resource)
	return Outcome{Prompt: &Prompt{URL: u.String(), Resource: req.Resource, ExpiresAt: expires}}, nil
}

// CompleteSignIn validates ev, caches its token and returns it.
func (g *Gate) CompleteSignIn(_ context.Context, ev SignInEvent) (*core.IdentityToken, error) {
	if ev.UserID == "" || ev.Resource == "" || ev.Token == "" {
		return nil, fmt.Errorf("%w: user, resource and token are required", core.ErrSignInMismatch)
	}

	if g.signer != nil {
		if ev.State == "" {
			return nil, fmt.Errorf("%w: signed state is required", core.ErrSignInMismatch)
		}
		st, err := g.signer.Verify(ev.State)
		if err != nil {
			if errors.Is(err, ErrExpiredState) {
				return nil, fmt.Errorf("%w: %v", core.ErrAuthTimeout, err)
			}
			return nil, fmt.Errorf("%w: %v", core.ErrSignInMismatch, err)
		}
		if st.UserID != ev.UserID || st.Resource != ev.Resource ||
			(ev.ConversationID != "" && st.ConversationID != ev.ConversationID) {
			return nil, core.ErrSignInMismatch
		}
	}

	expires := ev.ExpiresAt
	if expires.IsZero() {
		if exp, ok := TokenExpiry(ev.Token); ok {
			expires = exp
		} else {
			expires = g.opts.Now().Add(g.opts.DefaultTokenLifetime)
		}
	}
	tok := &core.IdentityToken{Resource: ev.Resource, Value: ev.Token, ExpiresAt: expires}
	if !tok.Valid(g.opts.Now(), g.cache.Skew()) {
		return nil, fmt.Errorf("%w: token expired or about to expire", core.ErrSignInMismatch)
	}

	if !g.cache.Put(ev.UserID, tok) {
		g.opts.Logger.Debug("newer token already cached", "conversation_id", ev.ConversationID, "resource", ev.Resource)
	}
	g.opts.Logger.Info("sign-in completed", "conversation_id", ev.ConversationID, "resource", ev.Resource)
	return tok, nil
}

// SignOut forgets every cached token of userID.
func (g *Gate) SignOut(userID string) int {
	return g.cache.Forget(userID)
}
