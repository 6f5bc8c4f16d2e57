package auth

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentbridge/core"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *fakeClock { return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)} }

func TestTokenCache_NeverServesExpired(t *testing.T) {
	clock := newClock()
	c := NewTokenCache(func(o *CacheOptions) { o.Now = clock.Now; o.Skew = 10 * time.Second })

	tok := &core.IdentityToken{Resource: "graph", Value: "v1", ExpiresAt: clock.now.Add(time.Minute)}
	require.True(t, c.Put("u1", tok))

	got, ok := c.Get("u1", "graph")
	require.True(t, ok)
	assert.Equal(t, "v1", got.Value)

	_, ok = c.Get("u2", "graph")
	assert.False(t, ok)
	_, ok = c.Get("u1", "mail")
	assert.False(t, ok)

	clock.Advance(55 * time.Second) // inside skew
	_, ok = c.Get("u1", "graph")
	assert.False(t, ok)
}

func TestTokenCache_KeepsLatestExpiry(t *testing.T) {
	clock := newClock()
	c := NewTokenCache(func(o *CacheOptions) { o.Now = clock.Now })

	long := &core.IdentityToken{Resource: "graph", Value: "long", ExpiresAt: clock.now.Add(2 * time.Hour)}
	short := &core.IdentityToken{Resource: "graph", Value: "short", ExpiresAt: clock.now.Add(time.Hour)}
	require.True(t, c.Put("u1", long))
	assert.False(t, c.Put("u1", short))

	got, ok := c.Get("u1", "graph")
	require.True(t, ok)
	assert.Equal(t, "long", got.Value)

	expired := &core.IdentityToken{Resource: "mail", Value: "x", ExpiresAt: clock.now.Add(-time.Second)}
	assert.False(t, c.Put("u1", expired))
}

func TestTokenCache_ForgetAndPurge(t *testing.T) {
	clock := newClock()
	c := NewTokenCache(func(o *CacheOptions) { o.Now = clock.Now; o.Skew = 0 })
	c.Put("u1", &core.IdentityToken{Resource: "graph", Value: "a", ExpiresAt: clock.now.Add(time.Minute)})
	c.Put("u1", &core.IdentityToken{Resource: "mail", Value: "b", ExpiresAt: clock.now.Add(time.Hour)})
	c.Put("u2", &core.IdentityToken{Resource: "graph", Value: "c", ExpiresAt: clock.now.Add(time.Hour)})

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, c.Purge())
	assert.Equal(t, 1, c.Forget("u1"))
	_, ok := c.Get("u2", "graph")
	assert.True(t, ok)
}

func TestStateSigner_RoundTrip(t *testing.T) {
	s, err := NewStateSigner([]byte("secret"))
	require.NoError(t, err)

	raw, err := s.Sign(SignInState{ConversationID: "c1", UserID: "u1", Resource: "graph", ExpiresAt: time.Now().Add(time.Minute)})
	require.NoError(t, err)

	st, err := s.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, "c1", st.ConversationID)
	assert.Equal(t, "u1", st.UserID)
	assert.Equal(t, "graph", st.Resource)
	assert.NotEmpty(t, st.Nonce)

	other, _ := NewStateSigner([]byte("other"))
	_, err = other.Verify(raw)
	assert.ErrorIs(t, err, ErrInvalidState)

	expired, err := s.Sign(SignInState{ConversationID: "c1", UserID: "u1", ExpiresAt: time.Now().Add(-time.Minute)})
	require.NoError(t, err)
	_, err = s.Verify(expired)
	assert.ErrorIs(t, err, ErrExpiredState)

	_, err = NewStateSigner(nil)
	assert.Error(t, err)
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).SignedString([]byte("k"))
	require.NoError(t, err)

	got, ok := TokenExpiry(raw)
	require.True(t, ok)
	assert.True(t, exp.Equal(got))

	_, ok = TokenExpiry("opaque-token")
	assert.False(t, ok)
}

func newTestGate(t *testing.T, clock *fakeClock) *Gate {
	t.Helper()
	signer, err := NewStateSigner([]byte("secret"), func(o *SignerOptions) { o.Now = clock.Now })
	require.NoError(t, err)
	cache := NewTokenCache(func(o *CacheOptions) { o.Now = clock.Now })
	return NewGate(cache, signer, func(o *GateOptions) {
		o.SignInURL = "https://bridge.example/signin"
		o.Timeout = 5 * time.Minute
		o.Now = clock.Now
	})
}

func TestGate_AuthorizeFlow(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	g := newTestGate(t, clock)

	out, err := g.Authorize(ctx, Request{UserID: "u1", ConversationID: "c1"})
	require.NoError(t, err)
	assert.False(t, out.Suspend())
	assert.Nil(t, out.Token)

	out, err = g.Authorize(ctx, Request{UserID: "u1", ConversationID: "c1", Resource: "graph"})
	require.NoError(t, err)
	require.True(t, out.Suspend())
	assert.Equal(t, clock.now.Add(5*time.Minute), out.Prompt.ExpiresAt)

	u, err := url.Parse(out.Prompt.URL)
	require.NoError(t, err)
	assert.Equal(t, "bridge.example", u.Host)
	assert.Equal(t, "graph", u.Query().Get("resource"))
	state := u.Query().Get("state")
	require.NotEmpty(t, state)

	tok, err := g.CompleteSignIn(ctx, SignInEvent{ConversationID: "c1", UserID: "u1", Resource: "graph", Token: "opaque", State: state})
	require.NoError(t, err)
	assert.Equal(t, clock.now.Add(time.Hour), tok.ExpiresAt)

	out, err = g.Authorize(ctx, Request{UserID: "u1", ConversationID: "c2", Resource: "graph"})
	require.NoError(t, err)
	assert.False(t, out.Suspend())
	require.NotNil(t, out.Token)
	assert.Equal(t, "opaque", out.Token.Value)

	assert.Equal(t, 1, g.SignOut("u1"))
	out, err = g.Authorize(ctx, Request{UserID: "u1", ConversationID: "c2", Resource: "graph"})
	require.NoError(t, err)
	assert.True(t, out.Suspend())
}

func TestGate_CompleteSignInRejectsMismatch(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	g := newTestGate(t, clock)

	out, err := g.Authorize(ctx, Request{UserID: "u1", ConversationID: "c1", Resource: "graph"})
	require.NoError(t, err)
	u, _ := url.Parse(out.Prompt.URL)
	state := u.Query().Get("state")

	_, err = g.CompleteSignIn(ctx, SignInEvent{ConversationID: "c1", UserID: "mallory", Resource: "graph", Token: "t", State: state})
	assert.ErrorIs(t, err, core.ErrSignInMismatch)

	_, err = g.CompleteSignIn(ctx, SignInEvent{ConversationID: "c1", UserID: "u1", Resource: "mail", Token: "t", State: state})
	assert.ErrorIs(t, err, core.ErrSignInMismatch)

	_, err = g.CompleteSignIn(ctx, SignInEvent{ConversationID: "c1", UserID: "u1", Resource: "graph"})
	assert.ErrorIs(t, err, core.ErrSignInMismatch)

	_, err = g.CompleteSignIn(ctx, SignInEvent{ConversationID: "c1", UserID: "u1", Resource: "graph", Token: "t", State: state, ExpiresAt: clock.now.Add(-time.Minute)})
	assert.ErrorIs(t, err, core.ErrSignInMismatch)
}

func TestGate_CompleteSignInRequiresSignedState(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	g := newTestGate(t, clock)

	_, err := g.CompleteSignIn(ctx, SignInEvent{ConversationID: "victim-conv", UserID: "victim", Resource: "graph", Token: "planted"})
	assert.ErrorIs(t, err, core.ErrSignInMismatch)

	_, err = g.CompleteSignIn(ctx, SignInEvent{ConversationID: "victim-conv", UserID: "victim", Resource: "graph", Token: "planted", State: "not-a-jwt"})
	assert.ErrorIs(t, err, core.ErrSignInMismatch)

	out, err := g.Authorize(ctx, Request{UserID: "victim", ConversationID: "victim-conv", Resource: "graph"})
	require.NoError(t, err)
	assert.True(t, out.Suspend())
	assert.Nil(t, out.Token)
}

func TestGate_CompleteSignInWithoutSignerSkipsState(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	g := NewGate(nil, nil, func(o *GateOptions) { o.Now = clock.Now })

	_, err := g.CompleteSignIn(ctx, SignInEvent{UserID: "u1", Resource: "graph", Token: "t"})
	require.NoError(t, err)

	out, err := g.Authorize(ctx, Request{UserID: "u1", Resource: "graph"})
	require.NoError(t, err)
	require.NotNil(t, out.Token)
	assert.Equal(t, "t", out.Token.Value)
}

func TestGate_CompleteSignInRejectsTokenInsideSkew(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	g := newTestGate(t, clock)

	out, err := g.Authorize(ctx, Request{UserID: "u1", ConversationID: "c1", Resource: "graph"})
	require.NoError(t, err)
	u, err := url.Parse(out.Prompt.URL)
	require.NoError(t, err)
	state := u.Query().Get("state")

	// Valid for 20s, but the cache stops serving tokens 30s before expiry.
	_, err = g.CompleteSignIn(ctx, SignInEvent{
		ConversationID: "c1", UserID: "u1", Resource: "graph", Token: "short", State: state,
		ExpiresAt: clock.now.Add(20 * time.Second),
	})
	assert.ErrorIs(t, err, core.ErrSignInMismatch)

	tok, err := g.CompleteSignIn(ctx, SignInEvent{
		ConversationID: "c1", UserID: "u1", Resource: "graph", Token: "long", State: state,
		ExpiresAt: clock.now.Add(10 * time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, "long", tok.Value)

	out, err = g.Authorize(ctx, Request{UserID: "u1", ConversationID: "c1", Resource: "graph"})
	require.NoError(t, err)
	assert.False(t, out.Suspend())
	require.NotNil(t, out.Token)
	assert.Equal(t, "long", out.Token.Value)
}

func TestDecodeSignInEvent(t *testing.T) {
	ev, err := DecodeSignInEvent([]byte(`{"conversation_id":"c1","user_id":"u1","resource":"graph","token":"t"}`))
	require.NoError(t, err)
	assert.Equal(t, "graph", ev.Resource)

	_, err = DecodeSignInEvent([]byte(`{"user_id":"u1"}`))
	assert.Error(t, err)
	_, err = DecodeSignInEvent([]byte(`not json`))
	assert.Error(t, err)
}
