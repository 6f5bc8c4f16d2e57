package auth

import (
	"sync"
	"time"

	"github.com/hupe1980/agentbridge/core"
)

type cacheKey struct {
	userID   string
	resource string
}

// CacheOptions configures a TokenCache.
type CacheOptions struct {
	// Skew treats tokens as expired this long before their stated expiry so
	// a token never runs out while a tool call is in flight.
	Skew time.Duration
	Now  func() time.Time
}

// TokenCache holds identity tokens per (user, resource). It is shared by all
// conversations of a user and never serves an expired token.
type TokenCache struct {
	mu     sync.Mutex
	tokens map[cacheKey]*core.IdentityToken
	opts   CacheOptions
}

// NewTokenCache creates an empty cache.
func NewTokenCache(optFns ...func(o *CacheOptions)) *TokenCache {
	opts := CacheOptions{Skew: 30 * time.Second, Now: time.Now}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &TokenCache{tokens: make(map[cacheKey]*core.IdentityToken), opts: opts}
}

// Get returns the cached token for userID and resource if it is still valid.
// Expired entries are evicted on access.
func (c *TokenCache) Get(userID, resource string) (*core.IdentityToken, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := cacheKey{userID, resource}
	tok, ok := c.tokens[k]
	if !ok {
		return nil, false
	}
	if !tok.Valid(c.opts.Now(), c.opts.Skew) {
		delete(c.tokens, k)
		return nil, false
	}
	cp := *tok
	return &cp, true
}

// Put stores tok for userID. When a valid token with a later expiry is
// already cached it is kept. Put reports whether tok was stored.
func (c *TokenCache) Put(userID string, tok *core.IdentityToken) bool {
	now := c.opts.Now()
	if !tok.Valid(now, c.opts.Skew) {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	k := cacheKey{userID, tok.Resource}
	if cur, ok := c.tokens[k]; ok && cur.Valid(now, c.opts.Skew) && cur.ExpiresAt.After(tok.ExpiresAt) {
		return false
	}
	cp := *tok
	c.tokens[k] = &cp
	return true
}

// Skew returns how long before expiry a token stops being served.
func (c *TokenCache) Skew() time.Duration { return c.opts.Skew }

// Forget drops every token of userID and returns how many were removed.
func (c *TokenCache) Forget(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k := range c.tokens {
		if k.userID == userID {
			delete(c.tokens, k)
			n++
		}
	}
	return n
}

// Purge removes all expired entries and returns how many were dropped.
func (c *TokenCache) Purge() int {
	now := c.opts.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k, tok := range c.tokens {
		if !tok.Valid(now, c.opts.Skew) {
			delete(c.tokens, k)
			n++
		}
	}
	return n
}
