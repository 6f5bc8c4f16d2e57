package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/agentbridge/core"
)

// Store is the contract every backend in this package satisfies.
type Store = core.SessionStore

// Mutator derives the next state from the current one. current is nil when
// the conversation has no stored state yet. Returning a nil state with a nil
// error leaves the store untouched.
type Mutator func(current *core.SessionState) (*core.SessionState, error)

// UpdateOptions configures Update.
type UpdateOptions struct {
	// MaxAttempts bounds the number of read-modify-write cycles.
	MaxAttempts int
}

// Update performs a read-modify-write against store. On ErrVersionConflict it
// re-reads the state and calls mutate again, so mutate must be free of side
// effects that cannot be repeated. The stored state (with its new version) is
// returned.
func Update(ctx context.Context, store core.SessionStore, conversationID string, mutate Mutator, optFns ...func(o *UpdateOptions)) (*core.SessionState, error) {
	opts := UpdateOptions{MaxAttempts: 5}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		current, err := store.Get(ctx, conversationID)
		if err != nil {
			return nil, err
		}

		var expected int64
		if current != nil {
			expected = current.Version
		}

		next, err := mutate(current.Clone())
		if err != nil {
			return nil, err
		}
		if next == nil {
			return current, nil
		}

		version, err := store.Put(ctx, conversationID, next, expected)
		if err == nil {
			next.Version = version
			return next, nil
		}
		if !errors.Is(err, core.ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("session update gave up after %d attempts: %w", opts.MaxAttempts, lastErr)
}
