package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentbridge/core"
)

// InMemoryStore is a volatile SessionStore implementation storing states in
// a process local map. It is safe for concurrent access and best suited for
// tests or single instance deployments. Each returned state is cloned to
// prevent external mutation of internal state.
type InMemoryStore struct {
	mu     sync.RWMutex
	states map[string]*core.SessionState
	now    func() time.Time
}

var _ core.SessionStore = (*InMemoryStore)(nil)

// NewInMemoryStore constructs an empty in-memory session store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{states: make(map[string]*core.SessionState), now: time.Now}
}

// Get returns a clone of the stored state or nil when the conversation is unknown.
func (s *InMemoryStore) Get(_ context.Context, conversationID string) (*core.SessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.states[conversationID]; ok {
		return st.Clone(), nil
	}
	return nil, nil
}

// Put stores a clone of state if expectedVersion matches the stored version.
func (s *InMemoryStore) Put(_ context.Context, conversationID string, state *core.SessionState, expectedVersion int64) (int64, error) {
	if state == nil {
		return 0, fmt.Errorf("session: nil state for conversation %q", conversationID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if st, ok := s.states[conversationID]; ok {
		current = st.Version
	}
	if current != expectedVersion {
		return 0, conflictError(conversationID, expectedVersion, current)
	}

	next := state.Clone()
	next.Version = current + 1
	next.UpdatedAt = s.now()
	s.states[conversationID] = next
	return next.Version, nil
}

// Len returns the number of stored conversations.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}

func conflictError(conversationID string, expected, actual int64) error {
	return fmt.Errorf("%w: conversation %q expected version %d, got %d", core.ErrVersionConflict, conversationID, expected, actual)
}
