package orchestrator

import (
	"context"
	"sync"
)

// lanes serializes work per conversation. Waiters queue on a one-slot
// channel so acquisition honours ctx; idle lanes are dropped.
type lanes struct {
	mu sync.Mutex
	m  map[string]*lane
}

type lane struct {
	slot chan struct{}
	refs int
}

func newLanes() *lanes {
	return &lanes{m: make(map[string]*lane)}
}

func (l *lanes) acquire(ctx context.Context, id string) (func(), error) {
	l.mu.Lock()
	ln, ok := l.m[id]
	if !ok {
		ln = &lane{slot: make(chan struct{}, 1)}
		l.m[id] = ln
	}
	ln.refs++
	l.mu.Unlock()

	select {
	case ln.slot <- struct{}{}:
	case <-ctx.Done():
		l.unref(id, ln)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-ln.slot
			l.unref(id, ln)
		})
	}, nil
}

func (l *lanes) unref(id string, ln *lane) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ln.refs--
	if ln.refs == 0 {
		delete(l.m, id)
	}
}

