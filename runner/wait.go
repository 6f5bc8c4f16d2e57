package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentbridge/core"
)

// Waiter blocks until a run leaves the queued, in_progress and cancelling
// states and returns the snapshot that ended the wait.
type Waiter interface {
	Wait(ctx context.Context, backend core.Backend, threadID, runID string) (*core.Run, error)
}

// WaiterFunc adapts a function to Waiter.
type WaiterFunc func(ctx context.Context, backend core.Backend, threadID, runID string) (*core.Run, error)

// Wait implements Waiter.
func (f WaiterFunc) Wait(ctx context.Context, backend core.Backend, threadID, runID string) (*core.Run, error) {
	return f(ctx, backend, threadID, runID)
}

// PollWaiter polls GetRun with a growing interval.
type PollWaiter struct {
	Interval    time.Duration
	MaxInterval time.Duration
}

// NewPollWaiter returns a waiter starting at 500ms and backing off to 2s.
func NewPollWaiter() *PollWaiter {
	return &PollWaiter{Interval: 500 * time.Millisecond, MaxInterval: 2 * time.Second}
}

// Wait implements Waiter.
func (w *PollWaiter) Wait(ctx context.Context, backend core.Backend, threadID, runID string) (*core.Run, error) {
	interval := w.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}

		run, err := backend.GetRun(ctx, threadID, runID)
		if err != nil {
			return nil, fmt.Errorf("polling run %s: %w", runID, err)
		}
		if !run.Status.IsPending() {
			return run, nil
		}

		timer.Reset(interval)
		if w.MaxInterval > 0 {
			interval = min(interval*2, w.MaxInterval)
		}
	}
}

// NotifyWaiter waits for an external signal (webhook, stream event) before
// re-reading the run, falling back to polling every Fallback so a lost
// signal only delays the turn.
type NotifyWaiter struct {
	Fallback time.Duration

	mu      sync.Mutex
	waiting map[string]chan struct{}
}

// NewNotifyWaiter creates a waiter with the given fallback poll interval.
func NewNotifyWaiter(fallback time.Duration) *NotifyWaiter {
	return &NotifyWaiter{Fallback: fallback, waiting: make(map[string]chan struct{})}
}

// Notify wakes the waiter blocked on runID. Unknown runs are ignored.
func (w *NotifyWaiter) Notify(runID string) {
	w.mu.Lock()
	ch, ok := w.waiting[runID]
	w.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Wait implements Waiter.
func (w *NotifyWaiter) Wait(ctx context.Context, backend core.Backend, threadID, runID string) (*core.Run, error) {
	ch := make(chan struct{}, 1)
	w.mu.Lock()
	if w.waiting == nil {
		w.waiting = make(map[string]chan struct{})
	}
	w.waiting[runID] = ch
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.waiting, runID)
		w.mu.Unlock()
	}()

	fallback := w.Fallback
	if fallback <= 0 {
		fallback = 5 * time.Second
	}
	ticker := time.NewTicker(fallback)
	defer ticker.Stop()

	for {
		run, err := backend.GetRun(ctx, threadID, runID)
		if err != nil {
			return nil, fmt.Errorf("reading run %s: %w", runID, err)
		}
		if !run.Status.IsPending() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		case <-ticker.C:
		}
	}
}
