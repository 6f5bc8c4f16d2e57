// Package backend holds the agent-service plumbing shared by every provider:
// error classification and the retrying core.Backend wrapper.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"syscall"
	"time"

	"github.com/openai/openai-go"

	"github.com/hupe1980/agentbridge/core"
	"github.com/hupe1980/agentbridge/logging"
)

// HTTPError is a provider neutral status error. Fakes and non-SDK backends
// return it so classification works the same for every backend.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Message)
}

// StatusCode extracts the HTTP status from err, or 0 when there is none.
func StatusCode(err error) int {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

// IsTransient reports whether err is worth retrying: request timeouts,
// conflicts, throttling, server errors and dropped connections.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch code := StatusCode(err); {
	case code == 408, code == 409, code == 429, code >= 500:
		return true
	case code != 0:
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// RetryConfig controls retry behaviour of the wrapped backend.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	ShouldRetry func(error) bool
	Logger      logging.Logger
}

// DefaultRetryConfig returns the baseline policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 4,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
		ShouldRetry: IsTransient,
		Logger:      logging.NoOpLogger{},
	}
}

// WithRetry wraps next with bounded, error-only retries using exponential
// backoff with jitter. Calls that create or submit something are not retried
// on 409 since the first attempt most likely went through.
func WithRetry(next core.Backend, optFns ...func(c *RetryConfig)) core.Backend {
	cfg := DefaultRetryConfig()
	for _, fn := range optFns {
		fn(&cfg)
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.ShouldRetry == nil {
		cfg.ShouldRetry = IsTransient
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NoOpLogger{}
	}
	return &retrying{next: next, cfg: cfg}
}

type retrying struct {
	next core.Backend
	cfg  RetryConfig
}

// Unwrap exposes the wrapped backend.
func (r *retrying) Unwrap() core.Backend { return r.next }

func do[T any](ctx context.Context, r *retrying, op string, mutating bool, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt == r.cfg.MaxAttempts || ctx.Err() != nil || !r.cfg.ShouldRetry(err) {
			break
		}
		if mutating && StatusCode(err) == 409 {
			break
		}

		delay := r.backoff(attempt)
		r.cfg.Logger.Warn("transient backend error, retrying", "op", op, "attempt", attempt, "delay_ms", delay.Milliseconds(), "error", err)
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
	return zero, lastErr
}

func (r *retrying) backoff(attempt int) time.Duration {
	d := r.cfg.BaseDelay << (attempt - 1)
	if d <= 0 || d > r.cfg.MaxDelay {
		d = r.cfg.MaxDelay
	}
	if d <= 0 {
		return 0
	}
	// full jitter in [d/2, d)
	return d/2 + rand.N(d/2+1)
}

func (r *retrying) CreateThread(ctx context.Context) (string, error) {
	return do(ctx, r, "create_thread", true, func() (string, error) { return r.next.CreateThread(ctx) })
}

func (r *retrying) AddUserMessage(ctx context.Context, threadID, text string) (string, error) {
	return do(ctx, r, "add_message", true, func() (string, error) { return r.next.AddUserMessage(ctx, threadID, text) })
}

func (r *retrying) CreateRun(ctx context.Context, threadID, assistantID string) (*core.Run, error) {
	return do(ctx, r, "create_run", true, func() (*core.Run, error) { return r.next.CreateRun(ctx, threadID, assistantID) })
}

func (r *retrying) GetRun(ctx context.Context, threadID, runID string) (*core.Run, error) {
	return do(ctx, r, "get_run", false, func() (*core.Run, error) { return r.next.GetRun(ctx, threadID, runID) })
}

func (r *retrying) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []core.ToolOutput) (*core.Run, error) {
	return do(ctx, r, "submit_tool_outputs", true, func() (*core.Run, error) {
		return r.next.SubmitToolOutputs(ctx, threadID, runID, outputs)
	})
}

func (r *retrying) CancelRun(ctx context.Context, threadID, runID string) (*core.Run, error) {
	return do(ctx, r, "cancel_run", false, func() (*core.Run, error) { return r.next.CancelRun(ctx, threadID, runID) })
}

func (r *retrying) ListMessages(ctx context.Context, threadID string, limit int) ([]core.Message, error) {
	return do(ctx, r, "list_messages", false, func() ([]core.Message, error) { return r.next.ListMessages(ctx, threadID, limit) })
}
