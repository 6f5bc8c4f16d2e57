package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentbridge/internal/testutil"
)

func fastRetry(c *RetryConfig) {
	c.BaseDelay = time.Millisecond
	c.MaxDelay = 2 * time.Millisecond
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"throttled", &HTTPError{StatusCode: http.StatusTooManyRequests}, true},
		{"server error", fmt.Errorf("wrapped: %w", &HTTPError{StatusCode: http.StatusBadGateway}), true},
		{"conflict", &HTTPError{StatusCode: http.StatusConflict}, true},
		{"request timeout", &HTTPError{StatusCode: http.StatusRequestTimeout}, true},
		{"bad request", &HTTPError{StatusCode: http.StatusBadRequest}, false},
		{"not found", &HTTPError{StatusCode: http.StatusNotFound}, false},
		{"unexpected eof", fmt.Errorf("read: %w", io.ErrUnexpectedEOF), true},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestWithRetry_RecoversFromTransientErrors(t *testing.T) {
	fake := testutil.NewFakeBackend()
	fake.FailNext(testutil.OpCreateThread, &HTTPError{StatusCode: 503}, &HTTPError{StatusCode: 429})
	b := WithRetry(fake, fastRetry)

	id, err := b.CreateThread(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 3, fake.Calls(testutil.OpCreateThread))
}

func TestWithRetry_GivesUp(t *testing.T) {
	fake := testutil.NewFakeBackend()
	for range 5 {
		fake.FailNext(testutil.OpListMessages, &HTTPError{StatusCode: 500})
	}
	b := WithRetry(fake, fastRetry, func(c *RetryConfig) { c.MaxAttempts = 3 })

	_, err := b.ListMessages(context.Background(), "thread_x", 10)
	require.Error(t, err)
	assert.Equal(t, 500, StatusCode(err))
	assert.Equal(t, 3, fake.Calls(testutil.OpListMessages))
}

func TestWithRetry_PermanentErrorIsNotRetried(t *testing.T) {
	fake := testutil.NewFakeBackend()
	fake.FailNext(testutil.OpGetRun, &HTTPError{StatusCode: 400})
	b := WithRetry(fake, fastRetry)

	_, err := b.GetRun(context.Background(), "t", "r")
	require.Error(t, err)
	assert.Equal(t, 1, fake.Calls(testutil.OpGetRun))
}

func TestWithRetry_MutatingConflictIsNotRetried(t *testing.T) {
	fake := testutil.NewFakeBackend()
	fake.FailNext(testutil.OpCreateRun, &HTTPError{StatusCode: 409})
	b := WithRetry(fake, fastRetry)

	_, err := b.CreateRun(context.Background(), "t", "a")
	require.Error(t, err)
	assert.Equal(t, 1, fake.Calls(testutil.OpCreateRun))

	fake.FailNext(testutil.OpGetRun, &HTTPError{StatusCode: 409})
	_, err = b.GetRun(context.Background(), "t", "r")
	require.Error(t, err)
	assert.Equal(t, 2, fake.Calls(testutil.OpGetRun))
}

func TestWithRetry_HonoursContext(t *testing.T) {
	fake := testutil.NewFakeBackend()
	fake.FailNext(testutil.OpCreateThread, &HTTPError{StatusCode: 503}, &HTTPError{StatusCode: 503})
	b := WithRetry(fake, func(c *RetryConfig) {
		c.BaseDelay = time.Hour
		c.MaxDelay = time.Hour
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.CreateThread(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, fake.Calls(testutil.OpCreateThread))
}
