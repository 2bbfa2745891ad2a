package strategy

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryable(t *testing.T) {
	base := errors.New("connection refused")

	err := Retryable("remote-agent", base)
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "remote-agent: connection refused", err.Error())

	assert.False(t, IsRetryable(base))
	assert.Nil(t, Retryable("x", nil))
}

func TestAttemptWithDeadline_FastSuccess(t *testing.T) {
	v, err := attemptWithDeadline(context.Background(), time.Second,
		func(context.Context) (string, error) { return "copy-1", nil },
		func(string) { t.Error("compensate must not run for an in-time result") },
	)
	require.NoError(t, err)
	assert.Equal(t, "copy-1", v)
}

func TestAttemptWithDeadline_CompensatesLateSuccess(t *testing.T) {
	compensated := make(chan string, 1)

	_, err := attemptWithDeadline(context.Background(), 20*time.Millisecond,
		func(context.Context) (string, error) {
			time.Sleep(80 * time.Millisecond)
			return "late-copy", nil
		},
		func(id string) { compensated <- id },
	)
	require.ErrorIs(t, err, ErrDeadline)

	select {
	case id := <-compensated:
		assert.Equal(t, "late-copy", id)
	case <-time.After(2 * time.Second):
		t.Fatal("expected the late result to be compensated")
	}
}

func TestAttemptWithDeadline_LateFailureNotCompensated(t *testing.T) {
	var calls atomic.Int32
	finished := make(chan struct{})

	_, err := attemptWithDeadline(context.Background(), 10*time.Millisecond,
		func(context.Context) (int, error) {
			defer close(finished)
			time.Sleep(40 * time.Millisecond)
			return 0, errors.New("refused")
		},
		func(int) { calls.Add(1) },
	)
	require.ErrorIs(t, err, ErrDeadline)

	<-finished
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestAttemptWithDeadline_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	cause := errors.New("shutting down")

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel(cause)
	}()

	_, err := attemptWithDeadline(ctx, time.Minute,
		func(ctx context.Context) (int, error) {
			time.Sleep(50 * time.Millisecond)
			return 1, ctx.Err()
		},
		nil,
	)
	assert.ErrorIs(t, err, cause)
}
