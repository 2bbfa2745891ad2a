// Package strategy picks how an import moves its bytes. Strategies are
// tried in priority order; a retryable failure falls through to the next
// one, any other failure ends the job.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deepansarkar03/streamverse/engine"
	"github.com/deepansarkar03/streamverse/source"
)

var (
	// ErrExhausted is returned when every applicable strategy failed.
	ErrExhausted = errors.New("all transfer strategies failed")

	// ErrNoStrategy is returned when no strategy applies to a job.
	ErrNoStrategy = errors.New("no transfer strategy applies")

	// ErrDeadline is returned when an operation outlives its deadline.
	ErrDeadline = errors.New("deadline exceeded")

	// ErrCancelled is the cause recorded on jobs cancelled by a caller.
	ErrCancelled = errors.New("import cancelled")

	// ErrNotConfigured is returned before any bytes move when no transfer
	// strategy is configured.
	ErrNotConfigured = errors.New("no transfer destination configured")
)

// Outcome describes a successful attempt.
type Outcome struct {
	Bytes    int64
	Checksum string
}

// Strategy is one way of moving a job's bytes into the block store.
type Strategy interface {
	Name() string
	// Applicable reports whether the strategy's preconditions hold for job.
	Applicable(job engine.TransferJob) bool
	// Attempt runs the transfer, reporting progress through p. A
	// *RetryableError lets the orchestrator try the next strategy.
	Attempt(ctx context.Context, job engine.TransferJob, p *engine.Progress) (Outcome, error)
}

// RetryableError marks a failure that happened before the strategy moved
// any bytes the job depends on.
type RetryableError struct {
	Strategy string
	Err      error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s: %v", e.Strategy, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err so the orchestrator falls through to the next
// strategy. A nil err stays nil.
func Retryable(strategy string, err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Strategy: strategy, Err: err}
}

// IsRetryable reports whether err allows falling through.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// lateOpLimit bounds how long, in deadlines, a timed-out op may keep running.
const lateOpLimit = 4

// attemptWithDeadline runs op and waits at most d for it. op keeps running
// after the deadline; if it then succeeds, compensate receives its value so
// a late remote operation can be undone.
func attemptWithDeadline[T any](ctx context.Context, d time.Duration, op func(context.Context) (T, error), compensate func(T)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		// op outlives ctx so a late success can still be compensated, but
		// not forever.
		opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lateOpLimit*d)
		defer cancel()
		v, err := op(opCtx)
		done <- result{v, err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	var zero T
	var err error
	select {
	case r := <-done:
		return r.v, r.err
	case <-timer.C:
		err = fmt.Errorf("%w after %s", ErrDeadline, d)
	case <-ctx.Done():
		err = context.Cause(ctx)
	}

	go func() {
		r := <-done
		if r.err == nil && compensate != nil {
			compensate(r.v)
		}
	}()
	return zero, err
}

func httpSource(job engine.TransferJob) (*source.HTTPSource, bool) {
	src, ok := job.Source.(*source.HTTPSource)
	return src, ok
}
