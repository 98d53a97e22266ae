package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/lysyi3m/auto-comb/app/source"
)

// ErrAttemptTimeout is returned when a single attempt exceeded its own
// timeout while the caller's context was still alive. It is retryable.
var ErrAttemptTimeout = errors.New("attempt timed out")

type RetryPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
	// Jitter returns extra delay for a computed backoff. Nil disables jitter.
	Jitter func(delay time.Duration) time.Duration
	// IsTransient classifies errors; nil means source.IsTransient.
	IsTransient func(error) bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      200 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		AttemptTimeout: 15 * time.Second,
		Jitter:         HalfJitter,
		IsTransient:    source.IsTransient,
	}
}

// HalfJitter adds a random delay in [0, delay/2].
func HalfJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(delay/2) + 1))
}

// Backoff returns the wait before retry n (0-based), without jitter.
func (p RetryPolicy) Backoff(n int) time.Duration {
	delay := p.BaseDelay
	for i := 0; i < n && (p.MaxDelay <= 0 || delay < p.MaxDelay); i++ {
		delay *= 2
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

func (p RetryPolicy) delay(n int) time.Duration {
	delay := p.Backoff(n)
	if p.Jitter != nil {
		delay += p.Jitter(delay)
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

func (p RetryPolicy) transient(err error) bool {
	if errors.Is(err, ErrAttemptTimeout) {
		return true
	}
	if p.IsTransient != nil {
		return p.IsTransient(err)
	}
	return source.IsTransient(err)
}

// Retry runs op until it succeeds, returns a non-transient error, the
// attempts are exhausted, or ctx is done. Caller cancellation is returned
// as the context error and never retried.
func Retry(ctx context.Context, p RetryPolicy, op func(ctx context.Context) error) error {
	attempts := max(p.MaxAttempts, 1)

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = runAttempt(ctx, p.AttemptTimeout, op)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !p.transient(lastErr) {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}

		wait := p.delay(attempt)
		slog.Debug("Retrying after transient error", "attempt", attempt+1, "delay", wait.String(), "error", lastErr)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("giving up after %d attempts: %w", attempts, lastErr)
}

func runAttempt(ctx context.Context, timeout time.Duration, op func(ctx context.Context) error) error {
	if timeout <= 0 {
		return op(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := op(attemptCtx)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %w", ErrAttemptTimeout, timeout, err)
	}
	return err
}
