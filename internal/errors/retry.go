package errors

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"weaver/internal/logging"
)

// Policy configures retry behavior for a task or store operation.
// MaxAttempts counts every try including the first, so 1 means no
// retries at all.
type Policy struct {
	MaxAttempts  int           // Total attempts allowed (default: 1)
	InitialDelay time.Duration // Delay before the first retry (default: 1s)
	MaxDelay     time.Duration // Cap on the backoff delay (default: 30s)
	Multiplier   float64       // Backoff growth factor (default: 2.0)
	JitterFactor float64       // Extra random delay as a fraction of the backoff (default: 0.25)
	RetryOn      []Kind        // Kinds eligible for retry; empty means the default retryable kinds
}

// DefaultPolicy returns the policy applied when a task declares none:
// a single attempt. Retries are always opt-in.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  1,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.25,
	}
}

// Normalized fills zero fields with defaults and clamps invalid values
// so a partially specified policy always behaves sanely.
func (p Policy) Normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 1 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	if p.JitterFactor < 0 {
		p.JitterFactor = 0
	}
	return p
}

// ShouldRetry reports whether a failure of the given kind is eligible
// under this policy. An empty RetryOn list means the kind's default
// retryability decides.
func (p Policy) ShouldRetry(kind Kind) bool {
	if len(p.RetryOn) == 0 {
		return kind.RetryableByDefault()
	}
	for _, k := range p.RetryOn {
		if k == kind {
			return true
		}
	}
	return false
}

// Backoff returns the delay to wait before the given attempt. Attempt 1
// is the first retry. Jitter only ever extends the delay, so the nominal
// backoff is a floor.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	// Exponential backoff: initialDelay * multiplier^(attempt-1)
	// attempt 1 -> initialDelay
	// attempt 2 -> initialDelay * multiplier
	// attempt 3 -> initialDelay * multiplier^2
	delay := time.Duration(float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1)))
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}

	if p.JitterFactor > 0 {
		jitter := time.Duration(rand.Float64() * p.JitterFactor * float64(delay))
		if delay+jitter <= p.MaxDelay {
			delay += jitter
		}
	}

	return delay
}

// RetryableFunc is a function that can be retried
type RetryableFunc func(ctx context.Context) error

// Do executes fn under the policy, classifying each failure to decide
// eligibility and sleeping the backoff between attempts. It returns the
// zero-based index of the last attempt alongside the final error, so
// callers can record how many tries the operation took.
func Do(ctx context.Context, policy Policy, fn RetryableFunc, logger logging.Logger) (int, error) {
	_, attempt, err := DoWithResult(ctx, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, logger)
	return attempt, err
}

// DoWithResult executes a function that returns a result under the policy.
func DoWithResult[T any](ctx context.Context, policy Policy, fn func(ctx context.Context) (T, error), logger logging.Logger) (T, int, error) {
	logger = logging.OrNop(logger)
	p := policy.Normalized()

	var lastErr error
	var zero T

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		// Check context cancellation before spending an attempt.
		select {
		case <-ctx.Done():
			return zero, attempt, Wrap(KindCancelled, ctx.Err())
		default:
		}

		logger.Debug("executing attempt %d/%d", attempt+1, p.MaxAttempts)

		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("succeeded after %d attempts", attempt+1)
			}
			return result, attempt, nil
		}

		lastErr = err
		kind := KindOf(err)
		logger.Debug("attempt %d failed (%s): %v", attempt+1, kind, err)

		if !p.ShouldRetry(kind) {
			return zero, attempt, err
		}

		// Don't sleep after the last attempt.
		if attempt == p.MaxAttempts-1 {
			logger.Warn("max attempts (%d) exhausted", p.MaxAttempts)
			break
		}

		delay := p.Backoff(attempt + 1)
		logger.Debug("waiting %v before next attempt", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, attempt, Wrap(KindCancelled, ctx.Err())
		}
	}

	return zero, p.MaxAttempts - 1, fmt.Errorf("max attempts (%d) exhausted: %w", p.MaxAttempts, lastErr)
}
