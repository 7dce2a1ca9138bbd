package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrMaxRetriesExceeded marks a failure that exhausted its attempts.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// Policy is a bounded fixed-delay retry policy.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	// Retryable decides whether an error is worth another attempt. Nil retries everything.
	Retryable func(error) bool
}

// Validate checks the policy is bounded
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.Delay < 0 {
		return fmt.Errorf("delay must not be negative")
	}
	return nil
}

// Retrier handles retry logic
type Retrier struct {
	policy Policy
	logger *zap.Logger
}

// NewRetrier creates a new retrier
func NewRetrier(policy Policy, logger *zap.Logger) *Retrier {
	if err := policy.Validate(); err != nil {
		panic(fmt.Sprintf("invalid retry policy: %v", err))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrier{policy: policy, logger: logger}
}

// Do runs operation until it succeeds, returns a non-retryable error, runs out
// of attempts or ctx ends. It returns the number of attempts made and the last
// error unchanged so callers can inspect it.
func (r *Retrier) Do(ctx context.Context, operation func(attempt int) error) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return attempt - 1, lastErr
			}
			return attempt - 1, err
		}

		lastErr = operation(attempt)
		if lastErr == nil {
			if attempt > 1 {
				r.logger.Debug("Operation succeeded after retries", zap.Int("attempt", attempt))
			}
			return attempt, nil
		}

		if r.policy.Retryable != nil && !r.policy.Retryable(lastErr) {
			return attempt, lastErr
		}

		if attempt == r.policy.MaxAttempts {
			r.logger.Warn("Max retries exceeded",
				zap.Error(lastErr),
				zap.Int("attempts", attempt))
			return attempt, lastErr
		}

		r.logger.Debug("Retrying operation",
			zap.Error(lastErr),
			zap.Int("attempt", attempt),
			zap.Duration("delay", r.policy.Delay))

		timer := time.NewTimer(r.policy.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, lastErr
		case <-timer.C:
		}
	}
	return r.policy.MaxAttempts, lastErr
}

// Do is a package-level helper for one-off retries that wraps exhaustion in
// ErrMaxRetriesExceeded.
func Do(ctx context.Context, policy Policy, logger *zap.Logger, operation func() error) error {
	attempts, err := NewRetrier(policy, logger).Do(ctx, func(int) error { return operation() })
	if err != nil && attempts >= policy.MaxAttempts && (policy.Retryable == nil || policy.Retryable(err)) {
		return fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, err)
	}
	return err
}
