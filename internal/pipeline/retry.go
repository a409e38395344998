package pipeline

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/paritoshk/LLM-document-judge/constants"
	"github.com/paritoshk/LLM-document-judge/internal/common"
)

// RetryPolicy retries transient upstream failures with jittered exponential
// backoff and a hard attempt ceiling. Fatal and malformed-output errors
// escalate immediately.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: constants.DefaultRetryAttempts,
		BaseDelay:   constants.DefaultRetryBaseDelay,
		MaxDelay:    30 * time.Second,
	}
}

// Do runs fn until it succeeds, fails non-retriably, the attempt ceiling is
// reached, or ctx is cancelled. The last error is returned as-is so callers
// keep its classification.
func (p RetryPolicy) Do(ctx context.Context, logger *slog.Logger, op string, fn func(context.Context) error) error {
	if logger == nil {
		logger = slog.Default()
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !common.IsRetriable(lastErr) || ctx.Err() != nil {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		delay := p.backoff(attempt)
		logger.Warn("retry.backoff",
			"op", op,
			"attempt", attempt,
			"max_attempts", attempts,
			"delay", delay.String(),
			"error", lastErr,
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	logger.Error("retry.exhausted", "op", op, "attempts", attempts, "error", lastErr)
	return lastErr
}

// backoff returns BaseDelay * 2^(attempt-1), capped at MaxDelay, with up to
// 50% random jitter added to spread concurrent retries.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = constants.DefaultRetryBaseDelay
	}
	// Double step by step so a large attempt count saturates at MaxDelay
	// instead of overflowing the shift.
	d := base
	for i := 1; i < attempt; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		next := d << 1
		if next <= d {
			break
		}
		d = next
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	jitter := time.Duration(rand.Int64N(int64(d)/2 + 1))
	if d+jitter < d {
		return d
	}
	return d + jitter
}
