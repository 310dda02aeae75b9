// Package retry runs operations with exponential backoff and jitter.
package retry

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// DefaultMaxRetries is the default number of retry attempts.
const DefaultMaxRetries = 3

// Policy controls the backoff: attempt n waits Base*2^n plus up to Jitter.
type Policy struct {
	MaxRetries int
	Base       time.Duration
	Jitter     time.Duration
	Logger     *slog.Logger
}

// DefaultPolicy backs off 1s, 2s, 4s with up to 1s of jitter.
var DefaultPolicy = Policy{MaxRetries: DefaultMaxRetries, Base: time.Second, Jitter: time.Second}

// WithRetry executes fn until it succeeds, the retries are used up or ctx
// ends.
func WithRetry[T any](ctx context.Context, p Policy, operation string, fn func() (T, error)) (T, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var result T
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		result, lastErr = fn()
		if lastErr == nil {
			return result, nil
		}
		if attempt == p.MaxRetries {
			break
		}

		delay := p.Base << attempt
		if p.Jitter > 0 {
			delay += time.Duration(rand.Int63n(int64(p.Jitter)))
		}
		logger.Warn("call failed, retrying",
			"operation", operation,
			"attempt", attempt+1,
			"max_retries", p.MaxRetries,
			"delay", delay,
			"error", lastErr)

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(delay):
		}
	}
	return result, lastErr
}
