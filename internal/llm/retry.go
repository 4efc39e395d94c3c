package llm

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/entrepeneur4lyf/threadbridge/internal/clock"
)

// RetryPolicy is the bounded exponential backoff used for session appends
type RetryPolicy struct {
	MaxRetries    int           `json:"maxRetries" mapstructure:"max_retries"`
	BaseDelay     time.Duration `json:"baseDelay" mapstructure:"base_delay"`
	MaxDelay      time.Duration `json:"maxDelay" mapstructure:"max_delay"`
	BackoffFactor float64       `json:"backoffFactor" mapstructure:"backoff_factor"`
}

// DefaultRetryPolicy starts at 500ms, doubles, caps at 8s and gives up after
// 10 retries, about 55s of waiting in total
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:    10,
	BaseDelay:     500 * time.Millisecond,
	MaxDelay:      8 * time.Second,
	BackoffFactor: 2,
}

// Delay returns the wait before retry number attempt (0-based)
func (p RetryPolicy) Delay(attempt int) time.Duration {
	factor := p.BackoffFactor
	if factor <= 0 {
		factor = 2
	}
	delay := time.Duration(float64(p.BaseDelay) * math.Pow(factor, float64(attempt)))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// TotalDelay is the longest time the policy can spend waiting
func (p RetryPolicy) TotalDelay() time.Duration {
	var total time.Duration
	for i := 0; i < p.MaxRetries; i++ {
		total += p.Delay(i)
	}
	return total
}

// RetryFunc is retried by Retry
type RetryFunc[T any] func(ctx context.Context, attempt int) (T, error)

// Retry runs op until it succeeds, returns an error IsRetryable rejects, or
// the policy's retries are used up. onRetry, if set, is called before each wait.
func Retry[T any](ctx context.Context, policy RetryPolicy, op RetryFunc[T], onRetry func(attempt int, delay time.Duration, err error)) (T, error) {
	return RetryWithClock(ctx, clock.Real(), policy, op, onRetry)
}

// RetryWithClock is Retry with the backoff waits taken on clk
func RetryWithClock[T any](ctx context.Context, clk clock.Clock, policy RetryPolicy, op RetryFunc[T], onRetry func(attempt int, delay time.Duration, err error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		result, err := op(ctx, attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsRetryable(err) || attempt == policy.MaxRetries {
			return zero, err
		}

		delay := policy.Delay(attempt)
		var pe *ProviderError
		if errors.As(err, &pe) && pe.RetryAfter > delay {
			delay = pe.RetryAfter
			if policy.MaxDelay > 0 && delay > policy.MaxDelay {
				delay = policy.MaxDelay
			}
		}
		if onRetry != nil {
			onRetry(attempt+1, delay, err)
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-clk.After(delay):
		}
	}

	return zero, lastErr
}

// parseRetryAfter parses the Retry-After header
func parseRetryAfter(retryAfter string) time.Duration {
	// Try parsing as seconds
	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		return time.Duration(seconds) * time.Second
	}

	// Try parsing as HTTP date
	if t, err := http.ParseTime(retryAfter); err == nil {
		if delay := time.Until(t); delay > 0 {
			return delay
		}
	}

	return 0
}
