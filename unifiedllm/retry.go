package unifiedllm

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy is exponential backoff over retryable provider failures.
type RetryPolicy struct {
	MaxRetries int // attempts after the first
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool // scale each delay by a random factor in [0.5, 1.5)
	OnRetry    func(attempt int, delay time.Duration, err error)
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		BaseDelay:  time.Second,
		MaxDelay:   time.Minute,
		Multiplier: 2,
		Jitter:     true,
	}
}

// Backoff returns the delay before retry number attempt (starting at 0).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if p.MaxDelay > 0 {
		d = math.Min(d, float64(p.MaxDelay))
	}
	if p.Jitter {
		d *= 0.5 + rand.Float64()
	}
	return time.Duration(d)
}

// wait returns how long to wait before retrying after err. A provider
// Retry-After takes precedence; one longer than MaxDelay gives up.
func (p RetryPolicy) wait(attempt int, err error) (time.Duration, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) && pe.RetryAfter > 0 {
		if p.MaxDelay > 0 && pe.RetryAfter > p.MaxDelay {
			return 0, false
		}
		return pe.RetryAfter, true
	}
	return p.Backoff(attempt), true
}

// RetryMiddleware re-sends a request while it fails with a retryable error
// and attempts remain. Cancellation during a wait returns the context error.
func RetryMiddleware(policy RetryPolicy) Middleware {
	return func(ctx context.Context, req Request, next Handler) (*Response, error) {
		resp, err := next(ctx, req)
		for attempt := 0; err != nil && attempt < policy.MaxRetries; attempt++ {
			if !IsRetryable(err) {
				break
			}
			delay, ok := policy.wait(attempt, err)
			if !ok {
				break
			}
			if policy.OnRetry != nil {
				policy.OnRetry(attempt+1, delay, err)
			}
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
			resp, err = next(ctx, req)
		}
		return resp, err
	}
}
