// Package retrywait implements the jittered exponential backoff shared by
// every outbound provider call (embedding, scorer): delays of
// {1,2,4,8}s times a jitter factor in [0.8,1.2], capped at a configurable
// number of attempts.
package retrywait

import (
	"context"
	"math/rand/v2"
	"time"
)

// Policy configures the retry loop.
type Policy struct {
	MaxAttempts int           // total attempts, including the first; <=1 means no retry.
	BaseDelay   time.Duration // delay before the second attempt; doubles each subsequent attempt.
}

// DefaultPolicy matches the four-attempt, one-second-base backoff used by
// every provider in this service.
var DefaultPolicy = Policy{MaxAttempts: 4, BaseDelay: time.Second}

// Do runs fn, retrying while shouldRetry(err) reports true and attempts
// remain, sleeping a jittered exponential backoff between attempts. It
// returns the last error once attempts are exhausted, or immediately if
// shouldRetry reports false or ctx is cancelled.
func Do(ctx context.Context, p Policy, shouldRetry func(error) bool, fn func(ctx context.Context) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if attempt == p.MaxAttempts || !shouldRetry(err) {
			return err
		}

		delay := backoff(p.BaseDelay, attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// backoff returns BaseDelay * 2^(attempt-1), jittered by a factor in [0.8,1.2].
func backoff(base time.Duration, attempt int) time.Duration {
	mult := 1 << (attempt - 1)
	jitter := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(base) * float64(mult) * jitter)
}
