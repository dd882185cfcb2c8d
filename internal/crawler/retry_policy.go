package crawler

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"
)

// RetryPolicy bounds task attempts and spaces them with jittered backoff.
type RetryPolicy struct {
	MaxAttempts      int
	ParseMaxAttempts int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
}

// NewRetryPolicy builds a policy with sane defaults.
func NewRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:      3,
		ParseMaxAttempts: 2,
		BaseDelay:        250 * time.Millisecond,
		MaxDelay:         5 * time.Second,
	}
}

// ShouldRetry decides whether the error is retryable after attempt (1-based)
// attempts have been made.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.MaxAttempts {
		return false
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var (
		fetchErr    *FetchError
		parseErr    *ParseError
		storeErr    *StoreError
		conflictErr *SlotConflictError
		anomalyErr  *PlanAnomalyError
	)
	switch {
	case errors.As(err, &conflictErr), errors.As(err, &anomalyErr):
		return false
	case errors.As(err, &parseErr):
		return attempt < p.ParseMaxAttempts
	case errors.As(err, &fetchErr):
		return fetchErr.Retryable()
	case errors.As(err, &storeErr):
		return storeErr.Transient
	default:
		return true
	}
}

// Backoff returns the wait before attempt+1: base*2^(attempt-1) capped at
// MaxDelay, jittered into [d/2, d).
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

// Wait sleeps for Backoff(attempt) or until ctx ends.
func (p *RetryPolicy) Wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.Backoff(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
