package retry

import (
	"context"
	"math"
	"time"
)

// BackoffStrategy defines the interface for different backoff strategies
type BackoffStrategy interface {
	// NextDelay returns the delay to wait after the given failed attempt
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff implements exponential backoff with jitter
type ExponentialBackoff struct {
	// BaseDelay is the delay after the first failed attempt
	BaseDelay time.Duration
	// MaxDelay caps the exponential part of the delay
	MaxDelay time.Duration
	// Multiplier is the factor by which delay increases
	Multiplier float64
	// JitterFactor perturbs the delay by up to ± this fraction (0.0 to 1.0)
	JitterFactor float64
	// JitterSpread adds up to this much on top of the capped delay
	JitterSpread time.Duration
}

// DefaultExponentialBackoff returns the image download backoff:
// 0.3s doubling per attempt, capped at 5s, plus up to 0.1s of jitter.
func DefaultExponentialBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		BaseDelay:    300 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		JitterSpread: 100 * time.Millisecond,
	}
}

// Policy returns the adjustment policy backing this backoff
func (eb *ExponentialBackoff) Policy() Policy {
	return Policy{
		Min:          0,
		Max:          float64(eb.MaxDelay),
		JitterFactor: eb.JitterFactor,
		JitterSpread: float64(eb.JitterSpread),
	}
}

// NextDelay calculates the next delay with exponential backoff and jitter
func (eb *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	factor := math.Pow(eb.Multiplier, float64(attempt-1))
	return time.Duration(eb.Policy().Step(float64(eb.BaseDelay), factor))
}

// ConstantBackoff implements constant delay backoff
type ConstantBackoff struct {
	Delay time.Duration
}

// NextDelay returns a constant delay
func (cb *ConstantBackoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return cb.Delay
}

// Wait waits for the specified duration or until context is cancelled
func Wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
