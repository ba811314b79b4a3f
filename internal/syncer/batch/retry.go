package batch

import (
	"context"
	"errors"
	"math"
	"time"
)

// RetryPolicy is an exponential backoff schedule.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	Factor       float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy retries three times starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: time.Second,
		Factor:       2,
		MaxDelay:     30 * time.Second,
	}
}

type retryAfterer interface {
	RetryAfter() time.Duration
}

// Delay returns the wait before retry number attempt (zero based).
// A server supplied Retry-After hint wins when it is longer, still capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int, err error) time.Duration {
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	d := time.Duration(float64(p.InitialDelay) * math.Pow(factor, float64(attempt)))
	if d < 0 || (p.MaxDelay > 0 && d > p.MaxDelay) {
		d = p.MaxDelay
	}

	var ra retryAfterer
	if errors.As(err, &ra) {
		if hint := ra.RetryAfter(); hint > d {
			d = hint
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Retry runs fn until it succeeds, returns an error shouldRetry rejects,
// or the policy runs out of attempts. It returns the number of retries made.
func Retry(ctx context.Context, p RetryPolicy, shouldRetry func(error) bool, fn func(ctx context.Context) error) (int, error) {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return attempt, nil
		}
		if attempt >= p.MaxRetries || shouldRetry == nil || !shouldRetry(err) {
			return attempt, err
		}
		if serr := sleep(ctx, p.Delay(attempt, err)); serr != nil {
			return attempt, errors.Join(err, serr)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
