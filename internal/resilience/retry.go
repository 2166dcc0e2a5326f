package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Policy is a retry policy keyed on error Kind. Transient errors get the full
// attempt budget with exponential backoff; conflicts get ConflictRetries
// immediate retries; everything else returns at once.
type Policy struct {
	MaxAttempts     int
	ConflictRetries int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	Jitter          float64

	// OnRetry fires before each backoff sleep.
	OnRetry func(attempt int, kind Kind, err error)
}

// DefaultPolicy is used for provider calls and storage writes.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		ConflictRetries: 1,
		BaseDelay:       500 * time.Millisecond,
		MaxDelay:        30 * time.Second,
		Multiplier:      2.0,
		Jitter:          0.25,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.ConflictRetries < 0 {
		p.ConflictRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Multiplier <= 0 {
		p.Multiplier = d.Multiplier
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// Do runs fn under the policy.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal runs fn under the policy and returns the value of the first
// successful call. Cancellation of ctx ends the loop with the last error.
func DoVal[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalized()
	var zero T
	conflicts := 0
	for attempt := 1; ; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}

		kind := Classify(err)
		var delay time.Duration
		switch kind {
		case KindTransient:
			if attempt >= p.MaxAttempts {
				return zero, err
			}
			delay = p.backoff(attempt - 1)
		case KindConflict:
			if conflicts >= p.ConflictRetries {
				return zero, err
			}
			conflicts++
		default:
			return zero, err
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, kind, err)
		}
		if delay == 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, err
		case <-timer.C:
		}
	}
}

func (p Policy) backoff(n int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(n))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		spread := d * p.Jitter
		d += (rand.Float64()*2 - 1) * spread
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// LogRetries returns an OnRetry callback that logs through zap.
func LogRetries(component, op string) func(int, Kind, error) {
	return func(attempt int, kind Kind, err error) {
		zap.L().Warn("retrying",
			zap.String("component", component),
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Stringer("kind", kind),
			zap.Error(err),
		)
	}
}
