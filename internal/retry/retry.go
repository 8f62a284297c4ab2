// Package retry holds the backoff strategies shared by live-query reconnects,
// blob uploads and screenshot capture.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Retryer decides how long to wait before the next attempt.
type Retryer interface {
	// NextDelay returns the delay before retry number attempt (0-based) and
	// false once no further attempt should be made.
	NextDelay(attempt int, lastErr error) (time.Duration, bool)
	// Reset is called after a successful attempt.
	Reset()
}

// Fixed waits the same delay between attempts.
type Fixed struct {
	Delay time.Duration
	// MaxRetries caps the number of retries; 0 retries forever.
	MaxRetries int
}

func NewFixed(delay time.Duration, maxRetries int) *Fixed {
	return &Fixed{Delay: delay, MaxRetries: maxRetries}
}

func (r *Fixed) NextDelay(attempt int, lastErr error) (time.Duration, bool) {
	if r.MaxRetries > 0 && attempt >= r.MaxRetries {
		return 0, false
	}
	return r.Delay, true
}

func (r *Fixed) Reset() {}

// DefaultLinearStep is the backoff unit for external calls that get a fixed
// budget of attempts (uploads, screenshot capture).
const DefaultLinearStep = 500 * time.Millisecond

// Linear waits Step, 2*Step, 3*Step... between attempts.
type Linear struct {
	Step       time.Duration
	MaxRetries int
}

func NewLinear(step time.Duration, maxRetries int) *Linear {
	return &Linear{Step: step, MaxRetries: maxRetries}
}

func (r *Linear) NextDelay(attempt int, lastErr error) (time.Duration, bool) {
	if r.MaxRetries > 0 && attempt >= r.MaxRetries {
		return 0, false
	}
	return time.Duration(attempt+1) * r.Step, true
}

func (r *Linear) Reset() {}

// Exponential multiplies the delay after every attempt, up to MaxDelay, with
// optional jitter of ±JitterFactor.
type Exponential struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxRetries   int
	JitterFactor float64
}

func NewExponential() *Exponential {
	return &Exponential{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		JitterFactor: 0.3,
	}
}

func (r *Exponential) NextDelay(attempt int, lastErr error) (time.Duration, bool) {
	if r.MaxRetries > 0 && attempt >= r.MaxRetries {
		return 0, false
	}
	delay := float64(r.InitialDelay) * math.Pow(r.Multiplier, float64(attempt))
	if r.MaxDelay > 0 && delay > float64(r.MaxDelay) {
		delay = float64(r.MaxDelay)
	}
	if r.JitterFactor > 0 {
		//nolint:gosec // jitter only
		delay += delay * r.JitterFactor * (2*rand.Float64() - 1)
		if delay < 0 {
			delay = float64(r.InitialDelay)
		}
	}
	return time.Duration(delay), true
}

func (r *Exponential) Reset() {}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; Do returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Do runs fn until it succeeds, returns a Permanent error, the retryer gives
// up or ctx ends. The last error from fn is returned.
func Do(ctx context.Context, r Retryer, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			r.Reset()
			return nil
		}
		var permanent permanentError
		if errors.As(err, &permanent) {
			return permanent.err
		}
		delay, ok := r.NextDelay(attempt, err)
		if !ok {
			return err
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
}
