package compliance

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffPolicy computes retry delays: exponential growth from Base,
// randomized by +/- Jitter, never above Max.
type BackoffPolicy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// DefaultBackoffPolicy returns the policy used when nothing is configured
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{Base: 2 * time.Second, Max: 5 * time.Minute, Jitter: 0.2}
}

// Delay returns the wait before the attempt that follows failed attempt n (n >= 1)
func (p BackoffPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.Base,
		RandomizationFactor: p.Jitter,
		Multiplier:          2,
		MaxInterval:         p.Max,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	var d time.Duration
	for i := 0; i < n; i++ {
		d = b.NextBackOff()
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}
