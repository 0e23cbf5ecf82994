package calls

import (
	"math/rand/v2"
	"time"
)

// Backoff computes the wait before a retry: the scale doubled per retry,
// capped, plus a uniformly random jitter.
type Backoff struct {
	Scale     time.Duration
	Cap       time.Duration
	JitterMin time.Duration
	JitterMax time.Duration

	// Rand returns a value in [0, n). Defaults to math/rand.
	Rand func(n int64) int64
}

// DefaultBackoff returns 100ms doubling up to 10s with 10-200ms jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		Scale:     100 * time.Millisecond,
		Cap:       10 * time.Second,
		JitterMin: 10 * time.Millisecond,
		JitterMax: 200 * time.Millisecond,
	}
}

// Wait returns the delay before retry number retryCount (1 based).
func (b Backoff) Wait(retryCount int) time.Duration {
	base := b.Cap
	if retryCount < 62 {
		if d := b.Scale << retryCount; d > 0 && d < b.Cap {
			base = d
		}
	}
	return base + b.jitter()
}

func (b Backoff) jitter() time.Duration {
	span := int64(b.JitterMax - b.JitterMin)
	if span <= 0 {
		return b.JitterMin
	}
	randN := b.Rand
	if randN == nil {
		randN = rand.Int64N
	}
	return b.JitterMin + time.Duration(randN(span))
}
