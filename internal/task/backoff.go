package task

import (
	"math/rand"
	"time"
)

// Backoff returns the redelivery delay before the next attempt:
// base * 2^(attempt-1), capped at max, with up to 20% jitter added so
// retrying workers don't stampede the same dependency in lockstep.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.BackoffMax {
			d = p.BackoffMax
			break
		}
	}
	if d > p.BackoffMax {
		d = p.BackoffMax
	}
	return d + jitter(d/5)
}

func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
