package queue

import (
	"math/rand"
	"time"
)

const (
	backoffBase = 60 * time.Second
	backoffCap  = time.Hour
)

// RetryBackoff computes the delay before the next attempt after the n-th
// failed attempt (attemptsMade = n ≥ 1): min(1h, 60s·2^(n−1)) with a
// mandatory ±20% jitter so a restarted fleet does not retry in lockstep.
func RetryBackoff(attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	base := backoffBase
	for i := 1; i < attemptsMade; i++ {
		base *= 2
		if base >= backoffCap {
			base = backoffCap
			break
		}
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(float64(base) * jitter)
}
