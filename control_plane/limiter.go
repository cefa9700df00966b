package main

import (
	"sync"

	"golang.org/x/time/rate"
)

// actorLimiter rate-limits mutating admin calls per authenticated actor. A
// shared limiter would let one noisy script lock every operator out; a
// per-actor bucket only throttles the offender.
type actorLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

func newActorLimiter(perSecond float64, burst int) *actorLimiter {
	return &actorLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(perSecond),
		b:        burst,
	}
}

// Allow reports whether the actor may proceed, lazily creating its bucket.
func (l *actorLimiter) Allow(actor string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[actor]
	if !ok {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[actor] = limiter
	}
	return limiter.Allow()
}
