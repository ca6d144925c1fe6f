package core

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

// RateLimiter is a keyed token bucket, one bucket per remote host.
type RateLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	buckets   map[string]*limiterEntry
	lastSweep time.Time
}

// NewRateLimiter allows perSecond events per key with the given burst.
// perSecond <= 0 disables limiting.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limit:   limit,
		burst:   burst,
		buckets: make(map[string]*limiterEntry),
	}
}

func (r *RateLimiter) Allow(key string) bool {
	if r == nil || r.limit == rate.Inf {
		return true
	}
	if key == "" {
		key = "anonymous"
	}
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if now.Sub(r.lastSweep) > limiterIdleTTL {
		for k, e := range r.buckets {
			if now.Sub(e.seen) > limiterIdleTTL {
				delete(r.buckets, k)
			}
		}
		r.lastSweep = now
	}
	e, ok := r.buckets[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(r.limit, r.burst)}
		r.buckets[key] = e
	}
	e.seen = now
	return e.lim.AllowN(now, 1)
}
