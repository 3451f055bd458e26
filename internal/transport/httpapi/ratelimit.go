package httpapi

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleLimiter is how long an unused per-user limiter is kept.
const idleLimiter = 10 * time.Minute

// Limiter is a token bucket per user.
type Limiter struct {
	rps   rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
	swept   time.Time
}

type bucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// NewLimiter allows rps submissions per second with the given burst for
// every user. A non-positive rps disables limiting.
func NewLimiter(rps float64, burst int) *Limiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{rps: limit, burst: burst, now: time.Now, buckets: make(map[string]*bucket)}
}

// Allow consumes one token of userID's bucket.
func (l *Limiter) Allow(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.swept) > idleLimiter {
		for id, b := range l.buckets {
			if now.Sub(b.seen) > idleLimiter {
				delete(l.buckets, id)
			}
		}
		l.swept = now
	}

	b, ok := l.buckets[userID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[userID] = b
	}
	b.seen = now
	return b.limiter.AllowN(now, 1)
}

// SetLimit changes the rate of every existing and future bucket.
func (l *Limiter) SetLimit(rps float64, burst int) {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.rps, l.burst = limit, burst
	now := l.now()
	for _, b := range l.buckets {
		b.limiter.SetLimitAt(now, limit)
		b.limiter.SetBurstAt(now, burst)
	}
}
