// Package ratelimit implements the per-(group,tool) token bucket used by
// the router's rate-limiting stage.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limits is a (group, tool) key's configured bucket shape.
type Limits struct {
	RequestsPerMinute float64
	BurstSize         int
}

type key struct {
	group string
	tool  string
}

// Buckets holds one token bucket per (group, tool), created lazily on
// first use with the given default limits.
type Buckets struct {
	mu      sync.Mutex
	buckets map[key]*rate.Limiter
	defaults Limits
}

// NewBuckets creates a Buckets keyed per (group, tool), with every new
// bucket initialized from defaults.
func NewBuckets(defaults Limits) *Buckets {
	return &Buckets{
		buckets:  make(map[key]*rate.Limiter),
		defaults: defaults,
	}
}

func (b *Buckets) limiterFor(group, tool string) *rate.Limiter {
	k := key{group: group, tool: tool}

	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.buckets[k]
	if !ok {
		l = rate.NewLimiter(rate.Limit(b.defaults.RequestsPerMinute/60.0), b.defaults.BurstSize)
		b.buckets[k] = l
	}
	return l
}

// Allow reports whether a request for (group, tool) may proceed right now.
// On failure, retryAfter is the duration until the next token is available.
func (b *Buckets) Allow(group, tool string) (ok bool, retryAfter time.Duration) {
	l := b.limiterFor(group, tool)
	r := l.Reserve()
	if !r.OK() {
		return false, 0
	}
	delay := r.Delay()
	if delay > 0 {
		r.Cancel()
		return false, delay
	}
	return true, 0
}
