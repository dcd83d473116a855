package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// MemoryLimiter is the single-process fallback used when no redis is
// configured. Idle buckets are dropped once they would be full again.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*memBucket
	now     func() time.Time
	sweeps  int
}

type memBucket struct {
	tokens float64
	ts     time.Time
	ttl    time.Duration
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{buckets: make(map[string]*memBucket), now: time.Now}
}

func (l *MemoryLimiter) Allow(_ context.Context, scope string, subject string, bucket Bucket) (Decision, error) {
	if l == nil || !bucket.Enabled() {
		return Decision{Allowed: true}, nil
	}
	key := bucketKey(scope, subject)
	rate := bucket.ratePerSecond()
	capacity := float64(bucket.BurstSize)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweeps++
	if l.sweeps%1024 == 0 {
		l.evict(now)
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &memBucket{tokens: capacity, ts: now, ttl: time.Duration(computeTTLMS(rate, capacity)) * time.Millisecond}
		l.buckets[key] = b
	}
	if now.After(b.ts) {
		b.tokens = math.Min(capacity, b.tokens+now.Sub(b.ts).Seconds()*rate)
	}
	b.ts = now

	if b.tokens >= 1.0 {
		b.tokens--
		return Decision{Allowed: true}, nil
	}
	retry := time.Minute
	if rate > 0 {
		retry = time.Duration(math.Ceil((1.0-b.tokens)/rate)) * time.Second
		if retry < time.Second {
			retry = time.Second
		}
	}
	return Decision{Allowed: false, RetryAfter: retry}, nil
}

func (l *MemoryLimiter) evict(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.ts) > b.ttl {
			delete(l.buckets, k)
		}
	}
}
