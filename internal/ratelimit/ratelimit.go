package ratelimit

import (
	"sync"
	"time"
)

// bucket tracks the token state for a single key.
type bucket struct {
	tokens     float64
	lastRefill time.Time
	rate       int
}

// Decision is the outcome of one Take.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter is a token-bucket rate limiter keyed by worker name.
type Limiter struct {
	mu          sync.Mutex
	buckets     map[string]*bucket
	defaultRate int
	window      time.Duration
	now         func() time.Time // injectable clock for testing
}

// New creates a Limiter that allows defaultRate requests per window. A
// defaultRate of zero disables limiting for keys without a custom rate.
func New(defaultRate int, window time.Duration) *Limiter {
	return &Limiter{
		buckets:     make(map[string]*bucket),
		defaultRate: defaultRate,
		window:      window,
		now:         time.Now,
	}
}

func (l *Limiter) effectiveRate(customRate int) int {
	if customRate > 0 {
		return customRate
	}
	return l.defaultRate
}

// bucketFor returns the refilled bucket for key. Must be called with l.mu held.
func (l *Limiter) bucketFor(key string, rate int) *bucket {
	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(rate), lastRefill: now, rate: rate}
		l.buckets[key] = b
		return b
	}
	b.rate = rate

	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens += elapsed * float64(rate) / l.window.Seconds()
		if b.tokens > float64(rate) {
			b.tokens = float64(rate)
		}
		b.lastRefill = now
	}
	return b
}

// Take consumes one token for key when available and reports the bucket
// state after the attempt.
func (l *Limiter) Take(key string, customRate int) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	rate := l.effectiveRate(customRate)
	if rate <= 0 {
		return Decision{Allowed: true, ResetAt: l.now()}
	}

	b := l.bucketFor(key, rate)
	d := Decision{Limit: rate}
	if b.tokens >= 1 {
		b.tokens--
		d.Allowed = true
	}
	d.Remaining, d.ResetAt = l.state(b)
	return d
}

// Allow reports whether a request for key is permitted, consuming a token
// when it is.
func (l *Limiter) Allow(key string, customRate int) bool {
	return l.Take(key, customRate).Allowed
}

// Status returns the current state for key without consuming a token.
func (l *Limiter) Status(key string, customRate int) (limit int, remaining int, resetAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rate := l.effectiveRate(customRate)
	if rate <= 0 {
		return 0, 0, l.now()
	}
	remaining, resetAt = l.state(l.bucketFor(key, rate))
	return rate, remaining, resetAt
}

// state returns the floored token count and the instant the bucket is full
// again. Must be called with l.mu held.
func (l *Limiter) state(b *bucket) (int, time.Time) {
	remaining := int(b.tokens)
	if remaining < 0 {
		remaining = 0
	}
	deficit := float64(b.rate) - b.tokens
	if deficit <= 0 {
		return remaining, l.now()
	}
	perSecond := float64(b.rate) / l.window.Seconds()
	return remaining, l.now().Add(time.Duration(deficit / perSecond * float64(time.Second)))
}

// Sweep drops buckets untouched for longer than idle. A dropped bucket is
// recreated full, which is what refilling it would have produced anyway once
// idle exceeds the window.
func (l *Limiter) Sweep(idle time.Duration) int {
	if idle < l.window {
		idle = l.window
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idle)
	n := 0
	for key, b := range l.buckets {
		if b.lastRefill.Before(cutoff) {
			delete(l.buckets, key)
			n++
		}
	}
	return n
}

// Len returns the number of tracked buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
