package ratelimit

import (
	"sync"
	"time"
)

// KeyedLimiter maintains an independent fixed-window limiter per key, e.g.
// one per telemetry source on the ingest endpoint.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
	rate     int
	window   time.Duration
}

// NewKeyed creates a KeyedLimiter allowing rate requests per window per key.
func NewKeyed(rate int, window time.Duration) *KeyedLimiter {
	return &KeyedLimiter{
		limiters: make(map[string]*Limiter),
		rate:     rate,
		window:   window,
	}
}

// Allow returns true if the request for key is within its rate limit.
func (k *KeyedLimiter) Allow(key string) bool {
	k.mu.Lock()
	l, ok := k.limiters[key]
	if !ok {
		l = New(k.rate, k.window)
		k.limiters[key] = l
	}
	k.mu.Unlock()
	return l.Allow()
}

// Prune drops limiters that have been idle for at least two windows, bounding
// memory when sources come and go. Returns the number removed.
func (k *KeyedLimiter) Prune() int {
	cutoff := time.Now().Add(-2 * k.window)
	k.mu.Lock()
	defer k.mu.Unlock()
	var removed int
	for key, l := range k.limiters {
		if l.idleSince(cutoff) {
			delete(k.limiters, key)
			removed++
		}
	}
	return removed
}
