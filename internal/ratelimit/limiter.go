// Package ratelimit throttles repeated events per key within a fixed
// window, used to keep noisy diagnostics out of the log.
package ratelimit

import (
	"sync"
	"time"

	"grimm.is/blackhole/internal/clock"
)

// Limiter manages fixed-window limits for multiple keys.
type Limiter struct {
	clock    clock.Clock
	limiters map[string]*bucket
	mu       sync.Mutex
}

type bucket struct {
	tokens     int
	suppressed int
	lastFill   time.Time
}

// NewLimiter creates a limiter reading time from clk (nil for the default
// clock).
func NewLimiter(clk clock.Clock) *Limiter {
	return &Limiter{
		clock:    clock.Or(clk),
		limiters: make(map[string]*bucket),
	}
}

// Allow reports whether another event for key fits in the current window
// of limit events per interval. When a new window opens, suppressed is the
// number of events refused during the previous one.
func (l *Limiter) Allow(key string, limit int, interval time.Duration) (ok bool, suppressed int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	b, exists := l.limiters[key]
	if !exists {
		b = &bucket{tokens: limit, lastFill: now}
		l.limiters[key] = b
	}

	if now.Sub(b.lastFill) >= interval {
		suppressed = b.suppressed
		b.tokens = limit
		b.suppressed = 0
		b.lastFill = now
	}

	if b.tokens <= 0 {
		b.suppressed++
		return false, 0
	}
	b.tokens--
	return true, suppressed
}

// Reset clears the window for a specific key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, key)
}

// CleanupExpired removes keys whose window opened more than maxAge ago.
func (l *Limiter) CleanupExpired(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	n := 0
	for key, b := range l.limiters {
		if now.Sub(b.lastFill) > maxAge {
			delete(l.limiters, key)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
