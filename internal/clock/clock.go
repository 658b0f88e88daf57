// Package clock provides a mockable time source.
// Production code calls the package-level functions; tests inject a MockClock
// either directly or through SetDefault.
package clock

import (
	"sync"
	"time"
)

// Clock is the interface for time operations.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	Until(t time.Time) time.Duration
}

// RealClock provides the actual system time.
type RealClock struct{}

// Now returns the current system time.
func (RealClock) Now() time.Time { return time.Now() }

// Since returns the time elapsed since t.
func (RealClock) Since(t time.Time) time.Duration { return time.Since(t) }

// Until returns the duration until t.
func (RealClock) Until(t time.Time) time.Duration { return time.Until(t) }

// MockClock is a test clock with controllable time.
type MockClock struct {
	mu      sync.RWMutex
	current time.Time
}

// NewMockClock creates a mock clock set to the given time.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{current: t}
}

// Now returns the mock time.
func (c *MockClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Since returns the duration since t.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Until returns the duration until t.
func (c *MockClock) Until(t time.Time) time.Duration {
	return t.Sub(c.Now())
}

// Set sets the mock time.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}

// Advance advances the mock time by d.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

var (
	defaultMu    sync.RWMutex
	defaultClock Clock = RealClock{}
)

// Default returns the process-wide clock.
func Default() Clock {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultClock
}

// SetDefault replaces the process-wide clock. A nil clock restores RealClock.
func SetDefault(c Clock) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if c == nil {
		c = RealClock{}
	}
	defaultClock = c
}

// Now returns the current time of the default clock.
func Now() time.Time {
	return Default().Now()
}

// Since returns the time elapsed since t.
func Since(t time.Time) time.Duration {
	return Default().Since(t)
}

// Until returns the duration until t.
func Until(t time.Time) time.Duration {
	return Default().Until(t)
}

// Or returns c, or the default clock when c is nil.
func Or(c Clock) Clock {
	if c == nil {
		return Default()
	}
	return c
}
