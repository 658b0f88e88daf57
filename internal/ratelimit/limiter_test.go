package ratelimit

import (
	"testing"
	"time"

	"grimm.is/blackhole/internal/clock"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestLimiter_Allow_Basic(t *testing.T) {
	l := NewLimiter(clock.NewMockClock(epoch))

	for i := 0; i < 3; i++ {
		if ok, _ := l.Allow("test-key", 3, time.Minute); !ok {
			t.Errorf("Request %d should be allowed", i+1)
		}
	}

	if ok, _ := l.Allow("test-key", 3, time.Minute); ok {
		t.Error("4th request should be denied (over limit)")
	}
}

func TestLimiter_Allow_DifferentKeys(t *testing.T) {
	l := NewLimiter(clock.NewMockClock(epoch))

	for i := 0; i < 2; i++ {
		if ok, _ := l.Allow("key1", 2, time.Minute); !ok {
			t.Errorf("key1 request %d should be allowed", i+1)
		}
		if ok, _ := l.Allow("key2", 2, time.Minute); !ok {
			t.Errorf("key2 request %d should be allowed", i+1)
		}
	}

	if ok, _ := l.Allow("key1", 2, time.Minute); ok {
		t.Error("key1 should be rate limited")
	}
	if ok, _ := l.Allow("key2", 2, time.Minute); ok {
		t.Error("key2 should be rate limited")
	}
}

func TestLimiter_Allow_NewWindowReportsSuppressed(t *testing.T) {
	mc := clock.NewMockClock(epoch)
	l := NewLimiter(mc)

	l.Allow("k", 1, time.Minute)
	for i := 0; i < 4; i++ {
		if ok, _ := l.Allow("k", 1, time.Minute); ok {
			t.Fatal("expected denial within window")
		}
	}

	mc.Advance(time.Minute)
	ok, suppressed := l.Allow("k", 1, time.Minute)
	if !ok {
		t.Fatal("expected new window to allow")
	}
	if suppressed != 4 {
		t.Errorf("expected 4 suppressed, got %d", suppressed)
	}
}

func TestLimiter_Reset(t *testing.T) {
	l := NewLimiter(clock.NewMockClock(epoch))
	l.Allow("k", 1, time.Hour)
	if ok, _ := l.Allow("k", 1, time.Hour); ok {
		t.Fatal("expected denial")
	}
	l.Reset("k")
	if ok, _ := l.Allow("k", 1, time.Hour); !ok {
		t.Error("expected allow after reset")
	}
}

func TestLimiter_CleanupExpired(t *testing.T) {
	mc := clock.NewMockClock(epoch)
	l := NewLimiter(mc)
	l.Allow("old", 1, time.Minute)
	mc.Advance(10 * time.Minute)
	l.Allow("fresh", 1, time.Minute)

	if n := l.CleanupExpired(5 * time.Minute); n != 1 {
		t.Errorf("expected 1 removed, got %d", n)
	}
	if l.Len() != 1 {
		t.Errorf("expected 1 remaining key, got %d", l.Len())
	}
}
