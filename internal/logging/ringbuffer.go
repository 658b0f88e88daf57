package logging

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"grimm.is/blackhole/internal/clock"
)

// Entry is one message kept for the API layer.
type Entry struct {
	Timestamp time.Time         `json:"timestamp"`
	Level     string            `json:"level"`
	Source    string            `json:"source"`
	Message   string            `json:"message"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// RingBuffer is a fixed-capacity circular buffer of entries.
type RingBuffer struct {
	mu      sync.RWMutex
	entries []Entry
	head    int
	count   int
	total   uint64
}

// NewRingBuffer creates a ring buffer holding at most size entries.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1
	}
	return &RingBuffer{entries: make([]Entry, size)}
}

// Add appends an entry, overwriting the oldest one when full.
func (rb *RingBuffer) Add(entry Entry) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.entries[rb.head] = entry
	rb.head = (rb.head + 1) % len(rb.entries)
	if rb.count < len(rb.entries) {
		rb.count++
	}
	rb.total++
}

// Addf builds and appends an entry stamped with the current time.
func (rb *RingBuffer) Addf(source, level string, extra map[string]string, format string, args ...any) {
	rb.Add(Entry{
		Timestamp: clock.Now(),
		Level:     level,
		Source:    source,
		Message:   fmt.Sprintf(format, args...),
		Extra:     extra,
	})
}

// GetLast returns the last n entries in chronological order.
func (rb *RingBuffer) GetLast(n int) []Entry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n > rb.count {
		n = rb.count
	}
	if n <= 0 {
		return []Entry{}
	}

	size := len(rb.entries)
	result := make([]Entry, n)
	start := (rb.head - n + size) % size
	for i := 0; i < n; i++ {
		result[i] = rb.entries[(start+i)%size]
	}
	return result
}

// Count returns the number of entries currently held.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Total returns the number of entries ever added, including overwritten ones.
func (rb *RingBuffer) Total() uint64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.total
}

var (
	messages     *RingBuffer
	messagesOnce sync.Once
)

// Messages returns the process-wide ring of warnings and errors.
func Messages() *RingBuffer {
	messagesOnce.Do(func() {
		messages = NewRingBuffer(5000)
	})
	return messages
}

// LevelFromSlog converts slog.Level to its lower-case name.
func LevelFromSlog(level slog.Level) string {
	switch {
	case level <= slog.LevelDebug:
		return "debug"
	case level <= slog.LevelInfo:
		return "info"
	case level <= slog.LevelWarn:
		return "warn"
	default:
		return "error"
	}
}
