// Package arena implements the append-only string pool shared by all
// record tables. Records store an Offset instead of the string itself.
package arena

import (
	"bytes"
	"sync"

	"grimm.is/blackhole/internal/errors"
)

// Offset is a byte position inside the arena.
type Offset int64

// Unset marks a record field that has no string.
const Unset Offset = -1

var (
	// ErrEmbeddedNUL is returned for input containing the terminator byte.
	ErrEmbeddedNUL = errors.New(errors.KindValidation, "string contains NUL byte")
	// ErrExhausted is returned when the configured arena limit is reached.
	ErrExhausted = errors.New(errors.KindExhausted, "string arena exhausted")
)

// Arena is an append-only byte pool of NUL-terminated strings.
// Appends are serialized; reads may run concurrently with appends.
type Arena struct {
	mu    sync.RWMutex
	buf   []byte
	limit int
	count int

	last    Offset
	lastLen int
}

// New returns an empty arena. limit caps the total size in bytes; zero
// means unlimited.
func New(limit int) *Arena {
	return &Arena{limit: limit, last: Unset}
}

// Intern appends b and returns its offset. When b equals the most recent
// insertion, that offset is returned again and nothing is appended.
func (a *Arena) Intern(b []byte) (Offset, error) {
	if bytes.IndexByte(b, 0) >= 0 {
		return Unset, ErrEmbeddedNUL
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.last != Unset && a.lastLen == len(b) && bytes.Equal(a.buf[a.last:int(a.last)+a.lastLen], b) {
		return a.last, nil
	}

	need := len(a.buf) + len(b) + 1
	if a.limit > 0 && need > a.limit {
		return Unset, errors.WithAttrs(ErrExhausted, map[string]any{
			"size":  len(a.buf),
			"limit": a.limit,
			"need":  len(b) + 1,
		})
	}

	off := Offset(len(a.buf))
	a.buf = append(a.buf, b...)
	a.buf = append(a.buf, 0)
	a.last = off
	a.lastLen = len(b)
	a.count++
	return off, nil
}

// InternString is Intern for strings.
func (a *Arena) InternString(s string) (Offset, error) {
	return a.Intern([]byte(s))
}

// Read returns the string stored at off, without its terminator. Unset and
// offsets outside the arena yield an empty result. The returned slice must
// not be modified.
func (a *Arena) Read(off Offset) []byte {
	if off < 0 {
		return nil
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if int64(off) >= int64(len(a.buf)) {
		return nil
	}
	rest := a.buf[off:]
	end := bytes.IndexByte(rest, 0)
	if end < 0 {
		end = len(rest)
	}
	return rest[:end:end]
}

// String returns the string stored at off.
func (a *Arena) String(off Offset) string {
	return string(a.Read(off))
}

// Size returns the number of bytes in use.
func (a *Arena) Size() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.buf)
}

// Count returns the number of strings appended.
func (a *Arena) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.count
}

// Limit returns the configured byte limit, zero when unlimited.
func (a *Arena) Limit() int {
	return a.limit
}

// Reset drops every string. All previously issued offsets become invalid;
// slices returned by Read before the reset stay readable.
func (a *Arena) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buf = nil
	a.count = 0
	a.last = Unset
	a.lastLen = 0
}
