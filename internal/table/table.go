// Package table implements a growable array of fixed-capacity blocks.
//
// Records never move once allocated: growth appends a new block to the
// directory and leaves existing blocks in place, so a *T handed out for a
// slot stays valid for the life of the table. Indices are never reused.
//
// Lock discipline: Allocate and Retire mutate the table structure and
// require the caller to hold Lock. Slot, Len, Base and InBounds are safe
// without any lock; callers that mutate record fields hold RLock so that
// retirement cannot run concurrently.
package table

import (
	"sync"
	"sync/atomic"

	"grimm.is/blackhole/internal/errors"
)

// DefaultBlockSize is the number of records per block.
const DefaultBlockSize = 4096

// ErrFull is returned when the table reached its configured record limit.
var ErrFull = errors.New(errors.KindExhausted, "table full")

// Table is a block-allocated record table.
type Table[T any] struct {
	sync.RWMutex

	name      string
	blockSize int
	max       int

	dir  atomic.Pointer[[]*[]T]
	n    atomic.Int64
	base atomic.Int64
}

// New creates a table. blockSize <= 0 selects DefaultBlockSize; maxRecords
// <= 0 means unlimited.
func New[T any](name string, blockSize, maxRecords int) *Table[T] {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	t := &Table[T]{name: name, blockSize: blockSize, max: maxRecords}
	dir := make([]*[]T, 0, 4)
	t.dir.Store(&dir)
	return t
}

// Name returns the table name used in diagnostics.
func (t *Table[T]) Name() string { return t.name }

// Len returns one past the highest index ever allocated.
func (t *Table[T]) Len() int { return int(t.n.Load()) }

// Base returns the lowest index that has not been retired.
func (t *Table[T]) Base() int { return int(t.base.Load()) }

// Live returns the number of records in [Base, Len).
func (t *Table[T]) Live() int { return t.Len() - t.Base() }

// Cap returns the number of slots backed by allocated blocks, including
// released ones.
func (t *Table[T]) Cap() int { return len(*t.dir.Load()) * t.blockSize }

// InBounds reports whether i addresses a live slot.
func (t *Table[T]) InBounds(i int) bool {
	return i >= t.Base() && i < t.Len()
}

// Allocate appends a zeroed record and returns its index and address.
// The caller must hold Lock.
func (t *Table[T]) Allocate() (int, *T, error) {
	i := int(t.n.Load())
	if t.max > 0 && i >= t.max {
		return -1, nil, errors.WithAttrs(ErrFull, map[string]any{
			"table": t.name,
			"max":   t.max,
		})
	}

	dir := *t.dir.Load()
	blk := i / t.blockSize
	if blk >= len(dir) {
		block := make([]T, t.blockSize)
		grown := make([]*[]T, len(dir), max(2*len(dir), blk+1))
		copy(grown, dir)
		grown = append(grown, &block)
		t.dir.Store(&grown)
		dir = grown
	}

	p := &(*dir[blk])[i%t.blockSize]
	var zero T
	*p = zero
	t.n.Store(int64(i + 1))
	return i, p, nil
}

// Slot returns the record at i without checking liveness. It returns nil
// when i is outside [Base, Len).
func (t *Table[T]) Slot(i int) *T {
	if !t.InBounds(i) {
		return nil
	}
	dir := *t.dir.Load()
	blk := dir[i/t.blockSize]
	if blk == nil {
		return nil
	}
	return &(*blk)[i%t.blockSize]
}

// Retire advances the low-water mark to upTo. Retired indices are outside
// the table forever; blocks that lie entirely below the mark are released.
// The caller must hold Lock.
func (t *Table[T]) Retire(upTo int) {
	if upTo <= t.Base() {
		return
	}
	if n := t.Len(); upTo > n {
		upTo = n
	}
	t.base.Store(int64(upTo))

	dir := *t.dir.Load()
	full := upTo / t.blockSize
	if full == 0 || dir[full-1] == nil {
		return
	}
	next := make([]*[]T, len(dir), cap(dir))
	copy(next, dir)
	for b := 0; b < full; b++ {
		next[b] = nil
	}
	t.dir.Store(&next)
}

// Range calls fn for each slot in [Base, Len) until fn returns false.
// Callers hold RLock when fn mutates records.
func (t *Table[T]) Range(fn func(i int, rec *T) bool) {
	for i, n := t.Base(), t.Len(); i < n; i++ {
		p := t.Slot(i)
		if p == nil {
			continue
		}
		if !fn(i, p) {
			return
		}
	}
}

// Reverse calls fn for each slot from Len-1 down to Base, at most limit
// times when limit > 0, until fn returns false.
func (t *Table[T]) Reverse(limit int, fn func(i int, rec *T) bool) {
	stop := t.Base()
	start := t.Len() - 1
	if limit > 0 && start-limit+1 > stop {
		stop = start - limit + 1
	}
	for i := start; i >= stop; i-- {
		p := t.Slot(i)
		if p == nil {
			continue
		}
		if !fn(i, p) {
			return
		}
	}
}
