// Package overtime maps timestamps onto a ring of fixed-width time slots and
// keeps the engine-wide per-slot counters.
package overtime

import (
	"slices"
	"sync"
	"time"

	"grimm.is/blackhole/internal/errors"
)

const (
	// DefaultInterval is the width of one slot.
	DefaultInterval = 10 * time.Minute
	// DefaultWindow is the history covered by the ring.
	DefaultWindow = 24 * time.Hour
)

// Timeline describes the slot ring.
type Timeline struct {
	interval time.Duration
	slots    int
}

// NewTimeline returns a ring of window/interval+1 slots. The extra slot keeps
// the oldest partially covered interval from colliding with the current one.
func NewTimeline(interval, window time.Duration) (Timeline, error) {
	if interval <= 0 || interval%time.Second != 0 {
		return Timeline{}, errors.Errorf(errors.KindValidation, "overtime interval %s must be a positive number of seconds", interval)
	}
	if window < interval {
		return Timeline{}, errors.Errorf(errors.KindValidation, "overtime window %s shorter than interval %s", window, interval)
	}
	return Timeline{interval: interval, slots: int(window/interval) + 1}, nil
}

// Default returns the 10 minute / 24 hour timeline.
func Default() Timeline {
	return Timeline{interval: DefaultInterval, slots: int(DefaultWindow/DefaultInterval) + 1}
}

// Interval returns the slot width.
func (tl Timeline) Interval() time.Duration { return tl.interval }

// Slots returns the number of slots in the ring.
func (tl Timeline) Slots() int { return tl.slots }

// Index returns the ring slot for ts.
func (tl Timeline) Index(ts time.Time) int {
	n := ts.Unix() / int64(tl.interval/time.Second)
	idx := int(n % int64(tl.slots))
	if idx < 0 {
		idx += tl.slots
	}
	return idx
}

// Start returns the beginning of the interval containing ts.
func (tl Timeline) Start(ts time.Time) time.Time {
	sec := int64(tl.interval / time.Second)
	u := ts.Unix()
	start := u - u%sec
	if u < 0 && u%sec != 0 {
		start -= sec
	}
	return time.Unix(start, 0)
}

// AlignUp rounds ts up to the next interval boundary.
func (tl Timeline) AlignUp(ts time.Time) time.Time {
	start := tl.Start(ts)
	if start.Equal(ts.Truncate(time.Second)) && ts.Nanosecond() == 0 {
		return start
	}
	return start.Add(tl.interval)
}

// Valid reports whether idx addresses a slot.
func (tl Timeline) Valid(idx int) bool {
	return idx >= 0 && idx < tl.slots
}

// Delta is a change applied to one global slot.
type Delta struct {
	Total     int
	Blocked   int
	Cached    int
	Forwarded int
}

// Slot is the global counters for one interval.
type Slot struct {
	Start     time.Time `json:"start"`
	Total     int       `json:"total"`
	Blocked   int       `json:"blocked"`
	Cached    int       `json:"cached"`
	Forwarded int       `json:"forwarded"`
}

// Global holds the engine-wide counters per slot.
type Global struct {
	mu    sync.Mutex
	tl    Timeline
	slots []Slot
}

// NewGlobal creates empty counters for tl.
func NewGlobal(tl Timeline) *Global {
	return &Global{tl: tl, slots: make([]Slot, tl.slots)}
}

// Timeline returns the ring layout.
func (g *Global) Timeline() Timeline { return g.tl }

// Add applies d to the slot covering ts. A slot whose previous interval has
// rotated out is cleared before use. Deltas aimed at an interval that has
// already rotated out are dropped.
func (g *Global) Add(ts time.Time, d Delta) {
	idx := g.tl.Index(ts)
	start := g.tl.Start(ts)

	g.mu.Lock()
	defer g.mu.Unlock()

	s := &g.slots[idx]
	switch {
	case s.Start.Equal(start):
	case s.Start.Before(start):
		*s = Slot{Start: start}
	default:
		return
	}
	s.Total = max(s.Total+d.Total, 0)
	s.Blocked = max(s.Blocked+d.Blocked, 0)
	s.Cached = max(s.Cached+d.Cached, 0)
	s.Forwarded = max(s.Forwarded+d.Forwarded, 0)
}

// Snapshot returns the populated slots, oldest first.
func (g *Global) Snapshot() []Slot {
	g.mu.Lock()
	out := make([]Slot, 0, len(g.slots))
	for _, s := range g.slots {
		if !s.Start.IsZero() {
			out = append(out, s)
		}
	}
	g.mu.Unlock()

	slices.SortFunc(out, func(a, b Slot) int { return a.Start.Compare(b.Start) })
	return out
}
