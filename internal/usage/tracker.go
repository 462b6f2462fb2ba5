// Package usage provides per-session sliding-window usage accounting.
package usage

import (
	"sync"
	"time"
)

// compactThreshold is the number of trimmed slots after which the backing
// array is reallocated instead of resliced.
const compactThreshold = 64

// Tracker records usage events for one session and counts how many of them
// fall inside a trailing time window.
//
// Timestamps are appended in call order, so the slice is chronological and
// trimming only ever removes a prefix.
type Tracker struct {
	now     func() time.Time
	events  []time.Time
	trimmed int
	mu      sync.Mutex
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces the wall clock used to stamp and query events.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTracker creates an empty usage tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		now: time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record marks one usage at the current time.
func (t *Tracker) Record() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.events = append(t.events, t.now())
}

// CountInLast returns the number of events within [now-d, now].
// Events older than now-d are discarded as a side effect.
func (t *Tracker) CountInLast(d time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	end := t.now()
	start := end.Add(-d)
	t.trim(start)

	count := 0
	for _, ts := range t.events {
		if ts.After(end) {
			break
		}
		count++
	}
	return count
}

// Len returns the number of retained events.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events)
}

// trim drops every event before start. Caller must hold mu.
func (t *Tracker) trim(start time.Time) {
	i := 0
	for i < len(t.events) && t.events[i].Before(start) {
		i++
	}
	if i == 0 {
		return
	}

	t.events = t.events[i:]
	t.trimmed += i
	if t.trimmed >= compactThreshold {
		compacted := make([]time.Time, len(t.events))
		copy(compacted, t.events)
		t.events = compacted
		t.trimmed = 0
	}
}
