// Package frameloop provides a one-shot "next frame" scheduling primitive.
// Loops built on it re-request a frame from inside each callback and stop by
// simply not re-requesting.
package frameloop

import (
	"sync"
	"time"
)

// DefaultInterval is the frame interval for a 60 Hz display.
const DefaultInterval = time.Second / 60

// CancelFunc cancels a pending frame request. It is safe to call more than once.
type CancelFunc func()

// Scheduler runs a callback on the next frame.
type Scheduler interface {
	RequestFrame(fn func()) CancelFunc
}

// Ticker schedules frames at a fixed display interval.
type Ticker struct {
	interval time.Duration
}

// NewTicker creates a scheduler firing every interval. Non-positive intervals
// fall back to DefaultInterval.
func NewTicker(interval time.Duration) *Ticker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Ticker{interval: interval}
}

// Interval returns the frame interval.
func (t *Ticker) Interval() time.Duration {
	return t.interval
}

// RequestFrame runs fn once after one frame interval.
func (t *Ticker) RequestFrame(fn func()) CancelFunc {
	timer := time.AfterFunc(t.interval, fn)
	return func() {
		timer.Stop()
	}
}

// Manual holds frame requests until Step is called. It lets tests drive loops
// deterministically.
type Manual struct {
	mu      sync.Mutex
	next    uint64
	pending map[uint64]func()
	order   []uint64
}

// NewManual creates an empty manual scheduler.
func NewManual() *Manual {
	return &Manual{pending: make(map[uint64]func())}
}

// RequestFrame queues fn for the next Step.
func (m *Manual) RequestFrame(fn func()) CancelFunc {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.next
	m.next++
	m.pending[id] = fn
	m.order = append(m.order, id)

	return func() {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
	}
}

// Step fires every callback requested before the call and returns how many ran.
// Callbacks requested during the step run on the following Step.
func (m *Manual) Step() int {
	m.mu.Lock()
	order := m.order
	m.order = nil
	fns := make([]func(), 0, len(order))
	for _, id := range order {
		if fn, ok := m.pending[id]; ok {
			fns = append(fns, fn)
			delete(m.pending, id)
		}
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return len(fns)
}

// Pending returns the number of queued callbacks.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
