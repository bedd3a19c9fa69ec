// Package debounce implements a keyed debounce/coalescing scheduler.
// Repeated schedules for the same key within the delay window collapse to a
// single execution of the most recently supplied function.
package debounce

import (
	"sync"
	"time"
)

// flushGuardCeiling caps the minimum-quiet-time a Flush must respect.
const flushGuardCeiling = 500 * time.Millisecond

type entry struct {
	fn      func()
	delay   time.Duration
	timer   *time.Timer
	seq     uint64
	lastRun time.Time
	hasRun  bool
}

// Scheduler debounces work by key. Keys should be small comparable values
// (an operation kind plus a conversation reference) rather than ad hoc
// strings, so distinct call sites cannot collide.
type Scheduler[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*entry
	now     func() time.Time
	closed  bool
}

// Option configures a Scheduler.
type Option[K comparable] func(*Scheduler[K])

// WithNow overrides the clock, for tests.
func WithNow[K comparable](now func() time.Time) Option[K] {
	return func(s *Scheduler[K]) {
		if now != nil {
			s.now = now
		}
	}
}

// NewScheduler creates an empty Scheduler.
func NewScheduler[K comparable](opts ...Option[K]) *Scheduler[K] {
	s := &Scheduler[K]{
		entries: make(map[K]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule registers fn under key and arms a timer for delay. A second
// Schedule within the window cancels the pending timer and re-arms with the
// new fn; only the latest registration runs (last write wins).
func (s *Scheduler[K]) Schedule(key K, fn func(), delay time.Duration) {
	if fn == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	e := s.entries[key]
	if e == nil {
		e = &entry{}
		s.entries[key] = e
	}
	if e.timer != nil {
		e.timer.Stop()
	}

	e.fn = fn
	e.delay = delay

	// Each arming gets a sequence number. A timer that already fired but is
	// blocked on the mutex while this re-arm happens would otherwise run the
	// fresh fn immediately instead of after its delay.
	e.seq++
	armed := e.seq
	e.timer = time.AfterFunc(delay, func() {
		s.runPending(key, armed)
	})
}

// Flush executes the pending function for key immediately, but only if at
// least min(delay/2, 500ms) has elapsed since the key's last real
// execution. Flushing sooner would defeat the debounce, so it is a no-op.
// Returns true if the function ran.
func (s *Scheduler[K]) Flush(key K) bool {
	s.mu.Lock()

	e := s.entries[key]
	if e == nil || e.fn == nil {
		s.mu.Unlock()
		return false
	}

	guard := e.delay / 2
	if guard > flushGuardCeiling {
		guard = flushGuardCeiling
	}
	if e.hasRun && s.now().Sub(e.lastRun) < guard {
		s.mu.Unlock()
		return false
	}

	fn := s.takeLocked(e)
	s.mu.Unlock()

	fn()
	return true
}

// ForceFlush executes the pending function for key unconditionally,
// cancelling any armed timer. Returns true if a function was pending.
func (s *Scheduler[K]) ForceFlush(key K) bool {
	s.mu.Lock()

	e := s.entries[key]
	if e == nil || e.fn == nil {
		s.mu.Unlock()
		return false
	}

	fn := s.takeLocked(e)
	s.mu.Unlock()

	fn()
	return true
}

// Pending reports whether key has an unexecuted function.
func (s *Scheduler[K]) Pending(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[key]
	return e != nil && e.fn != nil
}

// Close cancels all pending timers. Pending functions do not run.
func (s *Scheduler[K]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for _, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		e.fn = nil
		e.timer = nil
	}
}

// runPending is the timer callback path. seq identifies the arming the
// timer belongs to; a stale timer whose key was re-armed in the meantime is
// a no-op.
func (s *Scheduler[K]) runPending(key K, seq uint64) {
	s.mu.Lock()

	e := s.entries[key]
	if e == nil || e.fn == nil || e.seq != seq || s.closed {
		s.mu.Unlock()
		return
	}

	fn := s.takeLocked(e)
	s.mu.Unlock()

	fn()
}

// takeLocked consumes the pending function and stamps the execution time.
// The entry itself survives so the Flush guard can compare against the last
// real run. Caller holds s.mu.
func (s *Scheduler[K]) takeLocked(e *entry) func() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	fn := e.fn
	e.fn = nil
	e.lastRun = s.now()
	e.hasRun = true
	return fn
}
