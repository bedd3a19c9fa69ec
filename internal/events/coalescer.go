package events

import (
	"sync"
	"time"
)

// DefaultCoalesceWindow approximates one UI repaint interval.
const DefaultCoalesceWindow = 16 * time.Millisecond

// Coalescer collapses bursts of "recompute your unread indicator" signals
// into at most one callback per window. Callers ping it on every observable
// mutation; listeners get a single recompute signal per window regardless
// of how many mutations occurred inside it.
type Coalescer struct {
	window time.Duration
	fire   func()

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
	closed  bool
}

// NewCoalescer creates a Coalescer that invokes fire at most once per window.
// A zero window falls back to DefaultCoalesceWindow.
func NewCoalescer(window time.Duration, fire func()) *Coalescer {
	if window <= 0 {
		window = DefaultCoalesceWindow
	}
	return &Coalescer{window: window, fire: fire}
}

// Ping records a mutation. The first ping in a window arms the timer; later
// pings inside the same window are absorbed.
func (c *Coalescer) Ping() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.fire == nil || c.pending {
		return
	}

	c.pending = true
	c.timer = time.AfterFunc(c.window, c.emit)
}

func (c *Coalescer) emit() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.pending = false
	fire := c.fire
	c.mu.Unlock()

	fire()
}

// Close cancels any pending emission. Pings after Close are dropped.
func (c *Coalescer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.pending = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
