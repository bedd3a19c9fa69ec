// Package active tracks which single conversation the viewer currently has
// open. The tracker is the authority the ingestion pipeline consults before
// counting a message as unread: messages for the active conversation are
// marked read instead of badged, which avoids a visible badge flicker while
// the durable mark-read write is still in flight.
package active

import (
	"sync"
	"time"

	"github.com/aleksrv/clubsync/chat"
)

// Tracker holds the single active-conversation slot. At most one
// conversation is active at a time; opening another replaces it.
type Tracker struct {
	now func() time.Time

	mu            sync.Mutex
	ref           *chat.ConversationRef
	gen           uint64
	lastRefreshed time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTracker creates an empty Tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Set replaces the active conversation and stamps the refresh time. Every
// Set starts a new ownership generation, so sessions superseded by it can no
// longer touch the slot — even when the new conversation has the same ref.
func (t *Tracker) Set(ref chat.ConversationRef) {
	t.take(ref)
}

// take is Set plus the generation token the new owner uses to prove it still
// holds the slot.
func (t *Tracker) take(ref chat.ConversationRef) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := ref
	t.ref = &r
	t.gen++
	t.lastRefreshed = t.now()
	return t.gen
}

// Clear empties the active slot.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ref = nil
}

// clearOwned empties the slot only when gen still owns it.
func (t *Tracker) clearOwned(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ref != nil && t.gen == gen {
		t.ref = nil
	}
}

// refreshOwned touches the freshness stamp only when gen still owns the
// slot. Returns false once the session has been superseded.
func (t *Tracker) refreshOwned(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ref == nil || t.gen != gen {
		return false
	}
	t.lastRefreshed = t.now()
	return true
}

// IsActive reports whether ref is the conversation currently open. No
// staleness check happens here: freshness is the responsibility of the
// periodic refresh, not of readers.
func (t *Tracker) IsActive(ref chat.ConversationRef) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ref != nil && *t.ref == ref
}

// Refresh touches the freshness stamp, but only when ref still matches the
// active slot. Returns true if the stamp was updated.
func (t *Tracker) Refresh(ref chat.ConversationRef) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ref == nil || *t.ref != ref {
		return false
	}
	t.lastRefreshed = t.now()
	return true
}

// Current returns the active conversation, if any.
func (t *Tracker) Current() (chat.ConversationRef, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ref == nil {
		return chat.ConversationRef{}, false
	}
	return *t.ref, true
}

// LastRefreshed returns when the active slot was last touched. Zero when
// nothing is active.
func (t *Tracker) LastRefreshed() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ref == nil {
		return time.Time{}
	}
	return t.lastRefreshed
}
