package active

import (
	"sync"
	"time"

	"github.com/aleksrv/clubsync/chat"
)

const (
	// DefaultRefreshInterval is how often an open session touches the
	// freshness stamp.
	DefaultRefreshInterval = 5 * time.Second

	// DefaultMaxWatch is the hard ceiling on a session's refresh loop. A
	// session that is never closed stops refreshing and releases the active
	// slot once the ceiling elapses, so a UI that forgets to close cannot
	// leak an active conversation forever.
	DefaultMaxWatch = 60 * time.Second
)

// Session is the scoped handle returned when a conversation is opened.
// Closing it deterministically stops the refresh loop and releases the
// active slot; the watch ceiling remains as a backstop, not the primary
// teardown mechanism.
type Session struct {
	tracker *Tracker
	ref     chat.ConversationRef
	gen     uint64

	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// Watch activates ref and starts a refresh loop that touches the freshness
// stamp every interval until the session is closed or maxWatch elapses.
// Non-positive arguments fall back to the defaults.
func (t *Tracker) Watch(ref chat.ConversationRef, interval, maxWatch time.Duration) *Session {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if maxWatch <= 0 {
		maxWatch = DefaultMaxWatch
	}

	s := &Session{
		tracker: t,
		ref:     ref,
		gen:     t.take(ref),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	go s.run(interval, maxWatch)
	return s
}

// Ref returns the conversation this session keeps active.
func (s *Session) Ref() chat.ConversationRef {
	return s.ref
}

// Close stops the refresh loop and releases the active slot, unless a newer
// session has taken it in the meantime — including one for the same
// conversation. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
	})
	<-s.done
}

func (s *Session) run(interval, maxWatch time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ceiling := time.NewTimer(maxWatch)
	defer ceiling.Stop()

	for {
		select {
		case <-s.stop:
			s.tracker.clearOwned(s.gen)
			return
		case <-ceiling.C:
			s.tracker.clearOwned(s.gen)
			return
		case <-ticker.C:
			if !s.tracker.refreshOwned(s.gen) {
				// A newer session took the slot; this one is stale.
				return
			}
		}
	}
}
