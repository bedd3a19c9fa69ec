package store

import (
	"time"

	"github.com/aleksrv/clubsync/chat"
)

// MarkReadLocally records that the viewer has seen ref up to at. The badge
// is zeroed only when ref is the conversation the viewer actually has open;
// a mark arriving for a merely previewed conversation updates the read
// timestamp but leaves its badge alone. Returns false (with no state
// change) for an invalid reference. A zero at means now.
//
// Read marks are monotonic: an at earlier than the existing mark does not
// move it backwards.
func (s *Store) MarkReadLocally(ref chat.ConversationRef, at time.Time) bool {
	if err := ref.Validate(); err != nil {
		s.logger.Warn().Err(err).Msg("rejecting local read mark")
		return false
	}
	if at.IsZero() {
		at = s.now()
	}

	isActive := s.active != nil && s.active.IsActive(ref)

	s.mu.Lock()
	if existing, ok := s.readMarks[ref]; !ok || at.After(existing) {
		s.readMarks[ref] = at
		s.persistMark(ref, at)
	}

	if !isActive {
		s.mu.Unlock()
		return true
	}

	// Active conversation: zero the badge and the total in the same
	// critical section, so no reader observes the mark without the reset.
	prev := s.badges[ref]
	delete(s.badges, ref)
	s.total -= prev
	s.persistBadge(ref, 0)
	total := s.total
	s.mu.Unlock()

	s.emit(ref, 0, total)
	return true
}

// IsReadSince reports whether a read mark exists for ref with a timestamp
// strictly after at. Used to suppress unread accounting for replayed or
// out-of-order messages that predate the last read.
func (s *Store) IsReadSince(ref chat.ConversationRef, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	mark, ok := s.readMarks[ref]
	return ok && mark.After(at)
}

// ReadMark returns the last-read timestamp for ref, if one exists.
func (s *Store) ReadMark(ref chat.ConversationRef) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mark, ok := s.readMarks[ref]
	return mark, ok
}

// SetBadge sets the badge for ref, clamping to zero. The change is emitted
// even when the total is unchanged; per-conversation observers care about
// the event regardless of the net delta.
func (s *Store) SetBadge(ref chat.ConversationRef, count int) {
	if count < 0 {
		count = 0
	}

	s.mu.Lock()
	prev := s.badges[ref]
	if count == 0 {
		delete(s.badges, ref)
	} else {
		s.badges[ref] = count
	}
	s.total += count - prev
	s.persistBadge(ref, count)
	total := s.total
	s.mu.Unlock()

	s.emit(ref, count, total)
}

// Increment adds n to the badge for ref.
func (s *Store) Increment(ref chat.ConversationRef, n int) {
	s.mu.Lock()
	count := s.badges[ref] + n
	if count < 0 {
		count = 0
	}
	prev := s.badges[ref]
	if count == 0 {
		delete(s.badges, ref)
	} else {
		s.badges[ref] = count
	}
	s.total += count - prev
	s.persistBadge(ref, count)
	total := s.total
	s.mu.Unlock()

	s.emit(ref, count, total)
}

// Reset zeroes the badge for ref.
func (s *Store) Reset(ref chat.ConversationRef) {
	s.SetBadge(ref, 0)
}

// ApplyIncrements applies a micro-batch of queued increments in one pass:
// per-conversation events fire for each changed conversation, but exactly
// one combined generic notification fires for the whole batch, bounding
// notification storms under message bursts.
func (s *Store) ApplyIncrements(increments map[chat.ConversationRef]int) {
	if len(increments) == 0 {
		return
	}

	type changed struct {
		ref   chat.ConversationRef
		count int
	}

	s.mu.Lock()
	applied := make([]changed, 0, len(increments))
	for ref, n := range increments {
		if n == 0 {
			continue
		}
		count := s.badges[ref] + n
		if count < 0 {
			count = 0
		}
		prev := s.badges[ref]
		if count == 0 {
			delete(s.badges, ref)
		} else {
			s.badges[ref] = count
		}
		s.total += count - prev
		s.persistBadge(ref, count)
		applied = append(applied, changed{ref: ref, count: count})
	}
	total := s.total
	s.mu.Unlock()

	if len(applied) == 0 {
		return
	}

	if s.bus != nil {
		for _, ch := range applied {
			ref := ch.ref
			s.bus.PublishConversationOnly(chat.UnreadChange{Ref: &ref, Count: ch.count, Total: total})
		}
		s.bus.PublishUnread(chat.UnreadChange{Total: total})
	}
	if s.onMutate != nil {
		s.onMutate()
	}
}

// Badge returns the current badge for ref (0 when absent).
func (s *Store) Badge(ref chat.ConversationRef) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.badges[ref]
}

// Total returns the total badge across all conversations.
func (s *Store) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// UnreadConversations lists every conversation with a non-zero badge.
func (s *Store) UnreadConversations() []chat.ConversationRef {
	s.mu.Lock()
	defer s.mu.Unlock()

	refs := make([]chat.ConversationRef, 0, len(s.badges))
	for ref := range s.badges {
		refs = append(refs, ref)
	}
	return refs
}

// SeedBadges merges the remote unread summary fetched at startup into the
// local cache. The larger of the remote and local counts wins, so a reload
// never loses a badge that was observed locally but not yet acknowledged
// remotely.
func (s *Store) SeedBadges(counts map[chat.ConversationRef]int) {
	s.mu.Lock()
	for ref, count := range counts {
		if count <= 0 || ref.Validate() != nil {
			continue
		}
		if count <= s.badges[ref] {
			continue
		}
		prev := s.badges[ref]
		s.badges[ref] = count
		s.total += count - prev
		s.persistBadge(ref, count)
	}
	total := s.total
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.PublishUnread(chat.UnreadChange{Total: total})
	}
	if s.onMutate != nil {
		s.onMutate()
	}
}

// emit publishes a per-conversation change plus the generic notification,
// and pings the coalesced indicator hook.
func (s *Store) emit(ref chat.ConversationRef, count, total int) {
	if s.bus != nil {
		r := ref
		s.bus.PublishUnread(chat.UnreadChange{Ref: &r, Count: count, Total: total})
	}
	if s.onMutate != nil {
		s.onMutate()
	}
}
