// Package ingest consumes push-feed events, normalizes them, and applies
// unread accounting: deduplication of overlapping delivery paths, the
// active-conversation fast path, suppression of messages that predate the
// last read, and micro-batching of increments under bursts.
package ingest

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aleksrv/clubsync/chat"
	"github.com/aleksrv/clubsync/internal/active"
	"github.com/aleksrv/clubsync/internal/dedupe"
	"github.com/aleksrv/clubsync/internal/logging"
	"github.com/aleksrv/clubsync/internal/store"
)

// DefaultBatchDelay is the micro-batch window for unread increments.
const DefaultBatchDelay = 50 * time.Millisecond

// ReadSync is the slice of the persistence synchronizer the pipeline needs.
type ReadSync interface {
	MarkConversationRead(ref chat.ConversationRef, immediate bool)
	MarkMessageRead(messageID string, kind chat.Kind)
}

// DeleteHook is invoked for feed deletion events so the embedding app can
// drop the message from any in-memory list it maintains. Deletion never
// decrements an already-counted unread badge: by the time a message is
// deleted it may well have been read, which would make a decrement wrong.
type DeleteHook func(kind chat.Kind, messageID string)

// Pipeline is the message ingestion pipeline.
type Pipeline struct {
	viewerID   string
	store      *store.Store
	tracker    *active.Tracker
	processing *dedupe.Cache
	sync       ReadSync
	onDelete   DeleteHook
	logger     zerolog.Logger
	batchDelay time.Duration

	mu         sync.Mutex
	pending    map[chat.ConversationRef]int
	batchTimer *time.Timer
	closed     bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithBatchDelay overrides the micro-batch window, for tests.
func WithBatchDelay(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.batchDelay = d
		}
	}
}

// WithDeleteHook registers the deletion callback.
func WithDeleteHook(fn DeleteHook) Option {
	return func(p *Pipeline) {
		p.onDelete = fn
	}
}

// New creates a Pipeline for the given viewer.
func New(viewerID string, st *store.Store, tracker *active.Tracker, processing *dedupe.Cache, readSync ReadSync, opts ...Option) *Pipeline {
	p := &Pipeline{
		viewerID:   viewerID,
		store:      st,
		tracker:    tracker,
		processing: processing,
		sync:       readSync,
		logger:     logging.WithViewer(logging.Component("ingest"), viewerID),
		batchDelay: DefaultBatchDelay,
		pending:    make(map[chat.ConversationRef]int),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HandleFeedEvent processes one normalized feed event. Malformed events are
// dropped with a diagnostic log; they never fail the pipeline or affect
// other conversations.
func (p *Pipeline) HandleFeedEvent(event chat.FeedEvent) {
	switch event.Type {
	case chat.FeedInsert:
		p.handleInsert(event)
	case chat.FeedDelete:
		p.handleDelete(event)
	default:
		p.logger.Debug().Str("event", string(event.Type)).Msg("dropping unknown feed event")
	}
}

func (p *Pipeline) handleInsert(event chat.FeedEvent) {
	msg := event.Message()
	if err := msg.Validate(); err != nil {
		p.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("dropping malformed feed message")
		return
	}
	ref := msg.Conversation

	// Duplicate delivery (optimistic echo + remote feed) collapses here.
	if !p.processing.BeginProcessing(msg.ID) {
		return
	}

	isOwn := msg.SenderID == p.viewerID

	// The active check runs before any unread accounting, so a message for
	// the open conversation never produces a badge flicker.
	if p.tracker.IsActive(ref) {
		p.tracker.Refresh(ref)
		if !isOwn {
			p.sync.MarkMessageRead(msg.ID, ref.Kind)
		}
		return
	}

	if isOwn {
		return
	}

	// The feed tells us who still has the message unread; if the viewer is
	// not among them, it was already read on another device.
	if len(event.Record.RecipientsStillUnread) > 0 && !containsString(event.Record.RecipientsStillUnread, p.viewerID) {
		return
	}

	// Replayed or out-of-order delivery of an already-read message.
	if p.store.IsReadSince(ref, msg.SentAt) {
		return
	}

	p.record(ref)
}

// record applies an unread increment. The very first unread message for a
// conversation is applied synchronously so the initial badge appearance is
// never lost to a batching window; subsequent increments are micro-batched.
func (p *Pipeline) record(ref chat.ConversationRef) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	firstUnread := p.pending[ref] == 0 && p.store.Badge(ref) == 0
	if firstUnread {
		p.mu.Unlock()
		p.store.Increment(ref, 1)
		return
	}

	p.pending[ref]++
	if p.batchTimer == nil {
		p.batchTimer = time.AfterFunc(p.batchDelay, p.flushBatch)
	}
	p.mu.Unlock()
}

// flushBatch drains queued increments and applies them in one pass with a
// single combined generic notification.
func (p *Pipeline) flushBatch() {
	p.mu.Lock()
	batch := p.pending
	p.pending = make(map[chat.ConversationRef]int)
	p.batchTimer = nil
	p.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	p.store.ApplyIncrements(batch)
}

func (p *Pipeline) handleDelete(event chat.FeedEvent) {
	if event.Record.ID == "" {
		p.logger.Warn().Msg("dropping deletion event without message id")
		return
	}

	p.logger.Debug().
		Str("message_id", event.Record.ID).
		Str("kind", string(event.Kind)).
		Msg("message deleted")

	if p.onDelete != nil {
		p.onDelete(event.Kind, event.Record.ID)
	}
}

// Close stops the batch timer and applies any queued increments so counted
// messages are not dropped on shutdown.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	if p.batchTimer != nil {
		p.batchTimer.Stop()
		p.batchTimer = nil
	}
	batch := p.pending
	p.pending = make(map[chat.ConversationRef]int)
	p.mu.Unlock()

	if len(batch) > 0 {
		p.store.ApplyIncrements(batch)
	}
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
