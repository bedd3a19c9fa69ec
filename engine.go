// Package clubsync implements the unread-message / read-receipt
// synchronization engine behind the chat drawer: it keeps the remote
// message store, the durable local unread cache, and the viewer's currently
// open conversation consistent under concurrent delivery, optimistic
// updates, and unreliable persistence.
package clubsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aleksrv/clubsync/chat"
	"github.com/aleksrv/clubsync/internal/active"
	"github.com/aleksrv/clubsync/internal/dedupe"
	"github.com/aleksrv/clubsync/internal/events"
	"github.com/aleksrv/clubsync/internal/ingest"
	"github.com/aleksrv/clubsync/internal/logging"
	"github.com/aleksrv/clubsync/internal/remote"
	"github.com/aleksrv/clubsync/internal/store"
	"github.com/aleksrv/clubsync/internal/syncer"
)

// Engine errors.
var (
	ErrEngineClosed = errors.New("engine is closed")
)

// Engine is the unread synchronization service. Construct one per session
// with New, start it, and dispose of it with Close. All methods are safe
// for concurrent use.
type Engine struct {
	cfg        Config
	logger     zerolog.Logger
	bus        *events.Bus
	tracker    *active.Tracker
	processing *dedupe.Cache
	store      *store.Store
	syncer     *syncer.Syncer
	pipeline   *ingest.Pipeline
	remote     remote.Client
	feed       *remote.Feed
	coalescer  *events.Coalescer

	indicatorMu   sync.Mutex
	indicatorSubs map[string]func()

	mu      sync.Mutex
	session *active.Session
	closed  bool
}

// Option customizes an Engine, mostly for tests and for hosts that bring
// their own remote transport.
type Option func(*engineOptions)

type engineOptions struct {
	client     remote.Client
	deleteHook ingest.DeleteHook
	batchDelay time.Duration
}

// WithRemoteClient injects a remote store client, replacing the HTTP client
// the engine would build from the config.
func WithRemoteClient(client remote.Client) Option {
	return func(o *engineOptions) {
		o.client = client
	}
}

// WithDeleteHook registers a callback for feed deletion events so the host
// can drop the message from its in-memory lists.
func WithDeleteHook(fn func(kind chat.Kind, messageID string)) Option {
	return func(o *engineOptions) {
		o.deleteHook = ingest.DeleteHook(fn)
	}
}

// WithBatchDelay overrides the ingestion micro-batch window, for tests.
func WithBatchDelay(d time.Duration) Option {
	return func(o *engineOptions) {
		o.batchDelay = d
	}
}

// New builds an Engine from cfg. The local cache is opened (and created if
// missing) immediately; the feed is not dialed until Start.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Logging != (LogConfig{}) {
		logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	}

	var options engineOptions
	for _, opt := range opts {
		opt(&options)
	}

	client := options.client
	if client == nil && cfg.Remote.BaseURL != "" {
		httpClient, err := remote.NewHTTPClient(cfg.Remote.BaseURL, cfg.Remote.Token, nil)
		if err != nil {
			return nil, err
		}
		client = httpClient
	}
	if client == nil {
		client = nopClient{}
	}

	e := &Engine{
		cfg:           cfg,
		logger:        logging.WithViewer(logging.Component("engine"), cfg.ViewerID),
		bus:           events.NewBus(),
		tracker:       active.NewTracker(),
		processing:    dedupe.NewCache(),
		remote:        client,
		indicatorSubs: make(map[string]func()),
	}
	e.coalescer = events.NewCoalescer(0, e.fireIndicator)

	if cfg.CachePath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.CachePath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}
	st, err := store.Open(cfg.CachePath, e.tracker, e.bus, store.WithMutationHook(e.coalescer.Ping))
	if err != nil {
		return nil, err
	}
	e.store = st

	e.syncer = syncer.New(client, func() string { return cfg.ViewerID }, e.bus)

	pipelineOpts := []ingest.Option{}
	if options.deleteHook != nil {
		pipelineOpts = append(pipelineOpts, ingest.WithDeleteHook(options.deleteHook))
	}
	if options.batchDelay > 0 {
		pipelineOpts = append(pipelineOpts, ingest.WithBatchDelay(options.batchDelay))
	}
	e.pipeline = ingest.New(cfg.ViewerID, st, e.tracker, e.processing, e.syncer, pipelineOpts...)

	if cfg.Remote.FeedURL != "" {
		e.feed = remote.NewFeed(cfg.Remote.FeedURL, cfg.Remote.Token, e.pipeline.HandleFeedEvent)
	}

	return e, nil
}

// Start dials the push feed (when configured) and seeds the local badge
// cache from the remote unread summary. A failed seed is logged and
// ignored: the local cache is already usable and the remote store is never
// a single point of failure for the unread indicator.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	feed := e.feed
	e.mu.Unlock()

	if feed != nil {
		if err := feed.Start(ctx); err != nil {
			return err
		}
	}

	counts, err := e.remote.FetchUnreadSummary(ctx, e.cfg.ViewerID)
	if err != nil {
		e.logger.Warn().Err(err).Msg("failed to seed unread counts from remote")
		return nil
	}
	e.store.SeedBadges(counts)
	return nil
}

// Close releases the active conversation, stops the feed, flushes pending
// work, and closes the local cache.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	session := e.session
	e.session = nil
	e.mu.Unlock()

	if session != nil {
		session.Close()
	}
	if e.feed != nil {
		e.feed.Stop()
	}
	e.pipeline.Close()
	e.syncer.Close()
	e.coalescer.Close()
	e.bus.Close()
	return e.store.Close()
}

// HandleFeedEvent feeds one event into the ingestion pipeline. Exposed for
// hosts that receive feed traffic through their own transport instead of
// the engine's websocket subscriber.
func (e *Engine) HandleFeedEvent(event chat.FeedEvent) {
	e.pipeline.HandleFeedEvent(event)
}

// TotalUnread returns the total unread badge.
func (e *Engine) TotalUnread() int {
	return e.store.Total()
}

// ConversationUnread returns the unread badge for one conversation.
func (e *Engine) ConversationUnread(ref chat.ConversationRef) int {
	return e.store.Badge(ref)
}

// UnreadConversations lists every conversation with a non-zero badge.
func (e *Engine) UnreadConversations() []chat.ConversationRef {
	return e.store.UnreadConversations()
}

// OnUnreadChanged registers a listener for every unread change. The
// returned function removes the subscription.
func (e *Engine) OnUnreadChanged(fn chat.UnreadHandler) func() {
	return e.bus.SubscribeUnread(fn)
}

// OnConversationUnreadChanged registers a listener for one conversation's
// unread changes.
func (e *Engine) OnConversationUnreadChanged(ref chat.ConversationRef, fn chat.UnreadHandler) func() {
	return e.bus.SubscribeConversation(ref, fn)
}

// OnReadSyncError registers a listener for read receipts that failed to
// persist after retries.
func (e *Engine) OnReadSyncError(fn chat.SyncErrorHandler) func() {
	return e.bus.SubscribeSyncError(fn)
}

// OnIndicatorRefresh registers a coalesced "recompute your unread
// indicator" signal: however many mutations land within one window, the
// listener fires once.
func (e *Engine) OnIndicatorRefresh(fn func()) func() {
	if fn == nil {
		return func() {}
	}

	id := uuid.New().String()
	e.indicatorMu.Lock()
	e.indicatorSubs[id] = fn
	e.indicatorMu.Unlock()

	return func() {
		e.indicatorMu.Lock()
		delete(e.indicatorSubs, id)
		e.indicatorMu.Unlock()
	}
}

func (e *Engine) fireIndicator() {
	e.indicatorMu.Lock()
	subs := make([]func(), 0, len(e.indicatorSubs))
	for _, fn := range e.indicatorSubs {
		subs = append(subs, fn)
	}
	e.indicatorMu.Unlock()

	for _, fn := range subs {
		fn()
	}
}

// OpenConversation marks ref as the conversation the viewer has open: the
// active slot is taken, the badge is zeroed optimistically, and a durable
// read-mark write is scheduled. The returned session must be closed when
// the conversation is closed; an unclosed session stops keeping the slot
// fresh after the watch ceiling.
func (e *Engine) OpenConversation(ref chat.ConversationRef) (*Session, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	previous := e.session
	session := e.tracker.Watch(ref, active.DefaultRefreshInterval, active.DefaultMaxWatch)
	e.session = session
	e.mu.Unlock()

	if previous != nil {
		previous.Close()
	}

	// Active now, so this zeroes the badge and stamps the read mark
	// atomically; the durable write follows on the debounced path. Pending
	// writes for the previously open conversation are left to complete:
	// they are idempotent marks-as-read.
	e.store.MarkReadLocally(ref, time.Time{})
	e.syncer.MarkConversationRead(ref, false)

	return &Session{engine: e, inner: session}, nil
}

// CloseConversation releases the active conversation, if any.
func (e *Engine) CloseConversation() {
	e.mu.Lock()
	session := e.session
	e.session = nil
	e.mu.Unlock()

	if session != nil {
		session.Close()
	}
}

// MarkConversationReadNow records that the viewer explicitly caught up on
// ref: the read mark is stamped locally and the durable write is flushed
// immediately rather than debounced. The badge is zeroed only if ref is the
// open conversation. Returns false for an invalid reference.
func (e *Engine) MarkConversationReadNow(ref chat.ConversationRef) bool {
	if !e.store.MarkReadLocally(ref, time.Time{}) {
		return false
	}
	e.syncer.MarkConversationRead(ref, true)
	return true
}

// SendLocalEcho synthesizes an optimistic message for the viewer's own send
// and claims its temporary id, so the remote echo of the same message is
// not double-processed. The echo's conversation is refreshed if active.
func (e *Engine) SendLocalEcho(ref chat.ConversationRef, body string) chat.Message {
	msg := chat.Message{
		ID:           "tmp-" + uuid.New().String(),
		Conversation: ref,
		SenderID:     e.cfg.ViewerID,
		SentAt:       time.Now().UTC(),
		Body:         body,
		Optimistic:   true,
	}

	e.processing.BeginProcessing(msg.ID)
	e.tracker.Refresh(ref)
	return msg
}

// ReconcileEcho transfers the dedup claim from an optimistic temporary id
// to the id the remote store confirmed.
func (e *Engine) ReconcileEcho(tempID, confirmedID string) {
	e.processing.Rename(tempID, confirmedID)
}

// Session is the scoped handle for an open conversation. Closing it
// releases the active slot deterministically.
type Session struct {
	engine *Engine
	inner  *active.Session

	once sync.Once
}

// Ref returns the conversation this session keeps active.
func (s *Session) Ref() chat.ConversationRef {
	return s.inner.Ref()
}

// Close releases the active slot if this session still holds it.
func (s *Session) Close() {
	s.once.Do(func() {
		s.engine.mu.Lock()
		if s.engine.session == s.inner {
			s.engine.session = nil
		}
		s.engine.mu.Unlock()
		s.inner.Close()
	})
}

// nopClient is used when no remote store is configured; reads seed nothing
// and writes succeed vacuously.
type nopClient struct{}

func (nopClient) MarkConversationRead(context.Context, chat.ConversationRef, string) error {
	return nil
}

func (nopClient) MarkMessageRead(context.Context, string, string, chat.Kind) error {
	return nil
}

func (nopClient) FetchUnreadSummary(context.Context, string) (map[chat.ConversationRef]int, error) {
	return nil, nil
}
