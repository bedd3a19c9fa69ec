// Package syncer pushes "conversation read" and "message read" facts to the
// remote store. Writes are debounced per operation and identity, retried on
// a fixed backoff schedule, and fully decoupled from the optimistic local
// update: a failed write surfaces as a diagnostic event, never as an error
// to the caller, and never reverts local state.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aleksrv/clubsync/chat"
	"github.com/aleksrv/clubsync/internal/debounce"
	"github.com/aleksrv/clubsync/internal/dedupe"
	"github.com/aleksrv/clubsync/internal/events"
	"github.com/aleksrv/clubsync/internal/logging"
	"github.com/aleksrv/clubsync/internal/remote"
)

const (
	conversationReadDelay = 500 * time.Millisecond
	messageReadDelay      = 300 * time.Millisecond

	// maxWriteAttempts caps a write at three tries total, however many
	// backoff delays the schedule carries.
	maxWriteAttempts = 3
)

// op is the kind of persistence write being debounced.
type op int

const (
	opConversationRead op = iota
	opMessageRead
)

// key identifies one debounced write: the operation plus the identity it
// applies to. Typed keys keep distinct call sites from colliding the way
// ad hoc string keys can.
type key struct {
	op   op
	kind chat.Kind
	id   string
}

// Syncer is the persistence synchronizer.
type Syncer struct {
	remote      remote.Client
	viewerID    func() string
	bus         *events.Bus
	sched       *debounce.Scheduler[key]
	inflight    *dedupe.Cache
	logger      zerolog.Logger
	retryDelays []time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithRetryDelays overrides the fixed retry schedule, for tests.
func WithRetryDelays(delays []time.Duration) Option {
	return func(s *Syncer) {
		if len(delays) > 0 {
			s.retryDelays = delays
		}
	}
}

// New creates a Syncer. viewerID is resolved at write time, not at
// scheduling time, so a re-authenticated session writes under the current
// identity.
func New(client remote.Client, viewerID func() string, bus *events.Bus, opts ...Option) *Syncer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Syncer{
		remote:      client,
		viewerID:    viewerID,
		bus:         bus,
		sched:       debounce.NewScheduler[key](),
		inflight:    dedupe.NewCache(),
		logger:      logging.Component("read-syncer"),
		retryDelays: []time.Duration{time.Second, 3 * time.Second, 5 * time.Second},
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MarkConversationRead schedules a debounced "conversation read" write.
// With immediate set, the pending write is force-flushed right away,
// collapsing latency to ~0 while reusing the same retry machinery.
func (s *Syncer) MarkConversationRead(ref chat.ConversationRef, immediate bool) {
	if err := ref.Validate(); err != nil {
		s.logger.Warn().Err(err).Msg("rejecting conversation read sync")
		return
	}

	k := key{op: opConversationRead, kind: ref.Kind, id: ref.ID}
	s.sched.Schedule(k, func() {
		s.spawn(func(ctx context.Context) {
			s.writeConversationRead(ctx, ref)
		})
	}, conversationReadDelay)

	if immediate {
		s.sched.ForceFlush(k)
	}
}

// MarkMessageRead schedules a debounced "message read" write. A message id
// already claimed in-flight is skipped, so a receipt retried through an
// overlapping delivery path is written once.
func (s *Syncer) MarkMessageRead(messageID string, kind chat.Kind) {
	if messageID == "" {
		s.logger.Warn().Msg("rejecting message read sync with empty id")
		return
	}
	if !s.inflight.BeginProcessing("read:" + messageID) {
		return
	}

	k := key{op: opMessageRead, kind: kind, id: messageID}
	s.sched.Schedule(k, func() {
		s.spawn(func(ctx context.Context) {
			s.writeMessageRead(ctx, messageID, kind)
		})
	}, messageReadDelay)
}

// Close cancels outstanding retries and waits for in-flight writes.
func (s *Syncer) Close() {
	s.sched.Close()
	s.cancel()
	s.wg.Wait()
}

// spawn runs a write on its own goroutine so neither debounce timers nor a
// force-flushing caller block on network I/O.
func (s *Syncer) spawn(write func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		write(s.ctx)
	}()
}

func (s *Syncer) writeConversationRead(ctx context.Context, ref chat.ConversationRef) {
	viewer := s.viewerID()
	err := s.withRetries(ctx, func(ctx context.Context) error {
		return s.remote.MarkConversationRead(ctx, ref, viewer)
	})
	if err == nil || ctx.Err() != nil {
		return
	}

	logger := logging.WithConversation(s.logger, ref)
	logger.Warn().Err(err).Str("viewer_id", viewer).Msg("conversation read receipt not synced")
	if s.bus != nil {
		s.bus.PublishSyncError(chat.SyncError{Ref: ref, Err: err})
	}
}

func (s *Syncer) writeMessageRead(ctx context.Context, messageID string, kind chat.Kind) {
	viewer := s.viewerID()
	err := s.withRetries(ctx, func(ctx context.Context) error {
		return s.remote.MarkMessageRead(ctx, messageID, viewer, kind)
	})
	if err == nil || ctx.Err() != nil {
		return
	}

	s.logger.Warn().Err(err).Str("message_id", messageID).Msg("message read receipt not synced")
	if s.bus != nil {
		s.bus.PublishSyncError(chat.SyncError{
			Ref:       chat.ConversationRef{Kind: kind},
			MessageID: messageID,
			Err:       err,
		})
	}
}

// withRetries tries the write up to maxWriteAttempts times, sleeping the
// fixed backoff schedule between tries. It returns the last error once the
// attempt budget is spent.
func (s *Syncer) withRetries(ctx context.Context, attempt func(ctx context.Context) error) error {
	var err error
	for try := 0; try < maxWriteAttempts; try++ {
		if try > 0 {
			delay := s.retryDelays[len(s.retryDelays)-1]
			if try-1 < len(s.retryDelays) {
				delay = s.retryDelays[try-1]
			}
			if !sleepCtx(ctx, delay) {
				return ctx.Err()
			}
		}
		if err = attempt(ctx); err == nil {
			return nil
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
