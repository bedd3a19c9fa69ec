package ingest

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleksrv/clubsync/chat"
	"github.com/aleksrv/clubsync/internal/active"
	"github.com/aleksrv/clubsync/internal/dedupe"
	"github.com/aleksrv/clubsync/internal/events"
	"github.com/aleksrv/clubsync/internal/store"
)

const viewer = "user-1"

var (
	club42  = chat.ConversationRef{Kind: chat.KindClub, ID: "42"}
	direct7 = chat.ConversationRef{Kind: chat.KindDirect, ID: "7"}
)

// fakeSync records read receipts requested by the pipeline.
type fakeSync struct {
	mu        sync.Mutex
	convReads []chat.ConversationRef
	msgReads  []string
}

func (f *fakeSync) MarkConversationRead(ref chat.ConversationRef, immediate bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convReads = append(f.convReads, ref)
}

func (f *fakeSync) MarkMessageRead(messageID string, kind chat.Kind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgReads = append(f.msgReads, messageID)
}

func (f *fakeSync) messageReads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.msgReads...)
}

type fixture struct {
	pipeline *Pipeline
	store    *store.Store
	tracker  *active.Tracker
	sync     *fakeSync
	bus      *events.Bus
}

func setup(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	bus := events.NewBus()
	tracker := active.NewTracker()
	st, err := store.Open(":memory:", tracker, bus)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	fs := &fakeSync{}
	opts = append([]Option{WithBatchDelay(20 * time.Millisecond)}, opts...)
	p := New(viewer, st, tracker, dedupe.NewCache(), fs, opts...)
	t.Cleanup(p.Close)

	return &fixture{pipeline: p, store: st, tracker: tracker, sync: fs, bus: bus}
}

func insertEvent(ref chat.ConversationRef, id, sender string, at time.Time) chat.FeedEvent {
	return chat.FeedEvent{
		Type: chat.FeedInsert,
		Kind: ref.Kind,
		Record: chat.FeedRecord{
			ID:             id,
			ConversationID: ref.ID,
			SenderID:       sender,
			TimestampMs:    at.UnixMilli(),
		},
	}
}

// counter is a handler-safe event tally; bus handlers may run on the
// batch-timer goroutine.
type counter struct {
	mu sync.Mutex
	n  int
}

func (c *counter) inc(chat.UnreadChange) {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *counter) value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func TestPipeline_ActiveConversationNeverBadges(t *testing.T) {
	f := setup(t)
	f.tracker.Set(club42)

	var badges counter
	f.bus.SubscribeUnread(badges.inc)

	f.pipeline.HandleFeedEvent(insertEvent(club42, "m1", "user-2", time.Now()))

	assert.Equal(t, 0, f.store.Badge(club42), "active conversation must stay at zero")
	assert.Equal(t, []string{"m1"}, f.sync.messageReads(), "a read receipt is issued instead")
	assert.Zero(t, badges.value(), "no badge event may fire for the open conversation")
}

func TestPipeline_ActiveConversationRefreshesStamp(t *testing.T) {
	f := setup(t)
	f.tracker.Set(club42)
	before := f.tracker.LastRefreshed()

	time.Sleep(5 * time.Millisecond)
	f.pipeline.HandleFeedEvent(insertEvent(club42, "m1", "user-2", time.Now()))

	assert.True(t, f.tracker.LastRefreshed().After(before), "inbound message must refresh the active stamp")
}

func TestPipeline_FirstUnreadAppliesImmediately(t *testing.T) {
	f := setup(t)

	var scoped counter
	f.bus.SubscribeConversation(direct7, scoped.inc)

	f.pipeline.HandleFeedEvent(insertEvent(direct7, "m1", "user-2", time.Now()))

	// No batching window: the first badge appearance is synchronous.
	assert.Equal(t, 1, f.store.Badge(direct7))
	assert.Equal(t, 1, f.store.Total())
	assert.Equal(t, 1, scoped.value(), "conversation-specific event fires for the first unread")
}

func TestPipeline_BurstCoalescesIntoOneFlush(t *testing.T) {
	f := setup(t)

	var generic counter
	f.bus.SubscribeUnread(generic.inc)

	now := time.Now()
	f.pipeline.HandleFeedEvent(insertEvent(direct7, "m1", "user-2", now))
	f.pipeline.HandleFeedEvent(insertEvent(direct7, "m2", "user-2", now.Add(time.Millisecond)))
	f.pipeline.HandleFeedEvent(insertEvent(direct7, "m3", "user-2", now.Add(2*time.Millisecond)))

	time.Sleep(80 * time.Millisecond)

	assert.Equal(t, 3, f.store.Badge(direct7))
	// One generic event from the immediate first message, one combined
	// event for the batched pair.
	assert.Equal(t, 2, generic.value())
}

func TestPipeline_DuplicateDeliveryCountsOnce(t *testing.T) {
	f := setup(t)

	ev := insertEvent(direct7, "m1", "user-2", time.Now())
	f.pipeline.HandleFeedEvent(ev)
	f.pipeline.HandleFeedEvent(ev)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.store.Badge(direct7), "same message id mutates state once")
}

func TestPipeline_OwnMessagesNeverCount(t *testing.T) {
	f := setup(t)

	f.pipeline.HandleFeedEvent(insertEvent(direct7, "m1", viewer, time.Now()))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f.store.Badge(direct7))
	assert.Empty(t, f.sync.messageReads())
}

func TestPipeline_ReadElsewhereSuppressed(t *testing.T) {
	f := setup(t)

	ev := insertEvent(direct7, "m1", "user-2", time.Now())
	ev.Record.RecipientsStillUnread = []string{"user-3"}
	f.pipeline.HandleFeedEvent(ev)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f.store.Badge(direct7), "message already read on another device must not badge")
}

func TestPipeline_ReplayBeforeReadMarkSuppressed(t *testing.T) {
	f := setup(t)

	at := time.Now().UTC()
	f.store.MarkReadLocally(direct7, at)

	f.pipeline.HandleFeedEvent(insertEvent(direct7, "m1", "user-2", at.Add(-time.Second)))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f.store.Badge(direct7), "messages older than the read mark are covered")
}

func TestPipeline_MalformedEventDropped(t *testing.T) {
	f := setup(t)

	ev := insertEvent(direct7, "m1", "user-2", time.Now())
	ev.Record.ConversationID = ""
	f.pipeline.HandleFeedEvent(ev)

	ev2 := insertEvent(direct7, "", "user-2", time.Now())
	f.pipeline.HandleFeedEvent(ev2)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f.store.Total())
}

func TestPipeline_DeletionInvokesHookWithoutDecrement(t *testing.T) {
	var deleted []string
	f := setup(t, WithDeleteHook(func(kind chat.Kind, messageID string) {
		deleted = append(deleted, messageID)
	}))

	f.pipeline.HandleFeedEvent(insertEvent(direct7, "m1", "user-2", time.Now()))
	require.Equal(t, 1, f.store.Badge(direct7))

	f.pipeline.HandleFeedEvent(chat.FeedEvent{
		Type:   chat.FeedDelete,
		Kind:   chat.KindDirect,
		Record: chat.FeedRecord{ID: "m1", ConversationID: direct7.ID},
	})

	assert.Equal(t, []string{"m1"}, deleted)
	assert.Equal(t, 1, f.store.Badge(direct7), "deletion never decrements an already-counted badge")
}

func TestPipeline_CloseFlushesPending(t *testing.T) {
	f := setup(t)

	now := time.Now()
	f.pipeline.HandleFeedEvent(insertEvent(direct7, "m1", "user-2", now))
	f.pipeline.HandleFeedEvent(insertEvent(direct7, "m2", "user-2", now.Add(time.Millisecond)))

	f.pipeline.Close()
	assert.Equal(t, 2, f.store.Badge(direct7), "queued increments apply on close")
}
