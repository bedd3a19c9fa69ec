package clubsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleksrv/clubsync/chat"
)

var (
	club42  = chat.ConversationRef{Kind: chat.KindClub, ID: "42"}
	direct7 = chat.ConversationRef{Kind: chat.KindDirect, ID: "7"}
)

// memoryRemote records receipt writes and serves a canned unread summary.
type memoryRemote struct {
	mu        sync.Mutex
	summary   map[chat.ConversationRef]int
	convReads []chat.ConversationRef
	msgReads  []string
	fail      bool
}

func (m *memoryRemote) MarkConversationRead(ctx context.Context, ref chat.ConversationRef, viewerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("remote unavailable")
	}
	m.convReads = append(m.convReads, ref)
	return nil
}

func (m *memoryRemote) MarkMessageRead(ctx context.Context, messageID, viewerID string, kind chat.Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("remote unavailable")
	}
	m.msgReads = append(m.msgReads, messageID)
	return nil
}

func (m *memoryRemote) FetchUnreadSummary(ctx context.Context, viewerID string) (map[chat.ConversationRef]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, errors.New("remote unavailable")
	}
	return m.summary, nil
}

func (m *memoryRemote) conversationReads() []chat.ConversationRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]chat.ConversationRef(nil), m.convReads...)
}

func (m *memoryRemote) messageReads() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.msgReads...)
}

func newTestEngine(t *testing.T, remote *memoryRemote, opts ...Option) *Engine {
	t.Helper()
	cfg := Config{ViewerID: "user-1", CachePath: ":memory:"}
	opts = append([]Option{WithRemoteClient(remote), WithBatchDelay(20 * time.Millisecond)}, opts...)
	e, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func incoming(ref chat.ConversationRef, id, sender string) chat.FeedEvent {
	return chat.FeedEvent{
		Type: chat.FeedInsert,
		Kind: ref.Kind,
		Record: chat.FeedRecord{
			ID:             id,
			ConversationID: ref.ID,
			SenderID:       sender,
			TimestampMs:    time.Now().UnixMilli(),
		},
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(Config{CachePath: ":memory:"})
	assert.ErrorIs(t, err, ErrViewerRequired)

	_, err = New(Config{ViewerID: "user-1"})
	assert.ErrorIs(t, err, ErrCachePathRequired)
}

func TestEngine_StartSeedsFromSummary(t *testing.T) {
	remote := &memoryRemote{summary: map[chat.ConversationRef]int{club42: 3, direct7: 1}}
	e := newTestEngine(t, remote)

	require.NoError(t, e.Start(context.Background()))

	assert.Equal(t, 3, e.ConversationUnread(club42))
	assert.Equal(t, 1, e.ConversationUnread(direct7))
	assert.Equal(t, 4, e.TotalUnread())
	assert.ElementsMatch(t, []chat.ConversationRef{club42, direct7}, e.UnreadConversations())
}

func TestEngine_StartSurvivesSeedFailure(t *testing.T) {
	e := newTestEngine(t, &memoryRemote{fail: true})

	require.NoError(t, e.Start(context.Background()), "an unreachable remote must not fail startup")
	assert.Zero(t, e.TotalUnread())
}

func TestEngine_OpenConversationReadsWhileViewing(t *testing.T) {
	remote := &memoryRemote{}
	e := newTestEngine(t, remote)

	session, err := e.OpenConversation(club42)
	require.NoError(t, err)
	defer session.Close()

	e.HandleFeedEvent(incoming(club42, "m1", "user-2"))

	assert.Zero(t, e.ConversationUnread(club42), "messages for the open conversation never badge")
	waitFor(t, func() bool { return len(remote.messageReads()) == 1 },
		"a read receipt should be pushed for the viewed message")
}

func TestEngine_UnreadFlowAndCatchUp(t *testing.T) {
	remote := &memoryRemote{}
	e := newTestEngine(t, remote)

	e.HandleFeedEvent(incoming(direct7, "m1", "user-2"))
	e.HandleFeedEvent(incoming(direct7, "m2", "user-2"))

	waitFor(t, func() bool { return e.ConversationUnread(direct7) == 2 }, "both messages should badge")
	assert.Equal(t, 2, e.TotalUnread())

	session, err := e.OpenConversation(direct7)
	require.NoError(t, err)
	defer session.Close()

	assert.Zero(t, e.ConversationUnread(direct7), "opening the conversation clears its badge")
	assert.Zero(t, e.TotalUnread())
	waitFor(t, func() bool { return len(remote.conversationReads()) >= 1 },
		"a conversation read receipt should follow the open")
}

func TestEngine_SwitchingConversationsMovesActiveSlot(t *testing.T) {
	remote := &memoryRemote{}
	e := newTestEngine(t, remote)

	first, err := e.OpenConversation(club42)
	require.NoError(t, err)
	second, err := e.OpenConversation(direct7)
	require.NoError(t, err)
	defer second.Close()

	// The first session is superseded: messages for it badge again.
	e.HandleFeedEvent(incoming(club42, "m1", "user-2"))
	waitFor(t, func() bool { return e.ConversationUnread(club42) == 1 },
		"a message for the superseded conversation must badge")

	// Closing the stale handle must not release the new session's slot.
	first.Close()
	e.HandleFeedEvent(incoming(direct7, "m2", "user-2"))
	assert.Zero(t, e.ConversationUnread(direct7))
}

func TestEngine_ReopenSameConversationStaysActive(t *testing.T) {
	remote := &memoryRemote{}
	e := newTestEngine(t, remote)

	first, err := e.OpenConversation(club42)
	require.NoError(t, err)

	// A routine re-render reopens the same conversation; the superseded
	// handle is closed underneath the new one.
	second, err := e.OpenConversation(club42)
	require.NoError(t, err)
	defer second.Close()
	first.Close()

	e.HandleFeedEvent(incoming(club42, "m1", "user-2"))
	assert.Zero(t, e.ConversationUnread(club42), "the open conversation must not badge after a same-ref reopen")
	waitFor(t, func() bool { return len(remote.messageReads()) == 1 },
		"the viewed message should still get a read receipt")
}

func TestEngine_MarkConversationReadNow(t *testing.T) {
	remote := &memoryRemote{}
	e := newTestEngine(t, remote)

	e.HandleFeedEvent(incoming(club42, "m1", "user-2"))
	waitFor(t, func() bool { return e.ConversationUnread(club42) == 1 }, "message should badge")

	require.True(t, e.MarkConversationReadNow(club42))
	waitFor(t, func() bool { return len(remote.conversationReads()) == 1 },
		"an explicit catch-up flushes the receipt immediately")

	// Not the open conversation, so the badge stays; only the mark moved.
	assert.Equal(t, 1, e.ConversationUnread(club42))

	// Messages older than the new mark are suppressed on replay.
	old := incoming(club42, "m2", "user-2")
	old.Record.TimestampMs = time.Now().Add(-time.Minute).UnixMilli()
	e.HandleFeedEvent(old)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, e.ConversationUnread(club42))

	assert.False(t, e.MarkConversationReadNow(chat.ConversationRef{}))
}

func TestEngine_LocalEchoNotCounted(t *testing.T) {
	remote := &memoryRemote{}
	e := newTestEngine(t, remote)

	msg := e.SendLocalEcho(direct7, "hello")
	assert.True(t, msg.Optimistic)
	assert.Equal(t, "user-1", msg.SenderID)

	// The remote echo arrives under a confirmed id.
	e.ReconcileEcho(msg.ID, "srv-1")
	echo := incoming(direct7, "srv-1", "user-1")
	e.HandleFeedEvent(echo)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, e.ConversationUnread(direct7), "the viewer's own message must never badge")
}

func TestEngine_IndicatorRefreshCoalesces(t *testing.T) {
	remote := &memoryRemote{}
	e := newTestEngine(t, remote)

	var mu sync.Mutex
	fired := 0
	unsubscribe := e.OnIndicatorRefresh(func() {
		mu.Lock()
		fired++
		mu.Unlock()
	})
	defer unsubscribe()

	e.HandleFeedEvent(incoming(direct7, "m1", "user-2"))
	e.HandleFeedEvent(incoming(direct7, "m2", "user-2"))
	e.HandleFeedEvent(incoming(club42, "m3", "user-2"))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired >= 1
	}, "indicator refresh never fired")

	time.Sleep(80 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, fired, 2, "refreshes within one window must coalesce")
	assert.Equal(t, 3, e.TotalUnread())
}

func TestEngine_SyncErrorObservable(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the full retry schedule")
	}

	remote := &memoryRemote{fail: true}
	e := newTestEngine(t, remote)

	errCh := make(chan chat.SyncError, 1)
	unsubscribe := e.OnReadSyncError(func(se chat.SyncError) {
		select {
		case errCh <- se:
		default:
		}
	})
	defer unsubscribe()

	require.True(t, e.MarkConversationReadNow(club42))

	select {
	case se := <-errCh:
		assert.Equal(t, club42, se.Ref)
		assert.Error(t, se.Err)
	case <-time.After(15 * time.Second):
		t.Fatal("expected a sync error once retries are exhausted")
	}
}

func TestEngine_CloseIsIdempotent(t *testing.T) {
	e := newTestEngine(t, &memoryRemote{})

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err := e.OpenConversation(club42)
	assert.ErrorIs(t, err, ErrEngineClosed)
	assert.ErrorIs(t, e.Start(context.Background()), ErrEngineClosed)
}
