// Package events provides typed publish/subscribe channels for unread-state
// changes and read-receipt sync failures. Each concern has its own
// subscription surface, so listener payloads are compiler-checked rather
// than convention-based.
package events

import (
	"sync"

	"github.com/google/uuid"

	"github.com/aleksrv/clubsync/chat"
)

// Bus is an in-process publisher for the engine's typed events. Handlers
// are invoked synchronously on the publishing goroutine, outside the bus
// lock.
type Bus struct {
	mu          sync.RWMutex
	unreadSubs  map[string]chat.UnreadHandler
	convSubs    map[chat.ConversationRef]map[string]chat.UnreadHandler
	syncErrSubs map[string]chat.SyncErrorHandler
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		unreadSubs:  make(map[string]chat.UnreadHandler),
		convSubs:    make(map[chat.ConversationRef]map[string]chat.UnreadHandler),
		syncErrSubs: make(map[string]chat.SyncErrorHandler),
	}
}

// SubscribeUnread registers a handler for every unread change. The returned
// function removes the subscription.
func (b *Bus) SubscribeUnread(handler chat.UnreadHandler) func() {
	if handler == nil {
		return func() {}
	}

	id := uuid.New().String()
	b.mu.Lock()
	b.unreadSubs[id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.unreadSubs, id)
		b.mu.Unlock()
	}
}

// SubscribeConversation registers a handler for changes to one conversation.
func (b *Bus) SubscribeConversation(ref chat.ConversationRef, handler chat.UnreadHandler) func() {
	if handler == nil {
		return func() {}
	}

	id := uuid.New().String()
	b.mu.Lock()
	subs := b.convSubs[ref]
	if subs == nil {
		subs = make(map[string]chat.UnreadHandler)
		b.convSubs[ref] = subs
	}
	subs[id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		if subs := b.convSubs[ref]; subs != nil {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.convSubs, ref)
			}
		}
		b.mu.Unlock()
	}
}

// SubscribeSyncError registers a handler for read-receipt sync failures.
func (b *Bus) SubscribeSyncError(handler chat.SyncErrorHandler) func() {
	if handler == nil {
		return func() {}
	}

	id := uuid.New().String()
	b.mu.Lock()
	b.syncErrSubs[id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.syncErrSubs, id)
		b.mu.Unlock()
	}
}

// PublishUnread delivers a change to all generic subscribers and, when the
// change names a conversation, to that conversation's subscribers.
func (b *Bus) PublishUnread(change chat.UnreadChange) {
	b.mu.RLock()
	handlers := make([]chat.UnreadHandler, 0, len(b.unreadSubs))
	for _, h := range b.unreadSubs {
		handlers = append(handlers, h)
	}
	if change.Ref != nil {
		for _, h := range b.convSubs[*change.Ref] {
			handlers = append(handlers, h)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(change)
	}
}

// PublishConversationOnly delivers a change to one conversation's
// subscribers without notifying generic listeners. Used when a batched
// mutation already produced a single combined generic event.
func (b *Bus) PublishConversationOnly(change chat.UnreadChange) {
	if change.Ref == nil {
		return
	}

	b.mu.RLock()
	handlers := make([]chat.UnreadHandler, 0, len(b.convSubs[*change.Ref]))
	for _, h := range b.convSubs[*change.Ref] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(change)
	}
}

// PublishSyncError delivers a sync failure to all error subscribers.
func (b *Bus) PublishSyncError(syncErr chat.SyncError) {
	b.mu.RLock()
	handlers := make([]chat.SyncErrorHandler, 0, len(b.syncErrSubs))
	for _, h := range b.syncErrSubs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(syncErr)
	}
}

// Close removes all subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unreadSubs = make(map[string]chat.UnreadHandler)
	b.convSubs = make(map[chat.ConversationRef]map[string]chat.UnreadHandler)
	b.syncErrSubs = make(map[string]chat.SyncErrorHandler)
}
