package chat

// UnreadChange describes an observable unread-state mutation.
type UnreadChange struct {
	// Ref is the conversation that changed, or nil when only the total is
	// being re-announced (e.g. after a batch spanning conversations).
	Ref *ConversationRef

	// Count is the conversation's badge after the mutation (0 when Ref is nil).
	Count int

	// Total is the total badge across all conversations after the mutation.
	Total int
}

// SyncError reports that a read receipt could not be persisted remotely
// after exhausting retries. Local state is already consistent; observers
// may surface a non-blocking warning.
type SyncError struct {
	// Ref names the conversation whose receipt failed. For a single-message
	// receipt only the kind may be known.
	Ref ConversationRef

	// MessageID is set when the failed receipt was for one message.
	MessageID string

	Err error
}

// UnreadHandler receives unread-change events.
type UnreadHandler func(UnreadChange)

// SyncErrorHandler receives read-receipt sync failures.
type SyncErrorHandler func(SyncError)
