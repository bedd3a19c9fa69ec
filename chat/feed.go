package chat

import "time"

// FeedEventType categorizes push-feed events.
type FeedEventType string

const (
	FeedInsert FeedEventType = "insert"
	FeedDelete FeedEventType = "delete"
)

// FeedRecord is the wire shape of a message record delivered by the push
// feed. Timestamps are integer milliseconds since the Unix epoch.
type FeedRecord struct {
	ID                    string   `json:"id"`
	ConversationID        string   `json:"conversationId"`
	SenderID              string   `json:"senderId"`
	TimestampMs           int64    `json:"timestamp"`
	Body                  string   `json:"body,omitempty"`
	RecipientsStillUnread []string `json:"recipientsStillUnread,omitempty"`
}

// SentAt converts the wire timestamp to a time.Time.
func (r FeedRecord) SentAt() time.Time {
	return time.UnixMilli(r.TimestampMs).UTC()
}

// FeedEvent is a normalized push-feed event for one conversation kind.
type FeedEvent struct {
	Type   FeedEventType `json:"event"`
	Kind   Kind          `json:"kind"`
	Record FeedRecord    `json:"record"`
}

// Ref derives the conversation reference the event belongs to.
func (e FeedEvent) Ref() ConversationRef {
	return ConversationRef{Kind: e.Kind, ID: e.Record.ConversationID}
}

// Message converts an insert record into a Message.
func (e FeedEvent) Message() Message {
	return Message{
		ID:           e.Record.ID,
		Conversation: e.Ref(),
		SenderID:     e.Record.SenderID,
		SentAt:       e.Record.SentAt(),
		Body:         e.Record.Body,
	}
}
