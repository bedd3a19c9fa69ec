package chat

import (
	"errors"
	"strings"
	"time"
)

// Message errors.
var (
	ErrEmptyMessageID = errors.New("message id is required")
	ErrEmptySender    = errors.New("sender id is required")
)

// Message is a chat message as seen by the unread engine. It may originate
// from the remote feed or be synthesized locally as an optimistic echo of
// the viewer's own send; optimistic copies carry a temporary id until the
// remote write confirms.
type Message struct {
	ID           string          `json:"id"`
	Conversation ConversationRef `json:"conversation"`
	SenderID     string          `json:"sender_id"`
	SentAt       time.Time       `json:"sent_at"`
	Body         string          `json:"body,omitempty"`

	// Optimistic marks a local echo whose id has not been confirmed yet.
	Optimistic bool `json:"optimistic,omitempty"`
}

// Validate checks the fields the unread engine depends on.
func (m Message) Validate() error {
	if err := m.Conversation.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(m.ID) == "" {
		return ErrEmptyMessageID
	}
	if strings.TrimSpace(m.SenderID) == "" {
		return ErrEmptySender
	}
	return nil
}
