// Package chat defines the conversation and message types shared by the
// unread synchronization engine and its consumers.
package chat

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies the flavor of a conversation.
type Kind string

const (
	// KindClub is a club group chat.
	KindClub Kind = "club"

	// KindDirect is a one-to-one direct-message thread.
	KindDirect Kind = "direct"
)

// Conversation errors.
var (
	ErrInvalidKind       = errors.New("conversation kind must be club or direct")
	ErrEmptyConversation = errors.New("conversation id is required")
)

// Valid returns true for a known conversation kind.
func (k Kind) Valid() bool {
	return k == KindClub || k == KindDirect
}

// ConversationRef is the identity key for a conversation. It is immutable
// and usable as a map key.
type ConversationRef struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

// NewConversationRef builds a ConversationRef without validating it.
func NewConversationRef(kind Kind, id string) ConversationRef {
	return ConversationRef{Kind: kind, ID: id}
}

// Validate checks that the reference has a known kind and a non-empty id.
func (r ConversationRef) Validate() error {
	if !r.Kind.Valid() {
		return ErrInvalidKind
	}
	if strings.TrimSpace(r.ID) == "" {
		return ErrEmptyConversation
	}
	return nil
}

// IsZero reports whether the reference is unset.
func (r ConversationRef) IsZero() bool {
	return r.Kind == "" && r.ID == ""
}

// String renders the reference as "kind:id".
func (r ConversationRef) String() string {
	return fmt.Sprintf("%s:%s", r.Kind, r.ID)
}
