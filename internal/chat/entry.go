// Package chat holds the chat entry model and the persistence contract for
// individual messages. Every entry belongs to exactly one conversation.
package chat

import (
	"context"
	"time"
)

// Type is the kind of content carried by an entry. For image and video the
// message text is a reference (usually a URL) and is not validated here.
type Type string

const (
	TypeText  Type = "text"
	TypeImage Type = "image"
	TypeVideo Type = "video"
)

// Valid reports whether t is one of the supported entry types.
func (t Type) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeVideo:
		return true
	}
	return false
}

// Entry is one persisted message. ConversationID is serialized as
// "messageId" to stay compatible with existing clients.
type Entry struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"messageId"`
	Type           Type      `json:"type"`
	Message        string    `json:"message"`
	LikeCount      int       `json:"likeCount"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Store persists entries. Implementations wrap failures with
// storage.ErrNotPersisted and never retry.
type Store interface {
	// Append creates a new entry with LikeCount 0 and CreatedAt set to now.
	Append(ctx context.Context, conversationID string, typ Type, message string) (*Entry, error)

	// ListByConversation returns the entries of a conversation in creation order.
	ListByConversation(ctx context.Context, conversationID string) ([]*Entry, error)
}
