// Package conversation resolves the single conversation shared by two
// participants and keeps its metadata current as messages are sent.
package conversation

import (
	"context"
	"time"
)

// Conversation is a persisted two-party thread. SenderID and RecipientID
// record who started it; lookups treat the pair as unordered.
type Conversation struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"senderId"`
	RecipientID string    `json:"recipientId"`
	LastMessage string    `json:"lastMessage"`
	CreatedAt   time.Time `json:"createdAt"`
	ModifiedAt  time.Time `json:"modifiedAt"`
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	return userID == c.SenderID || userID == c.RecipientID
}

// Partner returns the other participant, or "" if userID is not part of
// the conversation.
func (c *Conversation) Partner(userID string) string {
	if userID == c.SenderID {
		return c.RecipientID
	}
	if userID == c.RecipientID {
		return c.SenderID
	}
	return ""
}

// Store is the persistence contract the resolver depends on.
//
// FindByPair matches the exact (senderID, recipientID) orientation and
// returns nil, nil when no record exists. Create returns storage.ErrConflict
// when another record for the same unordered pair already exists.
type Store interface {
	FindByPair(ctx context.Context, senderID, recipientID string) (*Conversation, error)
	Create(ctx context.Context, c *Conversation) error
	Update(ctx context.Context, c *Conversation) error
	ListForUser(ctx context.Context, userID string) ([]*Conversation, error)
}
