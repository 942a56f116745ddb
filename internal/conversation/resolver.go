package conversation

import (
	"context"
	"errors"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/dmserver/internal/storage"
)

// Resolver finds or creates the conversation for a participant pair.
//
// The find-then-update sequence is not atomic: two concurrent sends on the
// same pair may both read the record and the last write wins on LastMessage
// and ModifiedAt. Entries are appended independently, so no message is lost.
type Resolver struct {
	store Store
	now   func() time.Time
}

// NewResolver creates a Resolver backed by store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store, now: time.Now}
}

// Resolve returns the conversation between senderID and recipientID,
// regardless of which of them started it, creating it when absent.
//
// A non-empty message is recorded as LastMessage and bumps ModifiedAt.
// An empty message is a read-only lookup: an existing conversation is
// returned untouched and nothing is written.
func (r *Resolver) Resolve(ctx context.Context, senderID, recipientID, message string) (*Conversation, error) {
	conv, err := r.find(ctx, senderID, recipientID)
	if err != nil {
		return nil, err
	}

	if conv == nil {
		conv, err = r.create(ctx, senderID, recipientID, message)
		if err == nil || !errors.Is(err, storage.ErrConflict) {
			return conv, err
		}
		// Lost the create race to a concurrent first message on this pair.
		log.Printf("[conversation] create conflict sender=%s recipient=%s, re-reading", senderID, recipientID)
		conv, err = r.find(ctx, senderID, recipientID)
		if err != nil {
			return nil, err
		}
		if conv == nil {
			return nil, storage.NotPersisted("conversation: resolve after conflict", storage.ErrNotFound)
		}
	}

	if message == "" {
		return conv, nil
	}

	conv.LastMessage = message
	conv.ModifiedAt = r.now()
	if err := r.store.Update(ctx, conv); err != nil {
		return nil, storage.NotPersisted("conversation: update", err)
	}
	return conv, nil
}

// Lookup is the read path of Resolve: it never changes an existing
// conversation but still creates one for a pair that has none.
func (r *Resolver) Lookup(ctx context.Context, userA, userB string) (*Conversation, error) {
	return r.Resolve(ctx, userA, userB, "")
}

// ListForUser returns every conversation userID takes part in, most
// recently modified first.
func (r *Resolver) ListForUser(ctx context.Context, userID string) ([]*Conversation, error) {
	convs, err := r.store.ListForUser(ctx, userID)
	if err != nil {
		return nil, storage.NotPersisted("conversation: list", err)
	}
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].ModifiedAt.After(convs[j].ModifiedAt)
	})
	return convs, nil
}

// find checks both orientations of the pair.
func (r *Resolver) find(ctx context.Context, senderID, recipientID string) (*Conversation, error) {
	conv, err := r.store.FindByPair(ctx, senderID, recipientID)
	if err != nil {
		return nil, storage.NotPersisted("conversation: find", err)
	}
	if conv != nil {
		return conv, nil
	}

	conv, err = r.store.FindByPair(ctx, recipientID, senderID)
	if err != nil {
		return nil, storage.NotPersisted("conversation: find swapped", err)
	}
	return conv, nil
}

func (r *Resolver) create(ctx context.Context, senderID, recipientID, message string) (*Conversation, error) {
	now := r.now()
	conv := &Conversation{
		ID:          uuid.NewString(),
		SenderID:    senderID,
		RecipientID: recipientID,
		LastMessage: message,
		CreatedAt:   now,
		ModifiedAt:  now,
	}
	if err := r.store.Create(ctx, conv); err != nil {
		return nil, storage.NotPersisted("conversation: create", err)
	}
	return conv, nil
}
