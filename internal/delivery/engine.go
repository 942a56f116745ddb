// Package delivery implements the send path shared by the WebSocket and HTTP
// entry points: validate, resolve the conversation, persist the entry, then
// push it to every live connection of the recipient.
package delivery

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/whisper/dmserver/internal/chat"
	"github.com/whisper/dmserver/internal/conversation"
	"github.com/whisper/dmserver/internal/messaging"
	"github.com/whisper/dmserver/internal/metrics"
	"github.com/whisper/dmserver/internal/protocol"
)

// Channel labels for SendRequest.Channel.
const (
	ChannelWS   = "ws"
	ChannelHTTP = "http"
)

// Pusher writes a frame to one live connection. The ws server satisfies it.
type Pusher interface {
	SendMessage(connID string, data []byte) error
}

// Presence resolves a user to the handles of its live connections.
type Presence interface {
	ConnectionsFor(userID string) []string
}

// Publisher receives an event for every persisted message.
type Publisher interface {
	PublishMessageCreated(ev messaging.MessageCreated) error
}

// SendRequest is one inbound message from a client.
type SendRequest struct {
	SenderID    string
	RecipientID string
	Type        chat.Type
	Message     string
	Channel     string // ChannelWS or ChannelHTTP, used for metrics
}

// Engine persists messages and fans them out to connected recipients.
type Engine struct {
	resolver  *conversation.Resolver
	entries   chat.Store
	presence  Presence
	pusher    Pusher
	publisher Publisher // optional
}

// NewEngine creates an Engine. pusher may be nil, in which case entries are
// persisted but never pushed (HTTP-only deployments and tests).
func NewEngine(resolver *conversation.Resolver, entries chat.Store, presence Presence, pusher Pusher) *Engine {
	return &Engine{
		resolver: resolver,
		entries:  entries,
		presence: presence,
		pusher:   pusher,
	}
}

// SetPublisher attaches the event feed. Publishing is best effort.
func (e *Engine) SetPublisher(p Publisher) {
	e.publisher = p
}

// HandleSend validates and persists req, then pushes the new entry to the
// recipient's live connections. Validation failures return a
// *chat.ValidationError; persistence failures wrap storage.ErrNotPersisted and
// nothing is pushed. An offline recipient is not an error.
func (e *Engine) HandleSend(ctx context.Context, req SendRequest) (*chat.Entry, error) {
	start := time.Now()
	channel := req.Channel
	if channel == "" {
		channel = ChannelWS
	}
	defer func() {
		metrics.SendLatency.WithLabelValues(channel).Observe(time.Since(start).Seconds())
	}()

	if err := chat.Validate(req.SenderID, req.RecipientID, req.Type, req.Message); err != nil {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		return nil, err
	}

	conv, err := e.resolver.Resolve(ctx, req.SenderID, req.RecipientID, req.Message)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		log.Printf("[delivery] resolve failed sender=%s recipient=%s: %v", req.SenderID, req.RecipientID, err)
		return nil, fmt.Errorf("delivery: resolve conversation: %w", err)
	}

	entry, err := e.entries.Append(ctx, conv.ID, req.Type, req.Message)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		log.Printf("[delivery] append failed conversation=%s: %v", conv.ID, err)
		return nil, fmt.Errorf("delivery: append entry: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues(metrics.OutcomePersisted).Inc()

	delivered := e.push(req.RecipientID, entry)
	if delivered > 0 {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeDelivered).Inc()
	} else {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeUndelivered).Inc()
	}

	if e.publisher != nil {
		ev := messaging.MessageCreated{
			ConversationID: conv.ID,
			SenderID:       req.SenderID,
			RecipientID:    req.RecipientID,
			Entry:          entry,
			Delivered:      delivered,
		}
		if err := e.publisher.PublishMessageCreated(ev); err != nil {
			log.Printf("[delivery] publish message.created failed conversation=%s: %v", conv.ID, err)
		}
	}

	return entry, nil
}

// push sends a receiveMessage frame to each live connection of userID and
// returns how many writes succeeded.
func (e *Engine) push(userID string, entry *chat.Entry) int {
	if e.pusher == nil || e.presence == nil {
		return 0
	}
	handles := e.presence.ConnectionsFor(userID)
	if len(handles) == 0 {
		return 0
	}

	data, err := protocol.NewServerMessage(protocol.TypeReceiveMessage, entry)
	if err != nil {
		log.Printf("[delivery] failed to build receiveMessage entry=%s: %v", entry.ID, err)
		return 0
	}

	delivered := 0
	for _, h := range handles {
		if err := e.pusher.SendMessage(h, data); err != nil {
			metrics.PushFailures.Inc()
			log.Printf("[delivery] push failed user=%s conn=%s: %v", userID, h, err)
			continue
		}
		delivered++
	}
	return delivered
}
