// Package messaging provides a NATS client wrapper for the direct-messaging
// event feed. Every persisted message is published on dm.message.<recipientId>
// so that other services (notifications, audit, a second server instance) can
// observe traffic without touching the delivery path.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/whisper/dmserver/internal/chat"
)

// NATS subject patterns.
const (
	SubjectMessageCreated = "dm.message" // + .<recipient_id>
)

// MessageCreated is the event published after a message has been persisted.
type MessageCreated struct {
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	RecipientID    string      `json:"recipientId"`
	Entry          *chat.Entry `json:"entry"`
	Delivered      int         `json:"delivered"` // live connections the entry was pushed to
}

// MessageSubject returns the subject a recipient's events are published on.
func MessageSubject(recipientID string) string {
	return SubjectMessageCreated + "." + recipientID
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "dmserver",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishMessageCreated encodes ev and publishes it on the recipient's subject.
func (c *NATSClient) PublishMessageCreated(ev MessageCreated) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("nats: marshal message.created: %w", err)
	}
	return c.Publish(MessageSubject(ev.RecipientID), data)
}

// SubscribeMessageCreated subscribes to events addressed to recipientID.
// Malformed payloads are logged and dropped.
func (c *NATSClient) SubscribeMessageCreated(recipientID string, handler func(ev MessageCreated)) error {
	return c.Subscribe(MessageSubject(recipientID), func(msg *nats.Msg) {
		var ev MessageCreated
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("[nats] bad message.created on %s: %v", msg.Subject, err)
			return
		}
		handler(ev)
	})
}

// UnsubscribeMessageCreated removes the subscription for recipientID.
func (c *NATSClient) UnsubscribeMessageCreated(recipientID string) error {
	return c.unsubscribe(MessageSubject(recipientID))
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}
