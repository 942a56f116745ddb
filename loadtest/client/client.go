// Package client provides a reusable WebSocket load test client for the
// direct-messaging server. It connects using gobwas/ws (the same library the
// server uses), records the sessionCreated handshake, and tracks
// per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Protocol message types (local equivalents of internal/protocol constants)
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeRegister    = "register"
	TypeSendMessage = "sendMessage"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated = "sessionCreated"
	TypeReceiveMessage = "receiveMessage"
	TypeError          = "error"
	TypePong           = "pong"
)

// Envelope is the frame shape used in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Entry is the payload of a receiveMessage frame.
type Entry struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"messageId"`
	Type           string    `json:"type"`
	Message        string    `json:"message"`
	LikeCount      int       `json:"likeCount"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ErrorPayload is the payload of an error frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	FirstMsgLatency  time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client represents a single simulated user connection to the server. It
// manages the WebSocket lifecycle, dispatches incoming frames to registered
// handlers, and records the session ID the server assigns.
type Client struct {
	conn      net.Conn
	sessionID atomic.Value // string
	mu        sync.Mutex // serializes frame writes
	mmu       sync.Mutex // guards metrics and firstMsg
	metrics   Metrics
	hmu       sync.RWMutex
	handlers  map[string]func(json.RawMessage)
	done      chan struct{}
	readDone  chan struct{} // closed when readLoop exits
	closeOnce sync.Once
	started   time.Time
	firstMsg  time.Time
}

// New creates a new load test client connected to the given WebSocket URL.
// The connection is established immediately and a background goroutine begins
// reading frames. Handlers must be registered with On before frames of that
// type arrive.
func New(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		started:  start,
		conn:     conn,
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	// Start reading messages in background.
	go c.readLoop()

	return c, nil
}

// Send sends a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mmu.Lock()
	c.metrics.MessagesSent++
	c.mmu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// Register binds this connection to userID.
func (c *Client) Register(userID string) error {
	return c.sendEnvelope(TypeRegister, map[string]string{"userId": userID})
}

// SendMessage asks the server to persist and deliver a message.
func (c *Client) SendMessage(senderID, recipientID, typ, message string) error {
	return c.sendEnvelope(TypeSendMessage, map[string]string{
		"senderId":    senderID,
		"recipientId": recipientID,
		"type":        typ,
		"message":     message,
	})
}

// Ping sends an application-level ping; the server answers with pong.
func (c *Client) Ping() error {
	return c.Send(Envelope{Type: TypePing})
}

func (c *Client) sendEnvelope(typ string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", typ, err)
	}
	return c.Send(Envelope{Type: typ, Data: data})
}

// On registers a handler for a specific server message type. The handler
// receives the raw data payload of the frame.
// Handlers are invoked from the read loop goroutine so they should not block
// for extended periods. Only one handler per message type is supported;
// registering a second handler for the same type replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.hmu.Lock()
	c.handlers[msgType] = handler
	c.hmu.Unlock()
}

// WaitForSession blocks until the server has assigned a session ID or the
// context is cancelled. This is useful for coordinating load test phases
// that depend on the handshake being complete.
func (c *Client) WaitForSession(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return fmt.Errorf("connection closed before session was created")
		case <-ticker.C:
			if c.SessionID() != "" {
				return nil
			}
		}
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// SessionID returns the session ID assigned by the server, or an empty string
// if the handshake has not completed yet.
func (c *Client) SessionID() string {
	id, _ := c.sessionID.Load().(string)
	return id
}

// Alive reports whether the server side of the connection is still open.
func (c *Client) Alive() bool {
	select {
	case <-c.readDone:
		return false
	default:
		return true
	}
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mmu.Lock()
	defer c.mmu.Unlock()
	return c.metrics
}

// readLoop continuously reads WebSocket frames from the server and dispatches
// them to registered handlers. It runs until the connection is closed or an
// unrecoverable error occurs.
func (c *Client) readLoop() {
	defer close(c.readDone)
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Connection was intentionally closed; do not count as error.
				return
			default:
			}
			c.mmu.Lock()
			c.metrics.Errors++
			c.mmu.Unlock()
			return
		}

		c.mmu.Lock()
		if c.firstMsg.IsZero() {
			c.firstMsg = time.Now()
			c.metrics.FirstMsgLatency = time.Since(c.started)
		}
		c.metrics.MessagesReceived++
		c.mmu.Unlock()

		var envelope Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		if envelope.Type == TypeSessionCreated {
			var msg struct {
				SessionID string `json:"sessionId"`
			}
			if err := json.Unmarshal(envelope.Data, &msg); err == nil && msg.SessionID != "" {
				c.sessionID.Store(msg.SessionID)
			}
		}

		// Dispatch to registered handler if one exists.
		c.hmu.RLock()
		handler, ok := c.handlers[envelope.Type]
		c.hmu.RUnlock()
		if ok {
			handler(envelope.Data)
		}
	}
}
