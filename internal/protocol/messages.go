// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. Every frame is a JSON object
// with a "type" discriminator and an optional "data" payload.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
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

// Error codes carried by ErrorMsg.
const (
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
	CodeInvalidMessage  = "invalid_message"
	CodeRateLimited     = "rate_limited"
	CodeSendFailed      = "send_failed"
)

// ---------------------------------------------------------------------------
// Envelope is used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// RegisterMsg binds the sending connection to a user identity.
type RegisterMsg struct {
	UserID string `json:"userId"`
}

// SendMessageMsg asks the server to persist a message and push it to the
// recipient. Type is one of text, image or video.
type SendMessageMsg struct {
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId"`
	Type        string `json:"type"`
	Message     string `json:"message"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct{}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent by the server when a new connection is established.
type SessionCreatedMsg struct {
	SessionID string `json:"sessionId"`
}

// ErrorMsg is sent by the server to communicate an error condition. The
// receiveMessage payload is the persisted chat entry itself.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ErrUnknownType is returned by ParseClientMessage for a well-formed envelope
// whose type is not a client message.
var ErrUnknownType = errors.New("unknown client message type")

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}
	if env.Type == "" {
		return "", nil, fmt.Errorf("protocol: missing or empty \"type\" field")
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeRegister:
		var m RegisterMsg
		err = decodeData(env.Data, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = decodeData(env.Data, &m)
		msg = m
	case TypePing:
		msg = PingMsg{}
	default:
		return env.Type, nil, fmt.Errorf("protocol: %w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// decodeData unmarshals a payload, requiring one to be present.
func decodeData(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return fmt.Errorf("missing \"data\" payload")
	}
	return json.Unmarshal(raw, v)
}

// NewServerMessage creates a JSON-encoded envelope for a server message. A
// nil payload produces an envelope without a "data" field.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	env := Envelope{Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
		}
		env.Data = raw
	}

	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
