// Package realtime binds the client events of the WebSocket channel to the
// presence registry and the delivery engine.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/whisper/dmserver/internal/chat"
	"github.com/whisper/dmserver/internal/delivery"
	"github.com/whisper/dmserver/internal/metrics"
	"github.com/whisper/dmserver/internal/presence"
	"github.com/whisper/dmserver/internal/protocol"
	"github.com/whisper/dmserver/internal/ratelimit"
	"github.com/whisper/dmserver/internal/session"
	"github.com/whisper/dmserver/internal/ws"
)

// SendFailedMessage is the client-facing text for a send that could not be
// persisted.
const SendFailedMessage = "Failed to send message"

const handlerTimeout = 5 * time.Second

// ConnectionLookup reports whether a connection is still open.
// *ws.ConnectionManager satisfies it.
type ConnectionLookup interface {
	Get(id string) *ws.Connection
}

// Handler holds the dependencies shared by the event handlers.
type Handler struct {
	engine   *delivery.Engine
	registry *presence.Registry
	conns    ConnectionLookup   // optional
	sessions *session.Store     // optional
	limiter  *ratelimit.Limiter // optional
	sendRule ratelimit.Rule
}

// NewHandler creates a Handler. Sessions and rate limiting are off until set.
func NewHandler(engine *delivery.Engine, registry *presence.Registry) *Handler {
	return &Handler{
		engine:   engine,
		registry: registry,
		sendRule: ratelimit.RuleSend,
	}
}

// SetSessionStore enables recording the registered user on the connection's
// Redis session.
func (h *Handler) SetSessionStore(s *session.Store) {
	h.sessions = s
}

// SetConnections lets register detect a connection that closed while the
// event was being handled.
func (h *Handler) SetConnections(c ConnectionLookup) {
	h.conns = c
}

// SetLimiter enables per-sender rate limiting of sendMessage.
func (h *Handler) SetLimiter(l *ratelimit.Limiter, rule ratelimit.Rule) {
	h.limiter = l
	h.sendRule = rule
}

// Register installs the client event handlers on d.
func (h *Handler) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeRegister, h.HandleRegister)
	d.Register(protocol.TypeSendMessage, h.HandleSendMessage)
}

// HandleRegister maps the user to this connection. No reply is sent.
func (h *Handler) HandleRegister(conn *ws.Connection, msg interface{}) {
	regMsg, ok := msg.(protocol.RegisterMsg)
	if !ok {
		return
	}
	if regMsg.UserID == "" {
		replyError(conn, protocol.CodeInvalidMessage, "userId is required")
		return
	}

	h.registry.Register(regMsg.UserID, conn.ID)
	conn.SetUserID(regMsg.UserID)

	// The connection is dropped from the manager before its disconnect
	// callback runs. If it is already gone, that callback may have run
	// before Register and will not remove the mapping.
	if h.conns != nil && h.conns.Get(conn.ID) == nil {
		h.registry.Unregister(conn.ID)
		metrics.RegisteredUsers.Set(float64(h.registry.Count()))
		log.Printf("[register] user=%s session=%s closed during register, dropped", regMsg.UserID, conn.ID)
		return
	}
	metrics.RegisteredUsers.Set(float64(h.registry.Count()))
	log.Printf("[register] user=%s session=%s", regMsg.UserID, conn.ID)

	if h.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		if err := h.sessions.SetUser(ctx, conn.ID, regMsg.UserID); err != nil {
			log.Printf("[register] session update failed session=%s: %v", conn.ID, err)
		}
	}
}

// HandleSendMessage persists the message and pushes it to the recipient. The
// sender only hears back on failure.
func (h *Handler) HandleSendMessage(conn *ws.Connection, msg interface{}) {
	sendMsg, ok := msg.(protocol.SendMessageMsg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if h.limiter != nil && sendMsg.SenderID != "" {
		if d, _ := h.limiter.Allow(ctx, sendMsg.SenderID, h.sendRule); !d.Allowed {
			metrics.MessagesTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
			replyError(conn, protocol.CodeRateLimited,
				fmt.Sprintf("too many messages, retry in %s", d.RetryAfter.Round(time.Second)))
			return
		}
	}

	if h.sessions != nil {
		if err := h.sessions.Touch(ctx, conn.ID); err != nil {
			log.Printf("[sendMessage] session touch failed session=%s: %v", conn.ID, err)
		}
	}

	_, err := h.engine.HandleSend(ctx, delivery.SendRequest{
		SenderID:    sendMsg.SenderID,
		RecipientID: sendMsg.RecipientID,
		Type:        chat.Type(sendMsg.Type),
		Message:     sendMsg.Message,
		Channel:     delivery.ChannelWS,
	})
	if err == nil {
		return
	}

	var verr *chat.ValidationError
	if errors.As(err, &verr) {
		replyError(conn, protocol.CodeInvalidMessage, verr.Reason)
		return
	}
	log.Printf("[sendMessage] session=%s sender=%s recipient=%s: %v",
		conn.ID, sendMsg.SenderID, sendMsg.RecipientID, err)
	replyError(conn, protocol.CodeSendFailed, SendFailedMessage)
}

// HandleDisconnect removes the presence entry owned by connID, if any. It is
// meant to be installed with ws.Server.SetOnDisconnect.
func (h *Handler) HandleDisconnect(connID string) {
	userID, removed := h.registry.Unregister(connID)
	if !removed {
		return
	}
	metrics.RegisteredUsers.Set(float64(h.registry.Count()))
	log.Printf("[disconnect] user=%s session=%s unregistered", userID, connID)
}

func replyError(conn *ws.Connection, code, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("[realtime] failed to build error session=%s: %v", conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("[realtime] failed to send error session=%s: %v", conn.ID, err)
	}
}
