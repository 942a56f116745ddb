package ws

import (
	"errors"
	"log"

	"github.com/whisper/dmserver/internal/protocol"
)

// MessageHandler handles one parsed client event. msg is the concrete struct
// returned by protocol.ParseClientMessage, e.g. protocol.RegisterMsg.
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes client events by their envelope type. Ping is
// answered here; every other type needs a registered handler.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	server   *Server
}

// NewMessageDispatcher creates a dispatcher. server may be nil and set later
// with SetServer, since NewServer itself takes Dispatch as its callback.
func NewMessageDispatcher(server *Server) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		server:   server,
	}
}

// SetServer assigns the server after construction.
func (d *MessageDispatcher) SetServer(server *Server) {
	d.server = server
}

// Register sets the handler for msgType, replacing any earlier one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the server's onMessage callback. Malformed frames and unknown
// types are answered with an error event; the connection stays open.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	switch {
	case errors.Is(err, protocol.ErrUnknownType):
		d.unsupported(conn, msgType)
		return
	case err != nil:
		log.Printf("ws: dispatch parse error session=%s: %v", conn.ID, err)
		d.SendError(conn, protocol.CodeParseError, "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		conn.Touch()
		d.reply(conn, protocol.TypePong, nil)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.unsupported(conn, msgType)
		return
	}
	handler(conn, msg)
}

// SendError sends an error event with the given code to conn.
func (d *MessageDispatcher) SendError(conn *Connection, code string, message string) {
	d.reply(conn, protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
}

func (d *MessageDispatcher) unsupported(conn *Connection, msgType string) {
	log.Printf("ws: unsupported message type=%q session=%s", msgType, conn.ID)
	d.SendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
}

// reply builds a server event and writes it to conn. Failures are logged and
// dropped; a dead connection is removed by the read path or the heartbeat.
func (d *MessageDispatcher) reply(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("ws: failed to build %s session=%s: %v", msgType, conn.ID, err)
		return
	}

	var timeout = DefaultServerConfig().WriteTimeout
	if d.server != nil {
		timeout = d.server.config.WriteTimeout
	}
	if err := conn.WriteMessageTimeout(data, timeout); err != nil {
		log.Printf("ws: failed to send %s session=%s: %v", msgType, conn.ID, err)
	}
}
