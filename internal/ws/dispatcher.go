package ws

import (
	"github.com/rs/zerolog"

	"github.com/whisper/party-app/internal/log"
	"github.com/whisper/party-app/internal/protocol"
)

// MessageHandler handles one decoded client message. msg is the concrete
// struct returned by protocol.ParseClientMessage, e.g. protocol.JoinQueueMsg.
type MessageHandler func(conn *Connection, msg any)

// MessageDispatcher routes client frames to handlers by message type. Pings
// are answered here; malformed or unregistered messages get an error reply.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	logger   zerolog.Logger
}

// NewMessageDispatcher creates an empty dispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		logger:   log.WithComponent("dispatcher"),
	}
}

// Register associates a handler with a message type, replacing any previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch has the signature of Hooks.OnMessage.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.logger.Debug().Err(err).Str("session_id", conn.ID).Msg("bad client message")
		Reply(conn, protocol.TypeError, protocol.ErrorMsg{
			Code:    protocol.CodeBadMessage,
			Message: err.Error(),
		})
		return
	}

	if msgType == protocol.TypePing {
		Reply(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.logger.Debug().Str("type", msgType).Str("session_id", conn.ID).Msg("no handler")
		Reply(conn, protocol.TypeError, protocol.ErrorMsg{
			Code:    protocol.CodeBadMessage,
			Message: "unsupported message type",
		})
		return
	}
	handler(conn, msg)
}

// Reply encodes payload as a server message and writes it to conn. Failures
// are logged; the heartbeat reaps broken connections.
func Reply(conn *Connection, msgType string, payload any) {
	logger := log.WithSession("ws", conn.ID)

	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		logger.Error().Err(err).Str("type", msgType).Msg("build reply")
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		logger.Debug().Err(err).Str("type", msgType).Msg("write reply")
	}
}
