package ws

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/whisper/matchsync/internal/logging"
	"github.com/whisper/matchsync/internal/protocol"
)

// MessageHandler handles one parsed host message. msg is the concrete struct
// returned by protocol.ParseClientMessage.
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes host messages to registered handlers by type. It
// answers ping itself and replies with an error message for malformed or
// unsupported input.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	log      *logrus.Entry
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		log:      logging.For("ws"),
	}
}

// Register associates a handler with a message type, replacing any previous
// one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch parses data and routes it. A panicking handler is recovered and
// reported to the host as an internal error.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.log.WithError(err).WithField("conn_id", conn.ID).Debug("dispatch parse error")
		d.sendError(conn, "parse_error", "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.log.WithFields(logrus.Fields{"type": msgType, "conn_id": conn.ID}).Debug("unsupported message type")
		d.sendError(conn, "unsupported_type", "unsupported message type")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			d.log.WithFields(logrus.Fields{"type": msgType, "conn_id": conn.ID}).
				WithError(fmt.Errorf("panic: %v", r)).Error("handler panicked")
			d.sendError(conn, "internal_error", "message could not be handled")
		}
	}()
	handler(conn, msg)
}

func (d *MessageDispatcher) sendError(conn *Connection, code string, message string) {
	send(d.log, conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

func (d *MessageDispatcher) sendPong(conn *Connection) {
	send(d.log, conn, protocol.TypePong, protocol.PongMsg{})
}

// send encodes and writes one engine message, logging failures.
func send(log *logrus.Entry, conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.WithError(err).WithField("type", msgType).Warn("failed to build message")
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.WithError(err).WithFields(logrus.Fields{"type": msgType, "conn_id": conn.ID}).Debug("failed to send message")
	}
}
