package ws

import (
	"log"

	"github.com/whisper/duet/internal/protocol"
)

// MessageHandler handles one decoded client event. msg is the concrete
// payload struct returned by protocol.ParseClientMessage.
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes client frames to handlers by event type. Ping is
// answered internally; malformed or unknown frames get an error event.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty dispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{handlers: make(map[string]MessageHandler)}
}

// Register sets the handler for msgType, replacing any previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("[ws] parse error user=%s: %v", conn.UserID, err)
		sendError(conn, "parse_error", "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		send(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("[ws] unsupported type=%q user=%s", msgType, conn.UserID)
		sendError(conn, "unsupported_type", "unsupported message type")
		return
	}
	handler(conn, msg)
}

func sendError(conn *Connection, code, message string) {
	send(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

func send(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[ws] build %s user=%s: %v", msgType, conn.UserID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("[ws] send %s user=%s: %v", msgType, conn.UserID, err)
	}
}
