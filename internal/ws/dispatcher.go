package ws

import (
	"github.com/rs/zerolog"

	"github.com/agora/social-chat/internal/metrics"
	"github.com/agora/social-chat/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage. A returned error is
// logged and counted; replying to the client is the handler's job.
type MessageHandler func(conn *Connection, msg interface{}) error

// MessageDispatcher routes incoming frames to handlers by message type. It
// answers ping itself and replies with an error frame to malformed or
// unsupported messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	logger   zerolog.Logger
}

func NewMessageDispatcher(logger zerolog.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		logger:   logger,
	}
}

// Register associates a handler with a message type, replacing any previous
// one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.logger.Debug().Err(err).Str("conn", conn.ID).Msg("dispatch parse error")
		metrics.EventsTotal.WithLabelValues("invalid", "error").Inc()
		d.sendError(conn, "parse_error", "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		metrics.EventsTotal.WithLabelValues(msgType, "ok").Inc()
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.logger.Debug().Str("type", msgType).Str("conn", conn.ID).Msg("unsupported message type")
		metrics.EventsTotal.WithLabelValues("unsupported", "error").Inc()
		d.sendError(conn, "unsupported_type", "unsupported message type")
		return
	}

	if err := handler(conn, msg); err != nil {
		d.logger.Warn().Err(err).Str("type", msgType).Str("conn", conn.ID).Int64("user_id", conn.UserID).
			Msg("event failed")
		metrics.EventsTotal.WithLabelValues(msgType, "error").Inc()
		return
	}
	metrics.EventsTotal.WithLabelValues(msgType, "ok").Inc()
}

func (d *MessageDispatcher) sendError(conn *Connection, code string, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		d.logger.Error().Err(err).Msg("build error frame failed")
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		d.logger.Debug().Err(err).Str("conn", conn.ID).Msg("send error frame failed")
	}
}

func (d *MessageDispatcher) sendPong(conn *Connection) {
	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		d.logger.Error().Err(err).Msg("build pong failed")
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		d.logger.Debug().Err(err).Str("conn", conn.ID).Msg("send pong failed")
	}
}
