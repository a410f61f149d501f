// Package realtime binds client WebSocket events to the presence tracker and
// the chat service.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/agora/social-chat/internal/chat"
	"github.com/agora/social-chat/internal/presence"
	"github.com/agora/social-chat/internal/protocol"
	"github.com/agora/social-chat/internal/registry"
	"github.com/agora/social-chat/internal/ws"
)

// ErrIdentityMismatch is returned when an event names a user other than the
// one the connection authenticated as.
var ErrIdentityMismatch = errors.New("realtime: user_id does not match connection")

// Presence is the subset of presence.Tracker the events drive.
type Presence interface {
	Register(ctx context.Context, userID int64, conn registry.Conn) error
	Activity(ctx context.Context, userID int64) error
	UpdateStatus(ctx context.Context, userID int64, status string, message *string) (presence.User, error)
	Subscribe(ctx context.Context, conn registry.Conn, userIDs []int64) error
	Disconnect(ctx context.Context, conn registry.Conn) error
}

// Chats is the subset of chat.Service the events drive.
type Chats interface {
	SendMessage(ctx context.Context, req chat.SendRequest) (chat.Message, error)
	EditMessage(ctx context.Context, messageID, userID int64, content string) (chat.Message, error)
	DeleteMessage(ctx context.Context, messageID, userID int64) (int64, error)
}

// Handlers holds the event handlers.
type Handlers struct {
	presence Presence
	chats    Chats
	timeout  time.Duration
	logger   zerolog.Logger
}

// New returns Handlers. timeout bounds the work done for one event.
func New(p Presence, c Chats, timeout time.Duration, logger zerolog.Logger) *Handlers {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Handlers{presence: p, chats: c, timeout: timeout, logger: logger}
}

// Register installs every event handler on d.
func (h *Handlers) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeRegisterUser, h.registerUser)
	d.Register(protocol.TypeUserActivity, h.userActivity)
	d.Register(protocol.TypeSendMessage, h.sendMessage)
	d.Register(protocol.TypeUpdateMessage, h.updateMessage)
	d.Register(protocol.TypeDeleteMessage, h.deleteMessage)
	d.Register(protocol.TypeUpdateUserStatus, h.updateStatus)
	d.Register(protocol.TypeSubscribeToStatuses, h.subscribe)
}

// OnDisconnect is the server's disconnect callback.
func (h *Handlers) OnDisconnect(conn *ws.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	if err := h.presence.Disconnect(ctx, conn); err != nil {
		h.logger.Error().Err(err).Str("conn", conn.ID).Int64("user_id", conn.UserID).Msg("disconnect failed")
	}
}

func (h *Handlers) registerUser(conn *ws.Connection, msg interface{}) error {
	m := msg.(protocol.RegisterUserMsg)
	userID, err := h.identify(conn, m.UserID)
	if err != nil {
		h.sendError(conn, "forbidden", err.Error())
		return err
	}

	ctx, cancel := h.context()
	defer cancel()
	if err := h.presence.Register(ctx, userID, conn); err != nil {
		h.sendError(conn, "internal", "registration failed")
		return err
	}
	return nil
}

func (h *Handlers) userActivity(conn *ws.Connection, msg interface{}) error {
	m := msg.(protocol.UserActivityMsg)
	userID, err := h.identify(conn, m.UserID)
	if err != nil {
		h.sendError(conn, "forbidden", err.Error())
		return err
	}

	ctx, cancel := h.context()
	defer cancel()
	return h.presence.Activity(ctx, userID)
}

func (h *Handlers) sendMessage(conn *ws.Connection, msg interface{}) error {
	m := msg.(protocol.SendMessageMsg)
	userID, err := h.identify(conn, m.UserID)
	if err != nil {
		return h.messageError(conn, err)
	}

	ctx, cancel := h.context()
	defer cancel()
	_, err = h.chats.SendMessage(ctx, chat.SendRequest{
		ChatID:        m.ChatID,
		UserID:        userID,
		Content:       m.Content,
		Type:          m.MessageType,
		AttachmentURL: m.AttachmentURL,
	})
	if err != nil {
		return h.messageError(conn, err)
	}
	return nil
}

func (h *Handlers) updateMessage(conn *ws.Connection, msg interface{}) error {
	m := msg.(protocol.UpdateMessageMsg)
	userID, err := h.identify(conn, m.UserID)
	if err != nil {
		return h.messageError(conn, err)
	}

	ctx, cancel := h.context()
	defer cancel()
	if _, err := h.chats.EditMessage(ctx, m.MessageID, userID, m.Content); err != nil {
		return h.messageError(conn, err)
	}
	return nil
}

func (h *Handlers) deleteMessage(conn *ws.Connection, msg interface{}) error {
	m := msg.(protocol.DeleteMessageMsg)
	userID, err := h.identify(conn, m.UserID)
	if err != nil {
		return h.messageError(conn, err)
	}

	ctx, cancel := h.context()
	defer cancel()
	if _, err := h.chats.DeleteMessage(ctx, m.MessageID, userID); err != nil {
		return h.messageError(conn, err)
	}
	return nil
}

func (h *Handlers) updateStatus(conn *ws.Connection, msg interface{}) error {
	m := msg.(protocol.UpdateUserStatusMsg)
	userID, err := h.identify(conn, m.UserID)
	if err != nil {
		h.sendError(conn, "forbidden", err.Error())
		return err
	}

	ctx, cancel := h.context()
	defer cancel()
	if _, err := h.presence.UpdateStatus(ctx, userID, m.Status, m.StatusMessage); err != nil {
		code := "internal"
		if errors.Is(err, presence.ErrInvalidStatus) {
			code = "invalid_status"
		}
		h.sendError(conn, code, err.Error())
		return err
	}
	return nil
}

func (h *Handlers) subscribe(conn *ws.Connection, msg interface{}) error {
	m := msg.(protocol.SubscribeToStatusesMsg)

	ctx, cancel := h.context()
	defer cancel()
	return h.presence.Subscribe(ctx, conn, m.UserIDs)
}

// identify returns the connection's user. An event may omit user_id but may
// not name somebody else.
func (h *Handlers) identify(conn *ws.Connection, claimed int64) (int64, error) {
	if claimed != 0 && claimed != conn.UserID {
		return 0, fmt.Errorf("%w: claimed %d, authenticated %d", ErrIdentityMismatch, claimed, conn.UserID)
	}
	return conn.UserID, nil
}

// messageError reports a failed message event to its sender only and passes
// err through for the dispatcher to count.
func (h *Handlers) messageError(conn *ws.Connection, err error) error {
	code := chat.ErrorCode(err)
	text := err.Error()
	if errors.Is(err, ErrIdentityMismatch) {
		code = "forbidden"
	}
	if code == "internal" {
		text = "internal error"
	}

	frame, ferr := protocol.NewServerMessage(protocol.TypeMessageError, protocol.MessageErrorMsg{
		Code:  code,
		Error: text,
	})
	if ferr != nil {
		return ferr
	}
	if werr := conn.WriteMessage(frame); werr != nil {
		h.logger.Debug().Err(werr).Str("conn", conn.ID).Msg("send message_error failed")
	}
	return err
}

func (h *Handlers) sendError(conn *ws.Connection, code, message string) {
	frame, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
	if err != nil {
		return
	}
	if err := conn.WriteMessage(frame); err != nil {
		h.logger.Debug().Err(err).Str("conn", conn.ID).Msg("send error frame failed")
	}
}

func (h *Handlers) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), h.timeout)
}
