// Package chat persists chat messages and fans them out to the
// participants of a chat who are connected right now.
package chat

import (
	"errors"
	"fmt"
	"time"
)

// MessageType classifies a message body.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeVideo MessageType = "video"
	TypeVoice MessageType = "voice"
	TypeFile  MessageType = "file"
)

// ParseMessageType validates s. An empty string means text.
func ParseMessageType(s string) (MessageType, error) {
	if s == "" {
		return TypeText, nil
	}
	switch t := MessageType(s); t {
	case TypeText, TypeImage, TypeVideo, TypeVoice, TypeFile:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown message type %q", ErrInvalidMessage, s)
}

// Message is a stored message joined with the sender's display fields.
type Message struct {
	ID            int64       `json:"id"`
	ChatID        int64       `json:"chat_id"`
	UserID        int64       `json:"user_id"`
	Content       string      `json:"content"`
	MessageType   MessageType `json:"message_type"`
	AttachmentURL *string     `json:"attachment_url"`
	IsEdited      bool        `json:"is_edited"`
	IsRead        bool        `json:"is_read"`
	CreatedAt     time.Time   `json:"created_at"`
	Username      string      `json:"username"`
	DisplayName   string      `json:"display_name"`
	AvatarURL     *string     `json:"avatar_url"`
}

// NewMessage is the insert payload for a message row.
type NewMessage struct {
	ChatID        int64
	UserID        int64
	Content       string
	Type          MessageType
	AttachmentURL *string
	CreatedAt     time.Time
}

// Participant is a chat member with enough profile to render a chat list.
type Participant struct {
	UserID      int64     `json:"user_id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	AvatarURL   *string   `json:"avatar_url"`
	IsOnline    bool      `json:"is_online"`
	Status      string    `json:"status"`
	JoinedAt    time.Time `json:"joined_at"`
}

// Chat is one entry of a user's chat list.
type Chat struct {
	ID           int64         `json:"id"`
	Type         string        `json:"type"` // "private" or "group"
	Name         *string       `json:"name"`
	CreatedBy    int64         `json:"created_by"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActivity time.Time     `json:"last_activity"`
	Participants []Participant `json:"participants"`
	LastMessage  *Message      `json:"last_message"`
	UnreadCount  int           `json:"unread_count"`
}

var (
	ErrInvalidMessage = errors.New("chat: invalid message")
	ErrNotFound       = errors.New("chat: not found")
	ErrForbidden      = errors.New("chat: forbidden")
	ErrBlocked        = errors.New("chat: message blocked")
	ErrMuted          = errors.New("chat: sender muted")
	ErrRateLimited    = errors.New("chat: rate limited")
)

// ErrorCode maps an error from this package to the short code carried by
// message_error frames and REST error bodies.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidMessage):
		return "invalid_message"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrBlocked):
		return "blocked"
	case errors.Is(err, ErrMuted):
		return "muted"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	}
	return "internal"
}
