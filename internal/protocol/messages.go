// Package protocol defines the realtime events exchanged between chat
// clients and the server. Every frame is a JSON object with a "type"
// discriminator; payload fields sit next to it in the same object.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeRegisterUser        = "register_user"
	TypeUserActivity        = "user_activity"
	TypeSendMessage         = "send_message"
	TypeUpdateMessage       = "update_message"
	TypeDeleteMessage       = "delete_message"
	TypeUpdateUserStatus    = "update_user_status"
	TypeSubscribeToStatuses = "subscribe_to_statuses"
	TypePing                = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated       = "session_created"
	TypeNewMessage           = "new_message"
	TypeMessageUpdated       = "message_updated"
	TypeMessageDeleted       = "message_deleted"
	TypeUserOnline           = "user_online"
	TypeUserOffline          = "user_offline"
	TypeOnlineUsersList      = "online_users_list"
	TypeContactStatusUpdated = "contact_status_updated"
	TypeMessageError         = "message_error"
	TypeError                = "error"
	TypePong                 = "pong"
)

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps the full raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// RegisterUserMsg binds the connection to a user so it can receive pushes.
type RegisterUserMsg struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
}

// UserActivityMsg is the periodic keep-active ping from a focused client.
type UserActivityMsg struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
}

// SendMessageMsg posts a new message to a chat.
type SendMessageMsg struct {
	Type          string  `json:"type"`
	ChatID        int64   `json:"chat_id"`
	UserID        int64   `json:"user_id"`
	Content       string  `json:"content"`
	MessageType   string  `json:"message_type"`
	AttachmentURL *string `json:"attachment_url,omitempty"`
}

// UpdateMessageMsg edits the content of a message owned by the sender.
type UpdateMessageMsg struct {
	Type      string `json:"type"`
	MessageID int64  `json:"message_id"`
	UserID    int64  `json:"user_id"`
	Content   string `json:"content"`
}

// DeleteMessageMsg deletes a message owned by the sender.
type DeleteMessageMsg struct {
	Type      string `json:"type"`
	MessageID int64  `json:"message_id"`
	UserID    int64  `json:"user_id"`
}

// UpdateUserStatusMsg sets the sender's status and optional status line.
type UpdateUserStatusMsg struct {
	Type          string  `json:"type"`
	UserID        int64   `json:"user_id"`
	Status        string  `json:"status"`
	StatusMessage *string `json:"status_message,omitempty"`
}

// SubscribeToStatusesMsg asks for the current status of a set of users.
type SubscribeToStatusesMsg struct {
	Type    string  `json:"type"`
	UserIDs []int64 `json:"user_ids"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent once the WebSocket upgrade succeeds.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	UserID    int64  `json:"user_id"`
}

// UserPresenceMsg is the payload of user_online and user_offline.
type UserPresenceMsg struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
}

// OnlineUsersListMsg lists every user currently reachable.
type OnlineUsersListMsg struct {
	Type    string  `json:"type"`
	UserIDs []int64 `json:"user_ids"`
}

// ContactStatusMsg reports a contact's presence.
type ContactStatusMsg struct {
	Type          string    `json:"type"`
	UserID        int64     `json:"user_id"`
	Status        string    `json:"status"`
	StatusMessage *string   `json:"status_message"`
	LastSeen      time.Time `json:"last_seen"`
	IsOnline      bool      `json:"is_online"`
}

// MessageDeletedMsg tells participants a message is gone.
type MessageDeletedMsg struct {
	Type      string `json:"type"`
	MessageID int64  `json:"message_id"`
	ChatID    int64  `json:"chat_id"`
}

// MessageErrorMsg is sent to the originator of a failed message event only.
type MessageErrorMsg struct {
	Type  string `json:"type"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

// ErrorMsg is sent by the server to communicate a protocol-level error.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// Unknown or server-only types are an error.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeRegisterUser:
		var m RegisterUserMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUserActivity:
		var m UserActivityMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUpdateMessage:
		var m UpdateMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDeleteMessage:
		var m DeleteMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUpdateUserStatus:
		var m UpdateUserStatusMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSubscribeToStatuses:
		var m SubscribeToStatusesMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage marshals payload and injects msgType under the "type"
// key. payload must encode to a JSON object.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]interface{})
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
