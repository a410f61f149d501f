package chat

import (
	"context"
	"time"
)

// Store is the relational chat store.
type Store interface {
	IsParticipant(ctx context.Context, chatID, userID int64) (bool, error)
	// ParticipantIDs returns members ordered by join time.
	ParticipantIDs(ctx context.Context, chatID int64) ([]int64, error)

	InsertMessage(ctx context.Context, m NewMessage) (int64, error)
	// GetMessage returns the row joined with sender display fields, or
	// ErrNotFound.
	GetMessage(ctx context.Context, messageID int64) (Message, error)
	// UpdateMessage sets content and is_edited on a row owned by userID.
	// created_at is left unchanged. ErrNotFound when no owned row matches.
	UpdateMessage(ctx context.Context, messageID, userID int64, content string) error
	// DeleteMessage removes a row owned by userID and returns its chat.
	// ErrNotFound when no owned row matches.
	DeleteMessage(ctx context.Context, messageID, userID int64) (chatID int64, err error)
	// ListMessages returns a chat's messages ordered by created_at, id.
	ListMessages(ctx context.Context, chatID int64) ([]Message, error)
	// MarkRead marks messages in chatID not sent by readerID as read and
	// returns how many changed.
	MarkRead(ctx context.Context, chatID, readerID int64) (int64, error)
	TouchChat(ctx context.Context, chatID int64, at time.Time) error

	// ListChats returns userID's chats, most recently active first, with
	// participants, last message and unread count filled in.
	ListChats(ctx context.Context, userID int64) ([]Chat, error)
}
