package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/agora/social-chat/internal/chat"
	"github.com/agora/social-chat/internal/presence"
)

var _ chat.Store = (*Postgres)(nil)

const messageColumns = `
	m.id, m.chat_id, m.user_id, m.content, m.message_type, m.attachment_url,
	m.is_edited, m.is_read, m.created_at, u.username, u.display_name, u.avatar_url`

func scanMessage(row rowScanner) (chat.Message, error) {
	var (
		m          chat.Message
		typ        string
		attachment sql.NullString
		avatar     sql.NullString
	)
	err := row.Scan(&m.ID, &m.ChatID, &m.UserID, &m.Content, &typ, &attachment,
		&m.IsEdited, &m.IsRead, &m.CreatedAt, &m.Username, &m.DisplayName, &avatar)
	if err != nil {
		return chat.Message{}, err
	}
	m.MessageType = chat.MessageType(typ)
	m.AttachmentURL = nullString(attachment)
	m.AvatarURL = nullString(avatar)
	return m, nil
}

func (p *Postgres) IsParticipant(ctx context.Context, chatID, userID int64) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM chat_participants WHERE chat_id = $1 AND user_id = $2)`

	var ok bool
	if err := p.db.QueryRowContext(ctx, query, chatID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("store: is participant: %w", err)
	}
	return ok, nil
}

func (p *Postgres) ParticipantIDs(ctx context.Context, chatID int64) ([]int64, error) {
	const query = `
		SELECT user_id FROM chat_participants
		WHERE chat_id = $1
		ORDER BY joined_at, user_id`

	rows, err := p.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("store: participants: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func (p *Postgres) InsertMessage(ctx context.Context, m chat.NewMessage) (int64, error) {
	const query = `
		INSERT INTO messages (chat_id, user_id, content, message_type, attachment_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	var id int64
	err := p.db.QueryRowContext(ctx, query,
		m.ChatID, m.UserID, m.Content, string(m.Type), m.AttachmentURL, m.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: insert message: %w", err)
	}
	return id, nil
}

func (p *Postgres) GetMessage(ctx context.Context, messageID int64) (chat.Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages m JOIN users u ON u.id = m.user_id
		WHERE m.id = $1`

	m, err := scanMessage(p.db.QueryRowContext(ctx, query, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, fmt.Errorf("%w: message %d", chat.ErrNotFound, messageID)
	}
	if err != nil {
		return chat.Message{}, fmt.Errorf("store: get message: %w", err)
	}
	return m, nil
}

func (p *Postgres) UpdateMessage(ctx context.Context, messageID, userID int64, content string) error {
	const query = `
		UPDATE messages SET content = $3, is_edited = TRUE
		WHERE id = $1 AND user_id = $2`

	res, err := p.db.ExecContext(ctx, query, messageID, userID, content)
	if err != nil {
		return fmt.Errorf("store: update message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update message: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: message %d owned by user %d", chat.ErrNotFound, messageID, userID)
	}
	return nil
}

func (p *Postgres) DeleteMessage(ctx context.Context, messageID, userID int64) (int64, error) {
	const query = `DELETE FROM messages WHERE id = $1 AND user_id = $2 RETURNING chat_id`

	var chatID int64
	err := p.db.QueryRowContext(ctx, query, messageID, userID).Scan(&chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: message %d owned by user %d", chat.ErrNotFound, messageID, userID)
	}
	if err != nil {
		return 0, fmt.Errorf("store: delete message: %w", err)
	}
	return chatID, nil
}

func (p *Postgres) ListMessages(ctx context.Context, chatID int64) ([]chat.Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages m JOIN users u ON u.id = m.user_id
		WHERE m.chat_id = $1
		ORDER BY m.created_at, m.id`

	rows, err := p.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	msgs := []chat.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	return msgs, nil
}

func (p *Postgres) MarkRead(ctx context.Context, chatID, readerID int64) (int64, error) {
	const query = `
		UPDATE messages SET is_read = TRUE
		WHERE chat_id = $1 AND user_id <> $2 AND NOT is_read`

	res, err := p.db.ExecContext(ctx, query, chatID, readerID)
	if err != nil {
		return 0, fmt.Errorf("store: mark read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: mark read: %w", err)
	}
	return n, nil
}

// TouchChat never moves last_activity backwards.
func (p *Postgres) TouchChat(ctx context.Context, chatID int64, at time.Time) error {
	const query = `UPDATE chats SET last_activity = GREATEST(last_activity, $2) WHERE id = $1`

	if _, err := p.db.ExecContext(ctx, query, chatID, at); err != nil {
		return fmt.Errorf("store: touch chat: %w", err)
	}
	return nil
}

// ListChats loads the chat rows, then participants and last messages for
// all of them in one query each.
func (p *Postgres) ListChats(ctx context.Context, userID int64) ([]chat.Chat, error) {
	const query = `
		SELECT c.id, c.type, c.name, c.created_by, c.created_at, c.last_activity,
		       (SELECT COUNT(*) FROM messages m
		        WHERE m.chat_id = c.id AND m.user_id <> $1 AND NOT m.is_read)
		FROM chats c
		JOIN chat_participants p ON p.chat_id = c.id AND p.user_id = $1
		ORDER BY c.last_activity DESC, c.id DESC`

	rows, err := p.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list chats: %w", err)
	}
	defer rows.Close()

	chats := []chat.Chat{}
	index := make(map[int64]int)
	for rows.Next() {
		var (
			c    chat.Chat
			name sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.Type, &name, &c.CreatedBy, &c.CreatedAt, &c.LastActivity, &c.UnreadCount); err != nil {
			return nil, fmt.Errorf("store: scan chat: %w", err)
		}
		c.Name = nullString(name)
		c.Participants = []chat.Participant{}
		index[c.ID] = len(chats)
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list chats: %w", err)
	}
	if len(chats) == 0 {
		return chats, nil
	}

	ids := make([]int64, len(chats))
	for i, c := range chats {
		ids[i] = c.ID
	}
	if err := p.loadParticipants(ctx, ids, chats, index); err != nil {
		return nil, err
	}
	if err := p.loadLastMessages(ctx, ids, chats, index); err != nil {
		return nil, err
	}
	return chats, nil
}

func (p *Postgres) loadParticipants(ctx context.Context, ids []int64, chats []chat.Chat, index map[int64]int) error {
	const query = `
		SELECT p.chat_id, u.id, u.username, u.display_name, u.avatar_url,
		       u.is_online, u.status, p.joined_at
		FROM chat_participants p JOIN users u ON u.id = p.user_id
		WHERE p.chat_id = ANY($1)
		ORDER BY p.chat_id, p.joined_at, u.id`

	rows, err := p.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("store: load participants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			chatID int64
			part   chat.Participant
			avatar sql.NullString
			status string
		)
		if err := rows.Scan(&chatID, &part.UserID, &part.Username, &part.DisplayName, &avatar,
			&part.IsOnline, &status, &part.JoinedAt); err != nil {
			return fmt.Errorf("store: scan participant: %w", err)
		}
		part.AvatarURL = nullString(avatar)
		part.Status = string(presence.User{IsOnline: part.IsOnline, Status: presence.Status(status)}.Effective())
		if i, ok := index[chatID]; ok {
			chats[i].Participants = append(chats[i].Participants, part)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("store: load participants: %w", err)
	}
	return nil
}

func (p *Postgres) loadLastMessages(ctx context.Context, ids []int64, chats []chat.Chat, index map[int64]int) error {
	query := `SELECT DISTINCT ON (m.chat_id) ` + messageColumns + `
		FROM messages m JOIN users u ON u.id = m.user_id
		WHERE m.chat_id = ANY($1)
		ORDER BY m.chat_id, m.created_at DESC, m.id DESC`

	rows, err := p.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("store: load last messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return fmt.Errorf("store: scan last message: %w", err)
		}
		if i, ok := index[m.ChatID]; ok {
			last := m
			chats[i].LastMessage = &last
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("store: load last messages: %w", err)
	}
	return nil
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: scan ids: %w", err)
	}
	return ids, nil
}
