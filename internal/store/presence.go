package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/agora/social-chat/internal/presence"
)

var _ presence.Store = (*Postgres)(nil)

const userColumns = `id, username, display_name, is_online, last_seen, status, status_message`

func scanUser(row rowScanner, extra ...any) (presence.User, error) {
	var (
		u       presence.User
		status  string
		message sql.NullString
	)
	dest := append([]any{&u.ID, &u.Username, &u.DisplayName, &u.IsOnline, &u.LastSeen, &status, &message}, extra...)
	if err := row.Scan(dest...); err != nil {
		return presence.User{}, err
	}
	u.Status = presence.Status(status)
	u.StatusMessage = nullString(message)
	return u, nil
}

// updateUser runs a single-row UPDATE ... RETURNING userColumns.
func (p *Postgres) updateUser(ctx context.Context, op string, userID int64, query string, args ...any) (presence.User, error) {
	u, err := scanUser(p.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return presence.User{}, fmt.Errorf("%w: %d", presence.ErrUserNotFound, userID)
	}
	if err != nil {
		return presence.User{}, fmt.Errorf("store: %s: %w", op, err)
	}
	return u, nil
}

func (p *Postgres) MarkOnline(ctx context.Context, userID int64, at time.Time) (presence.User, error) {
	const query = `
		UPDATE users SET
			is_online = TRUE,
			last_seen = $2,
			status = CASE WHEN status IN ('dnd', 'sleep') THEN status ELSE 'online' END
		WHERE id = $1
		RETURNING ` + userColumns

	return p.updateUser(ctx, "mark online", userID, query, userID, at)
}

func (p *Postgres) MarkOffline(ctx context.Context, userID int64, at time.Time) (presence.User, error) {
	const query = `
		UPDATE users SET
			is_online = FALSE,
			last_seen = $2,
			status = CASE WHEN status IN ('online', 'away') THEN 'offline' ELSE status END
		WHERE id = $1
		RETURNING ` + userColumns

	return p.updateUser(ctx, "mark offline", userID, query, userID, at)
}

func (p *Postgres) TouchActivity(ctx context.Context, userID int64, at time.Time) (presence.User, bool, error) {
	const query = `
		WITH prev AS (SELECT status FROM users WHERE id = $1 FOR UPDATE)
		UPDATE users u SET
			last_seen = $2,
			status = CASE WHEN u.status = 'away' THEN 'online' ELSE u.status END
		FROM prev
		WHERE u.id = $1
		RETURNING u.id, u.username, u.display_name, u.is_online, u.last_seen, u.status, u.status_message,
		          prev.status = 'away'`

	var restored bool
	u, err := scanUser(p.db.QueryRowContext(ctx, query, userID, at), &restored)
	if errors.Is(err, sql.ErrNoRows) {
		return presence.User{}, false, fmt.Errorf("%w: %d", presence.ErrUserNotFound, userID)
	}
	if err != nil {
		return presence.User{}, false, fmt.Errorf("store: touch activity: %w", err)
	}
	return u, restored, nil
}

func (p *Postgres) SetStatus(ctx context.Context, userID int64, status presence.Status, message *string) (presence.User, error) {
	const query = `
		UPDATE users SET status = $2, status_message = $3
		WHERE id = $1
		RETURNING ` + userColumns

	return p.updateUser(ctx, "set status", userID, query, userID, string(status), message)
}

func (p *Postgres) GetUser(ctx context.Context, userID int64) (presence.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	u, err := scanUser(p.db.QueryRowContext(ctx, query, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return presence.User{}, fmt.Errorf("%w: %d", presence.ErrUserNotFound, userID)
	}
	if err != nil {
		return presence.User{}, fmt.Errorf("store: get user: %w", err)
	}
	return u, nil
}

// GetUsers skips unknown ids.
func (p *Postgres) GetUsers(ctx context.Context, userIDs []int64) ([]presence.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE id = ANY($1) ORDER BY id`

	return p.queryUsers(ctx, "get users", query, pq.Array(userIDs))
}

func (p *Postgres) MarkIdleAway(ctx context.Context, cutoff time.Time) ([]presence.User, error) {
	const query = `
		UPDATE users SET status = 'away'
		WHERE is_online AND status = 'online' AND last_seen < $1
		RETURNING ` + userColumns

	return p.queryUsers(ctx, "mark idle away", query, cutoff)
}

func (p *Postgres) ContactIDs(ctx context.Context, userID int64) ([]int64, error) {
	const query = `
		SELECT DISTINCT other.user_id
		FROM chat_participants me
		JOIN chat_participants other ON other.chat_id = me.chat_id
		WHERE me.user_id = $1 AND other.user_id <> $1
		ORDER BY other.user_id`

	rows, err := p.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: contacts: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func (p *Postgres) queryUsers(ctx context.Context, op, query string, args ...any) ([]presence.User, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: %s: %w", op, err)
	}
	defer rows.Close()

	users := []presence.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("store: %s: scan: %w", op, err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: %s: %w", op, err)
	}
	return users, nil
}
