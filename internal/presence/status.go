// Package presence tracks whether users are reachable and what status they
// show to their contacts. The relational store is the source of truth; the
// connection registry decides reachability and an optional Redis cache
// mirrors the persisted values for fast reads across nodes.
package presence

import (
	"errors"
	"fmt"
	"time"
)

// Status is the user-visible presence state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusDND     Status = "dnd"
	StatusSleep   Status = "sleep"
	StatusOffline Status = "offline"
)

// MaxStatusMessage bounds the optional status line, in bytes.
const MaxStatusMessage = 255

var (
	ErrInvalidStatus = errors.New("presence: invalid status")
	ErrUserNotFound  = errors.New("presence: user not found")
)

// ParseStatus validates s against the status enum.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusOnline, StatusAway, StatusDND, StatusSleep, StatusOffline:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// Sticky statuses survive reconnects and idle sweeps until the user changes
// them.
func (s Status) Sticky() bool {
	return s == StatusDND || s == StatusSleep
}

// User is the presence view of a user row.
type User struct {
	ID            int64     `json:"user_id"`
	Username      string    `json:"username"`
	DisplayName   string    `json:"display_name"`
	IsOnline      bool      `json:"is_online"`
	LastSeen      time.Time `json:"last_seen"`
	Status        Status    `json:"status"`
	StatusMessage *string   `json:"status_message"`
}

// Effective is the status shown to others. A disconnected user is offline
// unless a sticky status was chosen.
func (u User) Effective() Status {
	if !u.IsOnline && !u.Status.Sticky() {
		return StatusOffline
	}
	return u.Status
}
