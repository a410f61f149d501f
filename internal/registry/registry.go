// Package registry maps logical user IDs to the live connection that can
// reach them. A user has at most one registered connection; registering again
// replaces the previous one.
package registry

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/agora/social-chat/internal/metrics"
)

// Conn is a live transport handle the registry can deliver frames to.
type Conn interface {
	Key() string
	WriteMessage(data []byte) error
}

// Registry tracks which user is reachable through which connection.
type Registry interface {
	// Register maps userID to c and returns the connection it replaced, if
	// any.
	Register(userID int64, c Conn) Conn
	// Lookup returns the connection for userID. A miss means the user is not
	// reachable right now, not that the user does not exist.
	Lookup(userID int64) (Conn, bool)
	// Remove drops c. It returns the user c was registered for, or false if
	// c is unknown or has since been replaced.
	Remove(c Conn) (int64, bool)
	// Online returns the registered user IDs in ascending order.
	Online() []int64
	Count() int
}

// Notifier pushes encoded frames to users.
type Notifier interface {
	// SendTo delivers data to userID and reports whether a local connection
	// accepted it.
	SendTo(userID int64, data []byte) bool
	// Broadcast delivers data to every registered user except one.
	Broadcast(data []byte, except int64)
}

// Local is the in-process Registry and Notifier. It keeps a reverse index
// from connection key to user so that removal on disconnect is O(1).
type Local struct {
	mu     sync.RWMutex
	byUser map[int64]Conn
	byConn map[string]int64
	logger zerolog.Logger
}

var (
	_ Registry = (*Local)(nil)
	_ Notifier = (*Local)(nil)
)

// NewLocal creates an empty registry.
func NewLocal(logger zerolog.Logger) *Local {
	return &Local{
		byUser: make(map[int64]Conn),
		byConn: make(map[string]int64),
		logger: logger,
	}
}

func (r *Local) Register(userID int64, c Conn) Conn {
	key := c.Key()

	r.mu.Lock()
	prev := r.byUser[userID]
	if prev != nil {
		if prev.Key() == key {
			prev = nil
		} else {
			delete(r.byConn, prev.Key())
		}
	}
	// The same connection re-registering as somebody else releases its old
	// identity.
	if old, ok := r.byConn[key]; ok && old != userID {
		delete(r.byUser, old)
	}
	r.byUser[userID] = c
	r.byConn[key] = userID
	n := len(r.byUser)
	r.mu.Unlock()

	metrics.RegisteredUsers.Set(float64(n))
	return prev
}

func (r *Local) Lookup(userID int64) (Conn, bool) {
	r.mu.RLock()
	c, ok := r.byUser[userID]
	r.mu.RUnlock()
	return c, ok
}

func (r *Local) Remove(c Conn) (int64, bool) {
	key := c.Key()

	r.mu.Lock()
	userID, ok := r.byConn[key]
	if ok {
		delete(r.byConn, key)
		if cur, found := r.byUser[userID]; found && cur.Key() == key {
			delete(r.byUser, userID)
		} else {
			ok = false
		}
	}
	n := len(r.byUser)
	r.mu.Unlock()

	metrics.RegisteredUsers.Set(float64(n))
	return userID, ok
}

func (r *Local) Online() []int64 {
	r.mu.RLock()
	ids := make([]int64, 0, len(r.byUser))
	for id := range r.byUser {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Local) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

func (r *Local) SendTo(userID int64, data []byte) bool {
	c, ok := r.Lookup(userID)
	if !ok {
		return false
	}
	if err := c.WriteMessage(data); err != nil {
		r.logger.Debug().Err(err).Int64("user_id", userID).Msg("push failed")
		return false
	}
	return true
}

// Broadcast writes outside the lock. Failed writes are logged; the transport
// evicts broken connections on its own.
func (r *Local) Broadcast(data []byte, except int64) {
	type target struct {
		userID int64
		conn   Conn
	}

	r.mu.RLock()
	targets := make([]target, 0, len(r.byUser))
	for id, c := range r.byUser {
		if id != except {
			targets = append(targets, target{id, c})
		}
	}
	r.mu.RUnlock()

	for _, t := range targets {
		if err := t.conn.WriteMessage(data); err != nil {
			r.logger.Debug().Err(err).Int64("user_id", t.userID).Msg("broadcast push failed")
		}
	}
}
