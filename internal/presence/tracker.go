package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/agora/social-chat/internal/metrics"
	"github.com/agora/social-chat/internal/protocol"
	"github.com/agora/social-chat/internal/registry"
)

// Store persists presence fields on the users table.
type Store interface {
	// MarkOnline sets is_online and last_seen. Status becomes online unless
	// the current status is sticky.
	MarkOnline(ctx context.Context, userID int64, at time.Time) (User, error)
	// MarkOffline clears is_online, sets last_seen and moves online/away to
	// offline.
	MarkOffline(ctx context.Context, userID int64, at time.Time) (User, error)
	// TouchActivity refreshes last_seen and restores away to online.
	// restored reports whether that restore happened.
	TouchActivity(ctx context.Context, userID int64, at time.Time) (u User, restored bool, err error)
	SetStatus(ctx context.Context, userID int64, status Status, message *string) (User, error)
	GetUser(ctx context.Context, userID int64) (User, error)
	GetUsers(ctx context.Context, userIDs []int64) ([]User, error)
	// MarkIdleAway moves connected users whose status is online and whose
	// last_seen is before cutoff to away, returning the changed rows.
	MarkIdleAway(ctx context.Context, cutoff time.Time) ([]User, error)
	// ContactIDs returns everyone who shares at least one chat with userID.
	ContactIDs(ctx context.Context, userID int64) ([]int64, error)
}

// Cache mirrors persisted presence so status reads and the online list do
// not hit the database.
type Cache interface {
	Put(ctx context.Context, u User) error
	// Get returns nil on a miss.
	Get(ctx context.Context, userID int64) (*User, error)
	// Online returns users whose online heartbeat is not older than since.
	Online(ctx context.Context, since time.Time) ([]int64, error)
	// Refresh bumps the online heartbeat of the given users.
	Refresh(ctx context.Context, userIDs []int64, at time.Time) error
	// Prune drops online heartbeats older than before.
	Prune(ctx context.Context, before time.Time) error
}

// Config holds the sweep tuning.
type Config struct {
	IdleAfter     time.Duration // online users idle this long become away
	SweepInterval time.Duration
	Timeout       time.Duration // per store call
}

// DefaultConfig sweeps once a minute with a five minute idle threshold.
func DefaultConfig() Config {
	return Config{
		IdleAfter:     5 * time.Minute,
		SweepInterval: time.Minute,
		Timeout:       5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.IdleAfter <= 0 {
		c.IdleAfter = def.IdleAfter
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	return c
}

// Tracker applies presence transitions and notifies the affected users.
type Tracker struct {
	store  Store
	reg    registry.Registry
	notify registry.Notifier
	cache  Cache
	cfg    Config
	now    func() time.Time
	logger zerolog.Logger
}

// Option customises a Tracker.
type Option func(*Tracker)

// WithCache mirrors presence into c.
func WithCache(c Cache) Option {
	return func(t *Tracker) { t.cache = c }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker wires a Tracker. notify is usually the registry itself, or a
// relay that also reaches users on other nodes. A non-positive IdleAfter or
// SweepInterval is replaced by its default.
func NewTracker(store Store, reg registry.Registry, notify registry.Notifier, cfg Config, logger zerolog.Logger, opts ...Option) *Tracker {
	cfg = cfg.withDefaults()
	t := &Tracker{
		store:  store,
		reg:    reg,
		notify: notify,
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register binds conn to userID, persists the user as online, announces
// user_online to everyone else and sends the online list back to conn. The
// registry entry survives a store failure so live delivery keeps working.
func (t *Tracker) Register(ctx context.Context, userID int64, conn registry.Conn) error {
	if prev := t.reg.Register(userID, conn); prev != nil {
		t.logger.Info().Int64("user_id", userID).Str("replaced", prev.Key()).Str("conn", conn.Key()).
			Msg("registration replaced previous connection")
	}

	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	u, err := t.store.MarkOnline(ctx, userID, t.now())
	if err != nil {
		return fmt.Errorf("presence: register user %d: %w", userID, err)
	}
	t.mirror(ctx, u, "register")
	metrics.PresenceTransitions.WithLabelValues(string(u.Status), "register").Inc()

	t.broadcast(protocol.TypeUserOnline, protocol.UserPresenceMsg{UserID: userID}, userID)

	frame, err := protocol.NewServerMessage(protocol.TypeOnlineUsersList, protocol.OnlineUsersListMsg{
		UserIDs: t.OnlineUsers(ctx),
	})
	if err != nil {
		return fmt.Errorf("presence: build online list: %w", err)
	}
	if err := conn.WriteMessage(frame); err != nil {
		t.logger.Debug().Err(err).Int64("user_id", userID).Msg("send online list failed")
	}
	return nil
}

// Activity records a client activity ping. An away user comes back online
// and their contacts are told.
func (t *Tracker) Activity(ctx context.Context, userID int64) error {
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	u, restored, err := t.store.TouchActivity(ctx, userID, t.now())
	if err != nil {
		return fmt.Errorf("presence: activity user %d: %w", userID, err)
	}
	t.mirror(ctx, u, "activity")
	// Only registered connections count towards the online set.
	if _, registered := t.reg.Lookup(userID); registered && t.cache != nil {
		if err := t.cache.Refresh(ctx, []int64{userID}, t.now()); err != nil {
			t.logger.Warn().Err(err).Int64("user_id", userID).Msg("cache refresh failed")
		}
	}

	if restored {
		metrics.PresenceTransitions.WithLabelValues(string(StatusOnline), "activity").Inc()
		t.notifyContacts(ctx, u)
	}
	return nil
}

// UpdateStatus sets an explicit status and status line and tells the user's
// contacts. Both the realtime event and the REST endpoint use this.
func (t *Tracker) UpdateStatus(ctx context.Context, userID int64, status string, message *string) (User, error) {
	st, err := ParseStatus(status)
	if err != nil {
		return User{}, err
	}
	if message != nil && len(*message) > MaxStatusMessage {
		return User{}, fmt.Errorf("%w: status message exceeds %d bytes", ErrInvalidStatus, MaxStatusMessage)
	}

	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	u, err := t.store.SetStatus(ctx, userID, st, message)
	if err != nil {
		return User{}, fmt.Errorf("presence: set status user %d: %w", userID, err)
	}
	t.mirror(ctx, u, "status")
	metrics.PresenceTransitions.WithLabelValues(string(st), "explicit").Inc()

	t.notifyContacts(ctx, u)
	return u, nil
}

// Subscribe answers a subscribe_to_statuses request with one
// contact_status_updated frame per known user.
func (t *Tracker) Subscribe(ctx context.Context, conn registry.Conn, userIDs []int64) error {
	if len(userIDs) == 0 {
		return nil
	}

	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	users, err := t.store.GetUsers(ctx, userIDs)
	if err != nil {
		return fmt.Errorf("presence: subscribe: %w", err)
	}
	for _, u := range users {
		frame, err := statusFrame(u)
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(frame); err != nil {
			return fmt.Errorf("presence: subscribe write: %w", err)
		}
	}
	return nil
}

// Disconnect unregisters conn. If conn had already been replaced by a newer
// registration nothing else happens; otherwise the user is persisted offline
// and user_offline is broadcast. A registration that lands while the offline
// write is in flight wins: the user is marked online again and no
// user_offline goes out.
func (t *Tracker) Disconnect(ctx context.Context, conn registry.Conn) error {
	userID, ok := t.reg.Remove(conn)
	if !ok {
		return nil
	}

	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	u, err := t.store.MarkOffline(ctx, userID, t.now())
	if _, back := t.reg.Lookup(userID); back {
		return t.restoreOnline(ctx, userID)
	}
	if err != nil {
		t.broadcast(protocol.TypeUserOffline, protocol.UserPresenceMsg{UserID: userID}, userID)
		return fmt.Errorf("presence: disconnect user %d: %w", userID, err)
	}
	t.mirror(ctx, u, "disconnect")
	metrics.PresenceTransitions.WithLabelValues(string(u.Effective()), "disconnect").Inc()

	t.broadcast(protocol.TypeUserOffline, protocol.UserPresenceMsg{UserID: userID}, userID)
	return nil
}

// restoreOnline undoes an offline write that raced a newer registration.
// The newer Register already announced the user.
func (t *Tracker) restoreOnline(ctx context.Context, userID int64) error {
	t.logger.Info().Int64("user_id", userID).Msg("user re-registered during disconnect")
	u, err := t.store.MarkOnline(ctx, userID, t.now())
	if err != nil {
		return fmt.Errorf("presence: restore user %d: %w", userID, err)
	}
	t.mirror(ctx, u, "reconnect")
	return nil
}

// Status returns the persisted presence of a user, from the cache when
// possible.
func (t *Tracker) Status(ctx context.Context, userID int64) (User, error) {
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	if t.cache != nil {
		cached, err := t.cache.Get(ctx, userID)
		if err != nil {
			t.logger.Warn().Err(err).Int64("user_id", userID).Msg("cache read failed")
		} else if cached != nil {
			return *cached, nil
		}
	}

	u, err := t.store.GetUser(ctx, userID)
	if err != nil {
		return User{}, err
	}
	t.mirror(ctx, u, "read")
	return u, nil
}

// OnlineUsers lists reachable users: cluster-wide when a cache is
// configured, otherwise this node's registry.
func (t *Tracker) OnlineUsers(ctx context.Context) []int64 {
	if t.cache != nil {
		ids, err := t.cache.Online(ctx, t.now().Add(-t.heartbeatWindow()))
		if err == nil {
			return ids
		}
		t.logger.Warn().Err(err).Msg("cache online list failed, using local registry")
	}
	return t.reg.Online()
}

// Sweep moves idle online users to away and tells their contacts. It
// returns how many users changed.
func (t *Tracker) Sweep(ctx context.Context) (int, error) {
	now := t.now()

	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	users, err := t.store.MarkIdleAway(ctx, now.Add(-t.cfg.IdleAfter))
	if err != nil {
		return 0, fmt.Errorf("presence: sweep: %w", err)
	}
	for _, u := range users {
		t.mirror(ctx, u, "sweep")
		metrics.PresenceTransitions.WithLabelValues(string(StatusAway), "idle").Inc()
		t.notifyContacts(ctx, u)
	}

	if t.cache != nil {
		if err := t.cache.Refresh(ctx, t.reg.Online(), now); err != nil {
			t.logger.Warn().Err(err).Msg("cache heartbeat refresh failed")
		}
		if err := t.cache.Prune(ctx, now.Add(-t.heartbeatWindow())); err != nil {
			t.logger.Warn().Err(err).Msg("cache prune failed")
		}
	}
	return len(users), nil
}

// Run sweeps every SweepInterval until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info().Msg("presence sweep stopped")
			return
		case <-ticker.C:
			n, err := t.Sweep(ctx)
			if err != nil {
				t.logger.Error().Err(err).Msg("presence sweep failed")
				continue
			}
			if n > 0 {
				t.logger.Info().Int("users", n).Msg("idle users moved to away")
			}
		}
	}
}

// heartbeatWindow is how long an online heartbeat in the cache stays valid.
// Each node refreshes its users on every sweep.
func (t *Tracker) heartbeatWindow() time.Duration {
	return 3 * t.cfg.SweepInterval
}

func (t *Tracker) notifyContacts(ctx context.Context, u User) {
	contacts, err := t.store.ContactIDs(ctx, u.ID)
	if err != nil {
		t.logger.Error().Err(err).Int64("user_id", u.ID).Msg("load contacts failed")
		return
	}
	if len(contacts) == 0 {
		return
	}

	frame, err := statusFrame(u)
	if err != nil {
		t.logger.Error().Err(err).Msg("build status frame failed")
		return
	}
	for _, id := range contacts {
		delivered := t.notify.SendTo(id, frame)
		result := "delivered"
		if !delivered {
			result = "not_local"
		}
		metrics.DeliveriesTotal.WithLabelValues(protocol.TypeContactStatusUpdated, result).Inc()
	}
}

func (t *Tracker) broadcast(msgType string, payload interface{}, except int64) {
	frame, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		t.logger.Error().Err(err).Str("type", msgType).Msg("build broadcast failed")
		return
	}
	t.notify.Broadcast(frame, except)
}

func (t *Tracker) mirror(ctx context.Context, u User, cause string) {
	if t.cache == nil {
		return
	}
	if err := t.cache.Put(ctx, u); err != nil {
		t.logger.Warn().Err(err).Int64("user_id", u.ID).Str("cause", cause).Msg("cache write failed")
	}
}

func (t *Tracker) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, t.cfg.Timeout)
}

func statusFrame(u User) ([]byte, error) {
	return protocol.NewServerMessage(protocol.TypeContactStatusUpdated, protocol.ContactStatusMsg{
		UserID:        u.ID,
		Status:        string(u.Effective()),
		StatusMessage: u.StatusMessage,
		LastSeen:      u.LastSeen,
		IsOnline:      u.IsOnline,
	})
}
