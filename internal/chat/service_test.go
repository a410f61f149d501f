package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agora/social-chat/internal/moderation"
	"github.com/agora/social-chat/internal/protocol"
	"github.com/agora/social-chat/internal/ratelimit"
	"github.com/agora/social-chat/internal/registry"
)

// memStore is an in-memory Store keyed like the SQL schema.
type memStore struct {
	mu       sync.Mutex
	nextID   int64
	members  map[int64][]int64
	messages map[int64]*Message
	touched  map[int64]time.Time
	names    map[int64]string
	failOn   string
}

func newMemStore() *memStore {
	return &memStore{
		members:  map[int64][]int64{7: {1, 2}, 8: {1, 3}},
		messages: map[int64]*Message{},
		touched:  map[int64]time.Time{},
		names:    map[int64]string{1: "ana", 2: "ben", 3: "cy"},
	}
}

func (s *memStore) fail(op string) error {
	if s.failOn == op {
		return errors.New("db unavailable")
	}
	return nil
}

func (s *memStore) IsParticipant(_ context.Context, chatID, userID int64) (bool, error) {
	if err := s.fail("participant"); err != nil {
		return false, err
	}
	for _, m := range s.members[chatID] {
		if m == userID {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) ParticipantIDs(_ context.Context, chatID int64) ([]int64, error) {
	return append([]int64(nil), s.members[chatID]...), nil
}

func (s *memStore) InsertMessage(_ context.Context, m NewMessage) (int64, error) {
	if err := s.fail("insert"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.messages[s.nextID] = &Message{
		ID: s.nextID, ChatID: m.ChatID, UserID: m.UserID, Content: m.Content,
		MessageType: m.Type, AttachmentURL: m.AttachmentURL, CreatedAt: m.CreatedAt,
	}
	return s.nextID, nil
}

func (s *memStore) GetMessage(_ context.Context, id int64) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	out := *m
	out.Username = s.names[m.UserID]
	out.DisplayName = s.names[m.UserID]
	return out, nil
}

func (s *memStore) UpdateMessage(_ context.Context, id, userID int64, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.UserID != userID {
		return ErrNotFound
	}
	m.Content, m.IsEdited = content, true
	return nil
}

func (s *memStore) DeleteMessage(_ context.Context, id, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.UserID != userID {
		return 0, ErrNotFound
	}
	delete(s.messages, id)
	return m.ChatID, nil
}

func (s *memStore) ListMessages(_ context.Context, chatID int64) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages {
		if m.ChatID == chatID {
			c := *m
			c.Username = s.names[m.UserID]
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memStore) MarkRead(_ context.Context, chatID, readerID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.messages {
		if m.ChatID == chatID && m.UserID != readerID && !m.IsRead {
			m.IsRead = true
			n++
		}
	}
	return n, nil
}

func (s *memStore) TouchChat(_ context.Context, chatID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched[chatID] = at
	return nil
}

func (s *memStore) ListChats(_ context.Context, userID int64) ([]Chat, error) {
	var out []Chat
	for id, members := range s.members {
		for _, m := range members {
			if m == userID {
				out = append(out, Chat{ID: id, Type: "private"})
			}
		}
	}
	return out, nil
}

type recConn struct {
	key    string
	mu     sync.Mutex
	frames []map[string]interface{}
}

func (c *recConn) Key() string { return c.key }

func (c *recConn) WriteMessage(data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, m)
	c.mu.Unlock()
	return nil
}

func (c *recConn) ofType(t string) []map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]interface{}
	for _, f := range c.frames {
		if f["type"] == t {
			out = append(out, f)
		}
	}
	return out
}

type fakeMuter struct {
	muted     map[int64]bool
	escalated []int64
}

func (f *fakeMuter) IsMuted(_ context.Context, userID int64) (bool, time.Duration, error) {
	if f.muted[userID] {
		return true, time.Minute, nil
	}
	return false, 0, nil
}

func (f *fakeMuter) Escalate(_ context.Context, userID int64, _ string) (time.Duration, error) {
	f.escalated = append(f.escalated, userID)
	return 15 * time.Minute, nil
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, ratelimit.Rule) (bool, error) { return false, nil }

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string, ratelimit.Rule) (bool, error) {
	return true, errors.New("redis down")
}

type fixture struct {
	store *memStore
	reg   *registry.Local
	svc   *Service
	conns map[int64]*recConn
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := newMemStore()
	reg := registry.NewLocal(zerolog.Nop())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	clock := func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	opts = append([]Option{WithClock(clock)}, opts...)
	return &fixture{
		store: store,
		reg:   reg,
		svc:   NewService(store, reg, zerolog.Nop(), opts...),
		conns: map[int64]*recConn{},
	}
}

func (f *fixture) connect(userID int64) *recConn {
	c := &recConn{key: string(rune('a' + userID))}
	f.reg.Register(userID, c)
	f.conns[userID] = c
	return c
}

func TestSendMessage_FansOutToRegisteredParticipants(t *testing.T) {
	f := newFixture(t)
	a := f.connect(1)
	b := f.connect(2)
	outsider := f.connect(3)

	msg, err := f.svc.SendMessage(context.Background(), SendRequest{ChatID: 7, UserID: 1, Content: "hi"})
	require.NoError(t, err)
	assert.NotZero(t, msg.ID)
	assert.Equal(t, "ana", msg.Username, "sender fields joined")
	assert.Equal(t, TypeText, msg.MessageType)

	got := b.ofType(protocol.TypeNewMessage)
	require.Len(t, got, 1)
	assert.Equal(t, "hi", got[0]["content"])
	assert.EqualValues(t, msg.ID, got[0]["id"])
	assert.Equal(t, "ana", got[0]["username"])

	assert.Len(t, a.ofType(protocol.TypeNewMessage), 1, "sender gets the stored copy")
	assert.Empty(t, outsider.ofType(protocol.TypeNewMessage))
	assert.Equal(t, msg.CreatedAt, f.store.touched[7])
}

func TestSendMessage_LateRegistrationMissesEvent(t *testing.T) {
	f := newFixture(t)
	f.connect(1)

	_, err := f.svc.SendMessage(context.Background(), SendRequest{ChatID: 7, UserID: 1, Content: "hi"})
	require.NoError(t, err)

	b := f.connect(2)
	assert.Empty(t, b.ofType(protocol.TypeNewMessage))

	history, err := f.svc.History(context.Background(), 7, 2)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hi", history[0].Content)
	assert.True(t, history[0].IsRead)
}

func TestSendMessage_Validation(t *testing.T) {
	f := newFixture(t)
	b := f.connect(2)
	url := "/uploads/x.png"

	cases := []struct {
		name string
		req  SendRequest
	}{
		{"missing chat", SendRequest{UserID: 1, Content: "hi"}},
		{"missing user", SendRequest{ChatID: 7, Content: "hi"}},
		{"empty text", SendRequest{ChatID: 7, UserID: 1, Content: "   "}},
		{"bad type", SendRequest{ChatID: 7, UserID: 1, Content: "hi", Type: "sticker"}},
		{"image without attachment", SendRequest{ChatID: 7, UserID: 1, Type: "image"}},
		{"invalid utf8", SendRequest{ChatID: 7, UserID: 1, Content: "\xff\xfe"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.SendMessage(context.Background(), tc.req)
			assert.ErrorIs(t, err, ErrInvalidMessage)
			assert.Equal(t, "invalid_message", ErrorCode(err))
		})
	}

	_, err := f.svc.SendMessage(context.Background(), SendRequest{ChatID: 7, UserID: 1, Type: "image", AttachmentURL: &url})
	require.NoError(t, err, "attachment without caption is fine")

	assert.Len(t, f.store.messages, 1)
	assert.Len(t, b.ofType(protocol.TypeNewMessage), 1)
}

func TestSendMessage_NotParticipant(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.SendMessage(context.Background(), SendRequest{ChatID: 7, UserID: 3, Content: "hi"})
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Empty(t, f.store.messages)
}

func TestSendMessage_InsertFailure(t *testing.T) {
	f := newFixture(t)
	b := f.connect(2)
	f.store.failOn = "insert"

	_, err := f.svc.SendMessage(context.Background(), SendRequest{ChatID: 7, UserID: 1, Content: "hi"})
	require.Error(t, err)
	assert.Equal(t, "internal", ErrorCode(err))
	assert.Empty(t, b.ofType(protocol.TypeNewMessage))
	assert.Empty(t, f.store.touched)
}

func TestSendMessage_Moderation(t *testing.T) {
	muter := &fakeMuter{muted: map[int64]bool{}}
	f := newFixture(t,
		WithModerator(moderation.NewFilterWithTerms([]string{"badword"})),
		WithMuter(muter),
	)
	b := f.connect(2)

	_, err := f.svc.SendMessage(context.Background(), SendRequest{ChatID: 7, UserID: 1, Content: "you badword"})
	assert.ErrorIs(t, err, ErrBlocked)
	assert.Equal(t, []int64{1}, muter.escalated)
	assert.Empty(t, b.ofType(protocol.TypeNewMessage))

	muter.muted[1] = true
	_, err = f.svc.SendMessage(context.Background(), SendRequest{ChatID: 7, UserID: 1, Content: "sorry"})
	assert.ErrorIs(t, err, ErrMuted)
	assert.Equal(t, "muted", ErrorCode(err))
	assert.Empty(t, f.store.messages)
}

func TestSendMessage_RateLimit(t *testing.T) {
	f := newFixture(t, WithLimiter(denyLimiter{}))
	_, err := f.svc.SendMessage(context.Background(), SendRequest{ChatID: 7, UserID: 1, Content: "hi"})
	assert.ErrorIs(t, err, ErrRateLimited)

	f = newFixture(t, WithLimiter(brokenLimiter{}))
	_, err = f.svc.SendMessage(context.Background(), SendRequest{ChatID: 7, UserID: 1, Content: "hi"})
	assert.NoError(t, err, "limiter failure fails open")
}

func TestEditMessage(t *testing.T) {
	f := newFixture(t)
	b := f.connect(2)
	ctx := context.Background()

	first, err := f.svc.SendMessage(ctx, SendRequest{ChatID: 7, UserID: 1, Content: "one"})
	require.NoError(t, err)
	_, err = f.svc.SendMessage(ctx, SendRequest{ChatID: 7, UserID: 2, Content: "two"})
	require.NoError(t, err)

	edited, err := f.svc.EditMessage(ctx, first.ID, 1, "uno")
	require.NoError(t, err)
	assert.True(t, edited.IsEdited)
	assert.Equal(t, first.CreatedAt, edited.CreatedAt)

	updates := b.ofType(protocol.TypeMessageUpdated)
	require.Len(t, updates, 1)
	assert.Equal(t, "uno", updates[0]["content"])
	assert.Equal(t, true, updates[0]["is_edited"])

	history, err := f.svc.History(ctx, 7, 1)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "uno", history[0].Content, "edit keeps position")

	_, err = f.svc.EditMessage(ctx, first.ID, 2, "hijack")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.EditMessage(ctx, first.ID, 1, "")
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestDeleteMessage(t *testing.T) {
	f := newFixture(t)
	b := f.connect(2)
	ctx := context.Background()

	m1, err := f.svc.SendMessage(ctx, SendRequest{ChatID: 7, UserID: 1, Content: "one"})
	require.NoError(t, err)
	m2, err := f.svc.SendMessage(ctx, SendRequest{ChatID: 7, UserID: 1, Content: "two"})
	require.NoError(t, err)

	_, err = f.svc.DeleteMessage(ctx, m1.ID, 2)
	assert.ErrorIs(t, err, ErrNotFound, "only the owner may delete")

	chatID, err := f.svc.DeleteMessage(ctx, m1.ID, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 7, chatID)

	deleted := b.ofType(protocol.TypeMessageDeleted)
	require.Len(t, deleted, 1)
	assert.EqualValues(t, m1.ID, deleted[0]["message_id"])
	assert.EqualValues(t, 7, deleted[0]["chat_id"])

	history, err := f.svc.History(ctx, 7, 2)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, m2.ID, history[0].ID)
}

func TestHistory_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, text := range []string{"a", "b", "c"} {
		_, err := f.svc.SendMessage(ctx, SendRequest{ChatID: 7, UserID: 1, Content: text})
		require.NoError(t, err)
	}

	first, err := f.svc.History(ctx, 7, 2)
	require.NoError(t, err)
	second, err := f.svc.History(ctx, 7, 2)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, []string{"a", "b", "c"}, []string{first[0].Content, first[1].Content, first[2].Content})

	_, err = f.svc.History(ctx, 7, 3)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestListChats(t *testing.T) {
	f := newFixture(t)

	chats, err := f.svc.ListChats(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.EqualValues(t, 8, chats[0].ID)

	chats, err = f.svc.ListChats(context.Background(), 99)
	require.NoError(t, err)
	assert.NotNil(t, chats)
	assert.Empty(t, chats)
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "", ErrorCode(nil))
	assert.Equal(t, "not_found", ErrorCode(ErrNotFound))
	assert.Equal(t, "rate_limited", ErrorCode(ErrRateLimited))
	assert.Equal(t, "internal", ErrorCode(errors.New("boom")))
}
