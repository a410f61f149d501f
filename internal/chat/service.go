package chat

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/agora/social-chat/internal/metrics"
	"github.com/agora/social-chat/internal/moderation"
	"github.com/agora/social-chat/internal/protocol"
	"github.com/agora/social-chat/internal/ratelimit"
	"github.com/agora/social-chat/internal/registry"
)

// Moderator screens message text before it is stored.
type Moderator interface {
	Check(text string) moderation.FilterResult
}

// Muter silences repeat offenders.
type Muter interface {
	IsMuted(ctx context.Context, userID int64) (bool, time.Duration, error)
	Escalate(ctx context.Context, userID int64, reason string) (time.Duration, error)
}

// Limiter throttles senders.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// SendRequest is one send_message event or upload.
type SendRequest struct {
	ChatID        int64
	UserID        int64
	Content       string
	Type          string
	AttachmentURL *string
}

// Service stores messages and pushes them to connected participants.
type Service struct {
	store     Store
	notify    registry.Notifier
	moderator Moderator
	muter     Muter
	limiter   Limiter
	uploader  *Uploader
	timeout   time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

// Option customises a Service.
type Option func(*Service)

func WithModerator(m Moderator) Option { return func(s *Service) { s.moderator = m } }
func WithMuter(m Muter) Option         { return func(s *Service) { s.muter = m } }
func WithLimiter(l Limiter) Option     { return func(s *Service) { s.limiter = l } }
func WithUploader(u *Uploader) Option  { return func(s *Service) { s.uploader = u } }

// WithTimeout bounds each store call. Zero disables the bound.
func WithTimeout(d time.Duration) Option { return func(s *Service) { s.timeout = d } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService wires a Service. Moderation, mutes and rate limits are off
// unless enabled through options.
func NewService(store Store, notify registry.Notifier, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:   store,
		notify:  notify,
		timeout: 5 * time.Second,
		now:     time.Now,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SendMessage validates, stores and fans out a new message. Every
// registered participant receives new_message, the sender included, so the
// sender learns the server-assigned id. Rejected messages are never stored.
func (s *Service) SendMessage(ctx context.Context, req SendRequest) (Message, error) {
	typ, err := ParseMessageType(req.Type)
	if err != nil {
		return Message{}, err
	}
	if req.ChatID <= 0 || req.UserID <= 0 {
		return Message{}, fmt.Errorf("%w: chat_id and user_id are required", ErrInvalidMessage)
	}
	if err := ValidateMessage(req.Content, typ, req.AttachmentURL); err != nil {
		return Message{}, err
	}

	if err := s.admit(ctx, req.UserID); err != nil {
		return Message{}, err
	}

	ok, err := s.isParticipant(ctx, req.ChatID, req.UserID)
	if err != nil {
		return Message{}, err
	}
	if !ok {
		return Message{}, fmt.Errorf("%w: user %d is not in chat %d", ErrForbidden, req.UserID, req.ChatID)
	}

	if err := s.screen(ctx, req.UserID, req.Content); err != nil {
		return Message{}, err
	}

	accepted := s.now()
	msg, err := s.insert(ctx, NewMessage{
		ChatID:        req.ChatID,
		UserID:        req.UserID,
		Content:       req.Content,
		Type:          typ,
		AttachmentURL: req.AttachmentURL,
		CreatedAt:     accepted,
	})
	if err != nil {
		return Message{}, err
	}

	s.fanout(ctx, msg.ChatID, protocol.TypeNewMessage, msg)
	metrics.FanoutLatency.Observe(time.Since(accepted).Seconds())

	tctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.store.TouchChat(tctx, msg.ChatID, msg.CreatedAt); err != nil {
		s.logger.Warn().Err(err).Int64("chat_id", msg.ChatID).Msg("touch chat failed")
	}
	return msg, nil
}

// EditMessage replaces the content of a message owned by userID and
// broadcasts message_updated to the chat.
func (s *Service) EditMessage(ctx context.Context, messageID, userID int64, content string) (Message, error) {
	if messageID <= 0 || userID <= 0 {
		return Message{}, fmt.Errorf("%w: message_id and user_id are required", ErrInvalidMessage)
	}
	if strings.TrimSpace(content) == "" {
		return Message{}, fmt.Errorf("%w: message text is empty", ErrInvalidMessage)
	}
	if err := validateText(content); err != nil {
		return Message{}, err
	}
	if err := s.screen(ctx, userID, content); err != nil {
		return Message{}, err
	}

	tctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.store.UpdateMessage(tctx, messageID, userID, content); err != nil {
		return Message{}, fmt.Errorf("chat: edit message %d: %w", messageID, err)
	}
	msg, err := s.store.GetMessage(tctx, messageID)
	if err != nil {
		return Message{}, fmt.Errorf("chat: reload message %d: %w", messageID, err)
	}

	s.fanout(ctx, msg.ChatID, protocol.TypeMessageUpdated, msg)
	return msg, nil
}

// DeleteMessage removes a message owned by userID and broadcasts
// message_deleted to the chat. It returns the chat the message was in.
func (s *Service) DeleteMessage(ctx context.Context, messageID, userID int64) (int64, error) {
	if messageID <= 0 || userID <= 0 {
		return 0, fmt.Errorf("%w: message_id and user_id are required", ErrInvalidMessage)
	}

	tctx, cancel := s.withTimeout(ctx)
	defer cancel()

	chatID, err := s.store.DeleteMessage(tctx, messageID, userID)
	if err != nil {
		return 0, fmt.Errorf("chat: delete message %d: %w", messageID, err)
	}

	s.fanout(ctx, chatID, protocol.TypeMessageDeleted, protocol.MessageDeletedMsg{
		MessageID: messageID,
		ChatID:    chatID,
	})
	return chatID, nil
}

// History returns a chat's messages in created_at, id order and marks the
// messages userID received as read. Unread flags are cleared before the
// list is read, so two fetches without new messages are identical.
func (s *Service) History(ctx context.Context, chatID, userID int64) ([]Message, error) {
	if chatID <= 0 || userID <= 0 {
		return nil, fmt.Errorf("%w: chat_id and user_id are required", ErrInvalidMessage)
	}
	ok, err := s.isParticipant(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: user %d is not in chat %d", ErrForbidden, userID, chatID)
	}

	tctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.store.MarkRead(tctx, chatID, userID); err != nil {
		return nil, fmt.Errorf("chat: mark read: %w", err)
	}
	msgs, err := s.store.ListMessages(tctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("chat: list messages: %w", err)
	}
	if msgs == nil {
		msgs = []Message{}
	}
	return msgs, nil
}

// ListChats returns the chats userID belongs to.
func (s *Service) ListChats(ctx context.Context, userID int64) ([]Chat, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidMessage)
	}

	tctx, cancel := s.withTimeout(ctx)
	defer cancel()

	chats, err := s.store.ListChats(tctx, userID)
	if err != nil {
		return nil, fmt.Errorf("chat: list chats: %w", err)
	}
	if chats == nil {
		chats = []Chat{}
	}
	return chats, nil
}

// admit applies the per-user message rate limit. Limiter failures let the
// message through.
func (s *Service) admit(ctx context.Context, userID int64) error {
	if s.limiter == nil {
		return nil
	}
	ok, err := s.limiter.Allow(ctx, strconv.FormatInt(userID, 10), ratelimit.RuleMessage)
	if err != nil {
		s.logger.Warn().Err(err).Int64("user_id", userID).Msg("rate limiter unavailable")
	}
	if !ok {
		return ErrRateLimited
	}
	return nil
}

// screen rejects muted senders and blocked content. A blocked message earns
// the sender an escalating mute.
func (s *Service) screen(ctx context.Context, userID int64, text string) error {
	if s.muter != nil {
		muted, remaining, err := s.muter.IsMuted(ctx, userID)
		if err != nil {
			s.logger.Warn().Err(err).Int64("user_id", userID).Msg("mute lookup failed")
		} else if muted {
			return fmt.Errorf("%w for %s", ErrMuted, remaining.Round(time.Second))
		}
	}

	if s.moderator == nil || text == "" {
		return nil
	}
	res := s.moderator.Check(text)
	if !res.Blocked {
		return nil
	}

	s.logger.Info().Int64("user_id", userID).Str("reason", res.Reason).Str("term", res.Term).Msg("message blocked")
	if s.muter != nil {
		d, err := s.muter.Escalate(ctx, userID, res.Reason)
		if err != nil {
			s.logger.Warn().Err(err).Int64("user_id", userID).Msg("mute escalation failed")
		} else {
			s.logger.Info().Int64("user_id", userID).Dur("duration", d).Msg("sender muted")
		}
	}
	return fmt.Errorf("%w: %s", ErrBlocked, res.Reason)
}

func (s *Service) isParticipant(ctx context.Context, chatID, userID int64) (bool, error) {
	tctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ok, err := s.store.IsParticipant(tctx, chatID, userID)
	if err != nil {
		return false, fmt.Errorf("chat: participant check: %w", err)
	}
	return ok, nil
}

// insert stores m and reads it back joined with the sender's profile.
func (s *Service) insert(ctx context.Context, m NewMessage) (Message, error) {
	tctx, cancel := s.withTimeout(ctx)
	defer cancel()

	id, err := s.store.InsertMessage(tctx, m)
	if err != nil {
		return Message{}, fmt.Errorf("chat: insert message: %w", err)
	}
	msg, err := s.store.GetMessage(tctx, id)
	if err != nil {
		return Message{}, fmt.Errorf("chat: reload message %d: %w", id, err)
	}
	return msg, nil
}

// fanout pushes one event to every registered participant of chatID.
// Participants who are not connected get nothing and catch up through
// History.
func (s *Service) fanout(ctx context.Context, chatID int64, msgType string, payload interface{}) {
	frame, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("type", msgType).Msg("build frame failed")
		return
	}

	tctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ids, err := s.store.ParticipantIDs(tctx, chatID)
	if err != nil {
		s.logger.Error().Err(err).Int64("chat_id", chatID).Msg("load participants failed")
		return
	}

	delivered := 0
	for _, id := range ids {
		if s.notify.SendTo(id, frame) {
			delivered++
			metrics.DeliveriesTotal.WithLabelValues(msgType, "delivered").Inc()
		} else {
			metrics.DeliveriesTotal.WithLabelValues(msgType, "not_local").Inc()
		}
	}
	s.logger.Debug().Str("type", msgType).Int64("chat_id", chatID).
		Int("participants", len(ids)).Int("delivered", delivered).Msg("fan-out")
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}
