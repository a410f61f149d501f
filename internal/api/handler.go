// Package api serves the REST endpoints that read and mutate chat and
// presence state. Every mutation runs through the same services as the
// realtime events, so live fan-out happens either way.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/agora/social-chat/internal/auth"
	"github.com/agora/social-chat/internal/chat"
	"github.com/agora/social-chat/internal/presence"
)

// Chats is the chat.Service surface the REST layer uses.
type Chats interface {
	ListChats(ctx context.Context, userID int64) ([]chat.Chat, error)
	History(ctx context.Context, chatID, userID int64) ([]chat.Message, error)
	EditMessage(ctx context.Context, messageID, userID int64, content string) (chat.Message, error)
	DeleteMessage(ctx context.Context, messageID, userID int64) (int64, error)
	Attach(ctx context.Context, up chat.Upload) (chat.Message, error)
}

// Presence is the presence.Tracker surface the REST layer uses.
type Presence interface {
	UpdateStatus(ctx context.Context, userID int64, status string, message *string) (presence.User, error)
	Status(ctx context.Context, userID int64) (presence.User, error)
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	chats          Chats
	presence       Presence
	maxUploadBytes int64
	logger         zerolog.Logger
}

func NewHandler(chats Chats, p Presence, maxUploadBytes int64, logger zerolog.Logger) *Handler {
	return &Handler{chats: chats, presence: p, maxUploadBytes: maxUploadBytes, logger: logger}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Debug().Err(err).Msg("write response failed")
	}
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// fail maps a service error to a status code. Internal errors are logged
// and not echoed.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	switch {
	case errors.Is(err, chat.ErrInvalidMessage), errors.Is(err, presence.ErrInvalidStatus):
		status = http.StatusBadRequest
	case errors.Is(err, chat.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, chat.ErrNotFound), errors.Is(err, presence.ErrUserNotFound):
		status = http.StatusNotFound
	case errors.Is(err, chat.ErrBlocked):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, chat.ErrMuted), errors.Is(err, chat.ErrRateLimited):
		status = http.StatusTooManyRequests
	default:
		h.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		h.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.Error(w, status, err.Error())
}

// caller returns the authenticated user. claimed is the user id the client
// put in the path, query or body; zero means "not given". A mismatch is
// answered with 403.
func (h *Handler) caller(w http.ResponseWriter, r *http.Request, claimed int64) (int64, bool) {
	userID, ok := auth.UserFrom(r.Context())
	if !ok {
		h.Error(w, http.StatusUnauthorized, "unauthorized")
		return 0, false
	}
	if claimed != 0 && claimed != userID {
		h.Error(w, http.StatusForbidden, "user id does not match token")
		return 0, false
	}
	return userID, true
}

// pathID parses a positive integer URL parameter.
func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		h.Error(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

// optionalID parses s as a user id; empty is zero.
func optionalID(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid user id")
	}
	return id, nil
}
