package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/agora/social-chat/internal/presence"
)

// statusResponse is the REST shape of a user's presence. Status is the
// effective one, so a disconnected user reads as offline.
type statusResponse struct {
	UserID        int64     `json:"user_id"`
	Status        string    `json:"status"`
	StatusMessage *string   `json:"status_message"`
	IsOnline      bool      `json:"is_online"`
	LastSeen      time.Time `json:"last_seen"`
}

func statusView(u presence.User) statusResponse {
	return statusResponse{
		UserID:        u.ID,
		Status:        string(u.Effective()),
		StatusMessage: u.StatusMessage,
		IsOnline:      u.IsOnline,
		LastSeen:      u.LastSeen,
	}
}

type statusRequest struct {
	UserID        int64   `json:"userId"`
	Status        string  `json:"status"`
	StatusMessage *string `json:"statusMessage"`
}

// updateStatus handles PUT /api/users/status. It shares the realtime
// update_user_status path, so contacts are told over the socket.
func (h *Handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	userID, ok := h.caller(w, r, req.UserID)
	if !ok {
		return
	}

	u, err := h.presence.UpdateStatus(r.Context(), userID, req.Status, req.StatusMessage)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, statusView(u))
}

// getStatus handles GET /api/users/{userId}/status. Any authenticated user
// may read anyone's status.
func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userId")
	if !ok {
		return
	}

	u, err := h.presence.Status(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, statusView(u))
}
