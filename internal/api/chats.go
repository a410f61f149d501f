package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/agora/social-chat/internal/chat"
)

// listChats handles GET /chats/{userId}.
func (h *Handler) listChats(w http.ResponseWriter, r *http.Request) {
	claimed, ok := h.pathID(w, r, "userId")
	if !ok {
		return
	}
	userID, ok := h.caller(w, r, claimed)
	if !ok {
		return
	}

	chats, err := h.chats.ListChats(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, chats)
}

// history handles GET /messages/{id}?userId= where id is the chat. Reading
// marks the other participants' messages read.
func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	chatID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	claimed, err := optionalID(r.URL.Query().Get("userId"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	userID, ok := h.caller(w, r, claimed)
	if !ok {
		return
	}

	msgs, err := h.chats.History(r.Context(), chatID, userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, msgs)
}

type editRequest struct {
	Content string `json:"content"`
	UserID  int64  `json:"userId"`
}

// editMessage handles PUT /messages/{id}.
func (h *Handler) editMessage(w http.ResponseWriter, r *http.Request) {
	messageID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req editRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	userID, ok := h.caller(w, r, req.UserID)
	if !ok {
		return
	}

	msg, err := h.chats.EditMessage(r.Context(), messageID, userID, req.Content)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, msg)
}

// deleteMessage handles DELETE /messages/{id}.
func (h *Handler) deleteMessage(w http.ResponseWriter, r *http.Request) {
	messageID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	claimed, err := optionalID(r.URL.Query().Get("userId"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	userID, ok := h.caller(w, r, claimed)
	if !ok {
		return
	}

	chatID, err := h.chats.DeleteMessage(r.Context(), messageID, userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]int64{"message_id": messageID, "chat_id": chatID})
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	h.attach(w, r, false)
}

func (h *Handler) uploadVoice(w http.ResponseWriter, r *http.Request) {
	h.attach(w, r, true)
}

// attach handles the multipart upload endpoints. Form fields: file, chatId,
// optional userId and content.
func (h *Handler) attach(w http.ResponseWriter, r *http.Request, voice bool) {
	if h.maxUploadBytes > 0 {
		// Room for the other form fields.
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+64<<10)
	}
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			h.Error(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		h.Error(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	chatID, err := strconv.ParseInt(r.FormValue("chatId"), 10, 64)
	if err != nil || chatID <= 0 {
		h.Error(w, http.StatusBadRequest, "invalid chatId")
		return
	}
	claimed, err := optionalID(r.FormValue("userId"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	userID, ok := h.caller(w, r, claimed)
	if !ok {
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		h.Error(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	msg, err := h.chats.Attach(r.Context(), chat.Upload{
		ChatID:      chatID,
		UserID:      userID,
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Body:        file,
		Caption:     r.FormValue("content"),
		Voice:       voice,
	})
	if err != nil {
		if errors.Is(err, chat.ErrTooLarge) {
			h.Error(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		h.fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusCreated, msg)
}
