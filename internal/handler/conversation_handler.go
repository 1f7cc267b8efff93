package handler

import (
	"encoding/json"
	"net/http"

	"cercle-chat/internal/middleware"
	"cercle-chat/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// maxBodyBytes caps request bodies for message sends
const maxBodyBytes = 16 << 10

// ConversationHandler serves conversation history and message sends over REST
type ConversationHandler struct {
	chatService *service.ChatService
}

// NewConversationHandler creates a new conversation handler
func NewConversationHandler(chatService *service.ChatService) *ConversationHandler {
	return &ConversationHandler{
		chatService: chatService,
	}
}

// SendMessageRequest represents a message send request
type SendMessageRequest struct {
	Content   string `json:"content"`
	Ephemeral bool   `json:"ephemeral"`
}

// conversationID reads and validates the {id} path parameter
func conversationID(w http.ResponseWriter, r *http.Request, param string) (string, bool) {
	id := chi.URLParam(r, param)
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid conversation ID")
		return "", false
	}
	return id, true
}

// ListMessages returns the visible history of a conversation
func (h *ConversationHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	convID, ok := conversationID(w, r, "id")
	if !ok {
		return
	}

	messages, err := h.chatService.History(r.Context(), convID, userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": messages,
	})
}

// SendMessage appends a message authored by the caller
func (h *ConversationHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	convID, ok := conversationID(w, r, "id")
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	msg, err := h.chatService.Send(r.Context(), convID, userID, req.Content, req.Ephemeral)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, msg)
}
