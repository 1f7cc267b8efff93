package handler

import (
	"context"
	"log/slog"
	"net/http"

	"cercle-chat/internal/domain"
	"cercle-chat/internal/middleware"
	"cercle-chat/internal/observability"
	"cercle-chat/internal/service"
	ws "cercle-chat/internal/websocket"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WebSocketHandler upgrades authenticated participants into a chat session
type WebSocketHandler struct {
	ctx         context.Context
	chatService *service.ChatService
	upgrader    websocket.Upgrader
}

// NewWebSocketHandler creates a new WebSocket handler. Connections are
// closed when ctx is cancelled.
func NewWebSocketHandler(ctx context.Context, chatService *service.ChatService, allowedOrigins []string) *WebSocketHandler {
	return &WebSocketHandler{
		ctx:         ctx,
		chatService: chatService,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// Non-browser clients send no Origin
				return origin == "" || middleware.OriginAllowed(allowedOrigins, origin)
			},
		},
	}
}

// HandleConnection handles WebSocket upgrade and serves the connection
// until it closes
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	convID, ok := conversationID(w, r, "conversation_id")
	if !ok {
		return
	}

	log := observability.FromContext(observability.WithConversationID(r.Context(), convID))

	isParticipant, err := h.chatService.IsParticipant(r.Context(), convID, userID)
	if err != nil {
		log.Error("participant lookup failed", slog.String("error", err.Error()))
		writeServiceError(w, r, domain.ErrStoreUnavailable)
		return
	}
	if !isParticipant {
		writeServiceError(w, r, domain.ErrNotParticipant)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		log.Warn("websocket upgrade error", slog.String("error", err.Error()))
		return
	}

	log = log.With(slog.String("connection_id", uuid.NewString()))
	log.Info("websocket connected")

	ws.NewClient(h.ctx, conn, userID, convID, h.chatService).Run()

	log.Info("websocket disconnected")
}
