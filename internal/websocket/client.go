// Package websocket bridges one browser connection to one chat session.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"cercle-chat/internal/domain"
	"cercle-chat/internal/observability"
	"cercle-chat/internal/service"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second // Must be less than pongWait
	maxMessageSize = 4096
	openTimeout    = 10 * time.Second
	sendTimeout    = 5 * time.Second
)

// Client frame types
const (
	TypeSend = "send"
)

// Server frame types
const (
	TypeSnapshot       = "snapshot"
	TypeMessageAdded   = "message_added"
	TypeMessageExpired = "message_expired"
	TypeExpiredSelf    = "expired_self"
	TypeSecretSent     = "secret_sent"
	TypeSendFailed     = "send_failed"
	TypeEmptyMessage   = "empty_message"
	TypeLoadFailed     = "load_failed"
	TypeError          = "error"
)

// SessionFactory creates chat sessions for connected users
type SessionFactory interface {
	NewSession(userID string, onEvent service.EventHandler) *service.ChatSession
}

type Client struct {
	conn           *websocket.Conn
	send           chan []byte
	userID         string
	conversationID string
	session        *service.ChatSession
	writeMu        sync.Mutex
	closed         atomic.Bool
	ctx            context.Context
	ctxCancel      context.CancelFunc
	writerDone     chan struct{}
}

type ClientMessage struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	Ephemeral bool   `json:"ephemeral"`
}

type ServerMessage struct {
	Type      string          `json:"type"`
	Message   *domain.Message `json:"message,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// SnapshotMessage carries the visible list once the session is open
type SnapshotMessage struct {
	Type     string            `json:"type"`
	Messages []*domain.Message `json:"messages"`
}

func NewClient(ctx context.Context, conn *websocket.Conn, userID, conversationID string, sessions SessionFactory) *Client {
	clientCtx, cancel := context.WithCancel(ctx)

	c := &Client{
		conn:           conn,
		send:           make(chan []byte, 256),
		userID:         userID,
		conversationID: conversationID,
		ctx:            clientCtx,
		ctxCancel:      cancel,
		writerDone:     make(chan struct{}),
	}
	c.session = sessions.NewSession(userID, c.handleEvent)
	return c
}

// Run opens the session and serves the connection until it closes
func (c *Client) Run() {
	observability.WebSocketConnectionsActive.Inc()
	defer observability.WebSocketConnectionsActive.Dec()

	go c.WritePump()
	c.ReadPump()
}

// handleEvent runs under the session lock, so it only queues frames
func (c *Client) handleEvent(ev service.Event) {
	var frame any
	switch ev.Type {
	case service.EventLoaded:
		frame = SnapshotMessage{Type: TypeSnapshot, Messages: ev.Messages}
	case service.EventMessageAdded:
		frame = ServerMessage{Type: TypeMessageAdded, Message: ev.Message}
	case service.EventMessageExpired:
		frame = ServerMessage{Type: TypeMessageExpired, MessageID: ev.Message.ID}
	case service.EventExpiredSelf:
		frame = ServerMessage{Type: TypeExpiredSelf, MessageID: ev.Message.ID}
	case service.EventSecretSent:
		expiresAt := ev.ExpiresAt
		frame = ServerMessage{Type: TypeSecretSent, MessageID: ev.Message.ID, ExpiresAt: &expiresAt}
	case service.EventSendFailed:
		frame = ServerMessage{Type: TypeSendFailed, Content: ev.Content, Error: "Failed to send message"}
	case service.EventEmptyMessage:
		frame = ServerMessage{Type: TypeEmptyMessage}
	case service.EventLoadFailed:
		frame = ServerMessage{Type: TypeLoadFailed, Error: "Failed to load conversation"}
	default:
		return
	}
	c.queue(frame)
}

func (c *Client) queue(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("failed to marshal server message",
			slog.String("error", err.Error()),
			slog.String("conversation_id", c.conversationID))
		return
	}

	select {
	case c.send <- data:
	default:
		// Slow consumer, drop the connection rather than block the session
		slog.Warn("websocket send buffer full, closing connection",
			slog.String("user", c.userID),
			slog.String("conversation_id", c.conversationID))
		c.ctxCancel()
	}
}

func (c *Client) sendError(message string) {
	c.queue(ServerMessage{Type: TypeError, Error: message})
}

func (c *Client) ReadPump() {
	defer func() {
		c.session.Close()
		c.ctxCancel()
		<-c.writerDone
		c.closeConnection()
	}()

	openCtx, cancel := context.WithTimeout(c.ctx, openTimeout)
	err := c.session.Open(openCtx, c.conversationID)
	cancel()
	if err != nil {
		slog.Warn("failed to open chat session",
			slog.String("error", err.Error()),
			slog.String("user", c.userID),
			slog.String("conversation_id", c.conversationID))
		return
	}

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		slog.Warn("failed to set read deadline",
			slog.String("error", err.Error()),
			slog.String("user", c.userID),
			slog.String("conversation_id", c.conversationID))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			slog.Warn("failed to set read deadline in pong handler",
				slog.String("error", err.Error()),
				slog.String("user", c.userID),
				slog.String("conversation_id", c.conversationID))
			return err
		}
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket error",
					slog.String("error", err.Error()),
					slog.String("user", c.userID))
			}
			return
		}

		var clientMsg ClientMessage
		if err := json.Unmarshal(message, &clientMsg); err != nil {
			slog.Warn("invalid message format",
				slog.String("error", err.Error()),
				slog.String("user", c.userID))
			c.sendError("Invalid message format")
			continue
		}

		if clientMsg.Type != TypeSend {
			c.sendError("Unknown message type")
			continue
		}

		c.handleSend(clientMsg)
	}
}

// handleSend forwards one composed message. Outcomes reach the browser as
// session events, except for errors the session does not report itself.
func (c *Client) handleSend(msg ClientMessage) {
	content, opts := service.ResolveInput(msg.Content, service.SendOptions{Ephemeral: msg.Ephemeral})

	ctx, cancel := context.WithTimeout(c.ctx, sendTimeout)
	defer cancel()

	_, err := c.session.Send(ctx, content, opts)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrEmptyMessage), errors.Is(err, domain.ErrSendFailed):
		slog.Debug("message not sent",
			slog.String("error", err.Error()),
			slog.String("user", c.userID),
			slog.String("conversation_id", c.conversationID))
	default:
		slog.Error("error sending message",
			slog.String("error", err.Error()),
			slog.String("user", c.userID),
			slog.String("conversation_id", c.conversationID))
		c.sendError("Session not available")
	}
}

// WritePump pumps queued frames to the WebSocket connection. Frames queued
// before shutdown are flushed first.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
		close(c.writerDone)
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				c.ctxCancel()
				return
			}

		case <-ticker.C:
			if err := c.writeMessage(websocket.PingMessage, nil); err != nil {
				c.ctxCancel()
				return
			}

		case <-c.ctx.Done():
			c.flush()
			_ = c.writeMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Client) flush() {
	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(message []byte) error {
	if err := c.writeMessage(websocket.TextMessage, message); err != nil {
		return err
	}
	var frame struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(message, &frame) == nil {
		observability.WebSocketMessagesSent.WithLabelValues(frame.Type).Inc()
	}
	return nil
}

// writeMessage writes a message to the WebSocket connection in a thread-safe manner
func (c *Client) writeMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return websocket.ErrCloseSent
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		slog.Warn("failed to set write deadline",
			slog.String("error", err.Error()),
			slog.String("user", c.userID),
			slog.String("conversation_id", c.conversationID))
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

// closeConnection safely closes the WebSocket connection
func (c *Client) closeConnection() {
	if c.closed.CompareAndSwap(false, true) {
		c.writeMu.Lock()
		c.conn.Close()
		c.writeMu.Unlock()
	}
}
