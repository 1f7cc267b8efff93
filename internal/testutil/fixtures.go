package testutil

import (
	"fmt"
	"sync/atomic"
	"time"

	"cercle-chat/internal/domain"
)

// Counter for generating unique IDs
var idCounter atomic.Int64

// nextID generates a unique ID for test fixtures
func nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, idCounter.Add(1))
}

// MessageOptions allows customizing message fixture creation
type MessageOptions struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	ExpiresAt      *time.Time
	CreatedAt      time.Time
}

// NewTestMessage creates a test message with sensible defaults
func NewTestMessage(opts ...func(*MessageOptions)) *domain.Message {
	o := &MessageOptions{
		ID:             nextID("msg"),
		ConversationID: "conv-1",
		SenderID:       nextID("user"),
		Content:        "Hello, World!",
		CreatedAt:      time.Now(),
	}

	for _, opt := range opts {
		opt(o)
	}

	return &domain.Message{
		ID:             o.ID,
		ConversationID: o.ConversationID,
		SenderID:       o.SenderID,
		Content:        o.Content,
		IsSecret:       o.ExpiresAt != nil,
		ExpiresAt:      o.ExpiresAt,
		CreatedAt:      o.CreatedAt,
	}
}

// Message option functions

// WithMessageID sets the message ID
func WithMessageID(id string) func(*MessageOptions) {
	return func(o *MessageOptions) {
		o.ID = id
	}
}

// WithConversationID sets the conversation the message belongs to
func WithConversationID(conversationID string) func(*MessageOptions) {
	return func(o *MessageOptions) {
		o.ConversationID = conversationID
	}
}

// WithSenderID sets the author of the message
func WithSenderID(senderID string) func(*MessageOptions) {
	return func(o *MessageOptions) {
		o.SenderID = senderID
	}
}

// WithContent sets the message content
func WithContent(content string) func(*MessageOptions) {
	return func(o *MessageOptions) {
		o.Content = content
	}
}

// WithExpiresAt makes the message ephemeral
func WithExpiresAt(t time.Time) func(*MessageOptions) {
	return func(o *MessageOptions) {
		o.ExpiresAt = &t
	}
}

// WithCreatedAt sets the message creation time
func WithCreatedAt(t time.Time) func(*MessageOptions) {
	return func(o *MessageOptions) {
		o.CreatedAt = t
	}
}

// NewTestMessages creates count messages in one conversation, one second apart
func NewTestMessages(conversationID string, start time.Time, count int) []*domain.Message {
	messages := make([]*domain.Message, count)
	for i := 0; i < count; i++ {
		messages[i] = NewTestMessage(
			WithConversationID(conversationID),
			WithCreatedAt(start.Add(time.Duration(i)*time.Second)),
		)
	}
	return messages
}

// MessageIDs returns the ids of messages in order
func MessageIDs(messages []*domain.Message) []string {
	ids := make([]string, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
	}
	return ids
}

// ResetIDCounter resets the ID counter (useful for deterministic tests)
func ResetIDCounter() {
	idCounter.Store(0)
}
