package domain

import (
	"context"
	"time"
)

// Message represents a chat message in a conversation
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	Content        string     `json:"content"`
	IsSecret       bool       `json:"is_secret"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// IsEphemeral reports whether the message carries an expiry deadline.
func (m *Message) IsEphemeral() bool {
	return m.ExpiresAt != nil
}

// ExpiredAt reports whether the message's deadline has been reached at now.
// Permanent messages never expire.
func (m *Message) ExpiredAt(now time.Time) bool {
	return m.ExpiresAt != nil && !now.Before(*m.ExpiresAt)
}

// Before orders messages by creation time, then by id.
func (m *Message) Before(other *Message) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.ID < other.ID
	}
	return m.CreatedAt.Before(other.CreatedAt)
}

// EphemeralDeadline returns the expiry for a message created at now. It is
// truncated to the microsecond resolution of timestamptz, so the deadline
// read back from the store equals the one computed here.
func EphemeralDeadline(now time.Time, lifetime time.Duration) time.Time {
	return now.Add(lifetime).Truncate(time.Microsecond)
}

// NewMessage is the input for appending a message to the store
type NewMessage struct {
	ConversationID string
	SenderID       string
	Content        string
	ExpiresAt      *time.Time
}

// Subscription is a live change feed attachment
type Subscription interface {
	// Unsubscribe releases the subscription. No insert callback runs after it returns.
	Unsubscribe()
}

// MessageStore is the durable append-only message table with row-level change notification
type MessageStore interface {
	FetchHistory(ctx context.Context, conversationID string) ([]*Message, error)
	Append(ctx context.Context, msg NewMessage) (*Message, error)
	Subscribe(ctx context.Context, conversationID string, onInsert func(*Message)) (Subscription, error)
}

// MessageRepository defines the interface for message data access
type MessageRepository interface {
	Create(ctx context.Context, message *Message) error
	ListByConversation(ctx context.Context, conversationID string) ([]*Message, error)
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
