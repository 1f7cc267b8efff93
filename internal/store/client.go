// Package store implements the message store client sessions talk to.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cercle-chat/internal/domain"
	"cercle-chat/internal/feed"
	"cercle-chat/internal/repository/postgres"
)

// MessagePublisher announces appended messages to other instances
type MessagePublisher interface {
	PublishMessage(ctx context.Context, msg *domain.Message) error
}

// Feed is the live insert feed sessions subscribe to
type Feed interface {
	Publish(msg *domain.Message)
	Subscribe(ctx context.Context, conversationID string, onInsert func(*domain.Message)) (*feed.Subscription, error)
}

// Client implements domain.MessageStore on top of the message repository
// and the feed hub. With a publisher set, appends are announced through it
// instead of relying on database notifications.
type Client struct {
	repo      domain.MessageRepository
	feed      Feed
	publisher MessagePublisher
}

// Option configures a Client
type Option func(*Client)

// WithPublisher routes insert announcements through a broker
func WithPublisher(p MessagePublisher) Option {
	return func(c *Client) {
		c.publisher = p
	}
}

// NewClient creates a new store client
func NewClient(repo domain.MessageRepository, f Feed, opts ...Option) *Client {
	c := &Client{repo: repo, feed: f}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchHistory returns every message of the conversation, oldest first
func (c *Client) FetchHistory(ctx context.Context, conversationID string) ([]*domain.Message, error) {
	messages, err := c.repo.ListByConversation(ctx, conversationID)
	if err != nil {
		return nil, classify(err)
	}
	return messages, nil
}

// Append persists a message and returns it with its store-assigned fields
func (c *Client) Append(ctx context.Context, input domain.NewMessage) (*domain.Message, error) {
	msg := &domain.Message{
		ConversationID: input.ConversationID,
		SenderID:       input.SenderID,
		Content:        input.Content,
		IsSecret:       input.ExpiresAt != nil,
		ExpiresAt:      input.ExpiresAt,
	}
	if err := c.repo.Create(ctx, msg); err != nil {
		return nil, classify(err)
	}

	if c.publisher != nil {
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := c.publisher.PublishMessage(pubCtx, msg); err != nil {
			// The row is committed, so local sessions still get their echo
			slog.Error("failed to announce message, delivering locally",
				slog.String("message_id", msg.ID),
				slog.String("conversation_id", msg.ConversationID),
				slog.String("error", err.Error()))
			c.feed.Publish(msg)
		}
	}

	return msg, nil
}

// Subscribe attaches onInsert to the conversation's live inserts
func (c *Client) Subscribe(ctx context.Context, conversationID string, onInsert func(*domain.Message)) (domain.Subscription, error) {
	sub, err := c.feed.Subscribe(ctx, conversationID, onInsert)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return sub, nil
}

// classify maps repository errors to store sentinels, keeping the cause
func classify(err error) error {
	if postgres.IsWriteRejected(err) {
		return fmt.Errorf("%w: %w", domain.ErrWriteRejected, err)
	}
	if !postgres.IsUnavailable(err) && !errors.Is(err, context.Canceled) {
		slog.Warn("unclassified store error treated as unavailable", slog.String("error", err.Error()))
	}
	return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
}
