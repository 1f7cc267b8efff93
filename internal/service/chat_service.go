package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cercle-chat/internal/domain"
	"cercle-chat/internal/expiry"
)

type ChatService struct {
	store        domain.MessageStore
	participants domain.ParticipantRepository
	clock        expiry.Clock
	lifetime     time.Duration
}

func NewChatService(store domain.MessageStore, participants domain.ParticipantRepository, clock expiry.Clock, lifetime time.Duration) *ChatService {
	if clock == nil {
		clock = expiry.WallClock()
	}
	if lifetime <= 0 {
		lifetime = DefaultEphemeralLifetime
	}
	return &ChatService{
		store:        store,
		participants: participants,
		clock:        clock,
		lifetime:     lifetime,
	}
}

// NewSession creates an unopened chat session for userID
func (s *ChatService) NewSession(userID string, onEvent EventHandler) *ChatSession {
	return NewChatSession(SessionConfig{
		Store:    s.store,
		Clock:    s.clock,
		Lifetime: s.lifetime,
		UserID:   userID,
		OnEvent:  onEvent,
	})
}

func (s *ChatService) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	return s.participants.IsParticipant(ctx, conversationID, userID)
}

func (s *ChatService) authorize(ctx context.Context, conversationID, userID string) error {
	ok, err := s.participants.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	if !ok {
		return domain.ErrNotParticipant
	}
	return nil
}

// History returns the conversation's messages that are visible now
func (s *ChatService) History(ctx context.Context, conversationID, userID string) ([]*domain.Message, error) {
	if err := s.authorize(ctx, conversationID, userID); err != nil {
		return nil, err
	}

	messages, err := s.store.FetchHistory(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrLoadFailed, err)
	}

	now := s.clock.Now()
	visible := make([]*domain.Message, 0, len(messages))
	for _, m := range messages {
		if !m.ExpiredAt(now) {
			visible = append(visible, m)
		}
	}
	return visible, nil
}

// Send appends a message on behalf of userID, following the same rules as
// ChatSession.Send
func (s *ChatService) Send(ctx context.Context, conversationID, userID, content string, ephemeral bool) (*domain.Message, error) {
	if err := s.authorize(ctx, conversationID, userID); err != nil {
		return nil, err
	}

	content, opts := ResolveInput(content, SendOptions{Ephemeral: ephemeral})
	if strings.TrimSpace(content) == "" {
		return nil, domain.ErrEmptyMessage
	}

	input := domain.NewMessage{
		ConversationID: conversationID,
		SenderID:       userID,
		Content:        content,
	}
	if opts.Ephemeral {
		expiresAt := domain.EphemeralDeadline(s.clock.Now(), s.lifetime)
		input.ExpiresAt = &expiresAt
	}

	msg, err := s.store.Append(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrSendFailed, err)
	}
	return msg, nil
}
