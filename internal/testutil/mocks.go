// Package testutil provides shared test utilities, mocks, and fixtures
// for testing the cercle-chat application.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cercle-chat/internal/domain"
)

// Common test errors
var (
	ErrMockNotImplemented = errors.New("mock function not implemented")
	ErrMockUnavailable    = errors.New("mock: connection refused")
)

// MockMessageStore implements domain.MessageStore for testing.
// Deliver simulates the change feed; with EchoOnAppend set, Append echoes
// the stored message to subscribers the way the real feed does.
type MockMessageStore struct {
	mu sync.Mutex

	// Function overrides - set these to customize behavior
	FetchHistoryFunc func(ctx context.Context, conversationID string) ([]*domain.Message, error)
	AppendFunc       func(ctx context.Context, msg domain.NewMessage) (*domain.Message, error)
	SubscribeFunc    func(ctx context.Context, conversationID string, onInsert func(*domain.Message)) (domain.Subscription, error)

	// Clock assigns CreatedAt for appended messages when set
	Clock        interface{ Now() time.Time }
	EchoOnAppend bool

	// In-memory storage for simple tests
	Messages      []*domain.Message
	AppendCalls   []domain.NewMessage
	FetchCalls    int
	subscriptions []*MockSubscription
	seq           int
}

// NewMockMessageStore creates a new MockMessageStore
func NewMockMessageStore() *MockMessageStore {
	return &MockMessageStore{}
}

func (m *MockMessageStore) FetchHistory(ctx context.Context, conversationID string) ([]*domain.Message, error) {
	m.mu.Lock()
	m.FetchCalls++
	m.mu.Unlock()

	if m.FetchHistoryFunc != nil {
		return m.FetchHistoryFunc(ctx, conversationID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	result := []*domain.Message{}
	for _, msg := range m.Messages {
		if msg.ConversationID == conversationID {
			cp := *msg
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MockMessageStore) Append(ctx context.Context, input domain.NewMessage) (*domain.Message, error) {
	m.mu.Lock()
	m.AppendCalls = append(m.AppendCalls, input)
	m.mu.Unlock()

	if m.AppendFunc != nil {
		return m.AppendFunc(ctx, input)
	}

	m.mu.Lock()
	m.seq++
	createdAt := time.Now()
	if m.Clock != nil {
		createdAt = m.Clock.Now()
	}
	msg := &domain.Message{
		ID:             fmt.Sprintf("m%d", m.seq),
		ConversationID: input.ConversationID,
		SenderID:       input.SenderID,
		Content:        input.Content,
		IsSecret:       input.ExpiresAt != nil,
		ExpiresAt:      input.ExpiresAt,
		CreatedAt:      createdAt,
	}
	m.Messages = append(m.Messages, msg)
	echo := m.EchoOnAppend
	m.mu.Unlock()

	if echo {
		m.Deliver(msg)
	}
	cp := *msg
	return &cp, nil
}

func (m *MockMessageStore) Subscribe(ctx context.Context, conversationID string, onInsert func(*domain.Message)) (domain.Subscription, error) {
	if m.SubscribeFunc != nil {
		return m.SubscribeFunc(ctx, conversationID, onInsert)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := &MockSubscription{conversationID: conversationID, onInsert: onInsert}
	m.subscriptions = append(m.subscriptions, sub)
	return sub, nil
}

// Deliver invokes the insert callback of every live subscription of the
// message's conversation, on the calling goroutine.
func (m *MockMessageStore) Deliver(msg *domain.Message) {
	m.mu.Lock()
	subs := make([]*MockSubscription, 0, len(m.subscriptions))
	for _, s := range m.subscriptions {
		if s.conversationID == msg.ConversationID {
			subs = append(subs, s)
		}
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.deliver(msg)
	}
}

// Subscriptions returns every subscription handed out so far
func (m *MockMessageStore) Subscriptions() []*MockSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*MockSubscription, len(m.subscriptions))
	copy(out, m.subscriptions)
	return out
}

// ActiveSubscriptions returns the number of subscriptions not yet released
func (m *MockMessageStore) ActiveSubscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.subscriptions {
		if !s.Unsubscribed() {
			n++
		}
	}
	return n
}

// AppendCount returns how many times Append was called
func (m *MockMessageStore) AppendCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.AppendCalls)
}

// MockSubscription implements domain.Subscription for testing
type MockSubscription struct {
	mu             sync.Mutex
	conversationID string
	onInsert       func(*domain.Message)
	released       bool
}

func (s *MockSubscription) deliver(msg *domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	cp := *msg
	s.onInsert(&cp)
}

// Unsubscribe releases the subscription
func (s *MockSubscription) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
}

// Unsubscribed reports whether Unsubscribe was called
func (s *MockSubscription) Unsubscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// MockMessageRepository implements domain.MessageRepository for testing
type MockMessageRepository struct {
	mu sync.RWMutex

	// Function overrides
	CreateFunc              func(ctx context.Context, message *domain.Message) error
	ListByConversationFunc  func(ctx context.Context, conversationID string) ([]*domain.Message, error)
	DeleteExpiredBeforeFunc func(ctx context.Context, cutoff time.Time) (int64, error)

	// In-memory storage
	Messages []*domain.Message
}

// NewMockMessageRepository creates a new MockMessageRepository
func NewMockMessageRepository() *MockMessageRepository {
	return &MockMessageRepository{
		Messages: make([]*domain.Message, 0),
	}
}

func (m *MockMessageRepository) Create(ctx context.Context, message *domain.Message) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, message)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if message.ID == "" {
		message.ID = fmt.Sprintf("msg-%d", len(m.Messages)+1)
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now()
	}
	m.Messages = append(m.Messages, message)
	return nil
}

func (m *MockMessageRepository) ListByConversation(ctx context.Context, conversationID string) ([]*domain.Message, error) {
	if m.ListByConversationFunc != nil {
		return m.ListByConversationFunc(ctx, conversationID)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []*domain.Message{}
	for _, msg := range m.Messages {
		if msg.ConversationID == conversationID {
			result = append(result, msg)
		}
	}
	return result, nil
}

func (m *MockMessageRepository) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if m.DeleteExpiredBeforeFunc != nil {
		return m.DeleteExpiredBeforeFunc(ctx, cutoff)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	kept := m.Messages[:0]
	for _, msg := range m.Messages {
		if msg.ExpiresAt != nil && msg.ExpiresAt.Before(cutoff) {
			count++
			continue
		}
		kept = append(kept, msg)
	}
	m.Messages = kept
	return count, nil
}

// MockParticipantRepository implements domain.ParticipantRepository for testing
type MockParticipantRepository struct {
	mu sync.RWMutex

	IsParticipantFunc func(ctx context.Context, conversationID, userID string) (bool, error)

	// conversationID -> userID -> participant
	Participants map[string]map[string]bool
}

// NewMockParticipantRepository creates a new MockParticipantRepository
func NewMockParticipantRepository() *MockParticipantRepository {
	return &MockParticipantRepository{
		Participants: make(map[string]map[string]bool),
	}
}

// AddParticipant registers userID as a participant of conversationID
func (m *MockParticipantRepository) AddParticipant(conversationID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Participants[conversationID] == nil {
		m.Participants[conversationID] = make(map[string]bool)
	}
	m.Participants[conversationID][userID] = true
}

func (m *MockParticipantRepository) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	if m.IsParticipantFunc != nil {
		return m.IsParticipantFunc(ctx, conversationID, userID)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Participants[conversationID][userID], nil
}

// MockMessagePublisher records messages published to the broker
type MockMessagePublisher struct {
	mu sync.Mutex

	PublishMessageFunc func(ctx context.Context, msg *domain.Message) error

	Published []*domain.Message
}

// NewMockMessagePublisher creates a new MockMessagePublisher
func NewMockMessagePublisher() *MockMessagePublisher {
	return &MockMessagePublisher{}
}

func (m *MockMessagePublisher) PublishMessage(ctx context.Context, msg *domain.Message) error {
	if m.PublishMessageFunc != nil {
		return m.PublishMessageFunc(ctx, msg)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Published = append(m.Published, msg)
	return nil
}

// PublishedMessages returns a copy of the published messages
func (m *MockMessagePublisher) PublishedMessages() []*domain.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Message, len(m.Published))
	copy(out, m.Published)
	return out
}
