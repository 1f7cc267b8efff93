package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"cercle-chat/internal/domain"
	"cercle-chat/internal/expiry"
	"cercle-chat/internal/observability"
)

// DefaultEphemeralLifetime is how long a secret message stays visible
const DefaultEphemeralLifetime = 10 * time.Second

// State is the lifecycle state of a ChatSession
type State int

const (
	StateUninitialized State = iota
	StateLoading
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// EventType identifies a session event
type EventType string

const (
	EventLoaded         EventType = "loaded"
	EventMessageAdded   EventType = "message_added"
	EventMessageExpired EventType = "message_expired"
	EventExpiredSelf    EventType = "expired_self"
	EventLoadFailed     EventType = "load_failed"
	EventSendFailed     EventType = "send_failed"
	EventEmptyMessage   EventType = "empty_message"
	EventSecretSent     EventType = "secret_sent"
)

// Event is delivered to the session's EventHandler
type Event struct {
	Type EventType

	// Loaded: the visible list after opening
	Messages []*domain.Message

	// MessageAdded, MessageExpired, ExpiredSelf
	Message *domain.Message

	// SendFailed: the content to restore in the composer
	Content string

	// SecretSent: the deadline of the sent message
	ExpiresAt time.Time

	// LoadFailed, SendFailed
	Err error
}

// EventHandler receives session events. It runs while the session is locked
// and must not call back into the session.
type EventHandler func(Event)

// SendOptions controls how a message is sent
type SendOptions struct {
	Ephemeral bool
}

// SessionConfig configures a ChatSession
type SessionConfig struct {
	Store    domain.MessageStore
	Clock    expiry.Clock
	Lifetime time.Duration
	UserID   string
	OnEvent  EventHandler
}

// ChatSession owns the visible message list of one open conversation.
// Transitions are serialized by mu. Store calls run with mu released.
type ChatSession struct {
	mu        sync.Mutex
	store     domain.MessageStore
	clock     expiry.Clock
	scheduler *expiry.Scheduler
	lifetime  time.Duration
	userID    string
	onEvent   EventHandler

	state          State
	conversationID string
	sub            domain.Subscription

	// visible is sorted by (CreatedAt, ID)
	visible   []*domain.Message
	ids       map[string]struct{}
	scheduled map[string]expiry.Handle
	expired   map[string]struct{}

	// inserts received while loading
	buffered []*domain.Message
}

// NewChatSession creates a session in the uninitialized state
func NewChatSession(cfg SessionConfig) *ChatSession {
	clock := cfg.Clock
	if clock == nil {
		clock = expiry.WallClock()
	}
	lifetime := cfg.Lifetime
	if lifetime <= 0 {
		lifetime = DefaultEphemeralLifetime
	}

	observability.ChatSessionsActive.Inc()

	return &ChatSession{
		store:     cfg.Store,
		clock:     clock,
		scheduler: expiry.NewScheduler(clock),
		lifetime:  lifetime,
		userID:    cfg.UserID,
		onEvent:   cfg.OnEvent,
		ids:       make(map[string]struct{}),
		scheduled: make(map[string]expiry.Handle),
		expired:   make(map[string]struct{}),
	}
}

// Open subscribes to the conversation, loads its history and makes the
// session active. Inserts that arrive while loading are merged afterwards.
// On failure the session returns to the uninitialized state and Open may
// be called again.
func (s *ChatSession) Open(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return domain.ErrSessionClosed
	case StateUninitialized:
	default:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("cannot open chat session in state %s", state)
	}
	s.state = StateLoading
	s.conversationID = conversationID
	s.buffered = nil
	s.mu.Unlock()

	sub, err := s.store.Subscribe(ctx, conversationID, s.onInsert)
	if err != nil {
		if !errors.Is(err, domain.ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
		}
		return s.failLoad(err)
	}

	history, err := s.store.FetchHistory(ctx, conversationID)
	if err != nil {
		sub.Unsubscribe()
		return s.failLoad(err)
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		sub.Unsubscribe()
		return domain.ErrSessionClosed
	}

	s.sub = sub
	for _, msg := range history {
		s.insertLocked(msg, "history", false)
	}
	for _, msg := range s.buffered {
		s.insertLocked(msg, "feed", false)
	}
	s.buffered = nil
	s.state = StateActive
	s.emitLocked(Event{Type: EventLoaded, Messages: s.snapshotLocked()})
	s.mu.Unlock()

	return nil
}

func (s *ChatSession) failLoad(cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return domain.ErrSessionClosed
	}

	err := fmt.Errorf("%w: %w", domain.ErrLoadFailed, cause)
	s.state = StateUninitialized
	s.conversationID = ""
	s.buffered = nil
	s.emitLocked(Event{Type: EventLoadFailed, Err: err})
	return err
}

// onInsert handles one change feed delivery
func (s *ChatSession) onInsert(msg *domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ConversationID != s.conversationID {
		return
	}

	switch s.state {
	case StateLoading:
		s.buffered = append(s.buffered, msg)
	case StateActive:
		s.insertLocked(msg, "feed", true)
	}
}

// insertLocked adds msg at its ordered position unless it is already
// visible or has expired in this session
func (s *ChatSession) insertLocked(msg *domain.Message, source string, notify bool) {
	if _, ok := s.ids[msg.ID]; ok {
		observability.DuplicateDeliveries.Inc()
		return
	}
	if _, ok := s.expired[msg.ID]; ok {
		observability.DuplicateDeliveries.Inc()
		return
	}

	cp := *msg
	m := &cp
	i := sort.Search(len(s.visible), func(i int) bool {
		return m.Before(s.visible[i])
	})
	s.visible = append(s.visible, nil)
	copy(s.visible[i+1:], s.visible[i:])
	s.visible[i] = m
	s.ids[m.ID] = struct{}{}
	observability.MessagesDelivered.WithLabelValues(source).Inc()

	if m.IsEphemeral() {
		s.scheduleLocked(m)
	}

	if notify {
		added := *m
		s.emitLocked(Event{Type: EventMessageAdded, Message: &added})
	}
}

func (s *ChatSession) scheduleLocked(m *domain.Message) {
	id := m.ID
	h, err := s.scheduler.Schedule(id, *m.ExpiresAt, func() {
		s.onExpire(id)
	})
	if err != nil {
		slog.Warn("failed to schedule message expiry",
			slog.String("conversation_id", s.conversationID),
			slog.String("message_id", id),
			slog.String("error", err.Error()))
		return
	}
	s.scheduled[id] = h
}

// onExpire removes an ephemeral message whose deadline was reached
func (s *ChatSession) onExpire(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return
	}
	if _, ok := s.scheduled[id]; !ok {
		return
	}
	delete(s.scheduled, id)

	var removed *domain.Message
	for i, m := range s.visible {
		if m.ID == id {
			removed = m
			s.visible = append(s.visible[:i], s.visible[i+1:]...)
			break
		}
	}
	delete(s.ids, id)
	s.expired[id] = struct{}{}

	if removed == nil {
		return
	}
	observability.MessagesExpired.Inc()

	s.emitLocked(Event{Type: EventMessageExpired, Message: removed})
	if removed.SenderID == s.userID {
		s.emitLocked(Event{Type: EventExpiredSelf, Message: removed})
	}
}

// Send appends a message to the conversation. The message becomes visible
// only when the store echoes it back through the subscription.
func (s *ChatSession) Send(ctx context.Context, content string, opts SendOptions) (*domain.Message, error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil, domain.ErrSessionClosed
	}
	if strings.TrimSpace(content) == "" {
		s.emitLocked(Event{Type: EventEmptyMessage})
		s.mu.Unlock()
		return nil, domain.ErrEmptyMessage
	}
	if s.state != StateActive {
		s.mu.Unlock()
		return nil, domain.ErrSessionNotActive
	}

	input := domain.NewMessage{
		ConversationID: s.conversationID,
		SenderID:       s.userID,
		Content:        content,
	}
	if opts.Ephemeral {
		expiresAt := domain.EphemeralDeadline(s.clock.Now(), s.lifetime)
		input.ExpiresAt = &expiresAt
	}
	s.mu.Unlock()

	msg, err := s.store.Append(ctx, input)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		err = fmt.Errorf("%w: %w", domain.ErrSendFailed, err)
		if s.state != StateClosed {
			s.emitLocked(Event{Type: EventSendFailed, Content: content, Err: err})
		}
		return nil, err
	}

	if opts.Ephemeral && s.state != StateClosed && msg.ExpiresAt != nil {
		s.emitLocked(Event{Type: EventSecretSent, Message: msg, ExpiresAt: *msg.ExpiresAt})
	}
	return msg, nil
}

// Close cancels every pending expiry, then releases the subscription.
// It is idempotent and the session cannot be reopened.
func (s *ChatSession) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed

	handles := make([]expiry.Handle, 0, len(s.scheduled))
	for _, h := range s.scheduled {
		handles = append(handles, h)
	}
	sub := s.sub
	s.sub = nil
	s.visible = nil
	s.buffered = nil
	s.ids = make(map[string]struct{})
	s.scheduled = make(map[string]expiry.Handle)
	s.expired = make(map[string]struct{})
	s.mu.Unlock()

	for _, h := range handles {
		s.scheduler.Cancel(h)
	}
	// Unsubscribe may wait for an in-flight delivery, which needs mu
	if sub != nil {
		sub.Unsubscribe()
	}

	observability.ChatSessionsActive.Dec()
}

// Messages returns the visible messages in order. Ephemeral messages whose
// deadline has been reached are left out even if their timer has not run.
func (s *ChatSession) Messages() []*domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *ChatSession) snapshotLocked() []*domain.Message {
	now := s.clock.Now()
	out := make([]*domain.Message, 0, len(s.visible))
	for _, m := range s.visible {
		if m.ExpiredAt(now) {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	return out
}

// State returns the current lifecycle state
func (s *ChatSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConversationID returns the conversation the session was opened on
func (s *ChatSession) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// PendingExpiries returns the number of scheduled expiries
func (s *ChatSession) PendingExpiries() int {
	return s.scheduler.Pending()
}

func (s *ChatSession) emitLocked(ev Event) {
	if s.onEvent != nil {
		s.onEvent(ev)
	}
}
