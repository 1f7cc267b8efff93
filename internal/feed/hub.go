// Package feed fans inserted messages out to the live subscriptions of
// each conversation.
package feed

import (
	"context"
	"log/slog"
	"sync"

	"cercle-chat/internal/domain"
	"cercle-chat/internal/observability"
)

// Subscription is one live attachment to a conversation's inserts
type Subscription struct {
	hub            *Hub
	conversationID string
	onInsert       func(*domain.Message)
	once           sync.Once
}

type request struct {
	sub  *Subscription
	done chan struct{}
}

// Hub maintains live subscriptions and dispatches inserts to them.
// All dispatch happens on the Run goroutine, in the order messages were published.
type Hub struct {
	// Subscriptions by conversation
	subscriptions map[string]map[*Subscription]bool

	// Inserted messages waiting for dispatch
	broadcast chan *domain.Message

	register   chan *request
	unregister chan *request

	// Shutdown signal
	done chan struct{}
}

// NewHub creates a new Hub
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[string]map[*Subscription]bool),
		broadcast:     make(chan *domain.Message, 256),
		register:      make(chan *request),
		unregister:    make(chan *request),
		done:          make(chan struct{}),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) error {
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			slog.Info("feed hub shutting down gracefully")
			return ctx.Err()

		case req := <-h.register:
			sub := req.sub
			if h.subscriptions[sub.conversationID] == nil {
				h.subscriptions[sub.conversationID] = make(map[*Subscription]bool)
			}
			h.subscriptions[sub.conversationID][sub] = true
			observability.FeedSubscriptionsActive.Inc()
			close(req.done)

		case req := <-h.unregister:
			h.remove(req.sub)
			close(req.done)

		case msg := <-h.broadcast:
			for sub := range h.subscriptions[msg.ConversationID] {
				h.dispatch(sub, msg)
			}
		}
	}
}

func (h *Hub) dispatch(sub *Subscription, msg *domain.Message) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("insert callback panicked",
				slog.Any("panic", r),
				slog.String("conversation_id", msg.ConversationID),
				slog.String("message_id", msg.ID))
		}
	}()
	cp := *msg
	sub.onInsert(&cp)
}

func (h *Hub) remove(sub *Subscription) {
	subs, ok := h.subscriptions[sub.conversationID]
	if !ok || !subs[sub] {
		return
	}
	delete(subs, sub)
	observability.FeedSubscriptionsActive.Dec()

	// Clean up empty conversation
	if len(subs) == 0 {
		delete(h.subscriptions, sub.conversationID)
	}
}

// shutdown drops every subscription
func (h *Hub) shutdown() {
	close(h.done)

	for conversationID, subs := range h.subscriptions {
		observability.FeedSubscriptionsActive.Sub(float64(len(subs)))
		delete(h.subscriptions, conversationID)
	}

	slog.Info("feed hub shutdown complete")
}

// Publish queues an inserted message for dispatch.
// It is a no-op once the hub has shut down.
func (h *Hub) Publish(msg *domain.Message) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

// Subscribe attaches onInsert to the conversation's inserts. Every message
// published after Subscribe returns is delivered to it.
func (h *Hub) Subscribe(ctx context.Context, conversationID string, onInsert func(*domain.Message)) (*Subscription, error) {
	sub := &Subscription{hub: h, conversationID: conversationID, onInsert: onInsert}
	req := &request{sub: sub, done: make(chan struct{})}

	select {
	case h.register <- req:
	case <-h.done:
		return nil, domain.ErrHubClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case <-req.done:
		return sub, nil
	case <-h.done:
		return nil, domain.ErrHubClosed
	}
}

// Unsubscribe detaches the subscription. Once it returns the callback is
// never invoked again. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		req := &request{sub: s, done: make(chan struct{})}
		select {
		case s.hub.unregister <- req:
		case <-s.hub.done:
			return
		}
		select {
		case <-req.done:
		case <-s.hub.done:
		}
	})
}
