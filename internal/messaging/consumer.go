package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"cercle-chat/internal/domain"
	"cercle-chat/internal/observability"

	amqp "github.com/rabbitmq/amqp091-go"
)

// InsertPublisher receives relayed inserts, usually the feed hub
type InsertPublisher interface {
	Publish(msg *domain.Message)
}

const (
	relayRetryMin = time.Second
	relayRetryMax = 30 * time.Second
)

// MessageRelay copies broker-delivered inserts into the local feed hub
type MessageRelay struct {
	rmq       *RabbitMQ
	publisher InsertPublisher

	// subscribe declares and consumes a fresh relay queue
	subscribe func() (<-chan amqp.Delivery, func(), error)
	retryMin  time.Duration
	retryMax  time.Duration
}

func NewMessageRelay(rmq *RabbitMQ, publisher InsertPublisher) *MessageRelay {
	c := &MessageRelay{
		rmq:       rmq,
		publisher: publisher,
		retryMin:  relayRetryMin,
		retryMax:  relayRetryMax,
	}
	c.subscribe = c.declareAndConsume
	return c
}

// Start binds an instance-private queue to the messages exchange and relays
// deliveries until ctx is done. A closed delivery channel is re-established
// with backoff.
func (c *MessageRelay) Start(ctx context.Context) error {
	msgs, release, err := c.subscribe()
	if err != nil {
		return err
	}

	go c.run(ctx, msgs, release)
	return nil
}

func (c *MessageRelay) declareAndConsume() (<-chan amqp.Delivery, func(), error) {
	ch, err := c.rmq.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open relay channel: %w", err)
	}

	queue, err := ch.QueueDeclare(
		"",    // auto-generated name
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("failed to declare relay queue: %w", err)
	}

	if err := ch.QueueBind(queue.Name, "", MessagesExchange, false, nil); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("failed to bind relay queue: %w", err)
	}

	msgs, err := ch.Consume(
		queue.Name, // queue
		"",         // consumer
		false,      // auto-ack
		true,       // exclusive
		false,      // no-local
		false,      // no-wait
		nil,        // args
	)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("failed to register relay consumer: %w", err)
	}

	slog.Info("started relaying message inserts",
		slog.String("queue", queue.Name),
		slog.String("exchange", MessagesExchange))

	return msgs, func() { ch.Close() }, nil
}

func (c *MessageRelay) run(ctx context.Context, msgs <-chan amqp.Delivery, release func()) {
	for {
		closed := c.relay(ctx, msgs)
		release()
		if !closed {
			return
		}

		msgs, release = c.resubscribe(ctx)
		if msgs == nil {
			return
		}
	}
}

// resubscribe retries until a new queue is consuming or ctx is done. Inserts
// published while no queue was bound are not replayed.
func (c *MessageRelay) resubscribe(ctx context.Context) (<-chan amqp.Delivery, func()) {
	backoff := c.retryMin
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(backoff):
		}

		msgs, release, err := c.subscribe()
		if err == nil {
			slog.Info("message relay re-established", slog.Int("attempt", attempt))
			return msgs, release
		}

		slog.Warn("message relay resubscribe failed",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()))

		backoff *= 2
		if backoff > c.retryMax {
			backoff = c.retryMax
		}
	}
}

// relay reports true when the delivery channel closed and false when ctx ended
func (c *MessageRelay) relay(ctx context.Context, msgs <-chan amqp.Delivery) bool {
	for {
		select {
		case <-ctx.Done():
			slog.Info("stopping message relay")
			return false
		case d, ok := <-msgs:
			if !ok {
				slog.Warn("message relay channel closed")
				return true
			}
			c.handle(d)
		}
	}
}

// handle acks after the hub accepted the message, so a crash redelivers
// rather than drops. Undecodable bodies are discarded.
func (c *MessageRelay) handle(d amqp.Delivery) {
	var msg domain.Message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		slog.Error("error unmarshaling relayed message",
			slog.String("error", err.Error()),
			slog.Int("body_size", len(d.Body)))
		if err := d.Nack(false, false); err != nil {
			slog.Warn("failed to nack delivery", slog.String("error", err.Error()))
		}
		return
	}

	observability.FeedEventsReceived.WithLabelValues("rabbitmq").Inc()
	c.publisher.Publish(&msg)

	if err := d.Ack(false); err != nil {
		slog.Warn("failed to ack delivery",
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()))
	}
}
