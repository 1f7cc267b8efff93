package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cercle-chat/internal/domain"
	"cercle-chat/internal/observability"

	"github.com/lib/pq"
)

const (
	listenerMinReconnect = 10 * time.Second
	listenerMaxReconnect = time.Minute
	listenerPingInterval = 90 * time.Second

	catchUpBatch   = 500
	catchUpTimeout = 30 * time.Second
	// Rows stamped by a database clock slightly behind ours are still caught up
	catchUpSkew = 5 * time.Second
)

// InsertPublisher receives decoded inserts, usually the feed hub
type InsertPublisher interface {
	Publish(msg *domain.Message)
}

// MessageLoader loads messages announced by id only, and the rows committed
// while the LISTEN connection was down
type MessageLoader interface {
	GetByID(ctx context.Context, id string) (*domain.Message, error)
	ListCreatedAfter(ctx context.Context, createdAt time.Time, id string, limit int) ([]*domain.Message, error)
}

// ChangeListener relays messages_inserted notifications into the feed hub
type ChangeListener struct {
	listener     *pq.Listener
	notify       <-chan *pq.Notification
	publisher    InsertPublisher
	loader       MessageLoader
	pingInterval time.Duration

	// newest (created_at, id) published, owned by the Run goroutine
	lastCreatedAt time.Time
	lastID        string
}

// NewChangeListener opens a dedicated LISTEN connection on MessagesInsertedChannel
func NewChangeListener(connStr string, publisher InsertPublisher, loader MessageLoader) (*ChangeListener, error) {
	l := pq.NewListener(connStr, listenerMinReconnect, listenerMaxReconnect, logListenerEvent)
	if err := l.Listen(MessagesInsertedChannel); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", MessagesInsertedChannel, err)
	}

	slog.Info("listening for message inserts", slog.String("channel", MessagesInsertedChannel))

	c := newChangeListener(l.Notify, publisher, loader)
	c.listener = l
	return c, nil
}

func newChangeListener(notify <-chan *pq.Notification, publisher InsertPublisher, loader MessageLoader) *ChangeListener {
	return &ChangeListener{
		notify:       notify,
		publisher:    publisher,
		loader:        loader,
		pingInterval:  listenerPingInterval,
		lastCreatedAt: time.Now().Add(-catchUpSkew),
	}
}

func logListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		slog.Debug("change listener connected")
	case pq.ListenerEventDisconnected:
		slog.Warn("change listener disconnected", slog.Any("error", err))
	case pq.ListenerEventReconnected:
		slog.Info("change listener reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		slog.Error("change listener connection attempt failed", slog.Any("error", err))
	}
}

// Run dispatches notifications until ctx is done or the listener is closed
func (c *ChangeListener) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case n, ok := <-c.notify:
			if !ok {
				return nil
			}
			if n == nil {
				// Delivered after a reconnect
				c.catchUp(ctx)
				continue
			}
			c.handle(ctx, n)

		case <-ticker.C:
			if c.listener == nil {
				continue
			}
			go func() {
				if err := c.listener.Ping(); err != nil {
					slog.Warn("change listener ping failed", slog.String("error", err.Error()))
				}
			}()
		}
	}
}

func (c *ChangeListener) handle(ctx context.Context, n *pq.Notification) {
	msg, err := c.decode(ctx, n.Extra)
	if err != nil {
		slog.Error("failed to decode insert notification",
			slog.String("channel", n.Channel),
			slog.String("error", err.Error()))
		return
	}

	observability.FeedEventsReceived.WithLabelValues("postgres").Inc()
	c.publish(msg)
}

func (c *ChangeListener) publish(msg *domain.Message) {
	if msg.CreatedAt.After(c.lastCreatedAt) || (msg.CreatedAt.Equal(c.lastCreatedAt) && msg.ID > c.lastID) {
		c.lastCreatedAt = msg.CreatedAt
		c.lastID = msg.ID
	}
	c.publisher.Publish(msg)
}

// catchUp republishes rows committed after the newest published insert.
// Some may already have been delivered; sessions drop duplicates by id.
func (c *ChangeListener) catchUp(ctx context.Context) {
	if c.loader == nil {
		slog.Warn("change listener reconnected without a loader, notifications may have been missed")
		return
	}

	loadCtx, cancel := context.WithTimeout(ctx, catchUpTimeout)
	defer cancel()

	total := 0
	for {
		batch, err := c.loader.ListCreatedAfter(loadCtx, c.lastCreatedAt, c.lastID, catchUpBatch)
		if err != nil {
			slog.Error("change listener catch-up failed",
				slog.Time("after", c.lastCreatedAt),
				slog.Int("published", total),
				slog.String("error", err.Error()))
			return
		}
		for _, msg := range batch {
			observability.FeedEventsReceived.WithLabelValues("postgres_catchup").Inc()
			c.publish(msg)
		}
		total += len(batch)
		if len(batch) < catchUpBatch {
			break
		}
	}

	slog.Info("change listener caught up after reconnect", slog.Int("published", total))
}

func (c *ChangeListener) decode(ctx context.Context, payload string) (*domain.Message, error) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return nil, err
	}
	if n.Message != nil {
		return n.Message, nil
	}
	if n.ID == "" {
		return nil, errors.New("notification carries neither message nor id")
	}
	if c.loader == nil {
		return nil, fmt.Errorf("no loader for message %s", n.ID)
	}

	loadCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.loader.GetByID(loadCtx, n.ID)
}

// Close releases the LISTEN connection
func (c *ChangeListener) Close() error {
	if c.listener == nil {
		return nil
	}
	return c.listener.Close()
}
