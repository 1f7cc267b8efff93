package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"cercle-chat/internal/domain"
	"cercle-chat/internal/observability"
)

// MessagesInsertedChannel is the LISTEN/NOTIFY channel carrying inserted rows
const MessagesInsertedChannel = "messages_inserted"

// NOTIFY payloads must stay below 8000 bytes
const maxNotifyPayload = 7900

// notification is the NOTIFY payload for one inserted message.
// Oversized messages are announced by id only and loaded by the listener.
type notification struct {
	Message *domain.Message `json:"message,omitempty"`
	ID      string          `json:"id,omitempty"`
}

// MessageRepository implements domain.MessageRepository for PostgreSQL
type MessageRepository struct {
	db            *sql.DB
	tx            *TxManager
	notifyChannel string
}

// NewMessageRepository creates a new PostgreSQL message repository.
// When notifyChannel is not empty, every insert is announced on it
// in the same transaction.
func NewMessageRepository(db *sql.DB, notifyChannel string) *MessageRepository {
	return &MessageRepository{db: db, tx: NewTxManager(db), notifyChannel: notifyChannel}
}

func observe(operation string) func() {
	start := time.Now()
	return func() {
		observability.DBQueryDuration.WithLabelValues(operation, "messages").Observe(time.Since(start).Seconds())
	}
}

// Create inserts a new message and fills in its id and creation time
func (r *MessageRepository) Create(ctx context.Context, message *domain.Message) error {
	defer observe("create")()

	query := `
		INSERT INTO messages (match_id, sender_id, content, is_secret, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, expires_at
	`
	err := r.tx.WithTx(ctx, func(tx *sql.Tx) error {
		var expiresAt sql.NullTime
		if message.ExpiresAt != nil {
			expiresAt = sql.NullTime{Time: *message.ExpiresAt, Valid: true}
		}

		var stored sql.NullTime
		if err := tx.QueryRowContext(ctx, query,
			message.ConversationID,
			message.SenderID,
			message.Content,
			message.ExpiresAt != nil,
			expiresAt,
		).Scan(&message.ID, &message.CreatedAt, &stored); err != nil {
			return err
		}
		message.IsSecret = stored.Valid
		message.ExpiresAt = nil
		if stored.Valid {
			t := stored.Time
			message.ExpiresAt = &t
		}

		if r.notifyChannel == "" {
			return nil
		}
		payload, err := encodeNotification(message)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, payload)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

// GetByID retrieves a single message
func (r *MessageRepository) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	defer observe("get")()

	query := `
		SELECT id, match_id, sender_id, content, is_secret, expires_at, created_at
		FROM messages
		WHERE id = $1
	`
	msg, err := scanMessage(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

// ListByConversation retrieves every message of a conversation, oldest first
func (r *MessageRepository) ListByConversation(ctx context.Context, conversationID string) ([]*domain.Message, error) {
	defer observe("list")()

	query := `
		SELECT id, match_id, sender_id, content, is_secret, expires_at, created_at
		FROM messages
		WHERE match_id = $1
		ORDER BY created_at ASC, id ASC
	`
	return r.queryMessages(ctx, query, conversationID)
}

// ListCreatedAfter returns up to limit messages of any conversation ordered
// after (createdAt, id), oldest first. An empty id admits every row created
// at exactly createdAt.
func (r *MessageRepository) ListCreatedAfter(ctx context.Context, createdAt time.Time, id string, limit int) ([]*domain.Message, error) {
	defer observe("list_after")()

	query := `
		SELECT id, match_id, sender_id, content, is_secret, expires_at, created_at
		FROM messages
		WHERE created_at > $1 OR (created_at = $1 AND id::text > $2)
		ORDER BY created_at ASC, id ASC
		LIMIT $3
	`
	return r.queryMessages(ctx, query, createdAt, id, limit)
}

func (r *MessageRepository) queryMessages(ctx context.Context, query string, args ...any) ([]*domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*domain.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return messages, nil
}

// DeleteExpiredBefore removes ephemeral rows whose deadline is older than cutoff
func (r *MessageRepository) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	defer observe("purge")()

	result, err := r.db.ExecContext(ctx, `
		DELETE FROM messages
		WHERE expires_at IS NOT NULL AND expires_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired messages: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted messages: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	msg := &domain.Message{}
	var expiresAt sql.NullTime
	if err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.SenderID,
		&msg.Content,
		&msg.IsSecret,
		&expiresAt,
		&msg.CreatedAt,
	); err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		msg.ExpiresAt = &t
	}
	return msg, nil
}

func encodeNotification(msg *domain.Message) (string, error) {
	payload, err := json.Marshal(notification{Message: msg})
	if err != nil {
		return "", err
	}
	if len(payload) <= maxNotifyPayload {
		return string(payload), nil
	}
	payload, err = json.Marshal(notification{ID: msg.ID})
	if err != nil {
		return "", err
	}
	return string(payload), nil
}
