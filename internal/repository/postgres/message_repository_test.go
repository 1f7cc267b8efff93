package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"cercle-chat/internal/domain"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	insertMessageSQL = `
		INSERT INTO messages (match_id, sender_id, content, is_secret, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, expires_at
	`
	listMessagesSQL = `
		SELECT id, match_id, sender_id, content, is_secret, expires_at, created_at
		FROM messages
		WHERE match_id = $1
		ORDER BY created_at ASC, id ASC
	`
	notifySQL = `SELECT pg_notify($1, $2)`
)

var messageColumns = []string{"id", "match_id", "sender_id", "content", "is_secret", "expires_at", "created_at"}

func TestNewMessageRepository(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewMessageRepository(db, MessagesInsertedChannel)
	assert.NotNil(t, repo)
	assert.NotNil(t, repo.tx)
	assert.Equal(t, MessagesInsertedChannel, repo.notifyChannel)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageRepository_Create(t *testing.T) {
	t.Run("permanent_message_without_notify", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		repo := NewMessageRepository(db, "")
		createdAt := time.Date(2026, 2, 14, 20, 0, 0, 0, time.UTC)

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(insertMessageSQL)).
			WithArgs("match-1", "user-a", "hello", false, nil).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "expires_at"}).
				AddRow("msg-1", createdAt, nil))
		mock.ExpectCommit()

		message := &domain.Message{ConversationID: "match-1", SenderID: "user-a", Content: "hello"}
		err = repo.Create(context.Background(), message)
		require.NoError(t, err)
		assert.Equal(t, "msg-1", message.ID)
		assert.Equal(t, createdAt, message.CreatedAt)
		assert.False(t, message.IsSecret)
		assert.Nil(t, message.ExpiresAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ephemeral_message_notifies_in_transaction", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		repo := NewMessageRepository(db, MessagesInsertedChannel)
		createdAt := time.Date(2026, 2, 14, 20, 0, 0, 0, time.UTC)
		expiresAt := createdAt.Add(10 * time.Second)

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(insertMessageSQL)).
			WithArgs("match-1", "user-a", "psst", true, expiresAt).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "expires_at"}).
				AddRow("msg-2", createdAt, expiresAt))
		mock.ExpectExec(regexp.QuoteMeta(notifySQL)).
			WithArgs(MessagesInsertedChannel, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		message := &domain.Message{
			ConversationID: "match-1",
			SenderID:       "user-a",
			Content:        "psst",
			ExpiresAt:      &expiresAt,
		}
		err = repo.Create(context.Background(), message)
		require.NoError(t, err)
		assert.Equal(t, "msg-2", message.ID)
		assert.True(t, message.IsSecret)
		require.NotNil(t, message.ExpiresAt)
		assert.True(t, expiresAt.Equal(*message.ExpiresAt))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insert_error_rolls_back", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		repo := NewMessageRepository(db, MessagesInsertedChannel)
		pqErr := &pq.Error{Code: "23514", Constraint: "messages_content_check"}

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(insertMessageSQL)).WillReturnError(pqErr)
		mock.ExpectRollback()

		err = repo.Create(context.Background(), &domain.Message{ConversationID: "match-1", SenderID: "user-a", Content: " "})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to create message")
		assert.True(t, IsWriteRejected(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("notify_error_rolls_back", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		repo := NewMessageRepository(db, MessagesInsertedChannel)

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(insertMessageSQL)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "expires_at"}).
				AddRow("msg-3", time.Now(), nil))
		mock.ExpectExec(regexp.QuoteMeta(notifySQL)).WillReturnError(errors.New("notify failed"))
		mock.ExpectRollback()

		err = repo.Create(context.Background(), &domain.Message{ConversationID: "match-1", SenderID: "user-a", Content: "hi"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "notify failed")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("begin_error", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		repo := NewMessageRepository(db, "")
		mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

		err = repo.Create(context.Background(), &domain.Message{ConversationID: "match-1", SenderID: "user-a", Content: "hi"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to begin transaction")
	})
}

func TestMessageRepository_GetByID(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		repo := NewMessageRepository(db, "")
		createdAt := time.Now()

		mock.ExpectQuery(regexp.QuoteMeta(`FROM messages`)).
			WithArgs("msg-1").
			WillReturnRows(sqlmock.NewRows(messageColumns).
				AddRow("msg-1", "match-1", "user-a", "hello", false, nil, createdAt))

		msg, err := repo.GetByID(context.Background(), "msg-1")
		require.NoError(t, err)
		assert.Equal(t, "msg-1", msg.ID)
		assert.Equal(t, "match-1", msg.ConversationID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not_found", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		repo := NewMessageRepository(db, "")
		mock.ExpectQuery(regexp.QuoteMeta(`FROM messages`)).
			WithArgs("missing").
			WillReturnRows(sqlmock.NewRows(messageColumns))

		_, err = repo.GetByID(context.Background(), "missing")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to get message")
	})
}

func TestMessageRepository_ListByConversation(t *testing.T) {
	t.Run("successful_retrieval", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		repo := NewMessageRepository(db, "")
		createdAt := time.Date(2026, 2, 14, 20, 0, 0, 0, time.UTC)
		expiresAt := createdAt.Add(10 * time.Second)

		mock.ExpectQuery(regexp.QuoteMeta(listMessagesSQL)).
			WithArgs("match-1").
			WillReturnRows(sqlmock.NewRows(messageColumns).
				AddRow("msg-1", "match-1", "user-a", "Hello", false, nil, createdAt).
				AddRow("msg-2", "match-1", "user-b", "Secret", true, expiresAt, createdAt.Add(time.Second)))

		messages, err := repo.ListByConversation(context.Background(), "match-1")
		require.NoError(t, err)
		require.Len(t, messages, 2)
		assert.Equal(t, "msg-1", messages[0].ID)
		assert.Nil(t, messages[0].ExpiresAt)
		assert.Equal(t, "msg-2", messages[1].ID)
		assert.True(t, messages[1].IsSecret)
		require.NotNil(t, messages[1].ExpiresAt)
		assert.True(t, expiresAt.Equal(*messages[1].ExpiresAt))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty_conversation", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		repo := NewMessageRepository(db, "")
		mock.ExpectQuery(regexp.QuoteMeta(listMessagesSQL)).
			WithArgs("match-empty").
			WillReturnRows(sqlmock.NewRows(messageColumns))

		messages, err := repo.ListByConversation(context.Background(), "match-empty")
		require.NoError(t, err)
		assert.NotNil(t, messages)
		assert.Empty(t, messages)
	})

	t.Run("query_error", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		repo := NewMessageRepository(db, "")
		mock.ExpectQuery(regexp.QuoteMeta(listMessagesSQL)).
			WillReturnError(errors.New("database error"))

		_, err = repo.ListByConversation(context.Background(), "match-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to query messages")
	})

	t.Run("scan_error", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		repo := NewMessageRepository(db, "")
		mock.ExpectQuery(regexp.QuoteMeta(listMessagesSQL)).
			WillReturnRows(sqlmock.NewRows(messageColumns).
				AddRow("msg-1", "match-1", "user-a", "Hello", false, nil, "not-a-time"))

		_, err = repo.ListByConversation(context.Background(), "match-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to scan message")
	})

	t.Run("rows_error", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		repo := NewMessageRepository(db, "")
		mock.ExpectQuery(regexp.QuoteMeta(listMessagesSQL)).
			WillReturnRows(sqlmock.NewRows(messageColumns).
				AddRow("msg-1", "match-1", "user-a", "Hello", false, nil, time.Now()).
				RowError(0, errors.New("row error")))

		_, err = repo.ListByConversation(context.Background(), "match-1")
		require.Error(t, err)
	})
}

func TestMessageRepository_ListCreatedAfter(t *testing.T) {
	t.Run("pages_after_cursor", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		repo := NewMessageRepository(db, "")
		cursor := time.Date(2026, 2, 14, 20, 0, 0, 0, time.UTC)

		mock.ExpectQuery(regexp.QuoteMeta(`WHERE created_at > $1 OR (created_at = $1 AND id::text > $2)`)).
			WithArgs(cursor, "msg-1", 100).
			WillReturnRows(sqlmock.NewRows(messageColumns).
				AddRow("msg-2", "match-1", "user-a", "missed", false, nil, cursor).
				AddRow("msg-3", "match-2", "user-b", "also missed", false, nil, cursor.Add(time.Second)))

		messages, err := repo.ListCreatedAfter(context.Background(), cursor, "msg-1", 100)
		require.NoError(t, err)
		require.Len(t, messages, 2)
		assert.Equal(t, "msg-2", messages[0].ID)
		assert.Equal(t, "match-2", messages[1].ConversationID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("query_error", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		repo := NewMessageRepository(db, "")
		mock.ExpectQuery(regexp.QuoteMeta(`FROM messages`)).
			WillReturnError(errors.New("connection reset"))

		_, err = repo.ListCreatedAfter(context.Background(), time.Now(), "", 100)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to query messages")
	})
}

func TestMessageRepository_DeleteExpiredBefore(t *testing.T) {
	t.Run("deletes_rows", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		repo := NewMessageRepository(db, "")
		cutoff := time.Now().Add(-24 * time.Hour)

		mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM messages`)).
			WithArgs(cutoff).
			WillReturnResult(sqlmock.NewResult(0, 3))

		n, err := repo.DeleteExpiredBefore(context.Background(), cutoff)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("exec_error", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		repo := NewMessageRepository(db, "")
		mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM messages`)).
			WillReturnError(errors.New("database error"))

		_, err = repo.DeleteExpiredBefore(context.Background(), time.Now())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to delete expired messages")
	})
}

func TestEncodeNotification(t *testing.T) {
	t.Run("carries_full_message", func(t *testing.T) {
		msg := &domain.Message{ID: "msg-1", ConversationID: "match-1", Content: "hello", CreatedAt: time.Now().UTC()}

		payload, err := encodeNotification(msg)
		require.NoError(t, err)

		var n notification
		require.NoError(t, json.Unmarshal([]byte(payload), &n))
		require.NotNil(t, n.Message)
		assert.Equal(t, "msg-1", n.Message.ID)
		assert.Equal(t, "hello", n.Message.Content)
	})

	t.Run("oversized_message_sends_id_only", func(t *testing.T) {
		msg := &domain.Message{ID: "msg-big", ConversationID: "match-1", Content: strings.Repeat("x", 9000)}

		payload, err := encodeNotification(msg)
		require.NoError(t, err)
		assert.Less(t, len(payload), maxNotifyPayload)

		var n notification
		require.NoError(t, json.Unmarshal([]byte(payload), &n))
		assert.Nil(t, n.Message)
		assert.Equal(t, "msg-big", n.ID)
	})
}
