//go:build integration
// +build integration

package postgres_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"cercle-chat/internal/domain"
	"cercle-chat/internal/repository/postgres"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestPostgresContainer manages PostgreSQL container lifecycle for integration tests
type TestPostgresContainer struct {
	container testcontainers.Container
	db        *sql.DB
	connStr   string
}

// setupPostgres starts a PostgreSQL container and returns a database connection
func setupPostgres(t *testing.T) (*TestPostgresContainer, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForAll(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			wait.ForListeningPort("5432/tcp"),
		).WithDeadline(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start PostgreSQL container")

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	connStr := fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())

	// Wait for PostgreSQL to be fully ready
	time.Sleep(2 * time.Second)

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err, "failed to connect to PostgreSQL")

	// Run migrations
	err = runMigrations(db)
	require.NoError(t, err, "failed to run migrations")

	cleanup := func() {
		db.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}

	return &TestPostgresContainer{
		container: container,
		db:        db,
		connStr:   connStr,
	}, cleanup
}

// runMigrations creates the database schema for testing
func runMigrations(db *sql.DB) error {
	schema := `
		CREATE EXTENSION IF NOT EXISTS "pgcrypto";

		CREATE TABLE IF NOT EXISTS matches (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			user_1 UUID NOT NULL,
			user_2 UUID NOT NULL,
			status TEXT NOT NULL DEFAULT 'active'
		);

		CREATE TABLE IF NOT EXISTS messages (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			match_id UUID NOT NULL REFERENCES matches(id) ON DELETE CASCADE,
			sender_id UUID NOT NULL,
			content TEXT NOT NULL CHECK (length(btrim(content)) > 0),
			is_secret BOOLEAN NOT NULL DEFAULT FALSE,
			expires_at TIMESTAMPTZ NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE INDEX IF NOT EXISTS messages_match_created_idx ON messages (match_id, created_at, id);
	`
	_, err := db.Exec(schema)
	return err
}

const (
	userA = "11111111-1111-1111-1111-111111111111"
	userB = "22222222-2222-2222-2222-222222222222"
)

func createMatch(t *testing.T, db *sql.DB) string {
	t.Helper()
	var id string
	err := db.QueryRow(`INSERT INTO matches (user_1, user_2) VALUES ($1, $2) RETURNING id`, userA, userB).Scan(&id)
	require.NoError(t, err)
	return id
}

// TestMessageRepository_Integration tests the MessageRepository with a real PostgreSQL database
func TestMessageRepository_Integration(t *testing.T) {
	pg, cleanup := setupPostgres(t)
	defer cleanup()

	repo := postgres.NewMessageRepository(pg.db, "")
	ctx := context.Background()

	t.Run("Create_and_ListByConversation", func(t *testing.T) {
		matchID := createMatch(t, pg.db)
		expiresAt := time.Now().Add(10 * time.Second)

		first := &domain.Message{ConversationID: matchID, SenderID: userA, Content: "hello"}
		require.NoError(t, repo.Create(ctx, first))
		assert.NotEmpty(t, first.ID)
		assert.False(t, first.CreatedAt.IsZero())

		second := &domain.Message{ConversationID: matchID, SenderID: userB, Content: "psst", ExpiresAt: &expiresAt}
		require.NoError(t, repo.Create(ctx, second))
		assert.True(t, second.IsSecret)
		require.NotNil(t, second.ExpiresAt)

		messages, err := repo.ListByConversation(ctx, matchID)
		require.NoError(t, err)
		require.Len(t, messages, 2)
		assert.Equal(t, first.ID, messages[0].ID)
		assert.Equal(t, second.ID, messages[1].ID)
		assert.True(t, second.ExpiresAt.Equal(*messages[1].ExpiresAt))
	})

	t.Run("Create_BlankContentRejected", func(t *testing.T) {
		matchID := createMatch(t, pg.db)

		err := repo.Create(ctx, &domain.Message{ConversationID: matchID, SenderID: userA, Content: "   "})
		require.Error(t, err)
		assert.True(t, postgres.IsWriteRejected(err))
	})

	t.Run("Create_UnknownMatchRejected", func(t *testing.T) {
		err := repo.Create(ctx, &domain.Message{
			ConversationID: "00000000-0000-0000-0000-000000000000",
			SenderID:       userA,
			Content:        "hi",
		})
		require.Error(t, err)
		assert.True(t, postgres.IsWriteRejected(err))
	})

	t.Run("DeleteExpiredBefore", func(t *testing.T) {
		matchID := createMatch(t, pg.db)
		past := time.Now().Add(-48 * time.Hour)
		future := time.Now().Add(time.Hour)

		require.NoError(t, repo.Create(ctx, &domain.Message{ConversationID: matchID, SenderID: userA, Content: "old", ExpiresAt: &past}))
		require.NoError(t, repo.Create(ctx, &domain.Message{ConversationID: matchID, SenderID: userA, Content: "fresh", ExpiresAt: &future}))
		require.NoError(t, repo.Create(ctx, &domain.Message{ConversationID: matchID, SenderID: userA, Content: "permanent"}))

		n, err := repo.DeleteExpiredBefore(ctx, time.Now().Add(-24*time.Hour))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(1))

		messages, err := repo.ListByConversation(ctx, matchID)
		require.NoError(t, err)
		require.Len(t, messages, 2)
		assert.Equal(t, "fresh", messages[0].Content)
		assert.Equal(t, "permanent", messages[1].Content)
	})
}

// TestParticipantRepository_Integration tests the ParticipantRepository with a real PostgreSQL database
func TestParticipantRepository_Integration(t *testing.T) {
	pg, cleanup := setupPostgres(t)
	defer cleanup()

	repo := postgres.NewParticipantRepository(pg.db)
	matchID := createMatch(t, pg.db)
	ctx := context.Background()

	ok, err := repo.IsParticipant(ctx, matchID, userA)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.IsParticipant(ctx, matchID, userB)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.IsParticipant(ctx, matchID, "33333333-3333-3333-3333-333333333333")
	require.NoError(t, err)
	assert.False(t, ok)
}

type channelPublisher chan *domain.Message

func (c channelPublisher) Publish(msg *domain.Message) { c <- msg }

// TestChangeListener_Integration checks that a committed insert reaches the listener
func TestChangeListener_Integration(t *testing.T) {
	pg, cleanup := setupPostgres(t)
	defer cleanup()

	repo := postgres.NewMessageRepository(pg.db, postgres.MessagesInsertedChannel)
	received := make(channelPublisher, 1)

	listener, err := postgres.NewChangeListener(pg.connStr, received, repo)
	require.NoError(t, err)
	defer listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go listener.Run(ctx)

	matchID := createMatch(t, pg.db)
	msg := &domain.Message{ConversationID: matchID, SenderID: userA, Content: "live"}
	require.NoError(t, repo.Create(ctx, msg))

	select {
	case got := <-received:
		assert.Equal(t, msg.ID, got.ID)
		assert.Equal(t, matchID, got.ConversationID)
		assert.Equal(t, "live", got.Content)
	case <-time.After(10 * time.Second):
		t.Fatal("insert notification not received")
	}
}
