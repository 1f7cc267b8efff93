package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// ParticipantRepository implements domain.ParticipantRepository over the matches table
type ParticipantRepository struct {
	db *sql.DB
}

// NewParticipantRepository creates a new PostgreSQL participant repository
func NewParticipantRepository(db *sql.DB) *ParticipantRepository {
	return &ParticipantRepository{db: db}
}

// IsParticipant reports whether userID is one of the two users of the match
func (r *ParticipantRepository) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM matches
			WHERE id = $1 AND (user_1 = $2 OR user_2 = $2)
		)
	`
	var ok bool
	if err := r.db.QueryRowContext(ctx, query, conversationID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("failed to check participant: %w", err)
	}
	return ok, nil
}
