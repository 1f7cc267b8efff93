package domain

import "context"

// ParticipantRepository resolves which users take part in a conversation.
// Conversations are matches owned by the matching subsystem.
type ParticipantRepository interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}
