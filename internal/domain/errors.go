package domain

import "errors"

var (
	// Store level
	ErrStoreUnavailable = errors.New("message store unavailable")
	ErrWriteRejected    = errors.New("message write rejected")
	ErrHubClosed        = errors.New("change feed closed")

	// Session level
	ErrLoadFailed        = errors.New("failed to load conversation")
	ErrSendFailed        = errors.New("failed to send message")
	ErrEmptyMessage      = errors.New("message is empty")
	ErrSessionClosed     = errors.New("chat session closed")
	ErrSessionNotActive  = errors.New("chat session not active")
	ErrDuplicateSchedule = errors.New("message expiry already scheduled")

	ErrNotParticipant = errors.New("user is not a participant of this conversation")
)
