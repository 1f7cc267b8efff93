package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"cercle-chat/internal/domain"
	"cercle-chat/internal/observability"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("failed to encode response", slog.String("error", err.Error()))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError maps chat errors to HTTP statuses
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotParticipant):
		writeError(w, http.StatusForbidden, "Not a participant of this conversation")
	case errors.Is(err, domain.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "Message is empty")
	case errors.Is(err, domain.ErrWriteRejected):
		writeError(w, http.StatusUnprocessableEntity, "Message rejected")
	case errors.Is(err, domain.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "Message store unavailable")
	default:
		observability.FromContext(r.Context()).Error("unhandled chat error",
			slog.String("error", err.Error()),
			slog.String("path", r.URL.Path))
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}
