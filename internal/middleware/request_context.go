package middleware

import (
	"net/http"

	"cercle-chat/internal/observability"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// RequestContext attaches chi's request id to the logging context. It must
// run after chimiddleware.RequestID.
func RequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := chimiddleware.GetReqID(r.Context()); reqID != "" {
			r = r.WithContext(observability.WithRequestID(r.Context(), reqID))
		}
		next.ServeHTTP(w, r)
	})
}
