package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"cercle-chat/internal/observability"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	UserIDKey contextKey = "user_id"

	// AccessTokenParam carries the token on WebSocket upgrades, where
	// browsers cannot set an Authorization header.
	AccessTokenParam = "access_token"
)

var errMissingToken = errors.New("missing access token")

// Auth verifies an HS256 access token and stores its subject as the user id.
// The token is read from the Authorization header or the access_token query
// parameter.
func Auth(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := extractToken(r)
			if err != nil {
				http.Error(w, `{"error":"Not authenticated"}`, http.StatusUnauthorized)
				return
			}

			claims := &jwt.RegisteredClaims{}
			_, err = parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
				return key, nil
			})
			if err != nil || claims.Subject == "" {
				reason := "empty subject"
				if err != nil {
					reason = err.Error()
				}
				slog.Debug("rejected access token",
					slog.String("reason", reason),
					slog.String("path", r.URL.Path))
				http.Error(w, `{"error":"Invalid or expired token"}`, http.StatusUnauthorized)
				return
			}

			ctx := WithUserID(r.Context(), claims.Subject)
			ctx = observability.WithUserID(ctx, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractToken(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return "", errMissingToken
		}
		return strings.TrimSpace(token), nil
	}
	if token := r.URL.Query().Get(AccessTokenParam); token != "" {
		return token, nil
	}
	return "", errMissingToken
}

func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDKey).(string)
	return userID, ok
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
