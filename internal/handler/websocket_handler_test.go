package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cercle-chat/internal/middleware"
	"cercle-chat/internal/testutil"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWebSocketServer(t *testing.T, ctx context.Context, f *fixture, origins []string) *httptest.Server {
	t.Helper()
	h := NewWebSocketHandler(ctx, f.chat, origins)

	r := chi.NewRouter()
	r.With(middleware.Auth(testutil.TestJWTSecret)).Get("/ws/chat/{conversation_id}", h.HandleConnection)

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server, convID, token string) string {
	u := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/chat/" + convID
	if token != "" {
		u += "?access_token=" + token
	}
	return u
}

func TestWebSocketHandler_ConnectsParticipant(t *testing.T) {
	f := newFixture()
	f.store.Messages = testutil.NewTestMessages(testConvID, t0.Add(-time.Minute), 2)
	server := newWebSocketServer(t, context.Background(), f, []string{"*"})

	token := testutil.NewTestToken(t, testutil.TestJWTSecret, "alice")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(server, testConvID, token), nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var snapshot struct {
		Type     string            `json:"type"`
		Messages []json.RawMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(data, &snapshot))
	assert.Equal(t, "snapshot", snapshot.Type)
	assert.Len(t, snapshot.Messages, 2)
}

func TestWebSocketHandler_AuthorizationHeader(t *testing.T) {
	f := newFixture()
	server := newWebSocketServer(t, context.Background(), f, []string{"*"})

	header := http.Header{}
	header.Set("Authorization", "Bearer "+testutil.NewTestToken(t, testutil.TestJWTSecret, "bob"))
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, testConvID, ""), header)
	require.NoError(t, err)
	conn.Close()
}

func TestWebSocketHandler_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		convID string
		userID string
		origin string
		status int
	}{
		{"no token", testConvID, "", "", http.StatusUnauthorized},
		{"invalid conversation id", "room-1", "alice", "", http.StatusBadRequest},
		{"not participant", testConvID, "mallory", "", http.StatusForbidden},
		{"disallowed origin", testConvID, "alice", "http://malicious.com", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			server := newWebSocketServer(t, context.Background(), f, []string{"http://localhost:3000"})

			token := ""
			if tt.userID != "" {
				token = testutil.NewTestToken(t, testutil.TestJWTSecret, tt.userID)
			}
			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}

			conn, resp, err := websocket.DefaultDialer.Dial(wsURL(server, tt.convID, token), header)
			if conn != nil {
				conn.Close()
			}
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, 0, f.store.ActiveSubscriptions())
		})
	}
}

func TestWebSocketHandler_AllowedOrigin(t *testing.T) {
	f := newFixture()
	server := newWebSocketServer(t, context.Background(), f, []string{"http://localhost:3000"})

	header := http.Header{}
	header.Set("Origin", "http://localhost:3000")
	token := testutil.NewTestToken(t, testutil.TestJWTSecret, "alice")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, testConvID, token), header)
	require.NoError(t, err)
	conn.Close()
}

func TestWebSocketHandler_ShutdownClosesConnections(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	server := newWebSocketServer(t, ctx, f, []string{"*"})

	token := testutil.NewTestToken(t, testutil.TestJWTSecret, "alice")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, testConvID, token), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)

	cancel()

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "expected normal close, got %v", err)
	assert.Eventually(t, func() bool {
		return f.store.ActiveSubscriptions() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
