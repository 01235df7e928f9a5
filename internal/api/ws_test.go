package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/bizpartner/internal/identity"
	"github.com/ashureev/bizpartner/internal/workflow"
)

const testAnonID = "anon_abababababababababababababababab"

func dialChat(ctx context.Context, t *testing.T, url, sessionID string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Cookie", identity.AnonCookieName+"="+testAnonID)
	header.Set(identity.SessionHeaderName, sessionID)
	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(url, "http")+"/ws/chat",
		&websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	return ws
}

func exchange(ctx context.Context, t *testing.T, ws *websocket.Conn, frame string) map[string]json.RawMessage {
	t.Helper()
	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte(frame)))
	_, data, err := ws.Read(ctx)
	require.NoError(t, err)
	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestChatSocket(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.router)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ws := dialChat(ctx, t, srv.URL, "ws-tab")
	defer ws.CloseNow()

	out := exchange(ctx, t, ws, `{"type":"ping"}`)
	require.JSONEq(t, `"pong"`, string(out["type"]))

	out = exchange(ctx, t, ws, `{"type":"message","message":"hi, I sell tacos"}`)
	require.JSONEq(t, `"reply"`, string(out["type"]))
	var resp workflow.TurnResponse
	require.NoError(t, json.Unmarshal(out["data"], &resp))
	require.Equal(t, "ws-tab", resp.SessionID)
	require.NotEmpty(t, resp.Reply)
	require.Equal(t, int64(1), resp.Version)

	out = exchange(ctx, t, ws, `{"type":"message","message":""}`)
	require.JSONEq(t, `"error"`, string(out["type"]))

	out = exchange(ctx, t, ws, `not json`)
	require.JSONEq(t, `"invalid message"`, string(out["error"]))

	out = exchange(ctx, t, ws, `{"type":"resize"}`)
	require.JSONEq(t, `"unknown message type"`, string(out["error"]))

	require.Equal(t, 1, s.handler.conns.count())
}

func TestChatSocketReplacedBySecondTab(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.router)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	first := dialChat(ctx, t, srv.URL, "same")
	defer first.CloseNow()
	exchange(ctx, t, first, `{"type":"ping"}`)

	second := dialChat(ctx, t, srv.URL, "same")
	defer second.CloseNow()
	exchange(ctx, t, second, `{"type":"ping"}`)

	_, _, err := first.Read(ctx)
	require.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
	require.Equal(t, 1, s.handler.conns.count())
}

func TestChatSocketOriginCheck(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)

	for origin, allowed := range map[string]bool{
		"":                        true,
		"https://app.example.com": true,
		"https://evil.example":    false,
	} {
		r := httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		require.Equal(t, allowed, s.handler.checkOrigin(r), origin)
	}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
	r.Header.Set("Origin", "https://evil.example")
	s.router.ServeHTTP(w, r)
	require.Equal(t, http.StatusForbidden, w.Code)
}
