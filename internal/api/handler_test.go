//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/bizpartner/internal/effects"
	"github.com/ashureev/bizpartner/internal/identity"
	"github.com/ashureev/bizpartner/internal/instructions"
	"github.com/ashureev/bizpartner/internal/llm"
	"github.com/ashureev/bizpartner/internal/session"
	"github.com/ashureev/bizpartner/internal/specialist"
	"github.com/ashureev/bizpartner/internal/specialist/coaching"
	"github.com/ashureev/bizpartner/internal/specialist/partner"
	"github.com/ashureev/bizpartner/internal/specialist/servicing"
	"github.com/ashureev/bizpartner/internal/specialist/underwriting"
	"github.com/ashureev/bizpartner/internal/store"
	"github.com/ashureev/bizpartner/internal/workflow"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

type testServer struct {
	handler *Handler
	store   *store.MemoryStore
	runner  *effects.Runner
	router  chi.Router
}

func newTestServer(t *testing.T, limiter *RateLimiter) *testServer {
	t.Helper()
	personas, err := session.LoadCatalogue("")
	require.NoError(t, err)

	instr := instructions.NewSource(nil, time.Minute, nil)
	reg, err := specialist.NewRegistry(
		partner.New(llm.Offline{}, instr, 2, nil),
		underwriting.New(nil),
		servicing.New(llm.Offline{}, instr, nil),
		coaching.New(llm.Offline{}, instr, nil),
	)
	require.NoError(t, err)
	exec, err := workflow.NewExecutor(reg, 1, time.Second, nil)
	require.NoError(t, err)

	st := store.NewMemory()
	runner := effects.New(1, 64, nil)
	t.Cleanup(func() { _ = runner.Close(context.Background()) })

	orch := workflow.NewOrchestrator(st, personas, exec, runner, nil, 5*time.Second, nil)
	h := NewHandler(orch, runner, limiter, []string{"https://app.example.com"}, false, nil)

	r := chi.NewRouter()
	r.Use(identity.Middleware(true))
	h.RegisterRoutes(r)
	NewHealthHandler(st, time.Second).RegisterHealth(r)
	return &testServer{handler: h, store: st, runner: runner, router: r}
}

// do sends a request as a fixed anonymous user on the given session.
func (s *testServer) do(method, path, sessionID, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.AddCookie(&http.Cookie{Name: identity.AnonCookieName, Value: "anon_" + strings.Repeat("ab", 16)})
	if sessionID != "" {
		req.Header.Set(identity.SessionHeaderName, sessionID)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func TestChatRunsTurn(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)

	w := s.do(http.MethodPost, "/api/chat", "tab-1", `{"message":"hi, I run a bakery"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[workflow.TurnResponse](t, w)
	require.Equal(t, "tab-1", resp.SessionID)
	require.NotEmpty(t, resp.Reply)
	require.Equal(t, int64(1), resp.Version)
	require.NotEmpty(t, resp.RequiredTasks)

	w = s.do(http.MethodPost, "/api/chat", "tab-1", `{"message":"we are in Condesa"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, int64(2), decode[workflow.TurnResponse](t, w).Version)
}

func TestChatRejectsBadInput(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{"message":`, http.StatusBadRequest},
		{"empty message", `{"message":"  "}`, http.StatusBadRequest},
		{"unknown persona", `{"message":"hi","persona_id":"nobody"}`, http.StatusBadRequest},
		{"too large", `{"message":"` + strings.Repeat("x", DefaultMaxBodyBytes) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(http.MethodPost, "/api/chat", "", tt.body)
			require.Equal(t, tt.want, w.Code, w.Body.String())
			require.NotEmpty(t, decode[map[string]string](t, w)["error"])
		})
	}
}

func TestChatRateLimited(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, NewRateLimiter(0.001, 1, time.Minute))

	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/chat", "a", `{"message":"hello"}`).Code)
	// A new session does not reset the user's budget.
	require.Equal(t, http.StatusTooManyRequests, s.do(http.MethodPost, "/api/chat", "b", `{"message":"hello"}`).Code)
}

func TestSessionEndpoints(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)

	w := s.do(http.MethodGet, "/api/sessions/tab-9", "", "")
	require.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodPost, "/api/chat", "tab-9", `{"message":"hola","persona_id":"pre_loan_tienda"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(http.MethodGet, "/api/sessions/tab-9", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	state := decode[map[string]any](t, w)
	require.Equal(t, "tab-9", state["session_id"])

	w = s.do(http.MethodGet, "/api/sessions", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[map[string][]store.Summary](t, w)["sessions"]
	require.Len(t, list, 1)
	require.Equal(t, "tab-9", list[0].SessionID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.runner.Close(ctx))

	w = s.do(http.MethodGet, "/api/sessions/tab-9/events?limit=10", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	events := decode[map[string][]store.Event](t, w)["events"]
	require.NotEmpty(t, events)
	require.Equal(t, "conversation_started", events[0].Kind)
}

func TestSessionsAreScopedToUser(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)

	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/chat", "mine", `{"message":"hello"}`).Code)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/mine", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code, "a fresh anonymous user must not see another user's session")
}

func TestListPersonas(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)

	w := s.do(http.MethodGet, "/api/personas", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string][]map[string]any](t, w)
	require.NotEmpty(t, body["personas"])
	ids := make([]string, 0, len(body["personas"]))
	for _, p := range body["personas"] {
		ids = append(ids, fmt.Sprint(p["persona_id"]))
		require.NotContains(t, p, "business", "seed data stays server side")
	}
	require.Contains(t, ids, "pre_loan_tienda")
}

func TestStatsAndHealth(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)

	w := s.do(http.MethodGet, "/api/stats", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, decode[map[string]any](t, w), "effects")

	w = s.do(http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "healthy", decode[map[string]any](t, w)["status"])
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("down") }

func TestHealthDegraded(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	NewHealthHandler(failingPinger{}, 0).Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decode[map[string]any](t, w)
	require.Equal(t, "degraded", body["status"])
}

func TestTurnErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: no text", workflow.ErrInvalidTurn), http.StatusBadRequest},
		{fmt.Errorf("save session: %w", store.ErrStaleWrite), http.StatusConflict},
		{fmt.Errorf("run turn: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{fmt.Errorf("run turn: %w", workflow.ErrSpecialistFailed), http.StatusBadGateway},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		got, msg := turnError(tt.err)
		require.Equal(t, tt.want, got, tt.err.Error())
		require.NotEmpty(t, msg)
	}
}

func TestChatRequestToMessage(t *testing.T) {
	t.Parallel()

	m := ChatRequest{Message: "look", Images: []string{"data:image/png;base64,AAAA", ""}}.toMessage()
	require.Equal(t, "look", m.Text())
	require.Len(t, m.Images(), 1)
	require.Empty(t, ChatRequest{}.toMessage().Parts)
}
