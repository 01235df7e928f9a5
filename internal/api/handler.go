// Package api provides the HTTP and WebSocket surfaces of the business partner service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/bizpartner/internal/domain"
	"github.com/ashureev/bizpartner/internal/effects"
	"github.com/ashureev/bizpartner/internal/identity"
	"github.com/ashureev/bizpartner/internal/store"
	"github.com/ashureev/bizpartner/internal/workflow"
)

// DefaultMaxBodyBytes caps chat request bodies. Photos arrive inline.
const DefaultMaxBodyBytes = 12 << 20

// Pinger reports backend reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the turn API.
type Handler struct {
	orch           *workflow.Orchestrator
	effects        *effects.Runner
	limiter        *RateLimiter
	conns          *connRegistry
	maxBodyBytes   int64
	allowedOrigins []string
	isDev          bool
	logger         *slog.Logger
}

// NewHandler creates a Handler. limiter may be nil to disable rate limiting.
func NewHandler(orch *workflow.Orchestrator, runner *effects.Runner, limiter *RateLimiter, allowedOrigins []string, isDev bool, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		orch:           orch,
		effects:        runner,
		limiter:        limiter,
		conns:          newConnRegistry(logger),
		maxBodyBytes:   DefaultMaxBodyBytes,
		allowedOrigins: allowedOrigins,
		isDev:          isDev,
		logger:         logger,
	}
}

// RegisterRoutes registers the API and WebSocket routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", h.Chat)
		r.Get("/sessions", h.ListSessions)
		r.Get("/sessions/{sessionID}", h.GetSession)
		r.Get("/sessions/{sessionID}/events", h.GetEvents)
		r.Get("/personas", h.ListPersonas)
		r.Get("/stats", h.Stats)
	})
	r.Get("/ws/chat", h.ServeWS)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// ChatRequest is the body of POST /api/chat and of WebSocket messages.
type ChatRequest struct {
	Message string `json:"message"`
	// Images are base64 payloads or data URLs.
	Images       []string `json:"images,omitempty"`
	PersonaID    string   `json:"persona_id,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

func (c ChatRequest) toMessage() domain.Message {
	m := domain.Message{Role: domain.RoleUserMessage}
	if c.Message != "" {
		m.Parts = append(m.Parts, domain.ContentPart{Type: domain.PartText, Text: c.Message})
	}
	for _, img := range c.Images {
		if img != "" {
			m.Parts = append(m.Parts, domain.ContentPart{Type: domain.PartImage, Data: img})
		}
	}
	return m
}

func (h *Handler) turnRequest(ctx context.Context, body ChatRequest, channel string) workflow.TurnRequest {
	return workflow.TurnRequest{
		UserID:       identity.UserIDFromContext(ctx),
		SessionID:    identity.SessionIDFromContext(ctx),
		PersonaID:    body.PersonaID,
		Message:      body.toMessage(),
		Instructions: body.Instructions,
		Channel:      channel,
	}
}

// Chat runs one turn and returns the assistant reply.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if h.limiter != nil && !h.limiter.Allow(userID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var body ChatRequest
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.orch.HandleTurn(r.Context(), h.turnRequest(r.Context(), body, ""))
	if err != nil {
		status, msg := turnError(err)
		h.logger.Warn("chat turn rejected",
			"user_id", userID,
			"session_id", identity.SessionIDFromContext(r.Context()),
			"status", status,
			"error", err)
		Error(w, status, msg)
		return
	}
	JSON(w, http.StatusOK, resp)
}

// turnError maps a turn failure to an HTTP status and client message.
func turnError(err error) (int, string) {
	switch {
	case errors.Is(err, workflow.ErrInvalidTurn):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, store.ErrStaleWrite):
		return http.StatusConflict, "session was updated concurrently, please retry"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "turn timed out"
	case errors.Is(err, context.Canceled):
		return 499, "request cancelled"
	case errors.Is(err, workflow.ErrSpecialistFailed):
		return http.StatusBadGateway, "a specialist failed, please retry"
	}
	return http.StatusInternalServerError, "internal error"
}

// ListSessions lists the caller's sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := h.orch.Sessions(r.Context(), identity.UserIDFromContext(r.Context()))
	if err != nil {
		h.logger.Error("failed to list sessions", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if list == nil {
		list = []store.Summary{}
	}
	JSON(w, http.StatusOK, map[string]any{"sessions": list})
}

// GetSession returns the stored state of one of the caller's sessions.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.SanitizeSessionID(chi.URLParam(r, "sessionID"))
	s, err := h.orch.Snapshot(r.Context(), identity.UserIDFromContext(r.Context()), sessionID)
	if errors.Is(err, workflow.ErrSessionNotFound) {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to load session", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	JSON(w, http.StatusOK, s)
}

// GetEvents returns the background records of one of the caller's sessions.
func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.SanitizeSessionID(chi.URLParam(r, "sessionID"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := h.orch.Events(r.Context(), identity.UserIDFromContext(r.Context()), sessionID, limit)
	if err != nil {
		h.logger.Error("failed to list events", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []store.Event{}
	}
	JSON(w, http.StatusOK, map[string]any{"events": events})
}

// ListPersonas returns the demo persona catalogue.
func (h *Handler) ListPersonas(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{"personas": h.orch.Personas().List()})
}

// Stats reports background runner counters and live chat sockets.
func (h *Handler) Stats(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"effects": h.effects.Stats(),
		"sockets": h.conns.count(),
	})
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	store   Pinger
	timeout time.Duration
}

// NewHealthHandler creates a health handler. timeout <= 0 uses 5s.
func NewHealthHandler(store Pinger, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthHandler{store: store, timeout: timeout}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]any{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.store.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
