package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/bizpartner/internal/identity"
	"github.com/ashureev/bizpartner/internal/middleware"
	"github.com/ashureev/bizpartner/internal/transcript"
)

const wsWriteTimeout = 10 * time.Second

// wsInbound is one client frame on the chat socket.
type wsInbound struct {
	Type string `json:"type"`
	ChatRequest
}

// wsOutbound is one server frame on the chat socket.
type wsOutbound struct {
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// ServeWS upgrades to a chat socket. Each "message" frame runs one turn and
// is answered with a "reply" or "error" frame, in order.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	h.logger.Info("WebSocket connection request", "user_id", userID, "session_id", sessionID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		Error(w, http.StatusForbidden, "origin not allowed")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Origin is checked above against the configured list.
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	ws.SetReadLimit(h.maxBodyBytes)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	h.conns.register(userID, sessionID, ws)
	defer h.conns.unregister(userID, sessionID, ws)

	h.readLoop(r.Context(), ws, userID, sessionID)
	h.logger.Info("Chat socket ended", "user_id", userID, "session_id", sessionID)
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, userID, sessionID string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				h.logger.Debug("WebSocket closed by client", "user_id", userID)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var msg wsInbound
		if err := json.Unmarshal(data, &msg); err != nil {
			if err := h.writeJSON(ctx, ws, wsOutbound{Type: "error", Error: "invalid message"}); err != nil {
				return
			}
			continue
		}

		var out wsOutbound
		switch msg.Type {
		case "ping":
			out = wsOutbound{Type: "pong"}
		case "message", "":
			out = h.wsTurn(ctx, userID, msg.ChatRequest)
		default:
			out = wsOutbound{Type: "error", Error: "unknown message type"}
		}
		if err := h.writeJSON(ctx, ws, out); err != nil {
			h.logger.Debug("WebSocket write error", "error", err, "user_id", userID)
			return
		}
	}
}

func (h *Handler) wsTurn(ctx context.Context, userID string, body ChatRequest) wsOutbound {
	if h.limiter != nil && !h.limiter.Allow(userID) {
		return wsOutbound{Type: "error", Error: "rate limit exceeded"}
	}
	resp, err := h.orch.HandleTurn(ctx, h.turnRequest(ctx, body, transcript.ChannelWebSocket))
	if err != nil {
		status, msg := turnError(err)
		h.logger.Warn("socket turn rejected", "user_id", userID, "status", status, "error", err)
		return wsOutbound{Type: "error", Error: msg}
	}
	return wsOutbound{Type: "reply", Data: resp}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || middleware.OriginAllowed(h.allowedOrigins, origin) {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigins)
	return false
}

func (h *Handler) writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
