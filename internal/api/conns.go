package api

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// connRegistry tracks the live chat socket per user and session. A second
// socket for the same session replaces the first.
type connRegistry struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
	logger *slog.Logger
}

func newConnRegistry(logger *slog.Logger) *connRegistry {
	return &connRegistry{
		active: make(map[string]map[string]*websocket.Conn),
		logger: logger,
	}
}

func (m *connRegistry) register(userID, sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	if _, exists := m.active[userID]; !exists {
		m.active[userID] = make(map[string]*websocket.Conn)
	}
	existing := m.active[userID][sessionID]
	m.active[userID][sessionID] = conn
	m.mu.Unlock()

	m.logger.Info("Chat socket registered", "user_id", userID, "session_id", sessionID)
	if existing != nil && existing != conn {
		// Close waits for the peer's close frame; do not hold up the new socket.
		go func() {
			_ = existing.Close(websocket.StatusPolicyViolation, "session opened elsewhere")
		}()
	}
}

func (m *connRegistry) unregister(userID, sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions, ok := m.active[userID]
	if !ok {
		return
	}
	if current, exists := sessions[sessionID]; exists && current == conn {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(m.active, userID)
		}
		m.logger.Info("Chat socket unregistered", "user_id", userID, "session_id", sessionID)
	}
}

// count returns the number of live sockets.
func (m *connRegistry) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, sessions := range m.active {
		n += len(sessions)
	}
	return n
}
