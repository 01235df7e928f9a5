// Package transcript appends readable conversation records to per-session
// NDJSON files.
package transcript

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/x/ansi"
)

// Channels and directions.
const (
	ChannelHTTP      = "chat_http"
	ChannelWebSocket = "chat_ws"

	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Event types.
const (
	EventUserMessage      = "chat_user_message"
	EventAssistantMessage = "chat_assistant_message"
	EventTurnFailed       = "chat_turn_failed"
)

// Config controls where transcripts are written.
type Config struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
}

// Entry is one transcript line.
type Entry struct {
	Timestamp      string         `json:"ts"`
	UserID         string         `json:"user_id"`
	SessionID      string         `json:"session_id"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Channel        string         `json:"channel"`
	Direction      string         `json:"direction"`
	EventType      string         `json:"event_type"`
	ContentRaw     string         `json:"content_raw"`
	Content        string         `json:"content"`
	Meta           map[string]any `json:"meta,omitempty"`
}

// Writer appends entries to <Dir>/<user>/<session>.ndjson and, when
// enabled, to one global file. A nil *Writer discards everything.
type Writer struct {
	cfg    Config
	mu     sync.Mutex
	logger *slog.Logger
}

// New creates a Writer. It returns nil when transcripts are disabled.
func New(cfg Config, logger *slog.Logger) (*Writer, error) {
	if !cfg.Enabled && !cfg.GlobalEnabled {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Enabled {
		if cfg.Dir == "" {
			return nil, fmt.Errorf("transcript dir is required")
		}
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create transcript dir: %w", err)
		}
	}
	if cfg.GlobalEnabled {
		if cfg.GlobalPath == "" {
			return nil, fmt.Errorf("global transcript path is required")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o755); err != nil {
			return nil, fmt.Errorf("create global transcript dir: %w", err)
		}
	}
	return &Writer{cfg: cfg, logger: logger}, nil
}

// Write appends e, filling the timestamp and cleaned content when empty.
func (w *Writer) Write(e Entry) error {
	if w == nil {
		return nil
	}
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if e.Content == "" {
		e.Content = Clean(e.ContentRaw)
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode transcript entry: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cfg.Enabled {
		dir := filepath.Join(w.cfg.Dir, safeName(e.UserID))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create transcript dir: %w", err)
		}
		if err := appendLine(filepath.Join(dir, safeName(e.SessionID)+".ndjson"), line); err != nil {
			return err
		}
	}
	if w.cfg.GlobalEnabled {
		if err := appendLine(w.cfg.GlobalPath, line); err != nil {
			return err
		}
	}
	return nil
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript %s: %w", path, err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("append transcript %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close transcript %s: %w", path, err)
	}
	return nil
}

// safeName maps an identifier to a single path element.
func safeName(id string) string {
	if id == "" {
		return "unknown"
	}
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := b.String()
	if name == "." || name == ".." {
		return "_"
	}
	return name
}

// Clean strips terminal escape sequences and stray control characters and
// trims each line.
func Clean(raw string) string {
	text := ansi.Strip(raw)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case r < 0x20 || r == 0x7f:
			return -1
		}
		return r
	}, text)

	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
