package store

import (
	"fmt"
	"log/slog"
)

// Store modes and fallback policies.
const (
	ModeSQLite     = "sqlite"
	ModeMemory     = "memory"
	FallbackFail   = "fail"
	FallbackMemory = "memory"
)

// Options selects and configures the session store.
type Options struct {
	Mode     string
	Path     string
	Fallback string
}

// Open returns the configured store. When the durable store cannot be
// opened, Fallback decides: "fail" returns the error and "memory" returns
// an ephemeral store. The outcome is always logged.
func Open(opts Options, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch opts.Mode {
	case ModeMemory:
		logger.Warn("using in-memory session store, state will not survive restart")
		return NewMemory(), nil
	case ModeSQLite, "":
	default:
		return nil, fmt.Errorf("unknown store mode %q", opts.Mode)
	}

	s, err := NewSQLite(opts.Path, logger)
	if err == nil {
		logger.Info("session store opened", "mode", ModeSQLite, "path", opts.Path, "fallback", opts.Fallback)
		return s, nil
	}

	switch opts.Fallback {
	case FallbackMemory:
		logger.Warn("store fallback to memory, state will not survive restart",
			"path", opts.Path,
			"error", err)
		return NewMemory(), nil
	case FallbackFail, "":
		return nil, fmt.Errorf("open session store: %w", err)
	default:
		return nil, fmt.Errorf("unknown store fallback %q: %w", opts.Fallback, err)
	}
}
