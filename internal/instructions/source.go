// Package instructions fetches specialist instructions with a local TTL
// cache and built-in fallbacks.
package instructions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrNotFound is returned by fetchers when no instruction has the name.
var ErrNotFound = errors.New("instruction not found")

// Fetcher loads instruction text by name from an external source.
type Fetcher interface {
	Fetch(ctx context.Context, name string) (string, error)
}

type entry struct {
	text      string
	fetchedAt time.Time
}

// Source serves instructions. Get never fails: it falls back to the last
// fetched value and then to the built-in default.
type Source struct {
	fetcher Fetcher
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]entry
}

// NewSource creates a Source. A nil fetcher serves built-in defaults only.
func NewSource(fetcher Fetcher, ttl time.Duration, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		fetcher: fetcher,
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
		cache:   make(map[string]entry),
	}
}

// Get returns the instruction text for name.
func (s *Source) Get(ctx context.Context, name string) string {
	s.mu.Lock()
	cached, ok := s.cache[name]
	s.mu.Unlock()

	if ok && s.now().Sub(cached.fetchedAt) < s.ttl {
		return cached.text
	}

	if s.fetcher != nil {
		text, err := s.fetch(ctx, name)
		if err == nil && text != "" {
			s.mu.Lock()
			s.cache[name] = entry{text: text, fetchedAt: s.now()}
			s.mu.Unlock()
			return text
		}
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("[INSTRUCTIONS] fetch failed, using fallback",
				"name", name,
				"cached", ok,
				"error", err)
		}
	}

	if ok {
		return cached.text
	}
	return Default(name)
}

func (s *Source) fetch(ctx context.Context, name string) (string, error) {
	text, err := s.fetcher.Fetch(ctx, name)
	if err == nil || errors.Is(err, ErrNotFound) || ctx.Err() != nil {
		return text, err
	}
	text, retryErr := s.fetcher.Fetch(ctx, name)
	if retryErr != nil {
		return "", fmt.Errorf("fetch %s after retry: %w", name, retryErr)
	}
	return text, nil
}

// Invalidate drops the cached value for name so the next Get refetches.
func (s *Source) Invalidate(name string) {
	s.mu.Lock()
	delete(s.cache, name)
	s.mu.Unlock()
}
