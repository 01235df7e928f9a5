package store

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/bizpartner/internal/domain"
)

const memoryShards = 16

type memoryRecord struct {
	userID    string
	sessionID string
	phase     domain.Phase
	version   int64
	state     []byte
	updatedAt time.Time
}

type memoryShard struct {
	mu       sync.Mutex
	sessions map[string]memoryRecord
	events   map[string][]Event
}

// MemoryStore is an ephemeral Store. Snapshots are kept JSON encoded so
// they round trip exactly like the durable store. Nothing survives a restart.
type MemoryStore struct {
	shards [memoryShards]memoryShard
}

// NewMemory returns an empty MemoryStore.
func NewMemory() *MemoryStore {
	m := &MemoryStore{}
	for i := range m.shards {
		m.shards[i].sessions = make(map[string]memoryRecord)
		m.shards[i].events = make(map[string][]Event)
	}
	return m
}

func (m *MemoryStore) shard(key string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &m.shards[h.Sum32()%memoryShards]
}

// Load returns the snapshot stored under key, or nil when there is none.
func (m *MemoryStore) Load(_ context.Context, key string) (*domain.State, error) {
	sh := m.shard(key)
	sh.mu.Lock()
	rec, ok := sh.sessions[key]
	sh.mu.Unlock()
	if !ok {
		return nil, nil
	}

	var st domain.State
	if err := json.Unmarshal(rec.state, &st); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", key, err)
	}
	st.Version = rec.version
	return &st, nil
}

// Save writes st when the stored version still equals st.Version.
func (m *MemoryStore) Save(ctx context.Context, key string, st *domain.State) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("save session %s: %w", key, err)
	}

	next := *st
	next.Version = st.Version + 1
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now()
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = next.UpdatedAt
	}
	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", key, err)
	}

	sh := m.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	current, exists := sh.sessions[key]
	if (exists && current.version != st.Version) || (!exists && st.Version != 0) {
		return fmt.Errorf("save session %s at version %d: %w", key, st.Version, ErrStaleWrite)
	}
	sh.sessions[key] = memoryRecord{
		userID:    next.UserID,
		sessionID: next.SessionID,
		phase:     next.Phase,
		version:   next.Version,
		state:     data,
		updatedAt: next.UpdatedAt,
	}

	st.Version = next.Version
	st.UpdatedAt = next.UpdatedAt
	st.CreatedAt = next.CreatedAt
	return nil
}

// List returns summaries of a user's sessions, most recently updated first.
func (m *MemoryStore) List(_ context.Context, userID string) ([]Summary, error) {
	var out []Summary
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		for _, rec := range sh.sessions {
			if rec.userID == userID {
				out = append(out, Summary{
					SessionID: rec.sessionID,
					Phase:     rec.phase,
					Version:   rec.version,
					UpdatedAt: rec.updatedAt,
				})
			}
		}
		sh.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b Summary) int {
		return cmp.Compare(b.UpdatedAt.UnixNano(), a.UpdatedAt.UnixNano())
	})
	return out, nil
}

// RecordEvent appends e to the key's event list.
func (m *MemoryStore) RecordEvent(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("record %s event: %w", e.Kind, err)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", e.Kind, err)
	}
	e.Payload = nil
	if err := json.Unmarshal(payload, &e.Payload); err != nil {
		return fmt.Errorf("encode %s event: %w", e.Kind, err)
	}

	sh := m.shard(e.SessionKey)
	sh.mu.Lock()
	sh.events[e.SessionKey] = append(sh.events[e.SessionKey], e)
	sh.mu.Unlock()
	return nil
}

// Events returns up to limit events for key, oldest first.
func (m *MemoryStore) Events(_ context.Context, key string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	sh := m.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	events := sh.events[key]
	return slices.Clone(events[:min(limit, len(events))]), nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
