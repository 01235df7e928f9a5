package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashureev/bizpartner/internal/domain"
	"github.com/ashureev/bizpartner/internal/shared"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	locks  keyLocks
	retry  shared.RetryPolicy
	logger *slog.Logger
}

// NewSQLite opens (creating if needed) the database at dbPath.
func NewSQLite(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy, logger: logger}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_key TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		phase TEXT NOT NULL,
		version INTEGER NOT NULL,
		state_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, updated_at);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		session_key TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_key, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// Load returns the snapshot stored under key, or nil when there is none.
func (s *SQLiteStore) Load(ctx context.Context, key string) (*domain.State, error) {
	row := s.db.QueryRowContext(ctx, `SELECT version, state_json FROM sessions WHERE session_key = ?`, key)

	var version int64
	var stateJSON string
	err := row.Scan(&version, &stateJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	var st domain.State
	if err := json.Unmarshal([]byte(stateJSON), &st); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", key, err)
	}
	st.Version = version
	return &st, nil
}

// Save writes st when the stored version still equals st.Version.
func (s *SQLiteStore) Save(ctx context.Context, key string, st *domain.State) error {
	unlock := s.locks.lock(key)
	defer unlock()

	next := *st
	next.Version = st.Version + 1
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now()
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = next.UpdatedAt
	}
	stateJSON, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", key, err)
	}

	var rows int64
	err = shared.RetryOnConflict(ctx, s.retry, func() error {
		var res sql.Result
		var execErr error
		if st.Version == 0 {
			res, execErr = s.db.ExecContext(ctx, `
				INSERT INTO sessions (session_key, user_id, session_id, phase, version, state_json, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(session_key) DO NOTHING`,
				key, next.UserID, next.SessionID, string(next.Phase), next.Version, string(stateJSON),
				next.CreatedAt.UnixMilli(), next.UpdatedAt.UnixMilli())
		} else {
			res, execErr = s.db.ExecContext(ctx, `
				UPDATE sessions SET phase = ?, version = ?, state_json = ?, updated_at = ?
				WHERE session_key = ? AND version = ?`,
				string(next.Phase), next.Version, string(stateJSON), next.UpdatedAt.UnixMilli(),
				key, st.Version)
		}
		if execErr != nil {
			return execErr
		}
		rows, execErr = res.RowsAffected()
		return execErr
	}, func(attempt int, delay time.Duration, err error) {
		s.logger.Debug("session save hit SQLITE_BUSY, retrying",
			"session_key", key,
			"attempt", attempt,
			"delay", delay,
			"error", err)
	})
	if err != nil {
		return fmt.Errorf("save session %s: %w", key, err)
	}
	if rows == 0 {
		s.logger.Warn("session save rejected as stale", "session_key", key, "version", st.Version)
		return fmt.Errorf("save session %s at version %d: %w", key, st.Version, ErrStaleWrite)
	}

	st.Version = next.Version
	st.UpdatedAt = next.UpdatedAt
	st.CreatedAt = next.CreatedAt
	return nil
}

// List returns summaries of a user's sessions, most recently updated first.
func (s *SQLiteStore) List(ctx context.Context, userID string) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, phase, version, updated_at
		FROM sessions WHERE user_id = ? ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var phase string
		var updatedAt int64
		if err := rows.Scan(&sum.SessionID, &phase, &sum.Version, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan session summary: %w", err)
		}
		sum.Phase = domain.Phase(phase)
		sum.UpdatedAt = time.UnixMilli(updatedAt)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// RecordEvent inserts e, assigning an id and timestamp when missing.
func (s *SQLiteStore) RecordEvent(ctx context.Context, e Event) error {
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

	err = shared.RetryOnConflict(ctx, s.retry, func() error {
		_, execErr := s.db.ExecContext(ctx,
			`INSERT INTO events (id, session_key, kind, payload_json, created_at) VALUES (?, ?, ?, ?, ?)`,
			e.ID, e.SessionKey, e.Kind, string(payload), e.CreatedAt.UnixMilli())
		return execErr
	}, nil)
	if err != nil {
		return fmt.Errorf("record %s event: %w", e.Kind, err)
	}
	return nil
}

// Events returns up to limit events for key, oldest first.
func (s *SQLiteStore) Events(ctx context.Context, key string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, payload_json, created_at
		FROM events WHERE session_key = ? ORDER BY created_at, rowid LIMIT ?`, key, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("failed to close event rows", "error", closeErr)
		}
	}()

	var out []Event
	for rows.Next() {
		e := Event{SessionKey: key}
		var payload string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.Kind, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("decode event %s: %w", e.ID, err)
		}
		e.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}
