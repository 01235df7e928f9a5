// Package store persists session state snapshots and the background event log.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/bizpartner/internal/domain"
)

// ErrStaleWrite is returned by Save when the stored version no longer
// matches the version the state was loaded at. Stale writes are rejected,
// never merged.
var ErrStaleWrite = errors.New("stale session write")

// Event kinds recorded off the response path.
const (
	EventConversationStarted = "conversation_started"
	EventLoanApplication     = "loan_application_saved"
	EventLoanStatusUpdated   = "loan_status_updated"
	EventDisbursement        = "disbursement_recorded"
	EventRepayment           = "repayment_recorded"
	EventRecovery            = "recovery_recorded"
	EventPhotoAnalysis       = "photo_analysis_saved"
)

// SessionStore holds one state snapshot per session key.
type SessionStore interface {
	// Load returns the snapshot for key, or nil when none exists.
	Load(ctx context.Context, key string) (*domain.State, error)

	// Save writes s under key. It succeeds only when the stored version
	// equals s.Version, and increments s.Version on success.
	Save(ctx context.Context, key string, s *domain.State) error

	// List returns summaries of a user's sessions, most recently updated first.
	List(ctx context.Context, userID string) ([]Summary, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend.
	Close() error
}

// Event is one background record.
type Event struct {
	ID         string    `json:"id"`
	SessionKey string    `json:"session_key"`
	Kind       string    `json:"kind"`
	Payload    any       `json:"payload"`
	CreatedAt  time.Time `json:"created_at"`
}

// EventSink records events. It is only called from the effects runner.
type EventSink interface {
	RecordEvent(ctx context.Context, e Event) error

	// Events returns up to limit events for key, oldest first.
	Events(ctx context.Context, key string, limit int) ([]Event, error)
}

// Store is a SessionStore that also records events.
type Store interface {
	SessionStore
	EventSink
}

// Summary describes a stored session without its full state.
type Summary struct {
	SessionID string       `json:"session_id"`
	Phase     domain.Phase `json:"phase"`
	Version   int64        `json:"version"`
	UpdatedAt time.Time    `json:"updated_at"`
}
