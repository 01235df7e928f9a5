// Package session builds the starting state of each turn from the previous
// snapshot and the incoming user message.
package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/bizpartner/internal/domain"
)

// TurnInput is one inbound user turn.
type TurnInput struct {
	UserID       string
	SessionID    string
	PersonaID    string
	Message      domain.Message
	Instructions string
	Now          time.Time
}

// Key returns the store key for a user's session.
func Key(userID, sessionID string) string {
	return userID + ":" + sessionID
}

// Merge returns the initial state for the current turn. prev is never
// modified. Previously captured fields are carried forward, the user
// message is appended, and persona values only fill fields that are empty.
func Merge(prev *domain.State, in TurnInput, personas *Catalogue) *domain.State {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	var s *domain.State
	fresh := prev == nil
	if fresh {
		s = domain.NewState(in.UserID, in.SessionID, now)
		s.ConversationID = uuid.NewString()
	} else {
		s = prev.Clone()
		if len(s.RequiredTasks) == 0 {
			s.RequiredTasks = domain.RequiredTasks()
		}
		if s.ConversationID == "" {
			s.ConversationID = uuid.NewString()
		}
	}

	if in.PersonaID != "" {
		if p, ok := personas.Get(in.PersonaID); ok {
			p.Seed(s, fresh)
		}
	}

	if in.Message.CreatedAt.IsZero() {
		in.Message.CreatedAt = now
	}
	in.Message.Role = domain.RoleUserMessage
	s.Messages = append(s.Messages, in.Message)

	s.Instructions = in.Instructions
	s.NextAgent = domain.RoleNone
	s.Turn = domain.TurnInfo{Now: now}
	s.UpdatedAt = now
	return s
}
