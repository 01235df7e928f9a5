package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/ashureev/bizpartner/internal/domain"
	"github.com/ashureev/bizpartner/internal/effects"
	"github.com/ashureev/bizpartner/internal/session"
	"github.com/ashureev/bizpartner/internal/store"
	"github.com/ashureev/bizpartner/internal/transcript"
)

// DefaultTurnTimeout bounds one turn end to end.
const DefaultTurnTimeout = 2 * time.Minute

// Orchestration errors.
var (
	ErrInvalidTurn     = errors.New("invalid turn request")
	ErrSessionNotFound = errors.New("session not found")
)

// TurnRequest is one inbound user turn.
type TurnRequest struct {
	UserID       string
	SessionID    string
	PersonaID    string
	Message      domain.Message
	Instructions string
	// Channel tags transcript lines, transcript.ChannelHTTP when empty.
	Channel string
}

// TurnResponse is the assistant reply plus the state a client may show.
type TurnResponse struct {
	SessionID      string            `json:"session_id"`
	ConversationID string            `json:"conversation_id"`
	Reply          string            `json:"reply"`
	Phase          domain.Phase      `json:"phase"`
	RequiredTasks  []domain.Task     `json:"required_tasks"`
	CompletedTasks []domain.Task     `json:"completed_tasks"`
	NextAgent      domain.Role       `json:"next_agent"`
	Invoked        []domain.Role     `json:"invoked"`
	LoanOffer      *domain.LoanOffer `json:"loan_offer,omitempty"`
	Version        int64             `json:"version"`
}

// Orchestrator runs turns end to end: load, merge, execute, save and
// background side effects.
type Orchestrator struct {
	store       store.Store
	personas    *session.Catalogue
	exec        *Executor
	effects     *effects.Runner
	transcript  *transcript.Writer
	turnTimeout time.Duration
	locks       sessionLocks
	now         func() time.Time
	logger      *slog.Logger
}

// NewOrchestrator wires the turn pipeline. tw may be nil to disable
// transcripts and turnTimeout <= 0 uses DefaultTurnTimeout.
func NewOrchestrator(st store.Store, personas *session.Catalogue, exec *Executor, runner *effects.Runner, tw *transcript.Writer, turnTimeout time.Duration, logger *slog.Logger) *Orchestrator {
	if turnTimeout <= 0 {
		turnTimeout = DefaultTurnTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:       st,
		personas:    personas,
		exec:        exec,
		effects:     runner,
		transcript:  tw,
		turnTimeout: turnTimeout,
		now:         time.Now,
		logger:      logger,
	}
}

// Personas returns the persona catalogue used to seed new sessions.
func (o *Orchestrator) Personas() *session.Catalogue {
	return o.personas
}

// HandleTurn processes one user message. Turns for the same session run
// one at a time. The new state is saved only when the whole turn
// succeeds, and side effects are queued only after the save.
func (o *Orchestrator) HandleTurn(ctx context.Context, req TurnRequest) (TurnResponse, error) {
	if req.UserID == "" || req.SessionID == "" {
		return TurnResponse{}, fmt.Errorf("%w: user id and session id are required", ErrInvalidTurn)
	}
	if strings.TrimSpace(req.Message.Text()) == "" && len(req.Message.Images()) == 0 {
		return TurnResponse{}, fmt.Errorf("%w: message is empty", ErrInvalidTurn)
	}
	if req.PersonaID != "" {
		if _, ok := o.personas.Get(req.PersonaID); !ok {
			return TurnResponse{}, fmt.Errorf("%w: unknown persona %q", ErrInvalidTurn, req.PersonaID)
		}
	}

	start := time.Now()
	key := session.Key(req.UserID, req.SessionID)

	ctx, cancel := context.WithTimeout(ctx, o.turnTimeout)
	defer cancel()

	unlock, err := o.locks.acquire(ctx, key)
	if err != nil {
		return TurnResponse{}, fmt.Errorf("wait for session %s: %w", key, err)
	}
	defer unlock()

	prev, err := o.store.Load(ctx, key)
	if err != nil {
		return TurnResponse{}, fmt.Errorf("load session: %w", err)
	}

	now := o.now()
	s := session.Merge(prev, session.TurnInput{
		UserID:       req.UserID,
		SessionID:    req.SessionID,
		PersonaID:    req.PersonaID,
		Message:      req.Message,
		Instructions: req.Instructions,
		Now:          now,
	}, o.personas)

	res, err := o.exec.Run(ctx, s)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		o.logger.Error("turn failed, session left unchanged",
			"session_id", req.SessionID,
			"user_id", req.UserID,
			"roles", res.Trace,
			"error", err)
		return TurnResponse{}, fmt.Errorf("run turn: %w", err)
	}

	if err := o.store.Save(ctx, key, s); err != nil {
		o.logger.Error("failed to save session",
			"session_id", req.SessionID,
			"user_id", req.UserID,
			"version", s.Version,
			"error", err)
		return TurnResponse{}, fmt.Errorf("save session: %w", err)
	}

	o.enqueueEvents(turnEvents(key, prev, s, now))
	o.enqueueTranscript(req, s, res, now)

	o.logger.Info("turn completed",
		"session_id", req.SessionID,
		"user_id", req.UserID,
		"phase", s.Phase,
		"roles", res.Trace,
		"hops", res.Hops,
		"version", s.Version,
		"queue_depth", o.effects.Depth(),
		"duration_ms", time.Since(start).Milliseconds())

	return TurnResponse{
		SessionID:      s.SessionID,
		ConversationID: s.ConversationID,
		Reply:          res.Reply,
		Phase:          s.Phase,
		RequiredTasks:  slices.Clone(s.RequiredTasks),
		CompletedTasks: slices.Clone(s.CompletedTasks),
		NextAgent:      s.NextAgent,
		Invoked:        res.Trace,
		LoanOffer:      s.LoanOffer,
		Version:        s.Version,
	}, nil
}

// Snapshot returns the stored state of a session for inspection.
func (o *Orchestrator) Snapshot(ctx context.Context, userID, sessionID string) (*domain.State, error) {
	s, err := o.store.Load(ctx, session.Key(userID, sessionID))
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if s == nil {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Sessions lists a user's sessions, most recent first.
func (o *Orchestrator) Sessions(ctx context.Context, userID string) ([]store.Summary, error) {
	list, err := o.store.List(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return list, nil
}

// Events returns up to limit recorded events of a session.
func (o *Orchestrator) Events(ctx context.Context, userID, sessionID string, limit int) ([]store.Event, error) {
	events, err := o.store.Events(ctx, session.Key(userID, sessionID), limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// enqueueEvents queues one effect per event. Dropped events are counted
// and logged by the runner.
func (o *Orchestrator) enqueueEvents(events []store.Event) {
	for _, ev := range events {
		o.effects.Enqueue("record "+ev.Kind, func(ctx context.Context) error {
			return o.store.RecordEvent(ctx, ev)
		})
	}
}

func (o *Orchestrator) enqueueTranscript(req TurnRequest, s *domain.State, res Result, now time.Time) {
	if o.transcript == nil {
		return
	}
	channel := req.Channel
	if channel == "" {
		channel = transcript.ChannelHTTP
	}
	base := transcript.Entry{
		UserID:         req.UserID,
		SessionID:      req.SessionID,
		ConversationID: s.ConversationID,
		Channel:        channel,
	}

	in := base
	in.Timestamp = now.UTC().Format(time.RFC3339Nano)
	in.Direction = transcript.DirectionInbound
	in.EventType = transcript.EventUserMessage
	in.ContentRaw = req.Message.Text()
	if n := len(req.Message.Images()); n > 0 {
		in.Meta = map[string]any{"images": n}
	}

	out := base
	out.Direction = transcript.DirectionOutbound
	out.EventType = transcript.EventAssistantMessage
	out.ContentRaw = res.Reply
	out.Meta = map[string]any{
		"phase":   s.Phase,
		"roles":   res.Trace,
		"version": s.Version,
	}

	o.effects.Enqueue("transcript", func(context.Context) error {
		if err := o.transcript.Write(in); err != nil {
			return err
		}
		return o.transcript.Write(out)
	})
}

// turnEvents derives the records a completed turn should leave behind.
func turnEvents(key string, prev, s *domain.State, now time.Time) []store.Event {
	var events []store.Event
	add := func(kind string, payload map[string]any) {
		events = append(events, store.Event{SessionKey: key, Kind: kind, Payload: payload, CreatedAt: now})
	}

	if prev == nil {
		prev = &domain.State{}
		add(store.EventConversationStarted, map[string]any{
			"conversation_id": s.ConversationID,
			"persona_id":      s.PersonaID,
		})
	}

	for _, in := range s.PhotoInsights[min(len(prev.PhotoInsights), len(s.PhotoInsights)):] {
		add(store.EventPhotoAnalysis, map[string]any{
			"photo_index":        in.PhotoIndex,
			"cleanliness_score":  in.CleanlinessScore,
			"organization_score": in.OrganizationScore,
			"stock_level":        in.StockLevel,
			"authenticity_flag":  in.AuthenticityFlag,
		})
	}

	if prev.LoanOffer == nil && s.LoanOffer != nil {
		add(store.EventLoanApplication, map[string]any{
			"conversation_id": s.ConversationID,
			"business":        s.Business,
			"risk_score":      s.RiskScore,
			"offer":           s.LoanOffer,
			"status":          "offered",
		})
	}
	if !prev.LoanAccepted && s.LoanAccepted {
		add(store.EventLoanStatusUpdated, map[string]any{"status": "accepted"})
	}
	if prev.Phase != s.Phase && prev.Phase != "" {
		add(store.EventLoanStatusUpdated, map[string]any{"from_phase": prev.Phase, "phase": s.Phase})
	}

	if d := s.Disbursement; d != nil && (prev.Disbursement == nil ||
		prev.Disbursement.ReferenceNumber != d.ReferenceNumber || prev.Disbursement.Status != d.Status) {
		add(store.EventDisbursement, map[string]any{
			"reference_number": d.ReferenceNumber,
			"status":           d.Status,
			"amount":           d.Amount,
		})
	}
	if r := s.Repayment; r != nil && (prev.Repayment == nil ||
		prev.Repayment.ReferenceNumber != r.ReferenceNumber || prev.Repayment.Status != r.Status) {
		add(store.EventRepayment, map[string]any{
			"reference_number": r.ReferenceNumber,
			"status":           r.Status,
			"method":           r.Method,
			"amount":           r.Amount,
		})
	}
	if r := s.Recovery; r != nil && (prev.Recovery == nil ||
		prev.Recovery.Status != r.Status || !prev.Recovery.LastInteraction.Equal(r.LastInteraction)) {
		add(store.EventRecovery, map[string]any{
			"status":              r.Status,
			"resolution_type":     r.ResolutionType,
			"outstanding_balance": r.OutstandingBalance,
			"days_past_due":       s.DaysPastDue,
		})
	}
	return events
}
