// Package partner is the primary specialist. It is the only voice the
// applicant hears: it reads the conversation, analyzes photos, advances the
// lifecycle, picks the next specialist and narrates the results.
package partner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/bizpartner/internal/domain"
	"github.com/ashureev/bizpartner/internal/lifecycle"
	"github.com/ashureev/bizpartner/internal/llm"
	"github.com/ashureev/bizpartner/internal/specialist"
)

// DefaultPhotoConcurrency bounds parallel photo analysis calls.
const DefaultPhotoConcurrency = 4

// Partner is the primary specialist. It holds no per-session data.
type Partner struct {
	gen              llm.Generator
	instr            specialist.Instructions
	photoConcurrency int
	logger           *slog.Logger
}

// New creates a Partner. photoConcurrency <= 0 uses DefaultPhotoConcurrency
// and a nil logger uses slog.Default.
func New(gen llm.Generator, instr specialist.Instructions, photoConcurrency int, logger *slog.Logger) *Partner {
	if photoConcurrency <= 0 {
		photoConcurrency = DefaultPhotoConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Partner{gen: gen, instr: instr, photoConcurrency: photoConcurrency, logger: logger}
}

// Role returns domain.RolePrimary.
func (p *Partner) Role() domain.Role {
	return domain.RolePrimary
}

// Process runs one primary hop.
//
// On the first hop of a turn it takes in the new user message: attached
// photos, business facts, photo analysis and offer acceptance. Every hop
// then re-evaluates the checklist, phase and routing signal. The reply is
// generated only when no further specialist will run this turn.
func (p *Partner) Process(ctx context.Context, s *domain.State) (domain.Update, error) {
	work := s.Clone()
	var up domain.Update

	if s.Turn.Hop == 0 {
		if photos := newPhotos(work); len(photos) > 0 {
			up.Photos = photos
			up.PhotosReceived = domain.Some(true)
			work.Photos = append(work.Photos, photos...)
			work.PhotosReceived = true
		}

		up.Business = p.extract(ctx, work)
		work.Business = work.Business.Overlay(up.Business)

		insights, err := p.analyzePhotos(ctx, work)
		if err != nil {
			return domain.Update{}, err
		}
		up.PhotoInsights = insights
		work.PhotoInsights = append(work.PhotoInsights, insights...)

		if work.LoanOffered && !work.LoanAccepted && lifecycle.IsAcceptance(work.LatestUserText()) {
			up.LoanAccepted = domain.Some(true)
			work.LoanAccepted = true
			p.logger.Info("loan accepted", "session_id", s.SessionID, "user_id", s.UserID)
		}
	}

	ev := lifecycle.Evaluate(work)
	routed := ev.Update()
	up.CompletedTasks = routed.CompletedTasks
	up.Phase = routed.Phase
	up.InfoComplete = routed.InfoComplete
	up.NextAgent = routed.NextAgent
	up.ServicingType = routed.ServicingType

	if ev.Phase != s.Phase {
		p.logger.Info("phase advanced",
			"session_id", s.SessionID,
			"from", s.Phase,
			"to", ev.Phase)
	}

	if ev.Route != domain.RoleNone && s.Turn.Hop < s.Turn.MaxHops {
		p.logger.Debug("deferring reply to specialist",
			"session_id", s.SessionID,
			"role", ev.Route,
			"hop", s.Turn.Hop)
		return up, nil
	}

	text := p.reply(ctx, work)
	if err := ctx.Err(); err != nil {
		return domain.Update{}, fmt.Errorf("generate reply: %w", err)
	}
	up.Messages = []domain.Message{domain.NewAssistantMessage(text, work.Now())}
	return up, nil
}
