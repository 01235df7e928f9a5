// Package coaching produces business advice once a loan is accepted.
package coaching

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/bizpartner/internal/domain"
	"github.com/ashureev/bizpartner/internal/instructions"
	"github.com/ashureev/bizpartner/internal/llm"
	"github.com/ashureev/bizpartner/internal/specialist"
)

const maxTips = 4

// Coach is the advice specialist.
type Coach struct {
	gen    llm.Generator
	instr  specialist.Instructions
	logger *slog.Logger
}

// New creates a Coach. A nil logger uses slog.Default.
func New(gen llm.Generator, instr specialist.Instructions, logger *slog.Logger) *Coach {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coach{gen: gen, instr: instr, logger: logger}
}

// Role returns domain.RoleAdvice.
func (c *Coach) Role() domain.Role {
	return domain.RoleAdvice
}

// Process writes advice for the applicant and marks it provided.
func (c *Coach) Process(ctx context.Context, s *domain.State) (domain.Update, error) {
	advice, err := c.gen.Generate(ctx, llm.Request{
		Purpose:   llm.PurposeAdvice,
		System:    c.instr.Get(ctx, instructions.NameCoaching),
		Messages:  []domain.Message{domain.NewUserMessage(prompt(s), s.Now())},
		MaxTokens: 800,
	})
	advice = strings.TrimSpace(advice)
	if err != nil || advice == "" {
		c.logger.Warn("advice generation failed, using built-in tips",
			"session_id", s.SessionID,
			"user_id", s.UserID,
			"error", err)
		advice = Fallback(s)
	}

	return domain.Update{
		AdviceProvided: domain.Some(true),
		Advice:         domain.Some(advice),
	}, nil
}

func prompt(s *domain.State) string {
	b := s.Business
	var insights, tips []string
	for _, in := range s.PhotoInsights {
		insights = append(insights, in.Insights...)
		tips = append(tips, in.CoachingTips...)
	}

	return fmt.Sprintf(`Generate personalized coaching advice for this business owner:

Business Profile:
- Type: %s
- Loan Purpose: %s
- Monthly Revenue: %s pesos

Photo Analysis Observations:
%s

Initial Tips from Visual Analysis:
%s

Provide 3-4 specific, actionable tips to help them succeed.`,
		b.Type.OrElse("business"),
		b.LoanPurpose.OrElse("growing the business"),
		specialist.Pesos(b.MonthlyRevenue.OrElse(0), false),
		bullets(insights, "No photos analyzed yet"),
		bullets(tips, "No initial tips"))
}

func bullets(items []string, empty string) string {
	if len(items) == 0 {
		return empty
	}
	return "- " + strings.Join(items, "\n- ")
}

// Fallback builds three or four tips from the profile and photo analysis.
func Fallback(s *domain.State) string {
	b := s.Business
	kind := b.Type.OrElse("business")
	var tips []string

	if purpose, ok := b.LoanPurpose.Get(); ok {
		tips = append(tips, fmt.Sprintf("put the loan straight to work on %s and track what it brings back each week", strings.ToLower(purpose)))
	} else {
		tips = append(tips, "decide up front exactly what the loan will pay for and track what it brings back each week")
	}

	if revenue, ok := b.MonthlyRevenue.Get(); ok && revenue > 0 {
		reserve := revenue * 0.1
		tips = append(tips, fmt.Sprintf("set aside about %s pesos a month, roughly a tenth of your sales, so every installment is covered before it is due",
			specialist.Pesos(reserve, false)))
	} else {
		tips = append(tips, "set aside a small amount from each day's sales so every installment is covered before it is due")
	}

	for _, in := range s.PhotoInsights {
		for _, tip := range in.CoachingTips {
			if len(tips) >= maxTips-1 {
				break
			}
			tips = append(tips, strings.TrimSuffix(lowerFirst(tip), "."))
		}
	}
	if len(tips) < maxTips {
		tips = append(tips, fmt.Sprintf("ask your regular customers what else they would buy from your %s and stock the top request", strings.ToLower(kind)))
	}

	return fmt.Sprintf("Congratulations on your loan! A few ideas for your %s: %s.", strings.ToLower(kind), joinTips(tips))
}

func joinTips(tips []string) string {
	if len(tips) == 1 {
		return tips[0]
	}
	return strings.Join(tips[:len(tips)-1], "; ") + "; and " + tips[len(tips)-1]
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
