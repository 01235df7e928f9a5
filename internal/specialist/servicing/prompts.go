package servicing

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/bizpartner/internal/domain"
	"github.com/ashureev/bizpartner/internal/instructions"
	"github.com/ashureev/bizpartner/internal/lifecycle"
	"github.com/ashureev/bizpartner/internal/llm"
	"github.com/ashureev/bizpartner/internal/specialist"
)

var focus = map[string]string{
	lifecycle.ServicingRepayment: "Focus: help the customer make a repayment. Explain the options: existing bank account, new account or in person.",
	lifecycle.ServicingRecovery:  "Focus: help the customer through financial difficulty. Work toward a promise to pay, a payment plan or restructuring.",
}

func (sv *Servicer) system(ctx context.Context, kind string) string {
	base := sv.instr.Get(ctx, instructions.NameServicing)
	if f, ok := focus[kind]; ok {
		return base + "\n\n" + f
	}
	return base
}

func (sv *Servicer) explainImpact(ctx context.Context, s *domain.State) string {
	offer := s.LoanOffer
	prompt := fmt.Sprintf(`Loan Details:
- Amount: %s pesos
- Term: %d days
- Installments: %d
- Payment Amount: %s pesos per installment

Payment Schedule:
%s

Explain to the customer:
1. How on-time payments improve their credit profile
2. How payment behavior affects future loan eligibility
3. Benefits of maintaining good repayment history
4. Consequences of late or missed payments`,
		specialist.Pesos(offer.Amount, false), offer.TermDays, offer.Installments,
		specialist.Pesos(offer.InstallmentAmount, true), FormatSchedule(s.PaymentSchedule))

	text, err := sv.gen.Generate(ctx, llm.Request{
		Purpose:   llm.PurposeImpact,
		System:    sv.system(ctx, lifecycle.ServicingRepayment),
		Messages:  []domain.Message{domain.NewUserMessage(prompt, s.Now())},
		MaxTokens: 1024,
	})
	if err == nil && strings.TrimSpace(text) != "" {
		return strings.TrimSpace(text)
	}
	sv.logger.Warn("repayment impact generation failed, using template",
		"session_id", s.SessionID,
		"error", err)
	return fmt.Sprintf("Paying each installment of %s pesos on time builds your history with us and makes you eligible for larger amounts and better terms on future loans. "+
		"Late or missed payments add to what you owe and can delay your next loan, so let us know early if anything comes up.",
		specialist.Pesos(offer.InstallmentAmount, true))
}

func (sv *Servicer) recoveryResponse(ctx context.Context, s *domain.State, userText string, rec domain.Recovery) string {
	prompt := fmt.Sprintf(`Customer Situation:
- Loan Amount: %s pesos
- Outstanding Balance: %s pesos
- Current Status: %s

Payment Schedule:
%s

Customer Message: %s

Your task:
1. Listen empathetically to their circumstances
2. Explain available options (promise to pay, payment plan, restructuring)
3. Help them understand the implications of each option
4. Work towards a mutually agreeable solution
5. Be supportive but clear about obligations`,
		specialist.Pesos(s.LoanOffer.Amount, false), specialist.Pesos(rec.OutstandingBalance, true),
		rec.Status, FormatSchedule(s.PaymentSchedule), userText)

	text, err := sv.gen.Generate(ctx, llm.Request{
		Purpose:   llm.PurposeRecovery,
		System:    sv.system(ctx, lifecycle.ServicingRecovery),
		Messages:  []domain.Message{domain.NewUserMessage(prompt, s.Now())},
		MaxTokens: 1024,
	})
	if err == nil && strings.TrimSpace(text) != "" {
		return strings.TrimSpace(text)
	}
	sv.logger.Warn("recovery generation failed, using template",
		"session_id", s.SessionID,
		"error", err)

	if rec.Status == domain.RecoveryResolutionPending {
		return fmt.Sprintf("Thanks for working with us. I've noted a %s for your outstanding balance of %s pesos. Can you confirm so I can put it in place?",
			resolutionLabel(rec.ResolutionType), specialist.Pesos(rec.OutstandingBalance, true))
	}
	return fmt.Sprintf("I understand things are tight right now, and I'm here to help. Your outstanding balance is %s pesos. "+
		"We can agree on a date you're confident you can pay, split the balance into a payment plan, or look at restructuring the loan. Which option would work best for you?",
		specialist.Pesos(rec.OutstandingBalance, true))
}

// FormatSchedule renders installments one per line.
func FormatSchedule(ps *domain.PaymentSchedule) string {
	if ps == nil || len(ps.Schedule) == 0 {
		return "No payment schedule available"
	}
	lines := make([]string, 0, len(ps.Schedule))
	for _, p := range ps.Schedule {
		lines = append(lines, fmt.Sprintf("Payment %d: %s pesos due %s", p.Number, specialist.Pesos(p.Amount, true), p.DueDate))
	}
	return strings.Join(lines, "\n")
}

func resolutionLabel(kind string) string {
	switch kind {
	case "promise_to_pay":
		return "promise to pay"
	case "payment_plan":
		return "payment plan"
	case "restructuring":
		return "loan restructuring"
	default:
		return "payment arrangement"
	}
}
