package partner

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/bizpartner/internal/domain"
	"github.com/ashureev/bizpartner/internal/instructions"
	"github.com/ashureev/bizpartner/internal/lifecycle"
	"github.com/ashureev/bizpartner/internal/llm"
	"github.com/ashureev/bizpartner/internal/specialist"
	"github.com/ashureev/bizpartner/internal/specialist/servicing"
)

var (
	languageKeywords = []string{"CRITICAL LANGUAGE REQUIREMENT", "LANGUAGE REQUIREMENT"}
	rule             = strings.Repeat("=", 60)
)

// languageRequirement returns the language paragraph of an override
// instruction, or "" when it has none.
func languageRequirement(override string) string {
	for _, kw := range languageKeywords {
		i := strings.Index(override, kw)
		if i < 0 {
			continue
		}
		section := override[i:]
		if before, _, ok := strings.Cut(section, "\n\n"); ok {
			return before
		}
		before, _, _ := strings.Cut(section, "\n")
		return before
	}
	return ""
}

// collectedInfo lists the business facts already known.
func collectedInfo(b domain.BusinessFields) []string {
	var lines []string
	if v, ok := b.Type.Get(); ok {
		lines = append(lines, "Business type: "+v)
	}
	if v, ok := b.Location.Get(); ok {
		lines = append(lines, "Location: "+v)
	}
	if v, ok := b.YearsOperating.Get(); ok {
		lines = append(lines, "Years operating: "+strconv.Itoa(v))
	}
	if v, ok := b.NumEmployees.Get(); ok {
		lines = append(lines, "Employees: "+strconv.Itoa(v))
	}
	if v, ok := b.MonthlyRevenue.Get(); ok {
		lines = append(lines, "Monthly revenue: "+specialist.Pesos(v, false)+" pesos")
	}
	if v, ok := b.MonthlyExpenses.Get(); ok {
		lines = append(lines, "Monthly expenses: "+specialist.Pesos(v, false)+" pesos")
	}
	if v, ok := b.LoanPurpose.Get(); ok {
		lines = append(lines, "Loan purpose: "+v)
	}
	if v, ok := b.Name.Get(); ok {
		lines = append(lines, "Business name: "+v)
	}
	return lines
}

// systemPrompt builds the reply instructions: the collected facts first,
// then the base instructions, then a section per piece of known state.
func (p *Partner) systemPrompt(ctx context.Context, s *domain.State) string {
	base := p.instr.Get(ctx, instructions.NamePartner)
	if lang := languageRequirement(s.Instructions); lang != "" {
		base = lang + "\n\n" + base
	}

	var b strings.Builder
	if info := collectedInfo(s.Business); len(info) > 0 {
		fmt.Fprintf(&b, "%s\n[ALREADY COLLECTED INFORMATION - DO NOT ASK FOR THIS AGAIN]\n%s\n", rule, rule)
		b.WriteString(strings.Join(info, "\n"))
		fmt.Fprintf(&b, "\n%s\n", rule)
		b.WriteString("**CRITICAL INSTRUCTION**: You MUST check this section before asking any questions.\n")
		b.WriteString("If information is listed above, you already have it. DO NOT ask for it again.\n")
		b.WriteString("Instead, acknowledge what you know and move forward with the next step.\n")
		b.WriteString(rule + "\n\n")
	}
	b.WriteString(base)
	fmt.Fprintf(&b, "\n\n[CURRENT PHASE]\n%s", s.Phase)

	if len(s.PhotoInsights) > 0 {
		b.WriteString("\n\n[PHOTO ANALYSIS RESULTS]")
		for _, in := range s.PhotoInsights {
			fmt.Fprintf(&b, "\nPhoto %d: Cleanliness: %s/10, Organization: %s/10, Stock: %s",
				in.PhotoIndex+1, score(in.CleanlinessScore), score(in.OrganizationScore), in.StockLevel)
			if len(in.Insights) > 0 {
				fmt.Fprintf(&b, "\n  Observations: %s", strings.Join(in.Insights, ", "))
			}
		}
	}

	if o := s.LoanOffer; o != nil {
		fmt.Fprintf(&b, "\n\n[LOAN OFFER READY]\nAmount: %s pesos\nTerm: %d days (%d installments)\nPayment: %s pesos every 15 days\nTotal: %s pesos (%s%% flat rate)\nTerms: %s",
			specialist.Pesos(o.Amount, false), o.TermDays, o.Installments,
			specialist.Pesos(o.InstallmentAmount, true), specialist.Pesos(o.TotalRepayment, true),
			score(o.InterestRateFlat), o.TermsURL)
		if s.LoanAccepted {
			b.WriteString("\nThe customer has ACCEPTED this offer.")
		}
	}

	if d := s.Disbursement; d != nil {
		fmt.Fprintf(&b, "\n\n[DISBURSEMENT STATUS]\nStatus: %s\nReference: %s\nAmount: %s pesos\nEstimated Completion: %s",
			d.Status, orNA(d.ReferenceNumber), specialist.Pesos(d.Amount, false), formatTime(d.EstimatedCompletion))
		if d.Error != "" {
			b.WriteString("\nError: " + d.Error)
		}
	}

	if ps := s.PaymentSchedule; ps != nil && len(ps.Schedule) > 0 {
		b.WriteString("\n\n[PAYMENT SCHEDULE]")
		for _, in := range ps.Schedule {
			fmt.Fprintf(&b, "\nPayment %d: %s pesos due %s", in.Number, specialist.Pesos(in.Amount, true), in.DueDate)
		}
	}

	if r := s.Repayment; r != nil {
		fmt.Fprintf(&b, "\n\n[REPAYMENT STATUS]\nStatus: %s\nMethod: %s\nAmount: %s pesos\nReference: %s",
			r.Status, orNA(r.Method), specialist.Pesos(r.Amount, true), orNA(r.ReferenceNumber))
		if r.Instructions != "" {
			b.WriteString("\nInstructions: " + r.Instructions)
		}
	}

	if s.RepaymentImpact != "" {
		b.WriteString("\n\n[REPAYMENT IMPACT]\n" + s.RepaymentImpact)
	}

	if r := s.Recovery; r != nil {
		fmt.Fprintf(&b, "\n\n[RECOVERY CONVERSATION]\nStatus: %s\nActive: %t\nOutstanding: %s pesos",
			r.Status, r.ConversationActive, specialist.Pesos(r.OutstandingBalance, true))
		if r.ResolutionType != "" {
			b.WriteString("\nResolution: " + r.ResolutionType)
		}
		if r.Response != "" {
			b.WriteString("\nSpecialist guidance: " + r.Response)
		}
	}

	if s.Advice != "" {
		fmt.Fprintf(&b, "\n\n[COACHING ADVICE FROM SPECIALIST]\n%s\nIntegrate this advice naturally into your response to the customer.", s.Advice)
	}
	return b.String()
}

func score(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func orNA(v string) string {
	if v == "" {
		return "N/A"
	}
	return v
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "N/A"
	}
	return t.Format(time.DateTime)
}

// reply generates the user-facing text, falling back to a templated reply
// when generation fails.
func (p *Partner) reply(ctx context.Context, s *domain.State) string {
	text, err := p.gen.Generate(ctx, llm.Request{
		Purpose:   llm.PurposeReply,
		System:    p.systemPrompt(ctx, s),
		Messages:  s.Messages,
		MaxTokens: 1024,
	})
	text = strings.TrimSpace(text)
	if err == nil && text != "" {
		return text
	}
	p.logger.Warn("reply generation failed, using template",
		"session_id", s.SessionID,
		"user_id", s.UserID,
		"phase", s.Phase,
		"error", err)
	return FallbackReply(s)
}

// FallbackReply is the templated reply used when generation is unavailable.
// It narrates the specialist that just ran, or asks for the next missing
// piece of information.
func FallbackReply(s *domain.State) string {
	switch s.Turn.Specialist {
	case domain.RoleRiskOffer:
		if s.LoanOffer != nil {
			return offerReply(s.LoanOffer)
		}
	case domain.RoleAdvice:
		if s.Advice != "" {
			return s.Advice
		}
	case domain.RoleServicing:
		if text := servicingReply(s); text != "" {
			return text
		}
	}
	if s.LoanOffer != nil && !s.LoanAccepted {
		return offerReply(s.LoanOffer)
	}
	if s.LoanAccepted {
		return "Thanks for checking in! Ask me anytime about your payments or how to grow your business."
	}
	return onboardingReply(s)
}

func offerReply(o *domain.LoanOffer) string {
	return fmt.Sprintf("Good news! You qualify for a loan of %s pesos over %d days, paid in %d installments of %s pesos every 15 days (%s pesos in total, %s%% flat). Would you like to accept it? Terms: %s",
		specialist.Pesos(o.Amount, false), o.TermDays, o.Installments,
		specialist.Pesos(o.InstallmentAmount, true), specialist.Pesos(o.TotalRepayment, true),
		score(o.InterestRateFlat), o.TermsURL)
}

// servicingReply narrates servicing sub-state, most specific first.
func servicingReply(s *domain.State) string {
	switch {
	case s.Recovery != nil && s.Recovery.Response != "" && (lifecycle.RecoveryOpen(s) || s.Phase == domain.PhaseDelinquent):
		return s.Recovery.Response
	case s.ServicingType == lifecycle.ServicingRepayment && s.Repayment != nil:
		return repaymentReply(s.Repayment)
	case s.ServicingType == lifecycle.ServicingRepaymentImpact && s.RepaymentImpact != "":
		return s.RepaymentImpact
	case s.ServicingType == lifecycle.ServicingPaymentSchedule && s.PaymentSchedule != nil:
		return "Here is your payment schedule:\n" + servicing.FormatSchedule(s.PaymentSchedule)
	case s.Recovery != nil && s.Recovery.Response != "" && s.Recovery.Status == domain.RecoveryResolved:
		return s.Recovery.Response
	case s.Disbursement != nil:
		return disbursementReply(s.Disbursement)
	}
	return ""
}

func disbursementReply(d *domain.Disbursement) string {
	switch d.Status {
	case domain.DisbursementCompleted:
		return fmt.Sprintf("Your %s pesos have arrived. Reference: %s.", specialist.Pesos(d.Amount, false), d.ReferenceNumber)
	case domain.DisbursementError:
		return "We could not start your disbursement yet. Let's make sure your loan offer is in place first."
	}
	return fmt.Sprintf("Your %s pesos are on their way, reference %s. They should arrive by %s.",
		specialist.Pesos(d.Amount, false), d.ReferenceNumber, d.EstimatedCompletion.Format("Jan 2 15:04"))
}

func repaymentReply(r *domain.Repayment) string {
	if r.Error != "" {
		return "We could not set up that payment: " + r.Error
	}
	text := fmt.Sprintf("Your payment of %s pesos is %s, reference %s.", specialist.Pesos(r.Amount, true), r.Status, r.ReferenceNumber)
	if r.Instructions != "" {
		text += " " + r.Instructions
	}
	return text
}

func onboardingReply(s *domain.State) string {
	b := s.Business
	var ack string
	if info := collectedInfo(b); len(info) > 0 {
		ack = "Thanks! So far I have " + strings.Join(info, "; ") + ". "
	} else {
		ack = "Hi! I'd love to learn about your business. "
	}

	var ask string
	switch {
	case !b.Type.IsSet() || !b.Location.IsSet():
		ask = "What kind of business do you run, and where is it?"
	case !b.YearsOperating.IsSet():
		ask = "How long have you been running it?"
	case len(s.Photos) == 0:
		ask = "Could you send a photo of your storefront, inventory or workspace?"
	case !b.MonthlyRevenue.IsSet():
		ask = "About how much do you sell in a typical month?"
	case !b.LoanPurpose.IsSet():
		ask = "What would you use the loan for?"
	default:
		ask = "I have everything I need and I'm preparing your offer."
	}
	return ack + ask
}
