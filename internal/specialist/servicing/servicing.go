// Package servicing implements the post-acceptance loan specialist:
// disbursement, repayments, payment schedules and recovery conversations.
package servicing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/bizpartner/internal/domain"
	"github.com/ashureev/bizpartner/internal/lifecycle"
	"github.com/ashureev/bizpartner/internal/llm"
	"github.com/ashureev/bizpartner/internal/specialist"
)

const (
	defaultBankAccount   = "***1234"
	pendingAccount       = "pending_verification"
	settlementWindow     = 2 * time.Hour
	bankTransferWindow   = time.Hour
	newAccountWindow     = 24 * time.Hour
	referenceTimeLayout  = "20060102150405"
	scheduleDateLayout   = time.DateOnly
	installmentPending   = "pending"
	repaymentProcessing  = "processing"
	repaymentImmediately = "immediate"
	defaultRecoveryText  = "I'm having trouble making my payment"
)

// Servicer is the servicing specialist. It is the only writer of the
// disbursement, schedule, repayment and recovery sub-state.
type Servicer struct {
	gen    llm.Generator
	instr  specialist.Instructions
	logger *slog.Logger
}

// New creates a Servicer. A nil logger uses slog.Default.
func New(gen llm.Generator, instr specialist.Instructions, logger *slog.Logger) *Servicer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Servicer{gen: gen, instr: instr, logger: logger}
}

// Role returns domain.RoleServicing.
func (sv *Servicer) Role() domain.Role {
	return domain.RoleServicing
}

// Process handles the servicing interaction named by the routing signal.
func (sv *Servicer) Process(ctx context.Context, s *domain.State) (domain.Update, error) {
	kind := s.ServicingType
	if kind == "" {
		kind = lifecycle.DetectServicingType(s)
	}
	now := s.Now()
	log := sv.logger.With("session_id", s.SessionID, "user_id", s.UserID, "servicing_type", kind)

	if s.LoanOffer == nil && kind != lifecycle.ServicingGeneral {
		log.Warn("servicing requested without a loan offer")
		if kind == lifecycle.ServicingDisbursement {
			return domain.Update{Disbursement: &domain.Disbursement{
				Status: domain.DisbursementError,
				Error:  "no loan offer found",
			}}, nil
		}
		return domain.Update{}, nil
	}

	switch kind {
	case lifecycle.ServicingDisbursement:
		if lifecycle.SettlementDue(s) {
			d := *s.Disbursement
			d.Status = domain.DisbursementCompleted
			d.CompletedAt = now
			log.Info("disbursement completed", "reference", d.ReferenceNumber)
			return domain.Update{Disbursement: &d}, nil
		}
		if s.Disbursement != nil {
			return domain.Update{}, nil
		}
		d := Disburse(s.LoanOffer, now)
		log.Info("disbursement initiated", "reference", d.ReferenceNumber)
		return domain.Update{
			Disbursement:    &d,
			PaymentSchedule: Schedule(s.LoanOffer, d.InitiatedAt),
		}, nil

	case lifecycle.ServicingRepayment:
		r := Repay(s.LoanOffer, RepaymentMethod(s.LatestUserText()), now)
		log.Info("repayment initiated", "reference", r.ReferenceNumber, "method", r.Method)
		return domain.Update{Repayment: &r}, nil

	case lifecycle.ServicingPaymentSchedule:
		if s.PaymentSchedule != nil {
			return domain.Update{}, nil
		}
		start := now
		if s.Disbursement != nil && !s.Disbursement.InitiatedAt.IsZero() {
			start = s.Disbursement.InitiatedAt
		}
		return domain.Update{PaymentSchedule: Schedule(s.LoanOffer, start)}, nil

	case lifecycle.ServicingRepaymentImpact:
		return domain.Update{RepaymentImpact: domain.Some(sv.explainImpact(ctx, s))}, nil

	case lifecycle.ServicingRecovery:
		rec := sv.recover(ctx, s, now)
		log.Info("recovery conversation", "status", rec.Status, "resolution_type", rec.ResolutionType)
		return domain.Update{Recovery: &rec}, nil
	}
	return domain.Update{}, nil
}

// Disburse starts the transfer of the offer amount.
func Disburse(offer *domain.LoanOffer, now time.Time) domain.Disbursement {
	return domain.Disbursement{
		Status:              domain.DisbursementInitiated,
		Amount:              offer.Amount,
		ReferenceNumber:     "DISP-" + now.Format(referenceTimeLayout),
		BankAccount:         defaultBankAccount,
		InitiatedAt:         now,
		EstimatedCompletion: now.Add(settlementWindow),
	}
}

// Schedule lays out the installments of offer, evenly spaced from start.
func Schedule(offer *domain.LoanOffer, start time.Time) *domain.PaymentSchedule {
	installments := max(offer.Installments, 1)
	daysBetween := float64(offer.TermDays) / float64(installments)

	ps := &domain.PaymentSchedule{
		TotalInstallments:   installments,
		InstallmentAmount:   offer.InstallmentAmount,
		TotalAmount:         offer.TotalRepayment,
		DaysBetweenPayments: int(daysBetween),
		Schedule:            make([]domain.Installment, 0, installments),
	}
	for i := range installments {
		due := start.Add(time.Duration(daysBetween * float64(i+1) * float64(24*time.Hour)))
		ps.Schedule = append(ps.Schedule, domain.Installment{
			Number:  i + 1,
			DueDate: due.Format(scheduleDateLayout),
			Amount:  offer.InstallmentAmount,
			Status:  installmentPending,
		})
	}
	return ps
}

// RepaymentMethod picks the repayment channel named in a user message.
func RepaymentMethod(text string) string {
	text = strings.ToLower(text)
	switch {
	case strings.Contains(text, "new account"), strings.Contains(text, "add account"):
		return domain.RepaymentNewAccount
	case strings.Contains(text, "in person"), strings.Contains(text, "in-person"), strings.Contains(text, "cash"):
		return domain.RepaymentInPerson
	default:
		return domain.RepaymentExistingBank
	}
}

// Repay records a repayment of one installment through method.
func Repay(offer *domain.LoanOffer, method string, now time.Time) domain.Repayment {
	amount := offer.InstallmentAmount
	if amount == 0 && offer.Installments > 0 {
		amount = offer.Amount / float64(offer.Installments)
	}
	r := domain.Repayment{
		Status:          repaymentProcessing,
		Method:          method,
		Amount:          amount,
		ReferenceNumber: "PAY-" + now.Format(referenceTimeLayout),
		InitiatedAt:     now,
	}
	switch method {
	case domain.RepaymentNewAccount:
		r.BankAccount = pendingAccount
		r.EstimatedCompletion = now.Add(newAccountWindow).Format(time.RFC3339)
	case domain.RepaymentInPerson:
		r.Location = "Visit any partner location"
		r.Instructions = "Bring valid ID and reference number"
		r.EstimatedCompletion = repaymentImmediately
	default:
		r.BankAccount = defaultBankAccount
		r.EstimatedCompletion = now.Add(bankTransferWindow).Format(time.RFC3339)
	}
	return r
}

// Outstanding returns the balance still owed. Payments are not tracked yet,
// so it is the full repayment amount.
func Outstanding(offer *domain.LoanOffer) float64 {
	if offer == nil {
		return 0
	}
	if offer.TotalRepayment > 0 {
		return offer.TotalRepayment
	}
	return offer.Amount
}

func (sv *Servicer) recover(ctx context.Context, s *domain.State, now time.Time) domain.Recovery {
	text, ok := s.LatestUserMessage()
	userText := defaultRecoveryText
	if ok && text.Text() != "" {
		userText = text.Text()
	}

	rec := domain.Recovery{
		Status:             domain.RecoveryInConversation,
		ConversationActive: true,
		OutstandingBalance: Outstanding(s.LoanOffer),
		LastInteraction:    now,
	}
	if lifecycle.RecoveryOpen(s) {
		rec.Status = s.Recovery.Status
		rec.ResolutionType = s.Recovery.ResolutionType
	}

	// A pending arrangement is settled once the customer confirms it.
	if rec.Status == domain.RecoveryResolutionPending &&
		(lifecycle.IsAcceptance(userText) || lifecycle.MentionsResolution(userText)) {
		rec.Status = domain.RecoveryResolved
		rec.ConversationActive = false
		rec.Response = fmt.Sprintf("Thank you for confirming. Your %s is now in place for the outstanding balance of %s pesos.",
			resolutionLabel(rec.ResolutionType), specialist.Pesos(rec.OutstandingBalance, true))
		return rec
	}

	if lifecycle.MentionsResolution(userText) {
		rec.Status = domain.RecoveryResolutionPending
		rec.ResolutionType = lifecycle.ResolutionType(userText)
	}
	rec.Response = sv.recoveryResponse(ctx, s, userText, rec)
	return rec
}
