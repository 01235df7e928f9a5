// Package lifecycle derives the phase, the onboarding checklist and the
// routing signal from a session state.
package lifecycle

import (
	"github.com/ashureev/bizpartner/internal/domain"
)

// Servicing interaction types.
const (
	ServicingDisbursement    = "disbursement"
	ServicingRecovery        = "recovery"
	ServicingRepayment       = "repayment"
	ServicingPaymentSchedule = "payment_schedule"
	ServicingRepaymentImpact = "repayment_impact"
	ServicingGeneral         = "general"
)

// taskConditions maps each checklist item to the predicate that completes it.
var taskConditions = map[domain.Task]func(*domain.State) bool{
	domain.TaskConfirmEligibility: func(s *domain.State) bool {
		return s.Business.Type.IsSet() && s.Business.Location.IsSet()
	},
	domain.TaskCaptureBusinessProfile: func(s *domain.State) bool {
		b := s.Business
		return b.Type.IsSet() || b.Location.IsSet() || b.YearsOperating.IsSet() || b.NumEmployees.IsSet()
	},
	domain.TaskCaptureBusinessFinancials: func(s *domain.State) bool {
		b := s.Business
		return b.MonthlyRevenue.IsSet() || b.MonthlyExpenses.IsSet() || b.LoanPurpose.IsSet()
	},
	domain.TaskCaptureBusinessPhotos: func(s *domain.State) bool {
		return len(s.Photos) > 0
	},
	domain.TaskPhotoAnalysisComplete: func(s *domain.State) bool {
		return len(s.PhotoInsights) > 0
	},
}

// MarkTasks completes every checklist item whose condition now holds and
// returns the newly completed ones. Completed items are never revoked.
func MarkTasks(s *domain.State) []domain.Task {
	var done []domain.Task
	for _, t := range s.RequiredTasks {
		cond, ok := taskConditions[t]
		if !ok || s.HasTask(t) || !cond(s) {
			continue
		}
		if s.CompleteTask(t) {
			done = append(done, t)
		}
	}
	return done
}

// InfoComplete reports whether the core facts for underwriting are known.
func InfoComplete(s *domain.State) bool {
	b := s.Business
	return b.Type.IsSet() && b.Location.IsSet() && b.MonthlyRevenue.IsSet() && b.LoanPurpose.IsSet()
}

// RecoveryOpen reports whether a recovery conversation is in progress.
func RecoveryOpen(s *domain.State) bool {
	switch s.RecoveryStatus() {
	case "", domain.RecoveryResolved, domain.RecoveryEscalated:
		return false
	}
	return true
}

// NextPhase returns the phase the session should move to. At most one edge
// is taken per evaluation, checked in priority order.
func NextPhase(s *domain.State) domain.Phase {
	switch {
	case s.Phase == domain.PhaseOnboarding && s.LoanOffer != nil:
		return domain.PhaseOffer
	case (s.Phase == domain.PhaseOnboarding || s.Phase == domain.PhaseOffer) &&
		s.LoanAccepted && s.DisbursementStatus() == domain.DisbursementCompleted:
		return domain.PhasePostDisbursement
	case s.Phase == domain.PhasePostDisbursement && RecoveryOpen(s):
		return domain.PhaseDelinquent
	case s.Phase == domain.PhaseDelinquent && s.RecoveryStatus() == domain.RecoveryResolved:
		return domain.PhasePostDisbursement
	}
	return s.Phase
}

// CanGenerateOffer reports whether the risk/offer specialist may run.
func CanGenerateOffer(s *domain.State) bool {
	return s.AllTasksComplete() && len(s.PhotoInsights) > 0 && !s.LoanOffered && s.LoanOffer == nil
}

// NeedsAdvice reports whether an accepted loan still lacks coaching.
func NeedsAdvice(s *domain.State) bool {
	return s.LoanAccepted && !s.AdviceProvided
}

// SettlementDue reports whether an initiated disbursement has passed its
// estimated completion time.
func SettlementDue(s *domain.State) bool {
	d := s.Disbursement
	return d != nil && d.Status == domain.DisbursementInitiated &&
		!d.EstimatedCompletion.IsZero() && !s.Now().Before(d.EstimatedCompletion)
}

// NeedsServicing reports whether the servicing specialist has work to do.
func NeedsServicing(s *domain.State) bool {
	if s.LoanAccepted && s.DisbursementStatus() == "" {
		return true
	}
	if SettlementDue(s) {
		return true
	}
	if MentionsServicing(s.LatestUserText()) {
		return true
	}
	return RecoveryOpen(s)
}

// Route picks the single specialist that should run next, or RoleNone.
func Route(s *domain.State) domain.Role {
	switch {
	case CanGenerateOffer(s):
		return domain.RoleRiskOffer
	case NeedsAdvice(s):
		return domain.RoleAdvice
	case NeedsServicing(s):
		return domain.RoleServicing
	}
	return domain.RoleNone
}

// DetectServicingType classifies the servicing interaction needed.
func DetectServicingType(s *domain.State) string {
	if (s.LoanAccepted && s.DisbursementStatus() == "") || SettlementDue(s) {
		return ServicingDisbursement
	}
	if RecoveryOpen(s) {
		return ServicingRecovery
	}
	text := s.LatestUserText()
	switch {
	case collectable(s) && containsAnyTerm(text, recoveryTerms, false):
		return ServicingRecovery
	case containsAnyTerm(text, repaymentTerms, false):
		return ServicingRepayment
	case containsAnyTerm(text, scheduleTerms, false):
		return ServicingPaymentSchedule
	case containsAnyTerm(text, repaymentImpactTerms, false):
		return ServicingRepaymentImpact
	}
	return ServicingGeneral
}

// collectable reports whether a recovery case may be opened. Collections
// start only once money has been paid out.
func collectable(s *domain.State) bool {
	switch s.Phase {
	case domain.PhasePostDisbursement, domain.PhaseDelinquent:
		return true
	}
	return s.DisbursementStatus() == domain.DisbursementCompleted
}

// Evaluation is the lifecycle outcome for a state.
type Evaluation struct {
	NewTasks      []domain.Task
	Phase         domain.Phase
	InfoComplete  bool
	Route         domain.Role
	ServicingType string
}

// Evaluate marks tasks on s and derives the phase and routing signal.
// s must be a working copy owned by the caller.
func Evaluate(s *domain.State) Evaluation {
	ev := Evaluation{
		NewTasks:     MarkTasks(s),
		InfoComplete: InfoComplete(s),
	}
	ev.Phase = NextPhase(s)
	s.Phase = ev.Phase
	ev.Route = Route(s)
	if ev.Route == domain.RoleServicing {
		ev.ServicingType = DetectServicingType(s)
	}
	return ev
}

// Update converts the evaluation into a partial update.
func (ev Evaluation) Update() domain.Update {
	u := domain.Update{
		CompletedTasks: ev.NewTasks,
		Phase:          domain.Some(ev.Phase),
		InfoComplete:   domain.Some(ev.InfoComplete),
		NextAgent:      domain.Some(ev.Route),
	}
	if ev.ServicingType != "" {
		u.ServicingType = domain.Some(ev.ServicingType)
	}
	return u
}
