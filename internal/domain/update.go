package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Guard violations reported by Update.Apply. The offending field is skipped
// and the rest of the update is still applied.
var (
	ErrOfferAlreadySet    = errors.New("loan offer already set")
	ErrPhaseTransition    = errors.New("phase transition not allowed")
	ErrInsightIndex       = errors.New("photo insight index out of order")
	ErrTaskNotRequired    = errors.New("task is not on the checklist")
	ErrUnknownNextAgent   = errors.New("next agent is not a routable role")
	ErrUnknownMessageRole = errors.New("message role is not user or assistant")
)

// FieldSet is a bitmask of the state fields an Update may write.
type FieldSet uint32

const (
	FieldMessages FieldSet = 1 << iota
	FieldBusiness
	FieldPhotos
	FieldPhotoInsights
	FieldRiskScore
	FieldLoanOffer
	FieldLoanOffered
	FieldLoanAccepted
	FieldInfoComplete
	FieldAdvice
	FieldPhase
	FieldCompletedTasks
	FieldRouting
	FieldServicing
)

// FieldAll covers every writable field.
const FieldAll = FieldServicing<<1 - 1

var fieldNames = []string{
	"messages",
	"business",
	"photos",
	"photo_insights",
	"risk_score",
	"loan_offer",
	"loan_offered",
	"loan_accepted",
	"info_complete",
	"advice",
	"phase",
	"completed_tasks",
	"routing",
	"servicing",
}

// Has reports whether every field in other is in f.
func (f FieldSet) Has(other FieldSet) bool {
	return f&other == other
}

func (f FieldSet) String() string {
	if f == 0 {
		return "none"
	}
	var names []string
	for i, name := range fieldNames {
		if f&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	return strings.Join(names, ",")
}

// Update is a partial update returned by a specialist. Unset fields are left
// alone. Messages, Photos and PhotoInsights are appended, everything else
// overwrites.
type Update struct {
	Messages []Message
	Business BusinessFields

	Photos         []Photo
	PhotoInsights  []PhotoInsight
	PhotosReceived Optional[bool]

	RiskScore    Optional[float64]
	LoanOffer    *LoanOffer
	LoanOffered  Optional[bool]
	LoanAccepted Optional[bool]
	InfoComplete Optional[bool]

	AdviceProvided Optional[bool]
	Advice         Optional[string]

	Phase          Optional[Phase]
	CompletedTasks []Task

	NextAgent     Optional[Role]
	ServicingType Optional[string]

	Disbursement    *Disbursement
	PaymentSchedule *PaymentSchedule
	Repayment       *Repayment
	Recovery        *Recovery
	RepaymentImpact Optional[string]
	DaysPastDue     Optional[int]
}

// Fields reports which fields the update writes.
func (u Update) Fields() FieldSet {
	var f FieldSet
	if len(u.Messages) > 0 {
		f |= FieldMessages
	}
	if !u.Business.IsEmpty() {
		f |= FieldBusiness
	}
	if len(u.Photos) > 0 || u.PhotosReceived.IsSet() {
		f |= FieldPhotos
	}
	if len(u.PhotoInsights) > 0 {
		f |= FieldPhotoInsights
	}
	if u.RiskScore.IsSet() {
		f |= FieldRiskScore
	}
	if u.LoanOffer != nil {
		f |= FieldLoanOffer
	}
	if u.LoanOffered.IsSet() {
		f |= FieldLoanOffered
	}
	if u.LoanAccepted.IsSet() {
		f |= FieldLoanAccepted
	}
	if u.InfoComplete.IsSet() {
		f |= FieldInfoComplete
	}
	if u.AdviceProvided.IsSet() || u.Advice.IsSet() {
		f |= FieldAdvice
	}
	if u.Phase.IsSet() {
		f |= FieldPhase
	}
	if len(u.CompletedTasks) > 0 {
		f |= FieldCompletedTasks
	}
	if u.NextAgent.IsSet() || u.ServicingType.IsSet() {
		f |= FieldRouting
	}
	if u.Disbursement != nil || u.PaymentSchedule != nil || u.Repayment != nil ||
		u.Recovery != nil || u.RepaymentImpact.IsSet() || u.DaysPastDue.IsSet() {
		f |= FieldServicing
	}
	return f
}

// Restrict clears every field outside allowed and returns the trimmed update
// together with the fields that were dropped.
func (u Update) Restrict(allowed FieldSet) (Update, FieldSet) {
	dropped := u.Fields() &^ allowed
	if dropped == 0 {
		return u, 0
	}
	if dropped.Has(FieldMessages) {
		u.Messages = nil
	}
	if dropped.Has(FieldBusiness) {
		u.Business = BusinessFields{}
	}
	if dropped.Has(FieldPhotos) {
		u.Photos = nil
		u.PhotosReceived = None[bool]()
	}
	if dropped.Has(FieldPhotoInsights) {
		u.PhotoInsights = nil
	}
	if dropped.Has(FieldRiskScore) {
		u.RiskScore = None[float64]()
	}
	if dropped.Has(FieldLoanOffer) {
		u.LoanOffer = nil
	}
	if dropped.Has(FieldLoanOffered) {
		u.LoanOffered = None[bool]()
	}
	if dropped.Has(FieldLoanAccepted) {
		u.LoanAccepted = None[bool]()
	}
	if dropped.Has(FieldInfoComplete) {
		u.InfoComplete = None[bool]()
	}
	if dropped.Has(FieldAdvice) {
		u.AdviceProvided = None[bool]()
		u.Advice = None[string]()
	}
	if dropped.Has(FieldPhase) {
		u.Phase = None[Phase]()
	}
	if dropped.Has(FieldCompletedTasks) {
		u.CompletedTasks = nil
	}
	if dropped.Has(FieldRouting) {
		u.NextAgent = None[Role]()
		u.ServicingType = None[string]()
	}
	if dropped.Has(FieldServicing) {
		u.Disbursement = nil
		u.PaymentSchedule = nil
		u.Repayment = nil
		u.Recovery = nil
		u.RepaymentImpact = None[string]()
		u.DaysPastDue = None[int]()
	}
	return u, dropped
}

// Apply writes the update into s. Guarded fields that would break a state
// invariant are skipped and reported in the returned error; every other
// field is still applied.
func (u Update) Apply(s *State) error {
	var errs []error

	for _, m := range u.Messages {
		if m.Role != RoleUserMessage && m.Role != RoleAssistantMessage {
			errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownMessageRole, m.Role))
			continue
		}
		s.Messages = append(s.Messages, m.clone())
	}

	s.Business = s.Business.Overlay(u.Business)

	s.Photos = append(s.Photos, u.Photos...)
	if v, ok := u.PhotosReceived.Get(); ok {
		s.PhotosReceived = v
	}
	for _, in := range u.PhotoInsights {
		if in.PhotoIndex != len(s.PhotoInsights) || in.PhotoIndex >= len(s.Photos) {
			errs = append(errs, fmt.Errorf("%w: index %d with %d insights and %d photos",
				ErrInsightIndex, in.PhotoIndex, len(s.PhotoInsights), len(s.Photos)))
			continue
		}
		s.PhotoInsights = append(s.PhotoInsights, in)
	}

	if v, ok := u.RiskScore.Get(); ok {
		s.RiskScore = Some(v)
	}
	if u.LoanOffer != nil {
		if s.LoanOffer != nil {
			errs = append(errs, ErrOfferAlreadySet)
		} else {
			s.LoanOffer = clonePtr(u.LoanOffer)
		}
	}
	if v, ok := u.LoanOffered.Get(); ok {
		s.LoanOffered = v
	}
	if v, ok := u.LoanAccepted.Get(); ok {
		s.LoanAccepted = v
	}
	if v, ok := u.InfoComplete.Get(); ok {
		s.InfoComplete = v
	}
	if v, ok := u.AdviceProvided.Get(); ok {
		s.AdviceProvided = v
	}
	if v, ok := u.Advice.Get(); ok {
		s.Advice = v
	}

	if next, ok := u.Phase.Get(); ok {
		if s.Phase.CanTransition(next) {
			s.Phase = next
		} else {
			errs = append(errs, fmt.Errorf("%w: %s -> %s", ErrPhaseTransition, s.Phase, next))
		}
	}
	for _, t := range u.CompletedTasks {
		if !s.IsRequired(t) {
			errs = append(errs, fmt.Errorf("%w: %s", ErrTaskNotRequired, t))
			continue
		}
		s.CompleteTask(t)
	}

	if v, ok := u.NextAgent.Get(); ok {
		if v == RoleNone || v.Routable() {
			s.NextAgent = v
		} else {
			s.NextAgent = RoleNone
			errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownNextAgent, v))
		}
	}
	if v, ok := u.ServicingType.Get(); ok {
		s.ServicingType = v
	}

	if u.Disbursement != nil {
		s.Disbursement = clonePtr(u.Disbursement)
	}
	if u.PaymentSchedule != nil {
		ps := *u.PaymentSchedule
		ps.Schedule = append([]Installment(nil), u.PaymentSchedule.Schedule...)
		s.PaymentSchedule = &ps
	}
	if u.Repayment != nil {
		s.Repayment = clonePtr(u.Repayment)
	}
	if u.Recovery != nil {
		s.Recovery = clonePtr(u.Recovery)
	}
	if v, ok := u.RepaymentImpact.Get(); ok {
		s.RepaymentImpact = v
	}
	if v, ok := u.DaysPastDue.Get(); ok {
		s.DaysPastDue = Some(v)
	}

	return errors.Join(errs...)
}

// AssistantText returns the text of the last assistant message in the update.
func (u Update) AssistantText() (string, bool) {
	for i := len(u.Messages) - 1; i >= 0; i-- {
		if u.Messages[i].Role == RoleAssistantMessage {
			return u.Messages[i].Text(), true
		}
	}
	return "", false
}
