package domain

// Phase is the coarse lifecycle stage of a loan relationship.
type Phase string

const (
	PhaseOnboarding       Phase = "onboarding"
	PhaseOffer            Phase = "offer"
	PhasePostDisbursement Phase = "post_disbursement"
	PhaseDelinquent       Phase = "delinquent"
)

// phaseEdges lists every allowed transition. delinquent -> post_disbursement
// is taken only when the recovery conversation is resolved.
var phaseEdges = map[Phase][]Phase{
	PhaseOnboarding:       {PhaseOffer, PhasePostDisbursement},
	PhaseOffer:            {PhasePostDisbursement},
	PhasePostDisbursement: {PhaseDelinquent},
	PhaseDelinquent:       {PhasePostDisbursement},
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	_, ok := phaseEdges[p]
	return ok
}

// CanTransition reports whether moving from p to next is an allowed edge.
// Staying in the same phase is always allowed.
func (p Phase) CanTransition(next Phase) bool {
	if p == next {
		return true
	}
	for _, to := range phaseEdges[p] {
		if to == next {
			return true
		}
	}
	return false
}

// Role names a specialist. RoleNone is the empty routing signal.
type Role string

const (
	RoleNone      Role = ""
	RolePrimary   Role = "partner"
	RoleRiskOffer Role = "risk_offer"
	RoleServicing Role = "servicing"
	RoleAdvice    Role = "advice"
)

// Routable reports whether r is a specialist the primary may route to.
func (r Role) Routable() bool {
	switch r {
	case RoleRiskOffer, RoleServicing, RoleAdvice:
		return true
	}
	return false
}

// Task is an onboarding checklist item.
type Task string

const (
	TaskConfirmEligibility        Task = "confirm_eligibility"
	TaskCaptureBusinessProfile    Task = "capture_business_profile"
	TaskCaptureBusinessFinancials Task = "capture_business_financials"
	TaskCaptureBusinessPhotos     Task = "capture_business_photos"
	TaskPhotoAnalysisComplete     Task = "photo_analysis_complete"
)

// RequiredTasks returns the fixed onboarding checklist in display order.
func RequiredTasks() []Task {
	return []Task{
		TaskConfirmEligibility,
		TaskCaptureBusinessProfile,
		TaskCaptureBusinessFinancials,
		TaskCaptureBusinessPhotos,
		TaskPhotoAnalysisComplete,
	}
}
