// Package domain contains the session state aggregate and its partial updates.
package domain

import (
	"slices"
	"strings"
	"time"
)

// BusinessFields holds the applicant's business attributes. Every field is
// independently nullable and unset means "not yet known".
type BusinessFields struct {
	Name            Optional[string]  `json:"business_name"`
	Type            Optional[string]  `json:"business_type"`
	Location        Optional[string]  `json:"location"`
	YearsOperating  Optional[int]     `json:"years_operating"`
	NumEmployees    Optional[int]     `json:"num_employees"`
	MonthlyRevenue  Optional[float64] `json:"monthly_revenue"`
	MonthlyExpenses Optional[float64] `json:"monthly_expenses"`
	LoanPurpose     Optional[string]  `json:"loan_purpose"`
}

// FillMissing returns b with every unset field taken from defaults.
// Fields already set in b are never replaced.
func (b BusinessFields) FillMissing(defaults BusinessFields) BusinessFields {
	return BusinessFields{
		Name:            b.Name.Or(defaults.Name),
		Type:            b.Type.Or(defaults.Type),
		Location:        b.Location.Or(defaults.Location),
		YearsOperating:  b.YearsOperating.Or(defaults.YearsOperating),
		NumEmployees:    b.NumEmployees.Or(defaults.NumEmployees),
		MonthlyRevenue:  b.MonthlyRevenue.Or(defaults.MonthlyRevenue),
		MonthlyExpenses: b.MonthlyExpenses.Or(defaults.MonthlyExpenses),
		LoanPurpose:     b.LoanPurpose.Or(defaults.LoanPurpose),
	}
}

// Overlay returns b with every field set in src written over it.
// Unset fields in src leave b untouched, so a value can never go back to null.
func (b BusinessFields) Overlay(src BusinessFields) BusinessFields {
	return src.FillMissing(b)
}

// SetNames lists the JSON names of the fields that hold a value.
func (b BusinessFields) SetNames() []string {
	var names []string
	add := func(set bool, name string) {
		if set {
			names = append(names, name)
		}
	}
	add(b.Name.IsSet(), "business_name")
	add(b.Type.IsSet(), "business_type")
	add(b.Location.IsSet(), "location")
	add(b.YearsOperating.IsSet(), "years_operating")
	add(b.NumEmployees.IsSet(), "num_employees")
	add(b.MonthlyRevenue.IsSet(), "monthly_revenue")
	add(b.MonthlyExpenses.IsSet(), "monthly_expenses")
	add(b.LoanPurpose.IsSet(), "loan_purpose")
	return names
}

// IsEmpty reports whether no field is set.
func (b BusinessFields) IsEmpty() bool {
	return len(b.SetNames()) == 0
}

// Photo is a raw business photo received from the user.
type Photo struct {
	MediaType  string    `json:"media_type"`
	Data       string    `json:"data"`
	ReceivedAt time.Time `json:"received_at"`
}

// PhotoInsight is the structured analysis of the photo at PhotoIndex.
type PhotoInsight struct {
	PhotoIndex        int      `json:"photo_index"`
	CleanlinessScore  float64  `json:"cleanliness_score"`
	OrganizationScore float64  `json:"organization_score"`
	StockLevel        string   `json:"stock_level"`
	LayoutType        string   `json:"business_layout_type"`
	EvidenceFlags     []string `json:"evidence_flags"`
	AuthenticityFlag  string   `json:"authenticity_flag"`
	DuplicateFlag     string   `json:"duplicate_flag"`
	PhotoNote         string   `json:"photo_note,omitempty"`
	Insights          []string `json:"insights"`
	CoachingTips      []string `json:"coaching_tips"`
}

// LoanOffer is the generated offer. It is set at most once per session.
type LoanOffer struct {
	Amount            float64   `json:"amount"`
	TermDays          int       `json:"term_days"`
	Installments      int       `json:"installments"`
	InstallmentAmount float64   `json:"installment_amount"`
	TotalRepayment    float64   `json:"total_repayment"`
	InterestRateFlat  float64   `json:"interest_rate_flat"`
	TermsURL          string    `json:"terms_url"`
	GeneratedAt       time.Time `json:"generated_at"`
}

// Disbursement statuses.
const (
	DisbursementInitiated = "initiated"
	DisbursementCompleted = "completed"
	DisbursementError     = "error"
)

// Disbursement tracks the transfer of the loan amount to the applicant.
type Disbursement struct {
	Status              string    `json:"status"`
	Amount              float64   `json:"amount"`
	ReferenceNumber     string    `json:"reference_number"`
	BankAccount         string    `json:"bank_account,omitempty"`
	InitiatedAt         time.Time `json:"initiated_at"`
	EstimatedCompletion time.Time `json:"estimated_completion"`
	CompletedAt         time.Time `json:"completed_at,omitzero"`
	Error               string    `json:"error,omitempty"`
}

// Installment is one scheduled repayment.
type Installment struct {
	Number  int     `json:"installment_number"`
	DueDate string  `json:"due_date"`
	Amount  float64 `json:"amount"`
	Status  string  `json:"status"`
}

// PaymentSchedule lists the installments of an accepted loan.
type PaymentSchedule struct {
	TotalInstallments   int           `json:"total_installments"`
	InstallmentAmount   float64       `json:"installment_amount"`
	TotalAmount         float64       `json:"total_amount"`
	DaysBetweenPayments int           `json:"days_between_payments"`
	Schedule            []Installment `json:"schedule"`
}

// Repayment methods.
const (
	RepaymentExistingBank = "existing_bank"
	RepaymentNewAccount   = "new_account"
	RepaymentInPerson     = "in_person"
)

// Repayment is the most recent repayment request.
type Repayment struct {
	Status              string    `json:"status"`
	Method              string    `json:"method"`
	Amount              float64   `json:"amount"`
	ReferenceNumber     string    `json:"reference_number"`
	BankAccount         string    `json:"bank_account,omitempty"`
	Location            string    `json:"location,omitempty"`
	Instructions        string    `json:"instructions,omitempty"`
	InitiatedAt         time.Time `json:"initiated_at"`
	EstimatedCompletion string    `json:"estimated_completion"`
	Error               string    `json:"error,omitempty"`
}

// Recovery statuses. Resolved and escalated are terminal.
const (
	RecoveryInConversation    = "in_conversation"
	RecoveryResolutionPending = "resolution_pending"
	RecoveryResolved          = "resolved"
	RecoveryEscalated         = "escalated"
)

// Recovery is the state of a collections conversation with a past-due applicant.
type Recovery struct {
	Status             string    `json:"status"`
	ResolutionType     string    `json:"resolution_type,omitempty"`
	ConversationActive bool      `json:"conversation_active"`
	OutstandingBalance float64   `json:"outstanding_balance"`
	LastInteraction    time.Time `json:"last_interaction"`
	Response           string    `json:"response,omitempty"`
}

// TurnInfo carries per-turn execution context. It is never persisted.
type TurnInfo struct {
	Hop     int
	MaxHops int
	Now     time.Time

	// Specialist is the role that ran just before this hop, if any.
	Specialist Role
}

// State is the session aggregate threaded through a turn.
type State struct {
	SessionID      string `json:"session_id"`
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	PersonaID      string `json:"persona_id,omitempty"`

	Messages []Message      `json:"messages"`
	Business BusinessFields `json:"business"`

	Photos         []Photo        `json:"photos"`
	PhotoInsights  []PhotoInsight `json:"photo_insights"`
	PhotosReceived bool           `json:"photos_received"`

	RiskScore      Optional[float64] `json:"risk_score"`
	LoanOffer      *LoanOffer        `json:"loan_offer"`
	LoanOffered    bool              `json:"loan_offered"`
	LoanAccepted   bool              `json:"loan_accepted"`
	InfoComplete   bool              `json:"info_complete"`
	AdviceProvided bool              `json:"advice_provided"`
	Advice         string            `json:"advice,omitempty"`

	Phase          Phase  `json:"phase"`
	RequiredTasks  []Task `json:"required_tasks"`
	CompletedTasks []Task `json:"completed_tasks"`

	NextAgent     Role   `json:"next_agent"`
	ServicingType string `json:"servicing_type,omitempty"`

	Disbursement    *Disbursement    `json:"disbursement"`
	PaymentSchedule *PaymentSchedule `json:"payment_schedule"`
	Repayment       *Repayment       `json:"repayment"`
	Recovery        *Recovery        `json:"recovery"`
	RepaymentImpact string           `json:"repayment_impact,omitempty"`
	DaysPastDue     Optional[int]    `json:"days_past_due"`

	// Instructions is a client-supplied override for this turn only.
	Instructions string   `json:"-"`
	Turn         TurnInfo `json:"-"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewState returns a fresh session state with the checklist seeded.
func NewState(userID, sessionID string, now time.Time) *State {
	return &State{
		SessionID:      sessionID,
		UserID:         userID,
		Phase:          PhaseOnboarding,
		RequiredTasks:  RequiredTasks(),
		CompletedTasks: []Task{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Clone returns a deep copy of s.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	// slices.Clone keeps nil as nil so a clone compares equal to its source.
	c.Messages = slices.Clone(s.Messages)
	for i, m := range c.Messages {
		c.Messages[i] = m.clone()
	}
	c.Photos = slices.Clone(s.Photos)
	c.PhotoInsights = slices.Clone(s.PhotoInsights)
	for i, in := range c.PhotoInsights {
		in.EvidenceFlags = slices.Clone(in.EvidenceFlags)
		in.Insights = slices.Clone(in.Insights)
		in.CoachingTips = slices.Clone(in.CoachingTips)
		c.PhotoInsights[i] = in
	}
	c.RequiredTasks = slices.Clone(s.RequiredTasks)
	c.CompletedTasks = slices.Clone(s.CompletedTasks)
	c.LoanOffer = clonePtr(s.LoanOffer)
	c.Disbursement = clonePtr(s.Disbursement)
	c.Repayment = clonePtr(s.Repayment)
	c.Recovery = clonePtr(s.Recovery)
	if s.PaymentSchedule != nil {
		ps := *s.PaymentSchedule
		ps.Schedule = slices.Clone(s.PaymentSchedule.Schedule)
		c.PaymentSchedule = &ps
	}
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// DisbursementStatus returns the disbursement status or "" when none exists.
func (s *State) DisbursementStatus() string {
	if s.Disbursement == nil {
		return ""
	}
	return s.Disbursement.Status
}

// RecoveryStatus returns the recovery status or "" when none exists.
func (s *State) RecoveryStatus() string {
	if s.Recovery == nil {
		return ""
	}
	return s.Recovery.Status
}

// LatestUserMessage returns the most recent user message.
func (s *State) LatestUserMessage() (Message, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUserMessage {
			return s.Messages[i], true
		}
	}
	return Message{}, false
}

// LatestUserText returns the lower-cased text of the most recent user message.
func (s *State) LatestUserText() string {
	m, ok := s.LatestUserMessage()
	if !ok {
		return ""
	}
	return strings.ToLower(m.Text())
}

// HasTask reports whether t is already completed.
func (s *State) HasTask(t Task) bool {
	return slices.Contains(s.CompletedTasks, t)
}

// IsRequired reports whether t is on the session checklist.
func (s *State) IsRequired(t Task) bool {
	return slices.Contains(s.RequiredTasks, t)
}

// CompleteTask marks t complete. It returns false when t is already
// complete or not on the checklist.
func (s *State) CompleteTask(t Task) bool {
	if !s.IsRequired(t) || s.HasTask(t) {
		return false
	}
	s.CompletedTasks = append(s.CompletedTasks, t)
	return true
}

// AllTasksComplete reports whether every required task is completed.
func (s *State) AllTasksComplete() bool {
	for _, t := range s.RequiredTasks {
		if !s.HasTask(t) {
			return false
		}
	}
	return true
}

// Now returns the turn clock, falling back to the wall clock.
func (s *State) Now() time.Time {
	if s.Turn.Now.IsZero() {
		return time.Now()
	}
	return s.Turn.Now
}
