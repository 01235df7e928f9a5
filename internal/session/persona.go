package session

import (
	_ "embed"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/bizpartner/internal/domain"
)

//go:embed personas.yaml
var defaultPersonas []byte

// Persona is a demo profile that pre-populates a new session.
type Persona struct {
	ID                    string          `yaml:"id" json:"persona_id"`
	Name                  string          `yaml:"name" json:"name"`
	Description           string          `yaml:"description" json:"description"`
	Phase                 domain.Phase    `yaml:"phase" json:"phase"`
	SuggestedFirstMessage string          `yaml:"suggested_first_message" json:"suggested_first_message"`
	Business              personaBusiness `yaml:"business" json:"-"`
	Loan                  personaLoan     `yaml:"loan" json:"-"`
	CompletedTasks        []domain.Task   `yaml:"completed_tasks" json:"-"`
}

type personaBusiness struct {
	Name            *string  `yaml:"business_name"`
	Type            *string  `yaml:"business_type"`
	Location        *string  `yaml:"location"`
	YearsOperating  *int     `yaml:"years_operating"`
	NumEmployees    *int     `yaml:"num_employees"`
	MonthlyRevenue  *float64 `yaml:"monthly_revenue"`
	MonthlyExpenses *float64 `yaml:"monthly_expenses"`
	LoanPurpose     *string  `yaml:"loan_purpose"`
}

type personaLoan struct {
	Offer              *personaOffer    `yaml:"offer"`
	Offered            bool             `yaml:"offered"`
	Accepted           bool             `yaml:"accepted"`
	AdviceProvided     bool             `yaml:"advice_provided"`
	DisbursementStatus string           `yaml:"disbursement_status"`
	DaysPastDue        *int             `yaml:"days_past_due"`
	RecoveryStatus     string           `yaml:"recovery_status"`
	PaymentSchedule    *personaSchedule `yaml:"payment_schedule"`
}

type personaOffer struct {
	Amount            float64 `yaml:"amount"`
	TermDays          int     `yaml:"term_days"`
	Installments      int     `yaml:"installments"`
	InstallmentAmount float64 `yaml:"installment_amount"`
	TotalRepayment    float64 `yaml:"total_repayment"`
	InterestRateFlat  float64 `yaml:"interest_rate_flat"`
	TermsURL          string  `yaml:"terms_url"`
}

type personaSchedule struct {
	TotalInstallments   int     `yaml:"total_installments"`
	InstallmentAmount   float64 `yaml:"installment_amount"`
	TotalAmount         float64 `yaml:"total_amount"`
	DaysBetweenPayments int     `yaml:"days_between_payments"`
	Schedule            []struct {
		Number  int     `yaml:"installment_number"`
		DueDate string  `yaml:"due_date"`
		Amount  float64 `yaml:"amount"`
		Status  string  `yaml:"status"`
	} `yaml:"schedule"`
}

func optionalOf[T any](p *T) domain.Optional[T] {
	if p == nil {
		return domain.None[T]()
	}
	return domain.Some(*p)
}

// BusinessDefaults returns the persona's business attributes.
func (p *Persona) BusinessDefaults() domain.BusinessFields {
	b := p.Business
	return domain.BusinessFields{
		Name:            optionalOf(b.Name),
		Type:            optionalOf(b.Type),
		Location:        optionalOf(b.Location),
		YearsOperating:  optionalOf(b.YearsOperating),
		NumEmployees:    optionalOf(b.NumEmployees),
		MonthlyRevenue:  optionalOf(b.MonthlyRevenue),
		MonthlyExpenses: optionalOf(b.MonthlyExpenses),
		LoanPurpose:     optionalOf(b.LoanPurpose),
	}
}

// Seed fills every empty business field of s with the persona's values.
// Fields that already hold data are left alone. Loan state, phase and
// checklist are only seeded when fresh is true.
func (p *Persona) Seed(s *domain.State, fresh bool) {
	s.Business = s.Business.FillMissing(p.BusinessDefaults())

	if !fresh {
		return
	}
	p.seedLoan(s)
	loan := p.Loan
	s.LoanOffered = s.LoanOffered || loan.Offered
	s.LoanAccepted = s.LoanAccepted || loan.Accepted
	s.AdviceProvided = s.AdviceProvided || loan.AdviceProvided
	if p.Phase.Valid() {
		s.Phase = p.Phase
	}
	for _, t := range p.CompletedTasks {
		s.CompleteTask(t)
	}
	s.PersonaID = p.ID
}

func (p *Persona) seedLoan(s *domain.State) {
	loan := p.Loan
	if s.LoanOffer == nil && loan.Offer != nil {
		o := loan.Offer
		s.LoanOffer = &domain.LoanOffer{
			Amount:            o.Amount,
			TermDays:          o.TermDays,
			Installments:      o.Installments,
			InstallmentAmount: o.InstallmentAmount,
			TotalRepayment:    o.TotalRepayment,
			InterestRateFlat:  o.InterestRateFlat,
			TermsURL:          o.TermsURL,
		}
	}
	if s.Disbursement == nil && loan.DisbursementStatus != "" && s.LoanOffer != nil {
		s.Disbursement = &domain.Disbursement{
			Status:          loan.DisbursementStatus,
			Amount:          s.LoanOffer.Amount,
			ReferenceNumber: "DISP-" + p.ID,
		}
	}
	if s.Recovery == nil && loan.RecoveryStatus != "" {
		outstanding := 0.0
		if s.LoanOffer != nil {
			outstanding = s.LoanOffer.TotalRepayment
		}
		s.Recovery = &domain.Recovery{
			Status:             loan.RecoveryStatus,
			ConversationActive: true,
			OutstandingBalance: outstanding,
		}
	}
	if s.PaymentSchedule == nil && loan.PaymentSchedule != nil {
		ps := loan.PaymentSchedule
		sched := &domain.PaymentSchedule{
			TotalInstallments:   ps.TotalInstallments,
			InstallmentAmount:   ps.InstallmentAmount,
			TotalAmount:         ps.TotalAmount,
			DaysBetweenPayments: ps.DaysBetweenPayments,
		}
		for _, in := range ps.Schedule {
			sched.Schedule = append(sched.Schedule, domain.Installment{
				Number:  in.Number,
				DueDate: in.DueDate,
				Amount:  in.Amount,
				Status:  in.Status,
			})
		}
		s.PaymentSchedule = sched
	}
	s.DaysPastDue = s.DaysPastDue.Or(optionalOf(loan.DaysPastDue))
}

// Catalogue is the set of known personas in display order.
type Catalogue struct {
	personas []*Persona
}

// LoadCatalogue parses the embedded catalogue, or the YAML file at path
// when path is non-empty.
func LoadCatalogue(path string) (*Catalogue, error) {
	data := defaultPersonas
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read personas file: %w", err)
		}
		data = b
	}
	return ParseCatalogue(data)
}

// ParseCatalogue decodes a YAML persona catalogue.
func ParseCatalogue(data []byte) (*Catalogue, error) {
	var doc struct {
		Personas []*Persona `yaml:"personas"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode personas: %w", err)
	}
	seen := make(map[string]bool, len(doc.Personas))
	required := domain.RequiredTasks()
	for _, p := range doc.Personas {
		if p.ID == "" {
			return nil, fmt.Errorf("persona without id")
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("duplicate persona %q", p.ID)
		}
		seen[p.ID] = true
		if !p.Phase.Valid() {
			return nil, fmt.Errorf("persona %q: unknown phase %q", p.ID, p.Phase)
		}
		for _, t := range p.CompletedTasks {
			if !slices.Contains(required, t) {
				return nil, fmt.Errorf("persona %q: unknown task %q", p.ID, t)
			}
		}
	}
	return &Catalogue{personas: doc.Personas}, nil
}

// Get returns the persona with the given id.
func (c *Catalogue) Get(id string) (*Persona, bool) {
	if c == nil {
		return nil, false
	}
	for _, p := range c.personas {
		if p.ID == id {
			return p, true
		}
	}
	return nil, false
}

// List returns every persona in catalogue order.
func (c *Catalogue) List() []*Persona {
	if c == nil {
		return nil
	}
	return slices.Clone(c.personas)
}
