// Package underwriting scores an applicant and generates the loan offer.
package underwriting

import (
	"context"
	"log/slog"
	"math"
	"strings"

	"github.com/ashureev/bizpartner/internal/domain"
	"github.com/ashureev/bizpartner/internal/lifecycle"
)

// Offer terms.
const (
	OfferAmount       = 5000.0
	OfferTermDays     = 45
	OfferInstallments = 3
	OfferFlatRate     = 11.0
	TermsURL          = "https://lender.com.mx/terms/msme-loan-agreement"
)

var workingCapitalPurposes = []string{"inventory", "stock", "supplies", "inventario", "mercancía"}

// Underwriter is the risk/offer specialist.
type Underwriter struct {
	logger *slog.Logger
}

// New creates an Underwriter. A nil logger uses slog.Default.
func New(logger *slog.Logger) *Underwriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Underwriter{logger: logger}
}

// Role returns domain.RoleRiskOffer.
func (u *Underwriter) Role() domain.Role {
	return domain.RoleRiskOffer
}

// Process scores the applicant and returns the offer. A session that already
// holds an offer gets an empty update.
func (u *Underwriter) Process(_ context.Context, s *domain.State) (domain.Update, error) {
	if !lifecycle.CanGenerateOffer(s) {
		u.logger.Warn("offer not allowed, skipping",
			"session_id", s.SessionID,
			"user_id", s.UserID,
			"offered", s.LoanOffer != nil || s.LoanOffered,
			"tasks_complete", s.AllTasksComplete(),
			"photos_analyzed", len(s.PhotoInsights))
		return domain.Update{}, nil
	}

	score := RiskScore(s)
	offer := GenerateOffer()
	offer.GeneratedAt = s.Now()

	u.logger.Info("loan offer generated",
		"session_id", s.SessionID,
		"user_id", s.UserID,
		"risk_score", score,
		"amount", offer.Amount)

	return domain.Update{
		RiskScore:   domain.Some(score),
		LoanOffer:   &offer,
		LoanOffered: domain.Some(true),
	}, nil
}

// RiskScore rates the applicant from 0 to 100, higher is less risky.
func RiskScore(s *domain.State) float64 {
	score := 60.0
	b := s.Business

	if years := b.YearsOperating.OrElse(0); years > 0 {
		score += math.Min(float64(years)*2, 15)
	}

	switch revenue := b.MonthlyRevenue.OrElse(0); {
	case revenue >= 50000:
		score += 10
	case revenue >= 30000:
		score += 5
	}

	if n := len(s.PhotoInsights); n > 0 {
		var cleanliness, organization float64
		for _, in := range s.PhotoInsights {
			cleanliness += in.CleanlinessScore
			organization += in.OrganizationScore
		}
		score += (cleanliness/float64(n) + organization/float64(n)) / 2
	}

	purpose := strings.ToLower(b.LoanPurpose.OrElse(""))
	for _, kw := range workingCapitalPurposes {
		if strings.Contains(purpose, kw) {
			score += 5
			break
		}
	}

	return math.Min(score, 100)
}

// GenerateOffer prices the standard offer. Every approved applicant
// currently receives the same terms.
func GenerateOffer() domain.LoanOffer {
	total := OfferAmount * (1 + OfferFlatRate/100)
	return domain.LoanOffer{
		Amount:            OfferAmount,
		TermDays:          OfferTermDays,
		Installments:      OfferInstallments,
		InstallmentAmount: round2(total / OfferInstallments),
		TotalRepayment:    round2(total),
		InterestRateFlat:  OfferFlatRate,
		TermsURL:          TermsURL,
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
