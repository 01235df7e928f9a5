package lifecycle

import (
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashureev/bizpartner/internal/domain"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newState() *domain.State {
	s := domain.NewState("u1", "s1", testNow)
	s.Turn.Now = testNow
	return s
}

func withUserText(s *domain.State, text string) *domain.State {
	s.Messages = append(s.Messages, domain.NewUserMessage(text, testNow))
	return s
}

func readyForOffer() *domain.State {
	s := newState()
	s.Business.Type = domain.Some("bakery")
	s.Business.Location = domain.Some("Condesa")
	s.Business.MonthlyRevenue = domain.Some(30000.0)
	s.Business.LoanPurpose = domain.Some("inventory")
	s.Photos = []domain.Photo{{Data: "a"}}
	s.PhotoInsights = []domain.PhotoInsight{{PhotoIndex: 0}}
	MarkTasks(s)
	return s
}

func TestMarkTasks(t *testing.T) {
	t.Parallel()

	s := newState()
	s.Business.Type = domain.Some("bakery")
	require.Equal(t, []domain.Task{domain.TaskCaptureBusinessProfile}, MarkTasks(s))

	s.Business.Location = domain.Some("Condesa")
	require.Equal(t, []domain.Task{domain.TaskConfirmEligibility}, MarkTasks(s))
	require.Empty(t, MarkTasks(s))

	s.Business.LoanPurpose = domain.Some("stock")
	s.Photos = []domain.Photo{{Data: "a"}}
	require.ElementsMatch(t,
		[]domain.Task{domain.TaskCaptureBusinessFinancials, domain.TaskCaptureBusinessPhotos},
		MarkTasks(s))
	require.False(t, s.AllTasksComplete())

	s.PhotoInsights = []domain.PhotoInsight{{PhotoIndex: 0}}
	require.Equal(t, []domain.Task{domain.TaskPhotoAnalysisComplete}, MarkTasks(s))
	require.True(t, s.AllTasksComplete())
}

func TestMarkTasksNeverRevokes(t *testing.T) {
	t.Parallel()

	s := newState()
	s.Photos = []domain.Photo{{Data: "a"}}
	MarkTasks(s)
	s.Photos = nil
	MarkTasks(s)
	require.True(t, s.HasTask(domain.TaskCaptureBusinessPhotos))
}

func TestNextPhase(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		prepare func(*domain.State)
		want    domain.Phase
	}{
		{
			name: "onboarding stays without offer",
			want: domain.PhaseOnboarding,
		},
		{
			name:    "offer present moves to offer",
			prepare: func(s *domain.State) { s.LoanOffer = &domain.LoanOffer{Amount: 5000} },
			want:    domain.PhaseOffer,
		},
		{
			name: "accepted and disbursed moves offer to post_disbursement",
			prepare: func(s *domain.State) {
				s.Phase = domain.PhaseOffer
				s.LoanOffer = &domain.LoanOffer{Amount: 5000}
				s.LoanAccepted = true
				s.Disbursement = &domain.Disbursement{Status: domain.DisbursementCompleted}
			},
			want: domain.PhasePostDisbursement,
		},
		{
			name: "accepted but only initiated stays in offer",
			prepare: func(s *domain.State) {
				s.Phase = domain.PhaseOffer
				s.LoanAccepted = true
				s.Disbursement = &domain.Disbursement{Status: domain.DisbursementInitiated}
			},
			want: domain.PhaseOffer,
		},
		{
			name: "open recovery moves post_disbursement to delinquent",
			prepare: func(s *domain.State) {
				s.Phase = domain.PhasePostDisbursement
				s.Recovery = &domain.Recovery{Status: domain.RecoveryInConversation}
			},
			want: domain.PhaseDelinquent,
		},
		{
			name: "open recovery never makes onboarding delinquent",
			prepare: func(s *domain.State) {
				s.Recovery = &domain.Recovery{Status: domain.RecoveryInConversation}
			},
			want: domain.PhaseOnboarding,
		},
		{
			name: "escalated recovery does not move phase",
			prepare: func(s *domain.State) {
				s.Phase = domain.PhasePostDisbursement
				s.Recovery = &domain.Recovery{Status: domain.RecoveryEscalated}
			},
			want: domain.PhasePostDisbursement,
		},
		{
			name: "resolved recovery returns to post_disbursement",
			prepare: func(s *domain.State) {
				s.Phase = domain.PhaseDelinquent
				s.Recovery = &domain.Recovery{Status: domain.RecoveryResolved}
			},
			want: domain.PhasePostDisbursement,
		},
		{
			name: "pending resolution stays delinquent",
			prepare: func(s *domain.State) {
				s.Phase = domain.PhaseDelinquent
				s.Recovery = &domain.Recovery{Status: domain.RecoveryResolutionPending}
			},
			want: domain.PhaseDelinquent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := newState()
			if tt.prepare != nil {
				tt.prepare(s)
			}
			require.Equal(t, tt.want, NextPhase(s))
		})
	}
}

func TestRoutePriority(t *testing.T) {
	t.Parallel()

	t.Run("offer precondition wins", func(t *testing.T) {
		t.Parallel()
		s := withUserText(readyForOffer(), "when is my payment due?")
		require.Equal(t, domain.RoleRiskOffer, Route(s))
	})

	t.Run("offer generated once", func(t *testing.T) {
		t.Parallel()
		s := readyForOffer()
		s.LoanOffer = &domain.LoanOffer{Amount: 5000}
		s.LoanOffered = true
		require.False(t, CanGenerateOffer(s))
		require.Equal(t, domain.RoleNone, Route(s))
	})

	t.Run("advice before servicing", func(t *testing.T) {
		t.Parallel()
		s := readyForOffer()
		s.LoanOffered = true
		s.LoanAccepted = true
		require.Equal(t, domain.RoleAdvice, Route(s))

		s.AdviceProvided = true
		require.Equal(t, domain.RoleServicing, Route(s))
		require.Equal(t, ServicingDisbursement, DetectServicingType(s))
	})

	t.Run("servicing keywords", func(t *testing.T) {
		t.Parallel()
		s := withUserText(newState(), "I missed my payment last week")
		s.Phase = domain.PhasePostDisbursement
		require.Equal(t, domain.RoleServicing, Route(s))
		require.Equal(t, ServicingRecovery, DetectServicingType(s))
	})

	t.Run("open recovery keeps servicing", func(t *testing.T) {
		t.Parallel()
		s := withUserText(newState(), "gracias")
		s.Recovery = &domain.Recovery{Status: domain.RecoveryInConversation}
		require.Equal(t, domain.RoleServicing, Route(s))
		require.Equal(t, ServicingRecovery, DetectServicingType(s))
	})

	t.Run("settlement due", func(t *testing.T) {
		t.Parallel()
		s := newState()
		s.LoanAccepted = true
		s.AdviceProvided = true
		s.Disbursement = &domain.Disbursement{
			Status:              domain.DisbursementInitiated,
			EstimatedCompletion: testNow.Add(-time.Minute),
		}
		require.True(t, SettlementDue(s))
		require.Equal(t, domain.RoleServicing, Route(s))

		s.Disbursement.EstimatedCompletion = testNow.Add(time.Hour)
		require.False(t, SettlementDue(s))
		require.Equal(t, domain.RoleNone, Route(s))
	})

	t.Run("plain chat is terminal", func(t *testing.T) {
		t.Parallel()
		s := withUserText(newState(), "I have a bakery in Condesa")
		require.Equal(t, domain.RoleNone, Route(s))
	})
}

func TestDetectServicingType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text  string
		phase domain.Phase
		want  string
	}{
		{"I'd like to make my installment", domain.PhasePostDisbursement, ServicingRepayment},
		{"what is my payment schedule", domain.PhasePostDisbursement, ServicingRepayment},
		{"when is the due date?", domain.PhasePostDisbursement, ServicingPaymentSchedule},
		{"how does this affect my credit", domain.PhasePostDisbursement, ServicingRepaymentImpact},
		{"I'm having trouble paying", domain.PhasePostDisbursement, ServicingRecovery},
		{"I'm having trouble paying", domain.PhaseDelinquent, ServicingRecovery},
		{"I'm having trouble paying", domain.PhaseOffer, ServicingGeneral},
		{"Can you help me understand the payment schedule?", domain.PhaseOffer, ServicingRepayment},
		{"help, when is it due?", domain.PhaseOnboarding, ServicingPaymentSchedule},
		{"tell me about my loan", domain.PhasePostDisbursement, ServicingGeneral},
	}
	for _, tt := range tests {
		t.Run(string(tt.phase)+"/"+tt.text, func(t *testing.T) {
			t.Parallel()
			s := withUserText(newState(), tt.text)
			s.Phase = tt.phase
			require.Equal(t, tt.want, DetectServicingType(s))
		})
	}

	t.Run("completed disbursement", func(t *testing.T) {
		t.Parallel()
		s := withUserText(newState(), "I need help, I missed a payment")
		s.Phase = domain.PhaseOffer
		s.LoanAccepted = true
		s.Disbursement = &domain.Disbursement{Status: domain.DisbursementCompleted}
		require.Equal(t, ServicingRecovery, DetectServicingType(s))
	})
}

func TestHelpBeforeDisbursementNeverMakesDelinquent(t *testing.T) {
	t.Parallel()

	s := withUserText(readyForOffer(), "Can you help me understand the payment schedule?")
	s.LoanOffer = &domain.LoanOffer{Amount: 5000}
	s.LoanOffered = true
	s.Phase = NextPhase(s)
	require.Equal(t, domain.PhaseOffer, s.Phase)
	require.Equal(t, domain.RoleServicing, Route(s))
	require.NotEqual(t, ServicingRecovery, DetectServicingType(s))
	require.Nil(t, s.Recovery)

	s.LoanAccepted = true
	s.AdviceProvided = true
	s.Disbursement = &domain.Disbursement{Status: domain.DisbursementCompleted}
	s.Phase = NextPhase(s)
	require.Equal(t, domain.PhasePostDisbursement, s.Phase)

	s = withUserText(s, "gracias")
	s.Phase = NextPhase(s)
	require.Equal(t, domain.PhasePostDisbursement, s.Phase)
	require.False(t, RecoveryOpen(s))
}

func TestIsAcceptance(t *testing.T) {
	t.Parallel()

	for _, text := range []string{"Yes!", "sí, acepto", "ok let's do it", "Okay", "I accept"} {
		require.True(t, IsAcceptance(text), text)
	}
	for _, text := range []string{"my business is a bakery", "No, I don't accept", "tell me more", "", "basic question"} {
		require.False(t, IsAcceptance(text), text)
	}
}

func TestEvaluateUpdate(t *testing.T) {
	t.Parallel()

	s := newState()
	s.Business.Type = domain.Some("bakery")
	s.Business.Location = domain.Some("Condesa")

	ev := Evaluate(s)
	require.ElementsMatch(t,
		[]domain.Task{domain.TaskConfirmEligibility, domain.TaskCaptureBusinessProfile}, ev.NewTasks)
	require.Equal(t, domain.PhaseOnboarding, ev.Phase)
	require.Equal(t, domain.RoleNone, ev.Route)

	u := ev.Update()
	require.Equal(t, domain.RoleNone, u.NextAgent.OrElse("unset"))
	require.Equal(t, domain.PhaseOnboarding, u.Phase.OrElse(""))
	require.False(t, u.ServicingType.IsSet())
}

// TestRandomTurnSequences drives random state changes through Evaluate and
// checks that fields, tasks and phases only move forward.
func TestRandomTurnSequences(t *testing.T) {
	t.Parallel()

	steps := []func(*domain.State, *rand.Rand) domain.Update{
		func(_ *domain.State, r *rand.Rand) domain.Update {
			return domain.Update{Business: domain.BusinessFields{Type: domain.Some([]string{"bakery", "salon"}[r.IntN(2)])}}
		},
		func(_ *domain.State, r *rand.Rand) domain.Update {
			return domain.Update{Business: domain.BusinessFields{Location: domain.Some("Condesa"), YearsOperating: domain.Some(r.IntN(10))}}
		},
		func(_ *domain.State, r *rand.Rand) domain.Update {
			return domain.Update{Business: domain.BusinessFields{MonthlyRevenue: domain.Some(float64(r.IntN(60000))), LoanPurpose: domain.Some("stock")}}
		},
		func(s *domain.State, _ *rand.Rand) domain.Update {
			return domain.Update{Photos: []domain.Photo{{Data: "x"}}}
		},
		func(s *domain.State, _ *rand.Rand) domain.Update {
			if len(s.PhotoInsights) >= len(s.Photos) {
				return domain.Update{}
			}
			return domain.Update{PhotoInsights: []domain.PhotoInsight{{PhotoIndex: len(s.PhotoInsights)}}}
		},
		func(s *domain.State, _ *rand.Rand) domain.Update {
			if !CanGenerateOffer(s) {
				return domain.Update{}
			}
			return domain.Update{LoanOffer: &domain.LoanOffer{Amount: 5000}, LoanOffered: domain.Some(true)}
		},
		func(s *domain.State, _ *rand.Rand) domain.Update {
			return domain.Update{LoanAccepted: domain.Some(s.LoanOffered)}
		},
		func(s *domain.State, _ *rand.Rand) domain.Update {
			if !s.LoanAccepted {
				return domain.Update{}
			}
			return domain.Update{Disbursement: &domain.Disbursement{Status: domain.DisbursementCompleted}}
		},
		func(_ *domain.State, r *rand.Rand) domain.Update {
			statuses := []string{domain.RecoveryInConversation, domain.RecoveryResolutionPending, domain.RecoveryResolved, domain.RecoveryEscalated}
			return domain.Update{Recovery: &domain.Recovery{Status: statuses[r.IntN(len(statuses))]}}
		},
		func(_ *domain.State, _ *rand.Rand) domain.Update {
			return domain.Update{Business: domain.BusinessFields{}}
		},
	}

	for seed := range uint64(200) {
		r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
		s := newState()
		visitedPost := false
		offers := 0

		for turn := 0; turn < 40; turn++ {
			prevFields := s.Business.SetNames()
			prevTasks := slices.Clone(s.CompletedTasks)
			prevPhase := s.Phase
			hadOffer := s.LoanOffer != nil

			_ = steps[r.IntN(len(steps))](s, r).Apply(s)
			ev := Evaluate(s)
			require.NoError(t, ev.Update().Apply(s))

			if s.LoanOffer != nil && !hadOffer {
				offers++
			}
			for _, name := range prevFields {
				require.Contains(t, s.Business.SetNames(), name, "seed %d turn %d", seed, turn)
			}
			require.GreaterOrEqual(t, len(s.CompletedTasks), len(prevTasks))
			for _, task := range prevTasks {
				require.True(t, s.HasTask(task))
			}
			require.True(t, prevPhase.CanTransition(s.Phase), "seed %d: %s -> %s", seed, prevPhase, s.Phase)
			if s.Phase == domain.PhasePostDisbursement {
				visitedPost = true
			}
			if s.Phase == domain.PhaseDelinquent {
				require.True(t, visitedPost, "seed %d reached delinquent without post_disbursement", seed)
			}
		}
		require.LessOrEqual(t, offers, 1)
	}
}
