package workflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashureev/bizpartner/internal/domain"
	"github.com/ashureev/bizpartner/internal/instructions"
	"github.com/ashureev/bizpartner/internal/llm"
	"github.com/ashureev/bizpartner/internal/specialist"
	"github.com/ashureev/bizpartner/internal/specialist/coaching"
	"github.com/ashureev/bizpartner/internal/specialist/partner"
	"github.com/ashureev/bizpartner/internal/specialist/servicing"
	"github.com/ashureev/bizpartner/internal/specialist/underwriting"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSpecialist struct {
	role  domain.Role
	calls atomic.Int32
	fn    func(ctx context.Context, s *domain.State, call int) (domain.Update, error)
}

func (f *fakeSpecialist) Role() domain.Role { return f.role }

func (f *fakeSpecialist) Process(ctx context.Context, s *domain.State) (domain.Update, error) {
	call := int(f.calls.Add(1))
	return f.fn(ctx, s, call)
}

// routingPrimary routes to next on the first hop and replies afterwards.
func routingPrimary(next domain.Role) *fakeSpecialist {
	return &fakeSpecialist{role: domain.RolePrimary, fn: func(_ context.Context, s *domain.State, _ int) (domain.Update, error) {
		if s.Turn.Hop == 0 {
			return domain.Update{NextAgent: domain.Some(next)}, nil
		}
		return domain.Update{
			NextAgent: domain.Some(domain.RoleServicing),
			Messages:  []domain.Message{domain.NewAssistantMessage("after "+string(s.Turn.Specialist), s.Now())},
		}, nil
	}}
}

func offerSpecialist() *fakeSpecialist {
	return &fakeSpecialist{role: domain.RoleRiskOffer, fn: func(context.Context, *domain.State, int) (domain.Update, error) {
		return domain.Update{LoanOffer: &domain.LoanOffer{Amount: 5000}, LoanOffered: domain.Some(true)}, nil
	}}
}

func newTestExecutor(t *testing.T, maxHops int, timeout time.Duration, specialists ...specialist.Specialist) *Executor {
	t.Helper()
	reg, err := specialist.NewRegistry(specialists...)
	require.NoError(t, err)
	e, err := NewExecutor(reg, maxHops, timeout, nil)
	require.NoError(t, err)
	return e
}

func newTurnState(text string) *domain.State {
	s := domain.NewState("u1", "s1", testNow)
	s.Messages = []domain.Message{domain.NewUserMessage(text, testNow)}
	s.Turn.Now = testNow
	return s
}

func TestNewExecutorNeedsPrimary(t *testing.T) {
	t.Parallel()

	reg, err := specialist.NewRegistry(offerSpecialist())
	require.NoError(t, err)
	_, err = NewExecutor(reg, 1, 0, nil)
	require.Error(t, err)

	e := newTestExecutor(t, -1, 0, routingPrimary(domain.RoleNone))
	require.Equal(t, DefaultMaxHops, e.MaxHops())
	require.Equal(t, DefaultSpecialistTimeout, e.timeout)
}

func TestRunWithoutRouting(t *testing.T) {
	t.Parallel()

	primary := &fakeSpecialist{role: domain.RolePrimary, fn: func(_ context.Context, s *domain.State, _ int) (domain.Update, error) {
		return domain.Update{Messages: []domain.Message{domain.NewAssistantMessage("hello", s.Now())}}, nil
	}}
	offer := offerSpecialist()
	e := newTestExecutor(t, 1, time.Second, primary, offer)

	s := newTurnState("hi")
	res, err := e.Run(context.Background(), s)
	require.NoError(t, err)
	require.Equal(t, "hello", res.Reply)
	require.Equal(t, []domain.Role{domain.RolePrimary}, res.Trace)
	require.Zero(t, res.Hops)
	require.Zero(t, offer.calls.Load())
	require.Len(t, s.Messages, 2)
}

func TestRunRoutesAtMostOnce(t *testing.T) {
	t.Parallel()

	primary := routingPrimary(domain.RoleRiskOffer)
	offer := offerSpecialist()
	serv := &fakeSpecialist{role: domain.RoleServicing, fn: func(context.Context, *domain.State, int) (domain.Update, error) {
		return domain.Update{}, nil
	}}
	e := newTestExecutor(t, 1, time.Second, primary, offer, serv)

	s := newTurnState("numbers")
	res, err := e.Run(context.Background(), s)
	require.NoError(t, err)

	require.Equal(t, []domain.Role{domain.RolePrimary, domain.RoleRiskOffer, domain.RolePrimary}, res.Trace)
	require.Equal(t, 1, res.Hops)
	require.Equal(t, "after risk_offer", res.Reply)
	require.EqualValues(t, 2, primary.calls.Load())
	require.EqualValues(t, 1, offer.calls.Load())
	require.Zero(t, serv.calls.Load(), "the second routing signal is left for the next turn")
	require.Equal(t, domain.RoleServicing, s.NextAgent)
	require.NotNil(t, s.LoanOffer)
}

func TestRunUnknownRoleEndsTurn(t *testing.T) {
	t.Parallel()

	primary := routingPrimary(domain.RoleAdvice)
	e := newTestExecutor(t, 1, time.Second, primary)

	res, err := e.Run(context.Background(), newTurnState("yes"))
	require.NoError(t, err)
	require.Equal(t, []domain.Role{domain.RolePrimary, domain.RolePrimary}, res.Trace)
	require.Zero(t, res.Hops)
	require.Equal(t, "after ", res.Reply)
}

func TestRunWithZeroHopsForcesReply(t *testing.T) {
	t.Parallel()

	primary := routingPrimary(domain.RoleRiskOffer)
	offer := offerSpecialist()
	e := newTestExecutor(t, 0, time.Second, primary, offer)

	s := newTurnState("numbers")
	res, err := e.Run(context.Background(), s)
	require.NoError(t, err)
	require.Zero(t, offer.calls.Load())
	require.Equal(t, []domain.Role{domain.RolePrimary, domain.RolePrimary}, res.Trace)
	require.NotEmpty(t, res.Reply)
	require.Equal(t, 1, s.Turn.Hop)
}

func TestSpecialistTimeoutRetriedOnce(t *testing.T) {
	t.Parallel()

	offer := &fakeSpecialist{role: domain.RoleRiskOffer, fn: func(_ context.Context, _ *domain.State, call int) (domain.Update, error) {
		if call == 1 {
			return domain.Update{}, specialist.ErrTimeout
		}
		return domain.Update{LoanOffer: &domain.LoanOffer{Amount: 5000}}, nil
	}}
	e := newTestExecutor(t, 1, time.Second, routingPrimary(domain.RoleRiskOffer), offer)

	s := newTurnState("numbers")
	_, err := e.Run(context.Background(), s)
	require.NoError(t, err)
	require.EqualValues(t, 2, offer.calls.Load())
	require.NotNil(t, s.LoanOffer)
}

func TestSpecialistTimeoutFailsAfterRetry(t *testing.T) {
	t.Parallel()

	offer := &fakeSpecialist{role: domain.RoleRiskOffer, fn: func(ctx context.Context, _ *domain.State, _ int) (domain.Update, error) {
		<-ctx.Done()
		return domain.Update{}, ctx.Err()
	}}
	e := newTestExecutor(t, 1, 20*time.Millisecond, routingPrimary(domain.RoleRiskOffer), offer)

	_, err := e.Run(context.Background(), newTurnState("numbers"))
	require.ErrorIs(t, err, ErrSpecialistFailed)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.EqualValues(t, 2, offer.calls.Load())
}

func TestSpecialistErrorFailsTurn(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	offer := &fakeSpecialist{role: domain.RoleRiskOffer, fn: func(context.Context, *domain.State, int) (domain.Update, error) {
		return domain.Update{}, boom
	}}
	e := newTestExecutor(t, 1, time.Second, routingPrimary(domain.RoleRiskOffer), offer)

	res, err := e.Run(context.Background(), newTurnState("numbers"))
	require.ErrorIs(t, err, ErrSpecialistFailed)
	require.ErrorIs(t, err, boom)
	require.EqualValues(t, 1, offer.calls.Load(), "only timeouts are retried")
	require.Empty(t, res.Reply)
}

func TestCancelledTurnIsNotRetried(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	offer := &fakeSpecialist{role: domain.RoleRiskOffer, fn: func(context.Context, *domain.State, int) (domain.Update, error) {
		cancel()
		return domain.Update{}, specialist.ErrTimeout
	}}
	e := newTestExecutor(t, 1, time.Second, routingPrimary(domain.RoleRiskOffer), offer)

	_, err := e.Run(ctx, newTurnState("numbers"))
	require.ErrorIs(t, err, specialist.ErrTimeout)
	require.EqualValues(t, 1, offer.calls.Load())
}

func TestSpecialistWritesAreRestricted(t *testing.T) {
	t.Parallel()

	offer := &fakeSpecialist{role: domain.RoleRiskOffer, fn: func(_ context.Context, s *domain.State, _ int) (domain.Update, error) {
		return domain.Update{
			LoanOffer: &domain.LoanOffer{Amount: 5000},
			Phase:     domain.Some(domain.PhaseDelinquent),
			Messages:  []domain.Message{domain.NewAssistantMessage("sneaky", s.Now())},
			Advice:    domain.Some("spend it all"),
		}, nil
	}}
	e := newTestExecutor(t, 1, time.Second, routingPrimary(domain.RoleRiskOffer), offer)

	s := newTurnState("numbers")
	res, err := e.Run(context.Background(), s)
	require.NoError(t, err)
	require.NotNil(t, s.LoanOffer)
	require.Equal(t, domain.PhaseOnboarding, s.Phase)
	require.Empty(t, s.Advice)
	require.Equal(t, "after risk_offer", res.Reply)
	for _, m := range s.Messages {
		require.NotEqual(t, "sneaky", m.Text())
	}
}

func realExecutor(t *testing.T) *Executor {
	t.Helper()
	instr := instructions.NewSource(nil, time.Minute, nil)
	return newTestExecutor(t, 1, time.Second,
		partner.New(llm.Offline{}, instr, 2, nil),
		underwriting.New(nil),
		servicing.New(llm.Offline{}, instr, nil),
		coaching.New(llm.Offline{}, instr, nil),
	)
}

func readyForOffer() *domain.State {
	s := newTurnState("my revenue is 30k and I want inventory")
	s.Business.Type = domain.Some("bakery")
	s.Business.Location = domain.Some("Condesa")
	s.Business.YearsOperating = domain.Some(3)
	s.Business.MonthlyRevenue = domain.Some(30000.0)
	s.Business.LoanPurpose = domain.Some("inventory")
	s.Photos = []domain.Photo{{MediaType: "image/jpeg", Data: "AAAA", ReceivedAt: testNow}}
	s.PhotoInsights = []domain.PhotoInsight{partner.ParseAnalysis("", 0)}
	s.CompletedTasks = domain.RequiredTasks()
	return s
}

func TestScenarioOfferThenAcceptance(t *testing.T) {
	t.Parallel()

	e := realExecutor(t)
	ctx := context.Background()

	s := readyForOffer()
	res, err := e.Run(ctx, s)
	require.NoError(t, err)
	require.Equal(t, []domain.Role{domain.RolePrimary, domain.RoleRiskOffer, domain.RolePrimary}, res.Trace)
	require.NotNil(t, s.LoanOffer)
	require.True(t, s.LoanOffered)
	require.Equal(t, domain.PhaseOffer, s.Phase)
	require.Contains(t, res.Reply, "Good news!")
	require.Equal(t, res.Reply, s.Messages[len(s.Messages)-1].Text())

	s.Messages = append(s.Messages, domain.NewUserMessage("Yes, I accept", testNow))
	s.NextAgent = domain.RoleNone
	res, err = e.Run(ctx, s)
	require.NoError(t, err)
	require.Equal(t, []domain.Role{domain.RolePrimary, domain.RoleAdvice, domain.RolePrimary}, res.Trace)
	require.True(t, s.LoanAccepted)
	require.True(t, s.AdviceProvided)
	require.Equal(t, s.Advice, res.Reply)
	require.Nil(t, s.Disbursement, "disbursement waits for the next turn")
	require.Equal(t, domain.RoleServicing, s.NextAgent)
}

func TestScenarioOnboardingQuestion(t *testing.T) {
	t.Parallel()

	s := newTurnState("I have a bakery in Condesa")
	res, err := realExecutor(t).Run(context.Background(), s)
	require.NoError(t, err)
	require.Equal(t, []domain.Role{domain.RolePrimary}, res.Trace)
	require.Contains(t, res.Reply, "Condesa")
	require.Equal(t, domain.PhaseOnboarding, s.Phase)
}
