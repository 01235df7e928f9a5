// Package workflow runs a turn: the primary specialist, at most a bounded
// number of routed specialists in between, and the orchestration around it.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/bizpartner/internal/domain"
	"github.com/ashureev/bizpartner/internal/specialist"
)

// Executor defaults.
const (
	DefaultMaxHops           = 1
	DefaultSpecialistTimeout = 45 * time.Second
)

// ErrSpecialistFailed wraps an error returned by a specialist.
var ErrSpecialistFailed = errors.New("specialist failed")

// Result is the outcome of one turn.
type Result struct {
	// Reply is the last user-facing text produced by the primary specialist.
	Reply string
	// Trace lists every specialist invoked, in order, including each
	// primary hop.
	Trace []domain.Role
	// Hops counts routed specialist invocations.
	Hops int
}

// Executor is the bounded specialist loop.
type Executor struct {
	registry *specialist.Registry
	maxHops  int
	timeout  time.Duration
	logger   *slog.Logger
}

// NewExecutor creates an Executor. maxHops < 0 uses DefaultMaxHops and
// timeout <= 0 uses DefaultSpecialistTimeout. The registry must hold a
// primary specialist.
func NewExecutor(registry *specialist.Registry, maxHops int, timeout time.Duration, logger *slog.Logger) (*Executor, error) {
	if _, ok := registry.Get(domain.RolePrimary); !ok {
		return nil, errors.New("registry has no primary specialist")
	}
	if maxHops < 0 {
		maxHops = DefaultMaxHops
	}
	if timeout <= 0 {
		timeout = DefaultSpecialistTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{registry: registry, maxHops: maxHops, timeout: timeout, logger: logger}, nil
}

// MaxHops returns the routed invocation cap.
func (e *Executor) MaxHops() int {
	return e.maxHops
}

// Run executes one turn against s, applying every specialist update to it.
// On error s may be partially updated and must be discarded by the caller.
func (e *Executor) Run(ctx context.Context, s *domain.State) (Result, error) {
	primary, _ := e.registry.Get(domain.RolePrimary)
	var res Result

	s.Turn.MaxHops = e.maxHops
	s.Turn.Hop = 0
	s.Turn.Specialist = domain.RoleNone

	for {
		if err := e.invoke(ctx, primary, s, &res); err != nil {
			return res, err
		}

		next := s.NextAgent
		if next == domain.RoleNone {
			break
		}
		if res.Hops >= e.maxHops {
			e.logger.Debug("hop cap reached, ending turn",
				"session_id", s.SessionID,
				"role", next,
				"hops", res.Hops)
			break
		}
		sp, ok := e.registry.Get(next)
		if !ok || !next.Routable() {
			e.logger.Warn("routing signal names no registered specialist, ending turn",
				"session_id", s.SessionID,
				"role", next)
			break
		}

		if err := e.invoke(ctx, sp, s, &res); err != nil {
			return res, err
		}
		res.Hops++
		s.Turn.Hop = res.Hops
		s.Turn.Specialist = next
	}

	if res.Reply == "" {
		// The primary deferred its reply to a specialist that did not run.
		s.Turn.Hop = max(e.maxHops, 1)
		if err := e.invoke(ctx, primary, s, &res); err != nil {
			return res, err
		}
	}
	return res, nil
}

// invoke runs sp once, retrying a single time on timeout, then applies its
// update restricted to the fields its role may write.
func (e *Executor) invoke(ctx context.Context, sp specialist.Specialist, s *domain.State, res *Result) error {
	role := sp.Role()
	res.Trace = append(res.Trace, role)

	up, err := e.process(ctx, sp, s)
	if err != nil && retryable(ctx, err) {
		e.logger.Warn("specialist timed out, retrying once",
			"session_id", s.SessionID,
			"role", role,
			"error", err)
		up, err = e.process(ctx, sp, s)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSpecialistFailed, role, err)
	}

	up, dropped := up.Restrict(specialist.Writes(role))
	if dropped != 0 {
		e.logger.Warn("specialist wrote outside its fields, dropped",
			"session_id", s.SessionID,
			"role", role,
			"fields", dropped.String())
	}
	if err := up.Apply(s); err != nil {
		e.logger.Warn("specialist update partly rejected",
			"session_id", s.SessionID,
			"role", role,
			"error", err)
	}
	if role == domain.RolePrimary {
		if text, ok := up.AssistantText(); ok {
			res.Reply = text
		}
	}
	return nil
}

func (e *Executor) process(ctx context.Context, sp specialist.Specialist, s *domain.State) (domain.Update, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return sp.Process(callCtx, s)
}

// retryable reports whether err is a specialist timeout while the turn
// itself still has time left.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return errors.Is(err, specialist.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
