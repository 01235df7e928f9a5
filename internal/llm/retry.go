package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

type retrying struct {
	next    Generator
	timeout time.Duration
	logger  *slog.Logger
}

// WithRetry bounds every call to next by timeout and retries a timed out or
// transient failure once. A nil logger uses slog.Default.
func WithRetry(next Generator, timeout time.Duration, logger *slog.Logger) Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &retrying{next: next, timeout: timeout, logger: logger}
}

func (r *retrying) Generate(ctx context.Context, req Request) (string, error) {
	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		var text string
		text, err = r.once(ctx, req)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return "", err
		}
		if attempt == 1 {
			r.logger.Warn("generation failed, retrying once",
				"purpose", req.Purpose,
				"error", err)
		}
	}
	return "", err
}

func (r *retrying) once(ctx context.Context, req Request) (string, error) {
	if r.timeout <= 0 {
		return r.next.Generate(ctx, req)
	}
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	text, err := r.next.Generate(callCtx, req)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		return "", fmt.Errorf("%w after %s: %w", ErrTimeout, r.timeout, err)
	}
	return text, err
}

func retryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) || isTransient(err)
}
