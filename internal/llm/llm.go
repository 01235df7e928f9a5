// Package llm is the boundary to the text generation service used by the
// specialists.
package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/ashureev/bizpartner/internal/domain"
)

// Generation errors.
var (
	// ErrTimeout marks a generation call that ran past its deadline.
	ErrTimeout = errors.New("generation timed out")
	// ErrUnavailable means no generation backend is configured.
	ErrUnavailable = errors.New("generation unavailable")
)

// Purpose names what a request is for. It is used for logging and by
// scripted generators in tests.
type Purpose string

const (
	PurposeExtract  Purpose = "extract"
	PurposePhoto    Purpose = "photo"
	PurposeReply    Purpose = "reply"
	PurposeAdvice   Purpose = "advice"
	PurposeRecovery Purpose = "recovery"
	PurposeImpact   Purpose = "repayment_impact"
)

// Request is a single generation call.
type Request struct {
	Purpose   Purpose
	System    string
	Messages  []domain.Message
	MaxTokens int
	// JSON asks the backend for a JSON-only response.
	JSON bool
}

// Generator produces text for a request.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (string, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Offline is the generator used when no backend is configured. Every call
// fails with ErrUnavailable so callers take their documented fallbacks.
type Offline struct{}

// Generate always returns ErrUnavailable.
func (Offline) Generate(context.Context, Request) (string, error) {
	return "", ErrUnavailable
}

// SplitDataURL separates a "data:<mime>;base64," prefix from image data.
// Data without a prefix is returned unchanged with fallback as its type.
func SplitDataURL(data, fallback string) (mediaType, payload string) {
	if !strings.HasPrefix(data, "data:") {
		return fallback, data
	}
	header, payload, ok := strings.Cut(data, ",")
	if !ok {
		return fallback, ""
	}
	mediaType = strings.TrimPrefix(header, "data:")
	mediaType, _, _ = strings.Cut(mediaType, ";")
	if mediaType == "" {
		mediaType = fallback
	}
	return mediaType, payload
}

// StripFences removes a surrounding markdown code fence from a model reply.
func StripFences(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}
