package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"google.golang.org/genai"

	"github.com/ashureev/bizpartner/internal/domain"
)

const defaultGeminiModel = "gemini-2.5-flash"

// Gemini generates text through the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini generator.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if model == "" {
		model = defaultGeminiModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	return &Gemini{client: client, model: model}, nil
}

// Name returns the backend name.
func (g *Gemini) Name() string {
	return "gemini:" + g.model
}

// Generate sends the request to the model and returns its text.
func (g *Gemini) Generate(ctx context.Context, req Request) (string, error) {
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		c, err := toContent(m)
		if err != nil {
			return "", err
		}
		if c != nil {
			contents = append(contents, c)
		}
	}
	if len(contents) == 0 {
		return "", fmt.Errorf("generate %s: no content", req.Purpose)
	}

	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("generate %s: %w", req.Purpose, ErrTimeout)
		}
		return "", fmt.Errorf("generate %s: %w", req.Purpose, err)
	}

	text := resp.Text()
	slog.Debug("generation complete", "purpose", req.Purpose, "model", g.model, "chars", len(text))
	return text, nil
}

func toContent(m domain.Message) (*genai.Content, error) {
	role := genai.RoleUser
	if m.Role == domain.RoleAssistantMessage {
		role = genai.RoleModel
	}

	var parts []*genai.Part
	for _, p := range m.Parts {
		switch p.Type {
		case domain.PartText:
			if p.Text != "" {
				parts = append(parts, genai.NewPartFromText(p.Text))
			}
		case domain.PartImage:
			mediaType, payload := SplitDataURL(p.Data, p.MediaType)
			if mediaType == "" {
				mediaType = "image/jpeg"
			}
			data, err := base64.StdEncoding.DecodeString(payload)
			if err != nil {
				return nil, fmt.Errorf("decode image part: %w", err)
			}
			parts = append(parts, genai.NewPartFromBytes(data, mediaType))
		}
	}
	if len(parts) == 0 {
		return nil, nil
	}
	return genai.NewContentFromParts(parts, genai.Role(role)), nil
}

// isTransient reports whether a backend error is worth one retry.
func isTransient(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError
	}
	return false
}
