package instructions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPFetcher reads instructions from a prompt-management API that serves
// GET {base}/api/public/v2/prompts/{name} with basic auth.
type HTTPFetcher struct {
	baseURL   string
	publicKey string
	secretKey string
	client    *http.Client
}

// NewHTTPFetcher creates an HTTPFetcher.
func NewHTTPFetcher(baseURL, publicKey, secretKey string, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		baseURL:   strings.TrimRight(baseURL, "/"),
		publicKey: publicKey,
		secretKey: secretKey,
		client:    &http.Client{Timeout: timeout},
	}
}

type promptResponse struct {
	Prompt  json.RawMessage `json:"prompt"`
	Version int             `json:"version"`
}

// Fetch retrieves the instruction text for name.
func (f *HTTPFetcher) Fetch(ctx context.Context, name string) (string, error) {
	endpoint := f.baseURL + "/api/public/v2/prompts/" + url.PathEscape(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	if f.publicKey != "" {
		req.SetBasicAuth(f.publicKey, f.secretKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("get prompt %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("get prompt %s: status %d", name, resp.StatusCode)
	}

	var body promptResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return "", fmt.Errorf("decode prompt %s: %w", name, err)
	}

	// Text prompts carry a string; chat prompts carry a list of messages.
	var text string
	if err := json.Unmarshal(body.Prompt, &text); err == nil {
		return text, nil
	}
	var chat []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(body.Prompt, &chat); err != nil {
		return "", fmt.Errorf("decode prompt %s body: %w", name, err)
	}
	parts := make([]string, 0, len(chat))
	for _, m := range chat {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n\n"), nil
}
