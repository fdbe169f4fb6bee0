package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultAnthropicModel   = "claude-3-5-sonnet-20241022"
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
	defaultTimeout          = 60 * time.Second
)

// Anthropic is a Port backed by the Anthropic Messages API. Requests are
// rate limited; each Complete sends exactly one request and any failure,
// 429 and 5xx included, is returned to the caller.
type Anthropic struct {
	model       string
	apiKey      string
	baseURL     string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
	limiter     *rate.Limiter
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type anthropicError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewAnthropic creates an Anthropic backend.
func NewAnthropic(cfg Config) (*Anthropic, error) {
	if !cfg.APIKey.IsSet() {
		return nil, fmt.Errorf("anthropic API key required")
	}

	a := &Anthropic{
		model:       cfg.Model,
		apiKey:      cfg.APIKey.Value(),
		baseURL:     cfg.BaseURL,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		httpClient:  &http.Client{Timeout: cfg.Timeout.Or(defaultTimeout)},
		limiter:     newLimiter(cfg),
	}
	if a.model == "" {
		a.model = defaultAnthropicModel
	}
	if a.baseURL == "" {
		a.baseURL = defaultAnthropicBaseURL
	}
	if a.maxTokens <= 0 {
		a.maxTokens = 4096
	}
	return a, nil
}

func newLimiter(cfg Config) *rate.Limiter {
	if cfg.RatePerMin <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.RatePerMin/60.0), burst)
}

// Complete implements Port.
func (a *Anthropic) Complete(ctx context.Context, prompt string, schema *Schema) (*Result, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req := anthropicRequest{
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		Temperature: a.temperature,
		Messages:    []anthropicMessage{{Role: "user", Content: structuredPrompt(prompt, schema)}},
	}

	text, err := a.doRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	return parseResponse(text, schema)
}

func (a *Anthropic) doRequest(ctx context.Context, req anthropicRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", a.apiKey)
	httpReq.Header.Set("Anthropic-Version", anthropicVersion)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("rate limited (429)")
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("server error (%d): %s", resp.StatusCode, string(data))
	case resp.StatusCode != http.StatusOK:
		var errResp anthropicError
		if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
			return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, errResp.Error.Message)
		}
		return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, string(data))
	}

	var out anthropicResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	for _, block := range out.Content {
		if block.Type == "" || block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("empty response from API")
}
