package capability

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAI is a Port for any OpenAI-compatible endpoint, driven through
// langchaingo. The JSON contract is carried by the prompt and checked by
// parseResponse, so it also works against servers without a JSON mode.
type OpenAI struct {
	llm         llms.Model
	maxTokens   int
	temperature float64
	limiter     *rate.Limiter
}

// NewOpenAI creates an OpenAI-compatible backend.
func NewOpenAI(cfg Config) (*OpenAI, error) {
	if !cfg.APIKey.IsSet() && cfg.BaseURL == "" {
		return nil, fmt.Errorf("openai API key required")
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}

	token := cfg.APIKey.Value()
	if token == "" {
		// Local OpenAI-compatible servers ignore the token but langchaingo
		// requires one.
		token = "unused"
	}

	opts := []openai.Option{
		openai.WithModel(model),
		openai.WithToken(token),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}
	return newOpenAIWithModel(llm, cfg), nil
}

func newOpenAIWithModel(llm llms.Model, cfg Config) *OpenAI {
	return &OpenAI{
		llm:         llm,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		limiter:     newLimiter(cfg),
	}
}

// Complete implements Port.
func (o *OpenAI) Complete(ctx context.Context, prompt string, schema *Schema) (*Result, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	opts := []llms.CallOption{llms.WithTemperature(o.temperature)}
	if o.maxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(o.maxTokens))
	}

	text, err := llms.GenerateFromSinglePrompt(ctx, o.llm, structuredPrompt(prompt, schema), opts...)
	if err != nil {
		return nil, fmt.Errorf("openai completion: %w", err)
	}
	return parseResponse(text, schema)
}
