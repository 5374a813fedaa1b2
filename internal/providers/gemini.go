package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/meridianlabs-ai/atlas/internal/metrics"
)

// GeminiProvider adapts the Gemini API to the completion capability.
type GeminiProvider struct {
	model  string
	client *genai.Client
}

// NewGeminiProvider initializes a Gemini API client for one model.
func NewGeminiProvider(ctx context.Context, apiKey, model string) (*GeminiProvider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("gemini: api key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize gemini client: %w", err)
	}
	return &GeminiProvider{model: model, client: client}, nil
}

func (g *GeminiProvider) Name() string { return "gemini" }

func (g *GeminiProvider) Complete(ctx context.Context, prompt string, constraints Constraints) (string, error) {
	var cfg *genai.GenerateContentConfig
	if constraints.MaxTokens > 0 || constraints.Temperature > 0 {
		cfg = &genai.GenerateContentConfig{}
		if constraints.MaxTokens > 0 {
			cfg.MaxOutputTokens = int32(constraints.MaxTokens)
		}
		if constraints.Temperature > 0 {
			cfg.Temperature = genai.Ptr(constraints.Temperature)
		}
	}

	start := time.Now()
	response, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), cfg)
	if err != nil {
		metrics.RecordProviderMetrics(g.Name(), "complete", "error", time.Since(start).Seconds())
		return "", &ProviderError{Provider: g.Name(), Retryable: true, Err: err}
	}
	metrics.RecordProviderMetrics(g.Name(), "complete", "ok", time.Since(start).Seconds())

	text := strings.TrimSpace(response.Text())
	if text == "" {
		return "", &ProviderError{Provider: g.Name(), Err: fmt.Errorf("no text returned")}
	}
	return text, nil
}
