package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/meridianlabs-ai/atlas/internal/metrics"
	"github.com/meridianlabs-ai/atlas/internal/tracing"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIProvider speaks the chat-completions protocol, which most hosted
// and self-hosted gateways expose. BaseURL overrides let it target any
// compatible endpoint.
type OpenAIProvider struct {
	apiKey  string
	model   string
	baseURL string
	client  Doer
	timeout time.Duration
	logger  *zap.Logger
}

// NewOpenAIProvider validates the key and returns an adapter bound to
// one model.
func NewOpenAIProvider(apiKey, model, baseURL string, timeout time.Duration, logger *zap.Logger, opts ...Option) (*OpenAIProvider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("openai: api key is required")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAIProvider{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  resolveTransport(opts).doer,
		timeout: timeout,
		logger:  logger,
	}, nil
}

func (o *OpenAIProvider) Name() string { return "openai" }

// Complete sends the prompt as a single user message and returns the
// first choice's content.
func (o *OpenAIProvider) Complete(ctx context.Context, prompt string, constraints Constraints) (string, error) {
	ctx, span := tracing.StartProviderSpan(ctx, o.Name(), "complete")
	defer span.End()

	payload := map[string]any{
		"model": o.model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}
	if constraints.MaxTokens > 0 {
		payload["max_tokens"] = constraints.MaxTokens
	}
	if constraints.Temperature > 0 {
		payload["temperature"] = constraints.Temperature
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	start := time.Now()
	text, err := o.call(ctx, body)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordProviderMetrics(o.Name(), "complete", status, time.Since(start).Seconds())
	return text, err
}

func (o *OpenAIProvider) call(ctx context.Context, body []byte) (string, error) {
	var lastErr error
	for attempt := 0; attempt < transportAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, o.timeout)

		req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			cancel()
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
		tracing.InjectTraceparent(ctx, req)

		resp, err := o.client.Do(req)
		if err != nil {
			cancel()
			lastErr = &ProviderError{Provider: o.Name(), Retryable: shouldRetryTransport(err), Err: err}
			if shouldRetryTransport(err) && attempt < transportAttempts-1 {
				if waitErr := waitForBackoff(ctx, attempt); waitErr != nil {
					return "", waitErr
				}
				continue
			}
			return "", lastErr
		}

		if resp.StatusCode >= http.StatusBadRequest {
			respBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
			cancel()

			lastErr = &ProviderError{
				Provider:  o.Name(),
				Status:    resp.StatusCode,
				Retryable: retryableStatus(resp.StatusCode),
				Err:       fmt.Errorf("%s", strings.TrimSpace(string(respBytes))),
			}
			if retryableStatus(resp.StatusCode) && attempt < transportAttempts-1 {
				if waitErr := waitForBackoff(ctx, attempt); waitErr != nil {
					return "", waitErr
				}
				continue
			}
			return "", lastErr
		}

		var parsed struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&parsed)
		_ = resp.Body.Close()
		cancel()
		if decodeErr != nil {
			return "", &ProviderError{Provider: o.Name(), Err: decodeErr}
		}
		if len(parsed.Choices) == 0 {
			return "", &ProviderError{Provider: o.Name(), Err: fmt.Errorf("no choices returned")}
		}
		return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
	}
	return "", lastErr
}
