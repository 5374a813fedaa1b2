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

const defaultTavilyBaseURL = "https://api.tavily.com"

// TavilyProvider implements web search over the Tavily HTTP API.
type TavilyProvider struct {
	apiKey     string
	baseURL    string
	client     Doer
	timeout    time.Duration
	maxResults int
	logger     *zap.Logger
}

func NewTavilyProvider(apiKey, baseURL string, timeout time.Duration, maxResults int, logger *zap.Logger, opts ...Option) (*TavilyProvider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("tavily: api key is required")
	}
	if baseURL == "" {
		baseURL = defaultTavilyBaseURL
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if maxResults < 1 {
		maxResults = 8
	}
	return &TavilyProvider{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     resolveTransport(opts).doer,
		timeout:    timeout,
		maxResults: maxResults,
		logger:     logger,
	}, nil
}

func (t *TavilyProvider) Name() string { return "tavily" }

func (t *TavilyProvider) Search(ctx context.Context, query string) ([]SearchResult, error) {
	ctx, span := tracing.StartProviderSpan(ctx, t.Name(), "search")
	defer span.End()

	payload := map[string]any{
		"query":               query,
		"max_results":         t.maxResults,
		"include_raw_content": true,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	results, err := t.call(ctx, body)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordProviderMetrics(t.Name(), "search", status, time.Since(start).Seconds())
	return results, err
}

func (t *TavilyProvider) call(ctx context.Context, body []byte) ([]SearchResult, error) {
	var lastErr error
	for attempt := 0; attempt < transportAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, t.timeout)

		req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, t.baseURL+"/search", bytes.NewReader(body))
		if err != nil {
			cancel()
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
		tracing.InjectTraceparent(ctx, req)

		resp, err := t.client.Do(req)
		if err != nil {
			cancel()
			lastErr = &ProviderError{Provider: t.Name(), Retryable: shouldRetryTransport(err), Err: err}
			if shouldRetryTransport(err) && attempt < transportAttempts-1 {
				if waitErr := waitForBackoff(ctx, attempt); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, lastErr
		}

		if resp.StatusCode >= http.StatusBadRequest {
			respBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
			cancel()

			lastErr = &ProviderError{
				Provider:  t.Name(),
				Status:    resp.StatusCode,
				Retryable: retryableStatus(resp.StatusCode),
				Err:       fmt.Errorf("%s", strings.TrimSpace(string(respBytes))),
			}
			if retryableStatus(resp.StatusCode) && attempt < transportAttempts-1 {
				if waitErr := waitForBackoff(ctx, attempt); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, lastErr
		}

		var parsed struct {
			Results []struct {
				Title      string  `json:"title"`
				URL        string  `json:"url"`
				Content    string  `json:"content"`
				RawContent string  `json:"raw_content"`
				Score      float64 `json:"score"`
			} `json:"results"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&parsed)
		_ = resp.Body.Close()
		cancel()
		if decodeErr != nil {
			return nil, &ProviderError{Provider: t.Name(), Err: decodeErr}
		}

		out := make([]SearchResult, 0, len(parsed.Results))
		for _, r := range parsed.Results {
			if strings.TrimSpace(r.URL) == "" {
				continue
			}
			out = append(out, SearchResult{
				URL:        r.URL,
				Title:      r.Title,
				Snippet:    r.Content,
				RawContent: r.RawContent,
				Score:      r.Score,
			})
		}
		return out, nil
	}
	return nil, lastErr
}
