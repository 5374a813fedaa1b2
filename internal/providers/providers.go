// Package providers defines the narrow capability interfaces the engine
// consumes, external search and text completion, together with the
// concrete adapters a deployment wires in. The engine never branches on
// a concrete provider identity; swapping any adapter for a stub must not
// change core behavior.
package providers

import (
	"context"
	"errors"
	"fmt"
)

// SearchResult is one candidate document returned by a search capability.
type SearchResult struct {
	URL        string  `json:"url"`
	Title      string  `json:"title,omitempty"`
	Snippet    string  `json:"snippet"`
	RawContent string  `json:"raw_content,omitempty"`
	Score      float64 `json:"score,omitempty"`
}

// Constraints bound a completion call.
type Constraints struct {
	MaxTokens   int
	Temperature float32
}

// SearchProvider is the external retrieval capability.
type SearchProvider interface {
	Name() string
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// CompletionProvider is the external generation capability.
type CompletionProvider interface {
	Name() string
	Complete(ctx context.Context, prompt string, constraints Constraints) (string, error)
}

// DocumentSearcher retrieves from a named local document set. Used in
// addition to web search when a request carries a documentSetRef.
type DocumentSearcher interface {
	Name() string
	SearchSet(ctx context.Context, setRef, query string) ([]SearchResult, error)
}

// ProviderError is a transport or quota failure from an external
// capability. Retryable failures are retried by the supervisor's task
// policy; adapters may additionally retry transient statuses themselves.
type ProviderError struct {
	Provider  string
	Status    int
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("provider %s: status %d: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a provider failure worth retrying.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

func retryableStatus(status int) bool {
	return status == 429 || status >= 500
}
