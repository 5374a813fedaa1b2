package providers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	transportRetryBase = 200 * time.Millisecond
	transportAttempts  = 3
)

// Doer issues one HTTP request. http.Client satisfies it, as does the
// breaker-guarded wrapper a deployment can route adapter traffic through.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Option adjusts transport behavior shared by the HTTP adapters.
type Option func(*transportConfig)

type transportConfig struct {
	doer Doer
}

// WithDoer replaces the default http.Client used for adapter calls.
func WithDoer(d Doer) Option {
	return func(tc *transportConfig) {
		if d != nil {
			tc.doer = d
		}
	}
}

func resolveTransport(opts []Option) transportConfig {
	tc := transportConfig{doer: &http.Client{}}
	for _, opt := range opts {
		if opt != nil {
			opt(&tc)
		}
	}
	return tc
}

// shouldRetryTransport classifies transport-level failures worth an
// in-adapter retry before the error is surfaced to the supervisor.
func shouldRetryTransport(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, token := range []string{"connection reset", "connection refused", "broken pipe", "eof"} {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

// waitForBackoff sleeps a doubling delay between adapter attempts,
// abandoning the wait when ctx ends.
func waitForBackoff(ctx context.Context, attempt int) error {
	delay := transportRetryBase << attempt
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
