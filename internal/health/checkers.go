package health

import (
	"context"
	"fmt"
	"time"

	"github.com/meridianlabs-ai/atlas/internal/circuitbreaker"
	"github.com/meridianlabs-ai/atlas/internal/presets"
	"github.com/meridianlabs-ai/atlas/internal/providers"
)

// ProviderChecker verifies the external capabilities the engine cannot
// run without. It is critical: a missing search or completion provider
// means every run would fail at its first stage.
type ProviderChecker struct {
	search     providers.SearchProvider
	completion providers.CompletionProvider
}

func NewProviderChecker(search providers.SearchProvider, completion providers.CompletionProvider) *ProviderChecker {
	return &ProviderChecker{search: search, completion: completion}
}

func (c *ProviderChecker) Name() string           { return "providers" }
func (c *ProviderChecker) Critical() bool         { return true }
func (c *ProviderChecker) Timeout() time.Duration { return 1 * time.Second }

func (c *ProviderChecker) Check(ctx context.Context) CheckResult {
	if c.search == nil {
		return CheckResult{Status: StatusUnhealthy, Message: "no search provider configured"}
	}
	if c.completion == nil {
		return CheckResult{Status: StatusUnhealthy, Message: "no completion provider configured"}
	}
	return CheckResult{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("search=%s completion=%s", c.search.Name(), c.completion.Name()),
	}
}

// RedisChecker probes the event mirror's Redis through the circuit
// breaker wrapper. Non-critical: the mirror is an optional sink and
// runs proceed without it.
type RedisChecker struct {
	wrapper *circuitbreaker.RedisWrapper
}

func NewRedisChecker(wrapper *circuitbreaker.RedisWrapper) *RedisChecker {
	return &RedisChecker{wrapper: wrapper}
}

func (c *RedisChecker) Name() string           { return "redis" }
func (c *RedisChecker) Critical() bool         { return false }
func (c *RedisChecker) Timeout() time.Duration { return 2 * time.Second }

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	if c.wrapper == nil {
		return CheckResult{Status: StatusHealthy, Message: "event mirror not configured"}
	}
	if c.wrapper.IsCircuitBreakerOpen() {
		return CheckResult{Status: StatusDegraded, Message: "circuit breaker open"}
	}
	if err := c.wrapper.Ping(ctx).Err(); err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: "ping failed", Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, Message: "event mirror reachable"}
}

// DocumentStoreChecker probes the local document database backing
// document-set retrieval. Non-critical: only runs that reference a
// document set depend on it.
type DocumentStoreChecker struct {
	docs *providers.LocalDocsProvider
}

func NewDocumentStoreChecker(docs *providers.LocalDocsProvider) *DocumentStoreChecker {
	return &DocumentStoreChecker{docs: docs}
}

func (c *DocumentStoreChecker) Name() string           { return "document_store" }
func (c *DocumentStoreChecker) Critical() bool         { return false }
func (c *DocumentStoreChecker) Timeout() time.Duration { return 2 * time.Second }

func (c *DocumentStoreChecker) Check(ctx context.Context) CheckResult {
	if c.docs == nil {
		return CheckResult{Status: StatusHealthy, Message: "document store not configured"}
	}
	if err := c.docs.Ping(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: "ping failed", Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, Message: "document store reachable"}
}

// PresetChecker reports whether the preset registry holds any entries.
// Non-critical: requests without a preset are always servable.
type PresetChecker struct {
	registry *presets.Registry
}

func NewPresetChecker(registry *presets.Registry) *PresetChecker {
	return &PresetChecker{registry: registry}
}

func (c *PresetChecker) Name() string           { return "presets" }
func (c *PresetChecker) Critical() bool         { return false }
func (c *PresetChecker) Timeout() time.Duration { return 1 * time.Second }

func (c *PresetChecker) Check(ctx context.Context) CheckResult {
	if c.registry == nil {
		return CheckResult{Status: StatusHealthy, Message: "presets not configured"}
	}
	n := c.registry.Len()
	if n == 0 {
		return CheckResult{Status: StatusDegraded, Message: "no presets loaded"}
	}
	return CheckResult{Status: StatusHealthy, Message: fmt.Sprintf("%d presets loaded", n)}
}
