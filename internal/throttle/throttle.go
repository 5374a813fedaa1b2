// Package throttle gates calls to external providers behind a shared
// token bucket. The bucket is sized independently of the worker pool
// ceiling: provider rate limits are usually lower than the parallelism
// we want for tasks.
package throttle

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/meridianlabs-ai/atlas/internal/metrics"
)

// Tier overrides the default bucket for one provider.
type Tier struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type tiersFile struct {
	Providers map[string]Tier `yaml:"providers"`
}

// Throttle is safe for concurrent use by all workers of all runs.
type Throttle struct {
	logger *zap.Logger

	mu          sync.RWMutex
	def         *rate.Limiter
	perProvider map[string]*rate.Limiter
}

// New builds a throttle with the default bucket and, when tiersPath is
// non-empty, per-provider overrides loaded from YAML.
func New(rps float64, burst int, tiersPath string, logger *zap.Logger) (*Throttle, error) {
	if rps <= 0 {
		return nil, fmt.Errorf("throttle rate must be > 0, got %v", rps)
	}
	if burst < 1 {
		burst = 1
	}
	t := &Throttle{
		logger:      logger,
		def:         rate.NewLimiter(rate.Limit(rps), burst),
		perProvider: make(map[string]*rate.Limiter),
	}
	if tiersPath != "" {
		if err := t.loadTiers(tiersPath); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Throttle) loadTiers(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read throttle tiers %s: %w", path, err)
	}
	var f tiersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse throttle tiers %s: %w", path, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, tier := range f.Providers {
		if tier.RequestsPerSecond <= 0 {
			t.logger.Warn("Skipping throttle tier with non-positive rate",
				zap.String("provider", name))
			continue
		}
		burst := tier.Burst
		if burst < 1 {
			burst = 1
		}
		t.perProvider[name] = rate.NewLimiter(rate.Limit(tier.RequestsPerSecond), burst)
	}
	return nil
}

// Wait blocks until the provider's bucket grants a token or ctx ends.
func (t *Throttle) Wait(ctx context.Context, provider string) error {
	lim := t.limiter(provider)
	start := time.Now()
	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("throttle wait for %s: %w", provider, err)
	}
	metrics.ThrottleWait.Observe(time.Since(start).Seconds())
	return nil
}

// Allow reports whether a token is available right now without blocking.
func (t *Throttle) Allow(provider string) bool {
	return t.limiter(provider).Allow()
}

func (t *Throttle) limiter(provider string) *rate.Limiter {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if lim, ok := t.perProvider[provider]; ok {
		return lim
	}
	return t.def
}
