// Package policy gates which retrieved sources may become evidence.
// Policies are OPA/Rego documents evaluated per source; decisions are
// cached so repeated domains do not pay evaluation cost on every
// result.
package policy

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"
)

// decisionQuery is the Rego document every policy bundle must define.
const decisionQuery = "data.atlas.sources.decision"

// Mode selects how policy decisions are applied.
type Mode string

const (
	// ModeOff admits every source without evaluation.
	ModeOff Mode = "off"
	// ModeDryRun evaluates and logs denials but admits everything.
	ModeDryRun Mode = "dry-run"
	// ModeEnforce blocks denied sources.
	ModeEnforce Mode = "enforce"
)

// Config controls the policy engine.
type Config struct {
	Enabled     bool
	Mode        Mode
	Path        string
	FailClosed  bool
	Environment string

	// CacheSize and CacheTTL bound the decision cache; zero selects
	// defaults.
	CacheSize int
	CacheTTL  time.Duration
}

const (
	defaultCacheSize = 1024
	defaultCacheTTL  = 5 * time.Minute
)

// SourceInput is the evaluation input for one retrieved source.
type SourceInput struct {
	TaskID      string `json:"task_id,omitempty"`
	URL         string `json:"url"`
	Domain      string `json:"domain"`
	Provider    string `json:"provider,omitempty"`
	Environment string `json:"environment,omitempty"`
}

// Decision is the final admission verdict for a source.
type Decision struct {
	Allow bool
	// Reason is the policy's explanation, mostly useful for denials.
	Reason string
	// DryRunOverride marks a denial that was admitted because the
	// engine runs in dry-run mode.
	DryRunOverride bool
}

// Engine evaluates source admission policies.
type Engine struct {
	mu       sync.RWMutex
	cfg      Config
	compiled *rego.PreparedEvalQuery
	cache    *decisionCache
	logger   *zap.Logger
}

// NewEngine builds an engine; call LoadPolicies before use.
func NewEngine(cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeOff
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Engine{
		cfg:    cfg,
		cache:  newDecisionCache(size, ttl),
		logger: logger,
	}
}

// LoadPolicies compiles every .rego file under the configured path and
// swaps the prepared query in atomically. Safe to call again for
// reload; on compile failure the previous policies stay active.
func (e *Engine) LoadPolicies(ctx context.Context) error {
	if !e.cfg.Enabled || e.cfg.Mode == ModeOff {
		e.logger.Info("Policy engine disabled, skipping policy load")
		return nil
	}

	modules := make(map[string]string)
	err := filepath.Walk(e.cfg.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".rego") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read policy file %s: %w", path, err)
		}
		rel, _ := filepath.Rel(e.cfg.Path, path)
		modules[strings.TrimSuffix(rel, ".rego")] = string(content)
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk policy path %s: %w", e.cfg.Path, err)
	}

	if len(modules) == 0 {
		if e.cfg.FailClosed {
			return fmt.Errorf("no policies found under %s in fail-closed mode", e.cfg.Path)
		}
		e.logger.Warn("No policy files found", zap.String("path", e.cfg.Path))
		return nil
	}

	opts := []func(*rego.Rego){rego.Query(decisionQuery)}
	for name, content := range modules {
		opts = append(opts, rego.Module(name, content))
	}

	compiled, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("compile policies: %w", err)
	}

	e.mu.Lock()
	e.compiled = &compiled
	e.mu.Unlock()
	e.cache.Purge()

	policiesLoaded.Set(float64(len(modules)))
	e.logger.Info("Source admission policies loaded",
		zap.Int("modules", len(modules)),
		zap.String("query", decisionQuery),
		zap.String("mode", string(e.cfg.Mode)),
	)
	return nil
}

// Enabled reports whether evaluation is active.
func (e *Engine) Enabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg.Enabled && e.cfg.Mode != ModeOff && e.compiled != nil
}

// Mode returns the configured enforcement mode.
func (e *Engine) Mode() Mode { return e.cfg.Mode }

// AdmitSource decides whether a source may become evidence. It never
// returns an error: evaluation failures map to the fail-open or
// fail-closed default, and dry-run mode converts denials into logged
// admissions.
func (e *Engine) AdmitSource(ctx context.Context, in SourceInput) Decision {
	start := time.Now()

	if !e.Enabled() {
		return Decision{Allow: true, Reason: "policy disabled"}
	}

	if in.Environment == "" {
		in.Environment = e.cfg.Environment
	}

	key := in.Domain + "|" + in.Provider
	if d, ok := e.cache.Get(key); ok {
		cacheHits.Inc()
		return d
	}
	cacheMisses.Inc()

	d := e.evaluate(ctx, in)

	if !d.Allow && e.cfg.Mode == ModeDryRun {
		e.logger.Warn("Policy denial overridden in dry-run mode",
			zap.String("url", in.URL),
			zap.String("domain", in.Domain),
			zap.String("reason", d.Reason),
		)
		d.Allow = true
		d.DryRunOverride = true
	}

	recordEvaluation(d, e.cfg.Mode, time.Since(start))
	e.cache.Set(key, d)
	return d
}

func (e *Engine) evaluate(ctx context.Context, in SourceInput) Decision {
	e.mu.RLock()
	compiled := e.compiled
	e.mu.RUnlock()

	input, err := toMap(in)
	if err != nil {
		e.logger.Error("Policy input conversion failed", zap.Error(err))
		return e.failureDecision("input conversion failed")
	}

	results, err := compiled.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		e.logger.Error("Policy evaluation failed", zap.Error(err))
		return e.failureDecision("policy evaluation error")
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return e.failureDecision("no matching policy rules")
	}

	obj, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return e.failureDecision("decision is not an object")
	}

	d := Decision{}
	d.Allow, _ = obj["allow"].(bool)
	d.Reason, _ = obj["reason"].(string)
	return d
}

func (e *Engine) failureDecision(reason string) Decision {
	return Decision{Allow: !e.cfg.FailClosed, Reason: reason}
}

func toMap(in SourceInput) (map[string]interface{}, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// decisionCache is a TTL-bounded LRU keyed by domain and provider.
type decisionCache struct {
	mu   sync.Mutex
	cap  int
	ttl  time.Duration
	list *list.List               // MRU at front
	m    map[string]*list.Element // key -> element
}

type cacheEntry struct {
	key       string
	expiresAt time.Time
	decision  Decision
}

func newDecisionCache(cap int, ttl time.Duration) *decisionCache {
	return &decisionCache{
		cap:  cap,
		ttl:  ttl,
		list: list.New(),
		m:    make(map[string]*list.Element),
	}
}

func (c *decisionCache) Get(key string) (Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.m[key]
	if !ok {
		return Decision{}, false
	}
	entry := el.Value.(cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.list.Remove(el)
		delete(c.m, key)
		return Decision{}, false
	}
	c.list.MoveToFront(el)
	return entry.decision, true
}

func (c *decisionCache) Set(key string, d Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.m[key]; ok {
		el.Value = cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), decision: d}
		c.list.MoveToFront(el)
		return
	}

	el := c.list.PushFront(cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), decision: d})
	c.m[key] = el

	if c.list.Len() > c.cap {
		lru := c.list.Back()
		if lru != nil {
			c.list.Remove(lru)
			delete(c.m, lru.Value.(cacheEntry).key)
		}
	}
}

func (c *decisionCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list.Init()
	c.m = make(map[string]*list.Element)
}
