// Package config loads the engine configuration from a YAML file with
// environment overrides. Every section has working defaults so the
// daemon starts with no config file at all.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration consumed by main.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Presets   PresetsConfig   `mapstructure:"presets"`
	Streaming StreamingConfig `mapstructure:"streaming"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

type ServerConfig struct {
	HTTPPort        int `mapstructure:"http_port"`
	ShutdownGraceMs int `mapstructure:"shutdown_grace_ms"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// EngineConfig carries the knobs the run controller and supervisor
// consume: pool ceiling, timeouts, retry budget, aggregation tuning.
type EngineConfig struct {
	MaxConcurrentWorkers int     `mapstructure:"max_concurrent_workers"`
	TaskTimeoutMs        int     `mapstructure:"task_timeout_ms"`
	RunDeadlineMs        int     `mapstructure:"run_deadline_ms"`
	MaxAttempts          int     `mapstructure:"max_attempts"`
	RetryBackoffBaseMs   int     `mapstructure:"retry_backoff_base_ms"`
	RetryBackoffCapMs    int     `mapstructure:"retry_backoff_cap_ms"`
	MaxNotesPerTask      int     `mapstructure:"max_notes_per_task"`
	SimilarityThreshold  float64 `mapstructure:"similarity_threshold"`
	CancelGraceMs        int     `mapstructure:"cancel_grace_ms"`
	StreamBuffer         int     `mapstructure:"stream_buffer"`
}

func (e EngineConfig) TaskTimeout() time.Duration {
	return time.Duration(e.TaskTimeoutMs) * time.Millisecond
}

func (e EngineConfig) RunDeadline() time.Duration {
	return time.Duration(e.RunDeadlineMs) * time.Millisecond
}

func (e EngineConfig) RetryBackoffBase() time.Duration {
	return time.Duration(e.RetryBackoffBaseMs) * time.Millisecond
}

func (e EngineConfig) RetryBackoffCap() time.Duration {
	return time.Duration(e.RetryBackoffCapMs) * time.Millisecond
}

func (e EngineConfig) CancelGrace() time.Duration {
	return time.Duration(e.CancelGraceMs) * time.Millisecond
}

type ProvidersConfig struct {
	Search     SearchProviderConfig     `mapstructure:"search"`
	Completion CompletionProviderConfig `mapstructure:"completion"`
	LocalDocs  LocalDocsConfig          `mapstructure:"local_docs"`
	Throttle   ThrottleConfig           `mapstructure:"throttle"`
}

type SearchProviderConfig struct {
	Kind       string `mapstructure:"kind"`
	BaseURL    string `mapstructure:"base_url"`
	APIKeyEnv  string `mapstructure:"api_key_env"`
	TimeoutMs  int    `mapstructure:"timeout_ms"`
	MaxResults int    `mapstructure:"max_results"`
}

type CompletionProviderConfig struct {
	Kind      string `mapstructure:"kind"`
	Model     string `mapstructure:"model"`
	BaseURL   string `mapstructure:"base_url"`
	APIKeyEnv string `mapstructure:"api_key_env"`
	TimeoutMs int    `mapstructure:"timeout_ms"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

// LocalDocsConfig configures the SQL-backed document-set provider used
// when a request carries a documentSetRef. Empty driver disables it.
type LocalDocsConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type ThrottleConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	TiersPath         string  `mapstructure:"tiers_path"`
}

type PresetsConfig struct {
	Dir       string `mapstructure:"dir"`
	HotReload bool   `mapstructure:"hot_reload"`
}

type StreamingConfig struct {
	RingCapacity int         `mapstructure:"ring_capacity"`
	Redis        RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Addr         string `mapstructure:"addr"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	StreamPrefix string `mapstructure:"stream_prefix"`
	MaxLen       int64  `mapstructure:"max_len"`
}

type PolicyConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Mode       string `mapstructure:"mode"`
	Path       string `mapstructure:"path"`
	FailClosed bool   `mapstructure:"fail_closed"`
}

type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// Load reads the config file at path (or $ATLAS_CONFIG, or
// ./config/atlas.yaml) and applies defaults and env overrides. A missing
// file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("ATLAS_CONFIG")
	}
	if path == "" {
		path = "config/atlas.yaml"
	}

	v := viper.New()
	setDefaults(v)

	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8081)
	v.SetDefault("server.shutdown_grace_ms", 10000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("engine.max_concurrent_workers", 4)
	v.SetDefault("engine.task_timeout_ms", 60000)
	v.SetDefault("engine.run_deadline_ms", 300000)
	v.SetDefault("engine.max_attempts", 3)
	v.SetDefault("engine.retry_backoff_base_ms", 500)
	v.SetDefault("engine.retry_backoff_cap_ms", 10000)
	v.SetDefault("engine.max_notes_per_task", 5)
	v.SetDefault("engine.similarity_threshold", 0.8)
	v.SetDefault("engine.cancel_grace_ms", 2000)
	v.SetDefault("engine.stream_buffer", 256)

	v.SetDefault("providers.search.kind", "tavily")
	v.SetDefault("providers.search.api_key_env", "TAVILY_API_KEY")
	v.SetDefault("providers.search.timeout_ms", 20000)
	v.SetDefault("providers.search.max_results", 8)

	v.SetDefault("providers.completion.kind", "openai")
	v.SetDefault("providers.completion.model", "gpt-4o-mini")
	v.SetDefault("providers.completion.api_key_env", "OPENAI_API_KEY")
	v.SetDefault("providers.completion.timeout_ms", 60000)
	v.SetDefault("providers.completion.max_tokens", 2048)

	v.SetDefault("providers.throttle.requests_per_second", 2.0)
	v.SetDefault("providers.throttle.burst", 2)

	v.SetDefault("presets.dir", "config/presets")
	v.SetDefault("presets.hot_reload", true)

	v.SetDefault("streaming.ring_capacity", 512)
	v.SetDefault("streaming.redis.enabled", false)
	v.SetDefault("streaming.redis.addr", "localhost:6379")
	v.SetDefault("streaming.redis.stream_prefix", "atlas:events")
	v.SetDefault("streaming.redis.max_len", 2048)

	v.SetDefault("policy.enabled", false)
	v.SetDefault("policy.mode", "dry-run")
	v.SetDefault("policy.path", "config/policy")
	v.SetDefault("policy.fail_closed", false)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "atlas-engine")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
}

func applyEnvOverrides(cfg *Config) {
	if p := os.Getenv("ATLAS_HTTP_PORT"); p != "" {
		var x int
		_, _ = fmt.Sscanf(p, "%d", &x)
		if x > 0 {
			cfg.Server.HTTPPort = x
		}
	}
	if lvl := os.Getenv("ATLAS_LOG_LEVEL"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if w := os.Getenv("ATLAS_MAX_WORKERS"); w != "" {
		var x int
		_, _ = fmt.Sscanf(w, "%d", &x)
		if x > 0 {
			cfg.Engine.MaxConcurrentWorkers = x
		}
	}
	if addr := os.Getenv("ATLAS_REDIS_ADDR"); addr != "" {
		cfg.Streaming.Redis.Enabled = true
		cfg.Streaming.Redis.Addr = addr
	}
	if dsn := os.Getenv("ATLAS_LOCAL_DOCS_DSN"); dsn != "" {
		cfg.Providers.LocalDocs.DSN = dsn
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	e := c.Engine
	if e.MaxConcurrentWorkers < 1 {
		return fmt.Errorf("engine.max_concurrent_workers must be >= 1, got %d", e.MaxConcurrentWorkers)
	}
	if e.TaskTimeoutMs <= 0 {
		return fmt.Errorf("engine.task_timeout_ms must be > 0, got %d", e.TaskTimeoutMs)
	}
	if e.MaxAttempts < 1 {
		return fmt.Errorf("engine.max_attempts must be >= 1, got %d", e.MaxAttempts)
	}
	if e.MaxNotesPerTask < 1 {
		return fmt.Errorf("engine.max_notes_per_task must be >= 1, got %d", e.MaxNotesPerTask)
	}
	if e.SimilarityThreshold <= 0 || e.SimilarityThreshold > 1 {
		return fmt.Errorf("engine.similarity_threshold must be in (0, 1], got %v", e.SimilarityThreshold)
	}
	if c.Providers.Throttle.RequestsPerSecond <= 0 {
		return fmt.Errorf("providers.throttle.requests_per_second must be > 0")
	}
	if c.Providers.Throttle.Burst < 1 {
		return fmt.Errorf("providers.throttle.burst must be >= 1")
	}
	return nil
}
