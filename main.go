// Command atlas runs the research engine daemon: the research HTTP API,
// progress streaming over SSE and WebSocket, and health and metrics
// endpoints, all on one port.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/meridianlabs-ai/atlas/internal/agents"
	"github.com/meridianlabs-ai/atlas/internal/circuitbreaker"
	"github.com/meridianlabs-ai/atlas/internal/config"
	"github.com/meridianlabs-ai/atlas/internal/engine"
	"github.com/meridianlabs-ai/atlas/internal/health"
	"github.com/meridianlabs-ai/atlas/internal/httpapi"
	"github.com/meridianlabs-ai/atlas/internal/policy"
	"github.com/meridianlabs-ai/atlas/internal/presets"
	"github.com/meridianlabs-ai/atlas/internal/providers"
	"github.com/meridianlabs-ai/atlas/internal/scope"
	"github.com/meridianlabs-ai/atlas/internal/streaming"
	"github.com/meridianlabs-ai/atlas/internal/synthesis"
	"github.com/meridianlabs-ai/atlas/internal/throttle"
	"github.com/meridianlabs-ai/atlas/internal/tracing"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Engine exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		logger.Warn("Failed to initialize tracing", zap.Error(err))
	}

	registry := presets.NewRegistry(logger)
	if cfg.Presets.Dir != "" {
		if err := registry.LoadDirectory(cfg.Presets.Dir); err != nil {
			logger.Warn("Preset load failed", zap.String("dir", cfg.Presets.Dir), zap.Error(err))
		}
		if cfg.Presets.HotReload {
			if err := registry.Watch(cfg.Presets.Dir); err != nil {
				logger.Warn("Preset hot reload unavailable", zap.Error(err))
			} else {
				defer registry.StopWatch()
			}
		}
	}

	policyEngine := policy.NewEngine(policy.Config{
		Enabled:    cfg.Policy.Enabled,
		Mode:       policy.Mode(cfg.Policy.Mode),
		Path:       cfg.Policy.Path,
		FailClosed: cfg.Policy.FailClosed,
	}, logger)
	if cfg.Policy.Enabled {
		if err := policyEngine.LoadPolicies(ctx); err != nil {
			if cfg.Policy.FailClosed {
				return fmt.Errorf("load policies: %w", err)
			}
			logger.Warn("Policy load failed, sources admitted unfiltered", zap.Error(err))
		}
	}

	thr, err := throttle.New(cfg.Providers.Throttle.RequestsPerSecond, cfg.Providers.Throttle.Burst, cfg.Providers.Throttle.TiersPath, logger)
	if err != nil {
		return fmt.Errorf("throttle: %w", err)
	}

	searchProvider, err := buildSearchProvider(cfg.Providers.Search, logger)
	if err != nil {
		return err
	}
	completionProvider, err := buildCompletionProvider(ctx, cfg.Providers.Completion, logger)
	if err != nil {
		return err
	}

	var docs *providers.LocalDocsProvider
	if cfg.Providers.LocalDocs.Driver != "" {
		docs, err = providers.NewLocalDocsProvider(cfg.Providers.LocalDocs.Driver, cfg.Providers.LocalDocs.DSN, logger)
		if err != nil {
			logger.Warn("Local document store unavailable", zap.Error(err))
		} else {
			defer docs.Close()
		}
	}

	streamOpts := []streaming.ManagerOption{streaming.WithCapacity(cfg.Streaming.RingCapacity)}
	var redisWrapper *circuitbreaker.RedisWrapper
	if cfg.Streaming.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Streaming.Redis.Addr,
			Password: cfg.Streaming.Redis.Password,
			DB:       cfg.Streaming.Redis.DB,
		})
		redisWrapper = circuitbreaker.NewRedisWrapper(client, logger)
		mirror := streaming.NewRedisMirror(client, logger,
			streaming.WithStreamPrefix(cfg.Streaming.Redis.StreamPrefix),
			streaming.WithStreamMaxLen(cfg.Streaming.Redis.MaxLen),
		)
		streamOpts = append(streamOpts, streaming.WithMirror(mirror))
		logger.Info("Event mirror enabled", zap.String("addr", cfg.Streaming.Redis.Addr))
	}
	stream := streaming.NewManager(logger, streamOpts...)

	workerOpts := []agents.WorkerOption{
		agents.WithThrottle(thr),
		agents.WithBreaker(circuitbreaker.NewCircuitBreaker("search",
			circuitbreaker.ObserveStateChanges(circuitbreaker.GetSearchConfig().ToConfig()), logger)),
		agents.WithMaxNotes(cfg.Engine.MaxNotesPerTask),
	}
	if docs != nil {
		workerOpts = append(workerOpts, agents.WithDocumentSearcher(docs))
	}
	if policyEngine.Enabled() {
		workerOpts = append(workerOpts, agents.WithSourceAdmitter(policyEngine))
	}
	worker := agents.NewWorker(searchProvider, logger, workerOpts...)

	supervisor := agents.NewSupervisor(worker, agents.SupervisorConfig{
		MaxConcurrent: cfg.Engine.MaxConcurrentWorkers,
		TaskTimeout:   cfg.Engine.TaskTimeout(),
		MaxAttempts:   cfg.Engine.MaxAttempts,
		BackoffBase:   cfg.Engine.RetryBackoffBase(),
		BackoffCap:    cfg.Engine.RetryBackoffCap(),
		RunDeadline:   cfg.Engine.RunDeadline(),
		CancelGrace:   cfg.Engine.CancelGrace(),
	}, logger)

	scoper := scope.NewScoper(completionProvider, registry, 0, logger)
	synthesizer := synthesis.NewSynthesizer(completionProvider, logger)

	eng := engine.New(scoper, supervisor, synthesizer, stream, engine.Config{
		SimilarityThreshold: cfg.Engine.SimilarityThreshold,
	}, logger)

	mux := http.NewServeMux()
	httpapi.NewServer(eng, stream, logger).RegisterRoutes(mux)

	healthManager := health.NewManager(logger)
	healthManager.Register(health.NewProviderChecker(searchProvider, completionProvider))
	healthManager.Register(health.NewPresetChecker(registry))
	if redisWrapper != nil {
		healthManager.Register(health.NewRedisChecker(redisWrapper))
	}
	if docs != nil {
		healthManager.Register(health.NewDocumentStoreChecker(docs))
	}
	health.NewHandler(healthManager, logger).RegisterRoutes(mux)

	mux.Handle("/metrics", promhttp.Handler())

	// No WriteTimeout: SSE and WebSocket connections stay open for the
	// life of a run.
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", zap.Int("port", cfg.Server.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Server.ShutdownGraceMs)*time.Millisecond)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Engine shutdown incomplete", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Tracing shutdown incomplete", zap.Error(err))
	}
	return nil
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func buildSearchProvider(cfg config.SearchProviderConfig, logger *zap.Logger) (providers.SearchProvider, error) {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	switch cfg.Kind {
	case "tavily":
		doer := circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: timeout}, "tavily", logger)
		return providers.NewTavilyProvider(os.Getenv(cfg.APIKeyEnv), cfg.BaseURL, timeout, cfg.MaxResults, logger, providers.WithDoer(doer))
	default:
		return nil, fmt.Errorf("unknown search provider kind %q", cfg.Kind)
	}
}

func buildCompletionProvider(ctx context.Context, cfg config.CompletionProviderConfig, logger *zap.Logger) (providers.CompletionProvider, error) {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	apiKey := os.Getenv(cfg.APIKeyEnv)
	switch cfg.Kind {
	case "openai":
		doer := circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: timeout}, "openai", logger)
		return providers.NewOpenAIProvider(apiKey, cfg.Model, cfg.BaseURL, timeout, logger, providers.WithDoer(doer))
	case "gemini":
		return providers.NewGeminiProvider(ctx, apiKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown completion provider kind %q", cfg.Kind)
	}
}
