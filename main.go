package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/marketscope/orchestrator/internal/agents"
	"github.com/marketscope/orchestrator/internal/archive"
	"github.com/marketscope/orchestrator/internal/breaker"
	cfg "github.com/marketscope/orchestrator/internal/config"
	"github.com/marketscope/orchestrator/internal/health"
	"github.com/marketscope/orchestrator/internal/httpapi"
	"github.com/marketscope/orchestrator/internal/llm"
	"github.com/marketscope/orchestrator/internal/pipeline"
	"github.com/marketscope/orchestrator/internal/progress"
	"github.com/marketscope/orchestrator/internal/taskstore"
	"github.com/marketscope/orchestrator/internal/toolapi"
	"github.com/marketscope/orchestrator/internal/tracing"
)

func main() {
	ctx := context.Background()

	config, err := cfg.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := buildLogger(config.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	shutdownTracing, err := tracing.Initialize(tracing.Config{
		Enabled:      config.Tracing.Enabled,
		ServiceName:  config.Tracing.ServiceName,
		OTLPEndpoint: config.Tracing.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	// Redis is the backbone for task state and progress fan-out.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})
	wrapper := breaker.NewRedisWrapper(redisClient, logger)
	defer wrapper.Close()

	store := taskstore.New(wrapper, config.Redis.TaskTTL, logger)
	bus := progress.NewBus(wrapper, logger)

	if err := store.Ping(ctx); err != nil {
		logger.Warn("Redis not reachable at startup, continuing anyway",
			zap.String("addr", config.Redis.Addr),
			zap.Error(err))
	}

	toolClient := toolapi.NewClient(config.ToolAPI.BaseURL, config.ToolAPI.Timeout, logger)
	llmClient := llm.NewClient(llm.Options{
		BaseURL: config.LLM.BaseURL,
		APIKey:  config.LLM.APIKey,
		Model:   config.LLM.Model,
		Timeout: config.LLM.Timeout,
	}, logger)

	registry := agents.NewRegistry()
	for _, agent := range []agents.Agent{
		agents.NewValidationAgent(toolClient, llmClient, logger),
		agents.NewSectorAgent(toolClient, llmClient, logger),
		agents.NewCompetitorAgent(toolClient, llmClient, logger),
		agents.NewFinancialAgent(toolClient, llmClient, logger),
		agents.NewResearchAgent(toolClient, llmClient, logger),
		agents.NewSentimentAgent(toolClient, llmClient, logger),
		agents.NewTrendAgent(toolClient, llmClient, logger),
		agents.NewReportAgent(toolClient, llmClient, logger),
	} {
		if err := registry.Register(agent); err != nil {
			logger.Fatal("Failed to register agent", zap.Error(err))
		}
	}
	logger.Info("Agents registered", zap.Int("count", len(registry.Cards())))

	plans, err := pipeline.NewPlanManager(config.Pipeline.PlanPath, logger)
	if err != nil {
		logger.Fatal("Failed to load pipeline plan",
			zap.String("path", config.Pipeline.PlanPath),
			zap.Error(err))
	}
	defer plans.Close()
	if config.Pipeline.WatchPlan {
		if err := plans.Watch(); err != nil {
			logger.Warn("Plan hot reload unavailable", zap.Error(err))
		}
	}

	handler := agents.NewHandler(logger)
	executor := pipeline.NewExecutor(registry, handler, store, bus, logger)

	var archiver httpapi.Archiver
	if config.Archive.DSN != "" {
		archiveWriter, err := archive.NewWriter(config.Archive.DSN, logger)
		if err != nil {
			logger.Fatal("Failed to connect archive database", zap.Error(err))
		}
		defer archiveWriter.Close()
		archiver = archiveWriter
		logger.Info("Task archival enabled")
	}

	// Health endpoints on their own port so probes stay up while the API
	// is draining.
	healthMgr := health.NewManager(logger)
	healthMgr.Register("redis", health.CheckerFunc(func(ctx context.Context) error {
		return store.Ping(ctx)
	}))
	healthSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Server.HealthPort),
		Handler: healthMgr.Handler(),
	}
	go func() {
		logger.Info("Health endpoints listening", zap.String("addr", healthSrv.Addr))
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Health server error", zap.Error(err))
		}
	}()

	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Server.MetricsPort),
		Handler: promhttp.Handler(),
	}
	go func() {
		logger.Info("Metrics listening", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	api := httpapi.NewServer(httpapi.Options{
		Store:           store,
		Bus:             bus,
		Registry:        registry,
		Handler:         handler,
		Executor:        executor,
		Plans:           plans,
		Archive:         archiver,
		Logger:          logger,
		CreatePerMinute: config.RateLimit.CreatePerMinute,
		CreateBurst:     config.RateLimit.CreateBurst,
	})
	apiSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port),
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("API listening", zap.String("addr", apiSrv.Addr))
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("API server error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("API shutdown error", zap.Error(err))
	}
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Health shutdown error", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Metrics shutdown error", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("Tracing shutdown error", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
