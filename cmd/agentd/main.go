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

	"github.com/chatdock/agentd/internal/auth"
	"github.com/chatdock/agentd/internal/circuitbreaker"
	"github.com/chatdock/agentd/internal/config"
	"github.com/chatdock/agentd/internal/db"
	"github.com/chatdock/agentd/internal/httpapi"
	"github.com/chatdock/agentd/internal/knowledge"
	"github.com/chatdock/agentd/internal/llm"
	_ "github.com/chatdock/agentd/internal/metrics" // register collectors
	"github.com/chatdock/agentd/internal/notify"
	"github.com/chatdock/agentd/internal/pipeline"
	"github.com/chatdock/agentd/internal/ratecontrol"
	"github.com/chatdock/agentd/internal/registry"
	"github.com/chatdock/agentd/internal/tracing"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	circuitbreaker.StartMetricsCollection()

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		logger.Warn("Tracing initialization failed, continuing without it", zap.Error(err))
	}

	// Supersession registry on Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	runRegistry, err := registry.New(redisClient, cfg.Registry.TTL, logger)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer runRegistry.Close()

	// Conversation store on Postgres
	store, err := db.NewClient(&db.Config{
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		Database: cfg.Postgres.Database,
		SSLMode:  cfg.Postgres.SSLMode,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to connect to Postgres", zap.Error(err))
	}
	defer store.Close()

	provider := llm.NewClient(llm.Config{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout,
	}, logger)

	notifier := notify.NewManager(256)

	catalog, err := config.NewMessageCatalog(cfg.Messages.Path, logger)
	if err != nil {
		logger.Fatal("Failed to load fallback messages", zap.Error(err))
	}
	defer catalog.Close()

	var searcher pipeline.KnowledgeSearcher
	if s := knowledge.NewSearcher(knowledge.Config{
		Enabled:        cfg.Knowledge.Enabled,
		QdrantURL:      cfg.Knowledge.QdrantURL,
		Collection:     cfg.Knowledge.Collection,
		EmbedURL:       cfg.Knowledge.EmbedURL,
		EmbedKey:       cfg.Knowledge.EmbedKey,
		EmbedModel:     cfg.Knowledge.EmbedModel,
		Timeout:        cfg.Knowledge.Timeout,
		ScoreThreshold: cfg.Knowledge.ScoreThreshold,
	}, logger); s != nil {
		searcher = s
		logger.Info("Knowledge search enabled", zap.String("collection", cfg.Knowledge.Collection))
	}

	runner := pipeline.NewRunner(runRegistry, store, provider, notifier, catalog, logger, pipeline.Options{
		PollInterval:      cfg.Pipeline.PollInterval,
		HeartbeatInterval: cfg.Pipeline.HeartbeatInterval,
		Searcher:          searcher,
	})

	// API surface
	verifier := auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.SkipAuth || cfg.Auth.Secret == "")
	limiter := ratecontrol.NewLimiter(cfg.Ingest.RateLimitRPS, cfg.Ingest.Burst)

	mux := http.NewServeMux()
	triggers := httpapi.NewTriggerHandler(runner, limiter, logger, cfg.LLM.Timeout+time.Minute)
	triggers.RegisterRoutes(mux)
	httpapi.NewStreamHandler(notifier).RegisterRoutes(mux)
	httpapi.NewHealthHandler(logger, map[string]httpapi.Pinger{
		"redis": func(ctx context.Context) error {
			return runRegistry.RedisWrapper().Ping(ctx).Err()
		},
		"postgres": func(ctx context.Context) error {
			return store.Wrapper().PingContext(ctx)
		},
	}).RegisterRoutes(mux)

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      verifier.Middleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket streams stay open
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// Metrics on a separate port, unauthenticated
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		logger.Info("Metrics server listening", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, metricsMux); err != nil {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	if err := triggers.Drain(shutdownCtx); err != nil {
		logger.Warn("Shutdown drain window expired with runs still in flight", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}
