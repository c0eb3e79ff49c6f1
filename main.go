package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/meridian-ai/meridian/go/orchestrator/internal/agent"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/circuitbreaker"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/config"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/conflict"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/db"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/embeddings"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/gather"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/health"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/httpapi"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/llm"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/plan"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/session"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/streaming"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/synthesis"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/vectordb"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/websearch"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Bring up the health manager and its endpoints early so probes get
	// answers while the rest of the process is still wiring up.
	hm := health.NewManager(15*time.Second, logger)
	httpMux := http.NewServeMux()
	hm.RegisterRoutes(httpMux)

	// Metrics on a separate port, matching the deployment's scrape config.
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: metricsMux,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	redisWrapper := circuitbreaker.NewRedisWrapper(rdb, logger)

	dbClient, err := db.NewClient(cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to connect to Postgres", zap.Error(err))
	}
	defer dbClient.Close()

	llmClient := llm.NewClient(cfg.LLM, logger)
	embedder := embeddings.NewClient(cfg.Embedding, logger)
	docIndex := vectordb.NewClient(cfg.VectorDB, logger)

	var webClient gather.WebSearcher
	if cfg.WebSearch.Enabled {
		webClient = websearch.NewClient(cfg.WebSearch, logger)
	} else {
		logger.Info("Web search disabled; gathering from document index only")
	}

	// Conflict knobs are hot-reloadable: the watcher folds config file
	// edits into the shared view without a restart.
	view := config.NewConflictView(cfg.Conflict)
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		watcher, err := config.NewWatcher(path, view, logger)
		if err != nil {
			logger.Warn("Config watcher unavailable; conflict knobs are fixed for this run", zap.Error(err))
		} else {
			defer watcher.Close()
		}
	}

	gatherer := gather.New(embedder, docIndex, webClient, cfg.Gather, cfg.WebSearch, view, logger)
	conflicts := conflict.NewEngine(view, logger)
	synth := synthesis.New(llmClient, logger)
	plans := plan.NewStore(dbClient, logger)
	sessions := session.NewManager(rdb, cfg.Session.TTL, cfg.Session.MaxCacheSize, logger)
	streams := streaming.NewManager(cfg.Streaming.RingCapacity, cfg.Streaming.SubscriberBuffer, logger)

	controller := agent.NewController(sessions, gatherer, conflicts, synth, plans, streams, llmClient, view, logger)

	authToken := os.Getenv("MERIDIAN_AUTH_TOKEN")
	httpapi.NewChatHandler(controller, logger, authToken).RegisterRoutes(httpMux)
	httpapi.NewStreamingHandler(streams, logger).RegisterRoutes(httpMux)
	httpapi.NewPlanHandler(plans, controller, logger).RegisterRoutes(httpMux)

	hm.Register(health.NewRedisChecker(redisWrapper))
	hm.Register(health.NewPostgresChecker(dbClient))
	hm.Register(health.NewHTTPChecker("llm-service", strings.TrimRight(cfg.LLM.BaseURL, "/")+"/health"))
	hm.Start()
	defer hm.Stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           httpMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening",
			zap.Int("port", cfg.Server.HTTPPort),
			zap.Int("metrics_port", cfg.Server.MetricsPort),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown incomplete", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

// buildLogger maps the logging config onto a zap production or console
// logger. Unknown levels fall back to info rather than failing startup.
func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(strings.ToLower(cfg.Level)); err != nil {
			level = zapcore.InfoLevel
		}
	}
	zc := zap.NewProductionConfig()
	if strings.EqualFold(cfg.Format, "console") {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
