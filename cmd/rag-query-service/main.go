// rag-query-service is the multi-tenant RAG query orchestration engine. It
// answers questions over each tenant's indexed documents through sync,
// streaming, and async HTTP endpoints.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/enterprise-rag/rag-query-engine/pkg/cache"
	"github.com/enterprise-rag/rag-query-engine/pkg/config"
	"github.com/enterprise-rag/rag-query-engine/pkg/conversation"
	"github.com/enterprise-rag/rag-query-engine/pkg/embedding"
	"github.com/enterprise-rag/rag-query-engine/pkg/handlers"
	"github.com/enterprise-rag/rag-query-engine/pkg/llm"
	"github.com/enterprise-rag/rag-query-engine/pkg/middleware"
	"github.com/enterprise-rag/rag-query-engine/pkg/monitoring"
	"github.com/enterprise-rag/rag-query-engine/pkg/optimizer"
	"github.com/enterprise-rag/rag-query-engine/pkg/rag"
	"github.com/enterprise-rag/rag-query-engine/pkg/vectorstore"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Service exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Service.LogLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("Starting RAG query service",
		"port", cfg.Service.Port,
		"vector_backend", cfg.VectorSearch.Backend,
		"conversation_backend", cfg.Conversation.Backend,
		"cache_backend", cfg.Cache.Backend,
		"providers", len(cfg.LLM.Providers),
	)

	searchEngine, err := buildSearchEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer searchEngine.Close()

	convStore, err := buildConversationStore(cfg, logger)
	if err != nil {
		return err
	}
	defer convStore.Close()

	responseCache, err := buildResponseCache(cfg, logger)
	if err != nil {
		return err
	}
	defer responseCache.Close()

	providers, err := llm.BuildProviders(cfg.LLM, logger)
	if err != nil {
		return fmt.Errorf("failed to build llm providers: %w", err)
	}
	if len(providers) == 0 {
		return fmt.Errorf("no llm providers configured; set OPENAI_API_KEY or OLLAMA_URL, or provide a config file")
	}
	metrics := monitoring.New(prometheus.DefaultRegisterer)
	orchestrator := llm.NewOrchestrator(cfg.LLM, providers, metrics, logger)

	service := rag.NewService(
		cfg,
		optimizer.New(cfg.Optimizer, logger),
		embedding.NewHTTPClient(cfg.Embedding, logger),
		searchEngine,
		convStore,
		responseCache,
		orchestrator,
		metrics,
		logger,
	)

	tasks := rag.NewTaskRegistry(service, logger)
	defer tasks.Close()

	limiter := middleware.NewTenantRateLimiter(cfg.Service.TenantRateLimit, cfg.Service.TenantRateBurst, logger)

	router := mux.NewRouter()
	handlers.New(service, tasks, orchestrator, logger).Register(router, logger, limiter)

	server := &http.Server{
		Addr:         ":" + cfg.Service.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Service.RequestDeadline + 15*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go providerHealthLoop(ctx, orchestrator)

	errChan := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.GracefulShutdown)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	logger.Info("Shutdown complete")
	return nil
}

func buildSearchEngine(cfg *config.Config, logger *slog.Logger) (vectorstore.SearchEngine, error) {
	switch cfg.VectorSearch.Backend {
	case "weaviate":
		engine, err := vectorstore.NewWeaviateEngine(cfg.VectorSearch, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to weaviate: %w", err)
		}
		return engine, nil
	case "memory", "":
		return vectorstore.NewMemoryEngine(logger), nil
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.VectorSearch.Backend)
	}
}

func buildConversationStore(cfg *config.Config, logger *slog.Logger) (conversation.Store, error) {
	switch cfg.Conversation.Backend {
	case "redis":
		store, err := conversation.NewRedisStore(cfg.Redis, cfg.Conversation, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect conversation store: %w", err)
		}
		return store, nil
	case "memory", "":
		return conversation.NewMemoryStore(cfg.Conversation, logger), nil
	default:
		return nil, fmt.Errorf("unknown conversation backend %q", cfg.Conversation.Backend)
	}
}

func buildResponseCache(cfg *config.Config, logger *slog.Logger) (cache.ResponseCache, error) {
	switch cfg.Cache.Backend {
	case "redis":
		c, err := cache.NewRedisCache(cfg.Redis, cfg.Cache, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect response cache: %w", err)
		}
		return c, nil
	case "memory", "":
		return cache.NewMemoryCache(cfg.Cache, logger), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}

func providerHealthLoop(ctx context.Context, orchestrator *llm.Orchestrator) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			orchestrator.HealthCheck(ctx)
		}
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
