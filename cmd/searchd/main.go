// Command searchd serves hybrid search and the synchronous document API.
//
// It answers queries by fusing BM25 and vector similarity, records search
// traces in Redis, ingests and deletes documents in-process, and flushes the
// query cache whenever a cache-invalidate event arrives on Kafka.
//
// Usage:
//
//	go run ./cmd/searchd [-config configs/development.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/XcloudFance/Verdant-Search/internal/analytics"
	"github.com/XcloudFance/Verdant-Search/internal/embedding"
	"github.com/XcloudFance/Verdant-Search/internal/indexer"
	"github.com/XcloudFance/Verdant-Search/internal/indexer/stats"
	"github.com/XcloudFance/Verdant-Search/internal/ingestion/publisher"
	"github.com/XcloudFance/Verdant-Search/internal/searcher"
	"github.com/XcloudFance/Verdant-Search/internal/searcher/cache"
	"github.com/XcloudFance/Verdant-Search/internal/searcher/handler"
	"github.com/XcloudFance/Verdant-Search/internal/store"
	"github.com/XcloudFance/Verdant-Search/internal/tokenizer"
	"github.com/XcloudFance/Verdant-Search/pkg/config"
	"github.com/XcloudFance/Verdant-Search/pkg/database"
	"github.com/XcloudFance/Verdant-Search/pkg/health"
	"github.com/XcloudFance/Verdant-Search/pkg/kafka"
	"github.com/XcloudFance/Verdant-Search/pkg/logger"
	"github.com/XcloudFance/Verdant-Search/pkg/metrics"
	"github.com/XcloudFance/Verdant-Search/pkg/middleware"
	pkgredis "github.com/XcloudFance/Verdant-Search/pkg/redis"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	breakerThreshold = 5
	breakerReset     = 30 * time.Second
	cacheGroupID     = "verdant-searchd-cache"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting search service", "port", cfg.Server.Port, "driver", cfg.Database.Driver)

	m := metrics.New(prometheus.DefaultRegisterer)
	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer("searchd", cfg.Metrics.Port)
		defer shutdownMetrics(context.Background())
	}

	db, err := database.New(cfg.Database)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	st := store.New(db)
	if err := st.Migrate(context.Background()); err != nil {
		slog.Error("failed to migrate schema", "error", err)
		os.Exit(1)
	}

	embedder, err := embedding.New(cfg.Embedding, m)
	if err != nil {
		slog.Error("failed to create embedder", "error", err)
		os.Exit(1)
	}
	defer embedder.Close()
	slog.Info("embedder ready", "provider", cfg.Embedding.Provider, "model", embedder.Model())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	analyticsProducer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.AnalyticsEvents)
	defer analyticsProducer.Close()
	collector := analytics.NewCollector(analyticsProducer, 10000)
	collector.Start(ctx)
	defer collector.Close()

	invalidateProducer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.CacheInvalidate)
	defer invalidateProducer.Close()

	tok := tokenizer.New(tokenizer.Options{})
	index := indexer.NewService(indexer.Deps{
		Store:         st,
		Tokenizer:     tok,
		Embedder:      embedder,
		ImageEmbedder: embedder,
		Model:         embedder.Model(),
		MaxImages:     cfg.Embedding.MaxImages,
		Notifier:      publisher.NewNotifier(invalidateProducer),
		Events:        collector,
		Metrics:       m,
	})

	searchDeps := searcher.Deps{
		Store:         st,
		Tokenizer:     tok,
		Embedder:      embedder,
		ImageEmbedder: embedder,
		Events:        collector,
		Breaker:       searcher.NewSemanticBreaker(breakerThreshold, breakerReset, m),
		Metrics:       m,
		Search:        cfg.Search,
		Tracing:       cfg.Tracing,
	}
	handlerDeps := handler.Deps{
		Documents: index,
		StatsJob:  stats.NewRecomputer(st, cfg.Index.AdvisoryLock, m),
		Tokenizer: tok,
	}

	checker := health.NewChecker()
	checker.Register("database", health.PingCheck(db, false))

	redisClient, err := pkgredis.NewClient(cfg.Redis)
	if err != nil {
		slog.Warn("redis unavailable, caching and traces disabled", "error", err)
		checker.Register("redis", func(context.Context) health.ComponentHealth {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "not connected"}
		})
	} else {
		defer redisClient.Close()
		checker.Register("redis", health.PingCheck(redisClient, true))

		queryCache := cache.New[searcher.Response](redisClient, cfg.Redis.CacheTTL, m)
		traces := analytics.NewTraceRecorder(redisClient, cfg.Redis.TraceTTL, cfg.Redis.HistorySize)
		searchDeps.Cache = queryCache
		searchDeps.Traces = traces
		handlerDeps.Cache = queryCache
		handlerDeps.Traces = traces

		invalidations := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.CacheInvalidate, cacheGroupID, cache.HandleInvalidate(queryCache))
		go func() {
			if err := invalidations.Start(ctx); err != nil {
				slog.Error("cache invalidation consumer error", "error", err)
			}
		}()
		slog.Info("search cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
	}

	search := searcher.NewService(searchDeps)
	handlerDeps.Searcher = search
	h := handler.New(handlerDeps)

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	chain := middleware.Chain(mux,
		middleware.CORS(middleware.DefaultCORSConfig()),
		middleware.RequestID,
		middleware.Metrics(m),
		middleware.Timeout(cfg.Server.WriteTimeout),
	)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("search service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("search service stopped")
}
