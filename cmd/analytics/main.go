// Command analytics starts the standalone analytics aggregation service.
//
// It consumes search and index events from Kafka, aggregates them in memory
// (totals, latency percentiles, cache hit rate, top and zero-result
// queries), snapshots the aggregate to the database and exposes it at
// GET /api/v1/analytics/stats.
//
// Usage:
//
//	go run ./cmd/analytics [-config configs/development.yaml]
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
	"github.com/XcloudFance/Verdant-Search/internal/analytics/aggregator"
	"github.com/XcloudFance/Verdant-Search/pkg/config"
	"github.com/XcloudFance/Verdant-Search/pkg/database"
	"github.com/XcloudFance/Verdant-Search/pkg/health"
	"github.com/XcloudFance/Verdant-Search/pkg/logger"
	"github.com/XcloudFance/Verdant-Search/pkg/metrics"
	"github.com/XcloudFance/Verdant-Search/pkg/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	groupID          = "verdant-analytics"
	snapshotInterval = time.Minute
)

// main boots the analytics service: it subscribes the aggregator to the
// analytics topic, snapshots it periodically and serves the HTTP API.
// Graceful shutdown is triggered by SIGINT/SIGTERM.
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
	slog.Info("starting analytics service", "port", cfg.Server.Port)

	m := metrics.New(prometheus.DefaultRegisterer)
	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer("analytics", cfg.Metrics.Port)
		defer shutdownMetrics(context.Background())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agg := analytics.NewAggregator()
	agg.Subscribe(cfg.Kafka, groupID)
	go func() {
		if err := agg.Start(ctx); err != nil {
			slog.Error("aggregator error", "error", err)
		}
	}()
	slog.Info("analytics aggregator started", "topic", cfg.Kafka.Topics.AnalyticsEvents)

	checker := health.NewChecker()
	mux := http.NewServeMux()

	var snapshots analytics.SnapshotLister
	db, err := database.New(cfg.Database)
	if err != nil {
		slog.Warn("database unavailable, snapshots disabled", "error", err)
	} else {
		defer db.Close()
		store := aggregator.NewStore(db)
		if err := store.Migrate(ctx); err != nil {
			slog.Error("failed to migrate snapshot table", "error", err)
			os.Exit(1)
		}
		store.StartPeriodicSave(ctx, agg, snapshotInterval)
		checker.Register("database", health.PingCheck(db, true))
		snapshots = store
	}
	analytics.NewHandler(agg, snapshots).RegisterRoutes(mux)

	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      middleware.Chain(mux, middleware.RequestID, middleware.Metrics(m)),
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

	slog.Info("analytics service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("analytics service stopped")
}
