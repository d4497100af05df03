// Command indexer consumes ingest events from Kafka and indexes them through
// the Index Service. It also runs the scheduled term statistics job.
//
// Usage:
//
//	go run ./cmd/indexer [-config configs/development.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/XcloudFance/Verdant-Search/internal/analytics"
	"github.com/XcloudFance/Verdant-Search/internal/embedding"
	"github.com/XcloudFance/Verdant-Search/internal/indexer"
	"github.com/XcloudFance/Verdant-Search/internal/indexer/consumer"
	"github.com/XcloudFance/Verdant-Search/internal/indexer/stats"
	"github.com/XcloudFance/Verdant-Search/internal/ingestion/publisher"
	"github.com/XcloudFance/Verdant-Search/internal/store"
	"github.com/XcloudFance/Verdant-Search/internal/tokenizer"
	"github.com/XcloudFance/Verdant-Search/pkg/config"
	"github.com/XcloudFance/Verdant-Search/pkg/database"
	"github.com/XcloudFance/Verdant-Search/pkg/kafka"
	"github.com/XcloudFance/Verdant-Search/pkg/logger"
	"github.com/XcloudFance/Verdant-Search/pkg/metrics"
	"github.com/XcloudFance/Verdant-Search/pkg/resilience"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

const statsJobTimeout = 10 * time.Minute

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
	slog.Info("starting indexer service", "driver", cfg.Database.Driver)

	m := metrics.New(prometheus.DefaultRegisterer)
	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer("indexer", cfg.Metrics.Port)
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	analyticsProducer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.AnalyticsEvents)
	defer analyticsProducer.Close()
	collector := analytics.NewCollector(analyticsProducer, 10000)
	collector.Start(ctx)
	defer collector.Close()

	invalidateProducer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.CacheInvalidate)
	defer invalidateProducer.Close()
	completions := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.IndexComplete)
	defer completions.Close()

	svc := indexer.NewService(indexer.Deps{
		Store:         st,
		Tokenizer:     tokenizer.New(tokenizer.Options{}),
		Embedder:      embedder,
		ImageEmbedder: embedder,
		Model:         embedder.Model(),
		MaxImages:     cfg.Embedding.MaxImages,
		Notifier:      publisher.NewNotifier(invalidateProducer),
		Events:        collector,
		Metrics:       m,
	})

	scheduler, err := stats.NewScheduler(stats.NewRecomputer(st, cfg.Index.AdvisoryLock, m), cfg.Index.StatsSchedule, statsJobTimeout)
	if err != nil {
		slog.Error("failed to create stats scheduler", "error", err)
		os.Exit(1)
	}
	scheduler.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		scheduler.Stop(stopCtx)
	}()

	retry := resilience.RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
	}
	kafkaConsumer := kafka.NewConsumer(
		cfg.Kafka,
		cfg.Kafka.Topics.DocumentIngest,
		"",
		consumer.HandleMessage(svc, completions, retry),
	)
	indexConsumer := consumer.New(kafkaConsumer)

	slog.Info("indexer service ready, consuming from kafka",
		"topic", cfg.Kafka.Topics.DocumentIngest,
		"group", cfg.Kafka.ConsumerGroup,
		"stats_schedule", cfg.Index.StatsSchedule,
	)

	if err := indexConsumer.Start(ctx); err != nil {
		slog.Error("consumer error", "error", err)
	}

	slog.Info("indexer service stopped")
}
