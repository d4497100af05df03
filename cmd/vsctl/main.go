// Package main provides the vsctl operator CLI.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/XcloudFance/Verdant-Search/internal/embedding"
	"github.com/XcloudFance/Verdant-Search/internal/indexer"
	"github.com/XcloudFance/Verdant-Search/internal/ingestion/publisher"
	"github.com/XcloudFance/Verdant-Search/internal/store"
	"github.com/XcloudFance/Verdant-Search/internal/tokenizer"
	"github.com/XcloudFance/Verdant-Search/pkg/config"
	"github.com/XcloudFance/Verdant-Search/pkg/database"
	"github.com/XcloudFance/Verdant-Search/pkg/kafka"
	"github.com/XcloudFance/Verdant-Search/pkg/logger"
	"github.com/XcloudFance/Verdant-Search/pkg/metrics"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var (
	configPath string
	notify     bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "vsctl: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vsctl",
	Short: "Operator CLI for Verdant Search",
	Long: `vsctl runs maintenance tasks directly against the Verdant Search database:
schema migration, bulk import, term statistics recomputation, ad-hoc
search, deletion and tokenizer inspection.

Configuration is read from the YAML file given by --config, overridden by
VS_* environment variables (a .env file in the working directory is loaded
first).`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "configs/development.yaml", "path to config file")
	rootCmd.PersistentFlags().BoolVar(&notify, "notify", true, "publish cache-invalidate events to Kafka after changes")
}

// env holds the components a command needs. Close releases them.
type env struct {
	cfg      *config.Config
	db       *database.Client
	store    *store.Store
	metrics  *metrics.Metrics
	embedder *embedding.Service
	closers  []func() error
}

// loadConfig loads .env, the config file and sets up logging.
func loadConfig() (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger.SetupWriter(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	return cfg, nil
}

// openEnv opens and migrates the database. The embedder is created only
// when withEmbedder is set.
func openEnv(ctx context.Context, withEmbedder bool) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	db, err := database.New(cfg.Database)
	if err != nil {
		return nil, err
	}
	e := &env{
		cfg:     cfg,
		db:      db,
		store:   store.New(db),
		metrics: metrics.New(prometheus.NewRegistry()),
		closers: []func() error{db.Close},
	}
	if err := e.store.Migrate(ctx); err != nil {
		e.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	if withEmbedder {
		emb, err := embedding.New(cfg.Embedding, e.metrics)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("creating embedder: %w", err)
		}
		e.embedder = emb
		e.closers = append(e.closers, emb.Close)
	}
	return e, nil
}

// indexService builds an Index Service on the environment. Changes are
// announced on the cache-invalidate topic unless --notify=false.
func (e *env) indexService() *indexer.Service {
	deps := indexer.Deps{
		Store:     e.store,
		Tokenizer: tokenizer.New(tokenizer.Options{}),
		MaxImages: e.cfg.Embedding.MaxImages,
		Metrics:   e.metrics,
	}
	if e.embedder != nil {
		deps.Embedder = e.embedder
		deps.ImageEmbedder = e.embedder
		deps.Model = e.embedder.Model()
	}
	if notify {
		producer := kafka.NewProducer(e.cfg.Kafka, e.cfg.Kafka.Topics.CacheInvalidate)
		e.closers = append(e.closers, producer.Close)
		deps.Notifier = publisher.NewNotifier(producer)
	}
	return indexer.NewService(deps)
}

// Close runs the closers in reverse order.
func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
