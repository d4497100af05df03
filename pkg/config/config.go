// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Database, Kafka, Redis, Search, Embedding, Index, etc.).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	Search    SearchConfig    `yaml:"search"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Index     IndexConfig     `yaml:"index"`
	Import    ImportConfig    `yaml:"import"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DatabaseConfig selects the relational backend. Postgres is the production
// driver; SQLite serves single-node deployments and tests.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Name            string        `yaml:"name"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	SQLitePath      string        `yaml:"sqlitePath"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name for postgres, or the
// database file path for sqlite. An explicit URL wins over the parts.
func (d DatabaseConfig) DSN() string {
	if d.Driver == DriverSQLite {
		return d.SQLitePath
	}
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	DocumentIngest  string `yaml:"documentIngest"`
	IndexComplete   string `yaml:"indexComplete"`
	CacheInvalidate string `yaml:"cacheInvalidate"`
	AnalyticsEvents string `yaml:"analyticsEvents"`
}

// RedisConfig holds Redis connection, query-cache and trace parameters.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"poolSize"`
	CacheTTL    time.Duration `yaml:"cacheTTL"`
	TraceTTL    time.Duration `yaml:"traceTTL"`
	HistorySize int           `yaml:"historySize"`
}

// SearchConfig controls BM25 parameters, fusion weights and query limits.
type SearchConfig struct {
	K1                  float64       `yaml:"k1"`
	B                   float64       `yaml:"b"`
	VectorWeight        float64       `yaml:"vectorWeight"`
	BM25Weight          float64       `yaml:"bm25Weight"`
	DefaultTopK         int           `yaml:"defaultTopK"`
	MaxTopK             int           `yaml:"maxTopK"`
	CandidateMultiplier int           `yaml:"candidateMultiplier"`
	SemanticTimeout     time.Duration `yaml:"semanticTimeout"`
	LexicalTimeout      time.Duration `yaml:"lexicalTimeout"`
}

// Supported embedding providers.
const (
	ProviderOpenAI = "openai"
	ProviderLocal  = "local"
)

// EmbeddingConfig selects and tunes the embedding provider.
type EmbeddingConfig struct {
	Provider          string        `yaml:"provider"`
	BaseURL           string        `yaml:"baseUrl"`
	APIKey            string        `yaml:"apiKey"`
	Model             string        `yaml:"model"`
	Dimension         int           `yaml:"dimension"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	Burst             int           `yaml:"burst"`
	CacheSize         int           `yaml:"cacheSize"`
	CacheDir          string        `yaml:"cacheDir"`
	MaxImages         int           `yaml:"maxImages"`
	MaxRetries        int           `yaml:"maxRetries"`
	Timeout           time.Duration `yaml:"timeout"`
}

// IndexConfig controls the background term-statistics job.
type IndexConfig struct {
	StatsSchedule string `yaml:"statsSchedule"`
	AdvisoryLock  bool   `yaml:"advisoryLock"`
}

// ImportConfig controls bulk imports from the CLI.
type ImportConfig struct {
	Workers   int `yaml:"workers"`
	BatchSize int `yaml:"batchSize"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig controls per-search span logging.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate float64 `yaml:"sampleRate"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with defaults for any missing
// values. The result is validated before it is returned.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration without reading files or the
// environment.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          DriverPostgres,
			Host:            "localhost",
			Port:            5432,
			Name:            "verdant",
			User:            "verdant",
			Password:        "localdev",
			SSLMode:         "disable",
			SQLitePath:      "verdant.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "verdant-indexer",
			Topics: KafkaTopics{
				DocumentIngest:  "document-ingest",
				IndexComplete:   "index-complete",
				CacheInvalidate: "cache-invalidate",
				AnalyticsEvents: "analytics-events",
			},
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PoolSize:    10,
			CacheTTL:    10 * time.Minute,
			TraceTTL:    time.Hour,
			HistorySize: 100,
		},
		Search: SearchConfig{
			K1:                  1.5,
			B:                   0.75,
			VectorWeight:        0.6,
			BM25Weight:          0.4,
			DefaultTopK:         20,
			MaxTopK:             100,
			CandidateMultiplier: 2,
			SemanticTimeout:     3 * time.Second,
			LexicalTimeout:      5 * time.Second,
		},
		Embedding: EmbeddingConfig{
			Provider:          ProviderLocal,
			BaseURL:           "http://localhost:11434/v1",
			Model:             "text-embedding-3-small",
			Dimension:         384,
			RequestsPerSecond: 20,
			Burst:             5,
			CacheSize:         10000,
			MaxImages:         4,
			MaxRetries:        3,
			Timeout:           30 * time.Second,
		},
		Index: IndexConfig{
			StatsSchedule: "@every 5m",
			AdvisoryLock:  true,
		},
		Import: ImportConfig{
			Workers:   8,
			BatchSize: 100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:    true,
			SampleRate: 1.0,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// Validate checks value ranges that would otherwise surface as silent
// ranking errors at query time.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Database.Driver == DriverSQLite && c.Database.SQLitePath == "" {
		errs = append(errs, errors.New("database.sqlitePath is required for sqlite"))
	}
	if c.Search.K1 < 0 || c.Search.K1 > 10 {
		errs = append(errs, fmt.Errorf("search.k1 must be in [0, 10], got %v", c.Search.K1))
	}
	if c.Search.B < 0 || c.Search.B > 1 {
		errs = append(errs, fmt.Errorf("search.b must be in [0, 1], got %v", c.Search.B))
	}
	if c.Search.VectorWeight < 0 || c.Search.BM25Weight < 0 {
		errs = append(errs, errors.New("search weights must be non-negative"))
	}
	if c.Search.DefaultTopK <= 0 {
		errs = append(errs, errors.New("search.defaultTopK must be positive"))
	}
	if c.Search.MaxTopK < c.Search.DefaultTopK {
		errs = append(errs, errors.New("search.maxTopK must be >= search.defaultTopK"))
	}
	if c.Search.CandidateMultiplier < 1 {
		errs = append(errs, errors.New("search.candidateMultiplier must be >= 1"))
	}
	switch c.Embedding.Provider {
	case ProviderOpenAI, ProviderLocal:
	default:
		errs = append(errs, fmt.Errorf("embedding.provider %q is not supported", c.Embedding.Provider))
	}
	if c.Embedding.Dimension <= 0 {
		errs = append(errs, errors.New("embedding.dimension must be positive"))
	}
	if c.Embedding.MaxImages < 0 {
		errs = append(errs, errors.New("embedding.maxImages must be non-negative"))
	}
	return errors.Join(errs...)
}

// applyEnvOverrides reads VS_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VS_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("VS_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
	if v := os.Getenv("VS_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("VS_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("VS_DATABASE_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("VS_DATABASE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("VS_DATABASE_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("VS_DATABASE_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("VS_DATABASE_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("VS_DATABASE_SSLMODE"); v != "" {
		cfg.Database.SSLMode = v
	}
	if v := os.Getenv("VS_DATABASE_SQLITE_PATH"); v != "" {
		cfg.Database.SQLitePath = v
	}
	if v := os.Getenv("VS_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("VS_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("VS_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("VS_SEARCH_K1"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Search.K1 = f
		}
	}
	if v := os.Getenv("VS_SEARCH_B"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Search.B = f
		}
	}
	if v := os.Getenv("VS_SEARCH_VECTOR_WEIGHT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Search.VectorWeight = f
		}
	}
	if v := os.Getenv("VS_SEARCH_BM25_WEIGHT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Search.BM25Weight = f
		}
	}
	if v := os.Getenv("VS_EMBEDDING_PROVIDER"); v != "" {
		cfg.Embedding.Provider = v
	}
	if v := os.Getenv("VS_EMBEDDING_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("VS_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("VS_EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("VS_EMBEDDING_DIMENSION"); v != "" {
		if d, err := strconv.Atoi(v); err == nil {
			cfg.Embedding.Dimension = d
		}
	}
	if v := os.Getenv("VS_EMBEDDING_CACHE_DIR"); v != "" {
		cfg.Embedding.CacheDir = v
	}
	if v := os.Getenv("VS_INDEX_STATS_SCHEDULE"); v != "" {
		cfg.Index.StatsSchedule = v
	}
	if v := os.Getenv("VS_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("VS_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
