package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for catalog-engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8080"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// Database configuration (PostgreSQL)
	Database DatabaseConfig `yaml:"database"`

	// Redis backs the query-result cache and the active snapshot pointer.
	// When Host is empty an in-process cache is used instead.
	Redis RedisConfig `yaml:"redis"`

	Import  ImportConfig  `yaml:"import"`
	Search  SearchConfig  `yaml:"search"`
	Metrics MetricsConfig `yaml:"metrics"`

	// MigrationsPath is the directory holding the *.up.sql / *.down.sql files.
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"migrations"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"catalog"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"catalog_engine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// ImportConfig controls chunking, fan-out and retry behaviour of the import pipeline.
type ImportConfig struct {
	// TaxonomyChunkSize is the number of taxonomy records dispatched per chunk job.
	TaxonomyChunkSize int `yaml:"taxonomy_chunk_size" env:"IMPORT_TAXONOMY_CHUNK_SIZE" env-default:"20"`
	// ClinicalBatchSize is the number of clinical records dispatched per batch job.
	ClinicalBatchSize int `yaml:"clinical_batch_size" env:"IMPORT_CLINICAL_BATCH_SIZE" env-default:"50"`
	// ReconcileBatchSize is the number of leaves reconciled per fan-out job.
	ReconcileBatchSize int `yaml:"reconcile_batch_size" env:"IMPORT_RECONCILE_BATCH_SIZE" env-default:"100"`
	// VectorBatchSize is the number of index entries recomputed per vector job.
	VectorBatchSize int `yaml:"vector_batch_size" env:"IMPORT_VECTOR_BATCH_SIZE" env-default:"100"`
	// MaxWorkers bounds the number of jobs running concurrently per queue.
	MaxWorkers int `yaml:"max_workers" env:"IMPORT_MAX_WORKERS" env-default:"8"`
	// MaxAttempts is the total number of attempts for a job hitting transient storage errors.
	MaxAttempts    int           `yaml:"max_attempts" env:"IMPORT_MAX_ATTEMPTS" env-default:"5"`
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"IMPORT_INITIAL_BACKOFF" env-default:"500ms"`
	MaxBackoff     time.Duration `yaml:"max_backoff" env:"IMPORT_MAX_BACKOFF" env-default:"30s"`
}

// SearchConfig controls ranking thresholds and caching.
type SearchConfig struct {
	// BaseCacheTTL is multiplied by a uniform factor in [1, 10] for every cached result set.
	BaseCacheTTL time.Duration `yaml:"base_cache_ttl" env:"SEARCH_BASE_CACHE_TTL" env-default:"10m"`
	// LexicalThreshold is the minimum weighted full-text rank for a row to qualify.
	LexicalThreshold float64 `yaml:"lexical_threshold" env:"SEARCH_LEXICAL_THRESHOLD" env-default:"0.1"`
	// SimilarityThreshold is the minimum trigram similarity on name for a row to qualify.
	SimilarityThreshold float64 `yaml:"similarity_threshold" env:"SEARCH_SIMILARITY_THRESHOLD" env-default:"0.3"`
	ResultLimit         int     `yaml:"result_limit" env:"SEARCH_RESULT_LIMIT" env-default:"50"`

	SnapshotCacheTTL time.Duration `yaml:"snapshot_cache_ttl" env:"SEARCH_SNAPSHOT_CACHE_TTL" env-default:"5m"`

	PrewarmInterval    time.Duration `yaml:"prewarm_interval" env:"SEARCH_PREWARM_INTERVAL" env-default:"1h"`
	PrewarmTop         int           `yaml:"prewarm_top" env:"SEARCH_PREWARM_TOP" env-default:"100"`
	PrewarmConcurrency int           `yaml:"prewarm_concurrency" env:"SEARCH_PREWARM_CONCURRENCY" env-default:"4"`

	// SweepInterval is how often unprocessed rank vectors are swept and recomputed.
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SEARCH_SWEEP_INTERVAL" env-default:"10m"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"METRICS_ENABLED" env-default:"true"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// A missing config.yaml is not an error: defaults and environment apply.
func Load(version string) (*Config, error) {
	return LoadFrom("config.yaml", version)
}

// LoadFrom reads configuration from the given YAML path with environment variable overrides.
func LoadFrom(path, version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	} else if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	imp := c.Import
	if imp.TaxonomyChunkSize < 1 || imp.ClinicalBatchSize < 1 || imp.ReconcileBatchSize < 1 || imp.VectorBatchSize < 1 {
		return fmt.Errorf("import batch sizes must be positive")
	}
	if imp.MaxWorkers < 1 {
		return fmt.Errorf("import.max_workers must be at least 1")
	}
	if imp.MaxAttempts < 1 {
		return fmt.Errorf("import.max_attempts must be at least 1")
	}

	s := c.Search
	if s.LexicalThreshold < 0 || s.LexicalThreshold > 1 {
		return fmt.Errorf("search.lexical_threshold must be within [0, 1], got %v", s.LexicalThreshold)
	}
	if s.SimilarityThreshold < 0 || s.SimilarityThreshold > 1 {
		return fmt.Errorf("search.similarity_threshold must be within [0, 1], got %v", s.SimilarityThreshold)
	}
	if s.BaseCacheTTL <= 0 {
		return fmt.Errorf("search.base_cache_ttl must be positive")
	}
	if s.ResultLimit < 1 {
		return fmt.Errorf("search.result_limit must be at least 1")
	}
	return nil
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// URL returns the PostgreSQL connection string in URL form (used by pgxpool and migrations).
func (c *DatabaseConfig) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}
