// Package config loads process configuration. Sources apply in order:
// built-in defaults, an optional YAML file, a .env file, then ENGRAM_*
// environment variables. Binaries apply their flags on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MereWhiplash/engram-cortex/internal/embedder"
	"github.com/MereWhiplash/engram-cortex/internal/logger"
	"github.com/MereWhiplash/engram-cortex/internal/reflexion"
	"github.com/MereWhiplash/engram-cortex/internal/search"
	"github.com/MereWhiplash/engram-cortex/internal/storage"
	"github.com/MereWhiplash/engram-cortex/internal/types"
)

// Config is the full configuration of a process.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Embedder   EmbedderConfig   `yaml:"embedder"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Search     SearchConfig     `yaml:"search"`
	Reflexion  reflexion.Config `yaml:"reflexion"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Lock       LockConfig       `yaml:"lock"`
	Owner      OwnerConfig      `yaml:"owner"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr        string        `yaml:"addr"`
	Timeout     time.Duration `yaml:"timeout"`
	RateLimit   int           `yaml:"rate_limit"` // requests per minute per client, 0 disables
	CORSOrigins []string      `yaml:"cors_origins,omitempty"`
}

// StorageConfig selects the backend.
type StorageConfig struct {
	Driver        string `yaml:"driver"` // memory, sqlite, postgres, mongodb
	SQLitePath    string `yaml:"sqlite_path,omitempty"`
	PostgresDSN   string `yaml:"postgres_dsn,omitempty"`
	MongoURI      string `yaml:"mongodb_uri,omitempty"`
	MongoDatabase string `yaml:"mongodb_database,omitempty"`
}

// EmbedderConfig selects the embedding provider.
type EmbedderConfig struct {
	Provider   string        `yaml:"provider"` // ollama, openai, hashing, none
	URL        string        `yaml:"url,omitempty"`
	Model      string        `yaml:"model,omitempty"`
	APIKey     string        `yaml:"api_key,omitempty"`
	Dimensions int           `yaml:"dimensions"`
	Timeout    time.Duration `yaml:"timeout"`
}

// ClassifierConfig selects the classifier. "anthropic" falls back to the
// heuristic classifier when the model fails.
type ClassifierConfig struct {
	Provider string `yaml:"provider"` // anthropic, heuristic
	APIKey   string `yaml:"api_key,omitempty"`
	Model    string `yaml:"model,omitempty"`
}

// SearchConfig tunes the search engine.
type SearchConfig struct {
	Weights      search.Weights `yaml:"weights"`
	CacheMaxCost int64          `yaml:"cache_max_cost"`
	CacheTTL     time.Duration  `yaml:"cache_ttl"`
	MaxCorpus    int            `yaml:"max_corpus"`
}

// SchedulerConfig holds cron specs for background work. An empty spec
// disables that job.
type SchedulerConfig struct {
	Backfill      string `yaml:"backfill"`
	Reflexion     string `yaml:"reflexion"`
	BackfillBatch int    `yaml:"backfill_batch"`
}

// LockConfig points reflexion at a shared Redis. Empty keeps locks local.
type LockConfig struct {
	RedisURL string `yaml:"redis_url,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
}

// OwnerConfig is the scope a single-user process acts for.
type OwnerConfig struct {
	ID             string `yaml:"id"`
	OrganizationID string `yaml:"organization_id,omitempty"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:      ":8080",
			Timeout:   30 * time.Second,
			RateLimit: 100,
		},
		Storage: StorageConfig{
			Driver:        "sqlite",
			SQLitePath:    ".engram/memory.db",
			MongoDatabase: "engram",
		},
		Embedder: EmbedderConfig{
			Provider:   "ollama",
			URL:        "http://localhost:11434",
			Model:      "nomic-embed-text",
			Dimensions: 768,
			Timeout:    10 * time.Second,
		},
		Classifier: ClassifierConfig{Provider: "heuristic"},
		Search: SearchConfig{
			Weights:      search.DefaultWeights,
			CacheMaxCost: 64 << 20,
			CacheTTL:     30 * time.Second,
			MaxCorpus:    5000,
		},
		Reflexion: reflexion.DefaultConfig(),
		Scheduler: SchedulerConfig{
			Backfill:      "@every 1m",
			Reflexion:     "0 3 * * *",
			BackfillBatch: 64,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// empty), .env in the working directory and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	// Variables already set win over .env.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}

	e.str("ENGRAM_ADDR", &c.Server.Addr)
	e.duration("ENGRAM_TIMEOUT", &c.Server.Timeout)
	e.int("ENGRAM_RATE_LIMIT", &c.Server.RateLimit)
	e.list("ENGRAM_CORS_ORIGINS", &c.Server.CORSOrigins)

	e.str("ENGRAM_STORAGE_DRIVER", &c.Storage.Driver)
	e.str("ENGRAM_SQLITE_PATH", &c.Storage.SQLitePath)
	e.str("ENGRAM_POSTGRES_DSN", &c.Storage.PostgresDSN)
	e.str("ENGRAM_MONGODB_URI", &c.Storage.MongoURI)
	e.str("ENGRAM_MONGODB_DATABASE", &c.Storage.MongoDatabase)

	e.str("ENGRAM_EMBEDDING_PROVIDER", &c.Embedder.Provider)
	e.str("ENGRAM_EMBEDDING_URL", &c.Embedder.URL)
	e.str("ENGRAM_EMBEDDING_MODEL", &c.Embedder.Model)
	e.str("ENGRAM_EMBEDDING_API_KEY", &c.Embedder.APIKey)
	e.int("ENGRAM_EMBEDDING_DIMENSIONS", &c.Embedder.Dimensions)
	e.duration("ENGRAM_EMBEDDING_TIMEOUT", &c.Embedder.Timeout)

	e.str("ENGRAM_CLASSIFIER", &c.Classifier.Provider)
	e.str("ANTHROPIC_API_KEY", &c.Classifier.APIKey)
	e.str("ENGRAM_ANTHROPIC_API_KEY", &c.Classifier.APIKey)
	e.str("ENGRAM_CLASSIFIER_MODEL", &c.Classifier.Model)

	e.str("ENGRAM_BACKFILL_SCHEDULE", &c.Scheduler.Backfill)
	e.str("ENGRAM_REFLEXION_SCHEDULE", &c.Scheduler.Reflexion)
	e.duration("ENGRAM_REFLEXION_BUDGET", &c.Reflexion.Budget)

	e.str("ENGRAM_REDIS_URL", &c.Lock.RedisURL)

	e.str("ENGRAM_OWNER_ID", &c.Owner.ID)
	e.str("ENGRAM_ORGANIZATION_ID", &c.Owner.OrganizationID)

	e.str("ENGRAM_LOG_LEVEL", &c.Log.Level)
	e.str("ENGRAM_LOG_FORMAT", &c.Log.Format)

	return errors.Join(e.errs...)
}

// Validate checks the settings a process cannot start without.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path is required for sqlite")
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn is required for postgres")
		}
		if c.Embedder.Dimensions <= 0 {
			return fmt.Errorf("embedder.dimensions is required for postgres")
		}
	case "mongodb":
		if c.Storage.MongoURI == "" {
			return fmt.Errorf("storage.mongodb_uri is required for mongodb")
		}
	default:
		return fmt.Errorf("unknown storage driver: %s", c.Storage.Driver)
	}

	switch c.Classifier.Provider {
	case "heuristic":
	case "anthropic":
		if c.Classifier.APIKey == "" {
			return fmt.Errorf("an Anthropic API key is required for the anthropic classifier")
		}
	default:
		return fmt.Errorf("unknown classifier: %s", c.Classifier.Provider)
	}

	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must not be negative")
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// StorageOptions converts the storage section for storage.New.
func (c *Config) StorageOptions() storage.Config {
	return storage.Config{
		Driver:          c.Storage.Driver,
		Dimensions:      c.Embedder.Dimensions,
		SQLitePath:      c.Storage.SQLitePath,
		PostgresDSN:     c.Storage.PostgresDSN,
		MongoDBURI:      c.Storage.MongoURI,
		MongoDBDatabase: c.Storage.MongoDatabase,
	}
}

// EmbedderOptions converts the embedder section for embedder.New.
func (c *Config) EmbedderOptions() embedder.Config {
	return embedder.Config{
		Provider:   c.Embedder.Provider,
		URL:        c.Embedder.URL,
		Model:      c.Embedder.Model,
		APIKey:     c.Embedder.APIKey,
		Dimensions: c.Embedder.Dimensions,
	}
}

// Scope is the configured owner scope.
func (c *Config) Scope() types.Scope {
	return types.Scope{OwnerID: c.Owner.ID, OrganizationID: c.Owner.OrganizationID}
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return
	}
	*dst = n
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return
	}
	*dst = d
}

func (e *envReader) list(key string, dst *[]string) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}
