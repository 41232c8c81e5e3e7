package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Chunk     ChunkConfig
	Retrieval RetrievalConfig
	Embedding EmbeddingConfig
	Storage   StorageConfig
	Processor ProcessorConfig
	Ingest    IngestConfig
	Worker    WorkerConfig
	Log       LogConfig
}

type ServerConfig struct {
	// Port serves /healthz, /readyz and /metrics.
	Port int
	// MCPPort serves MCP over streamable HTTP. Zero means stdio.
	MCPPort int
}

type ChunkConfig struct {
	MaxSize int
	Overlap int
}

type RetrievalConfig struct {
	TopK      int
	MaxK      int
	Threshold float64
}

type EmbeddingConfig struct {
	Provider    string
	BaseURL     string
	Model       string
	APIKey      string
	BatchSize   int
	Concurrency int
	RPM         int
	Timeout     string
}

type StorageConfig struct {
	Driver      string
	DataDir     string
	PostgresDSN string
	MaxConns    int
	Timeout     string
}

type ProcessorConfig struct {
	StaleAfter string
}

type IngestConfig struct {
	Workers     int
	GroupSize   int
	TextbookDir string
	CatalogPath string
	TabularPath string
}

type WorkerConfig struct {
	Enabled      bool
	PollInterval string
}

type LogConfig struct {
	Level  string
	Format string
}

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		Chunk: ChunkConfig{
			MaxSize: 500,
			Overlap: 50,
		},
		Retrieval: RetrievalConfig{
			TopK:      5,
			MaxK:      5,
			Threshold: 0.7,
		},
		Embedding: EmbeddingConfig{
			Provider:    "ollama",
			BatchSize:   100,
			Concurrency: 2,
			Timeout:     "30s",
		},
		Storage: StorageConfig{
			Driver:   DriverSQLite,
			DataDir:  defaultDataDir(),
			MaxConns: 10,
			Timeout:  "10s",
		},
		Processor: ProcessorConfig{
			StaleAfter: "15m",
		},
		Ingest: IngestConfig{
			Workers:     5,
			GroupSize:   20,
			TextbookDir: "data/textbooks",
			CatalogPath: "data/catalog/math.json",
			TabularPath: "data/tabular/math_content.csv",
		},
		Worker: WorkerConfig{
			Enabled:      true,
			PollInterval: "500ms",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from the JSON file backend, a .env file in the
// working directory, environment variables and the secrets file.
//
// The backend is a JSON file at $XDG_CONFIG_HOME/groundwork/config.json.
// Environment variables (GROUNDWORK_*) override backend values; variables
// already set in the process win over .env entries.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}
	return loadWith(newPlatformBackend(), fileSecrets{path: secretsFilePath()})
}

// secretStore abstracts the secrets file for testing.
type secretStore interface {
	Get(account string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = providerKey(cfg.Embedding.Provider, secrets)
	}
	if cfg.Storage.PostgresDSN == "" {
		cfg.Storage.PostgresDSN = firstNonEmpty(os.Getenv("DATABASE_URL"), secretOrEmpty(secrets, "postgres_dsn"))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// providerKey falls back to the provider's conventional environment
// variable, then to the secrets file.
func providerKey(provider string, secrets secretStore) string {
	switch provider {
	case "openai", "":
		return firstNonEmpty(os.Getenv("OPENAI_API_KEY"), secretOrEmpty(secrets, "openai_api_key"))
	case "gemini":
		return firstNonEmpty(os.Getenv("GEMINI_API_KEY"), os.Getenv("GOOGLE_API_KEY"), secretOrEmpty(secrets, "gemini_api_key"))
	}
	return ""
}

func secretOrEmpty(s secretStore, account string) string {
	v, err := s.Get(account)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(v)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Chunk.MaxSize > 0, "chunk.max_size must be positive, got %d", c.Chunk.MaxSize)
	check(c.Chunk.Overlap >= 0 && c.Chunk.Overlap < c.Chunk.MaxSize,
		"chunk.overlap must be in [0, chunk.max_size), got %d", c.Chunk.Overlap)
	check(c.Retrieval.TopK > 0, "retrieval.top_k must be positive, got %d", c.Retrieval.TopK)
	check(c.Retrieval.MaxK >= c.Retrieval.TopK, "retrieval.max_k (%d) must be at least retrieval.top_k (%d)", c.Retrieval.MaxK, c.Retrieval.TopK)
	check(c.Retrieval.Threshold >= -1 && c.Retrieval.Threshold <= 1,
		"retrieval.threshold must be in [-1, 1], got %v", c.Retrieval.Threshold)
	check(c.Embedding.BatchSize > 0, "embedding.batch_size must be positive, got %d", c.Embedding.BatchSize)
	check(c.Embedding.Concurrency > 0, "embedding.concurrency must be positive, got %d", c.Embedding.Concurrency)
	check(c.Embedding.RPM >= 0, "embedding.rpm must not be negative, got %d", c.Embedding.RPM)
	check(c.Ingest.Workers > 0, "ingest.workers must be positive, got %d", c.Ingest.Workers)
	check(c.Ingest.GroupSize > 0, "ingest.group_size must be positive, got %d", c.Ingest.GroupSize)

	switch c.Embedding.Provider {
	case "openai", "ollama", "gemini":
	default:
		errs = append(errs, fmt.Errorf("embedding.provider must be openai, ollama or gemini, got %q", c.Embedding.Provider))
	}
	switch c.Storage.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("missing required config: PostgreSQL DSN. "+
				"Set it via environment variable GROUNDWORK_POSTGRES_DSN or DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver must be sqlite or postgres, got %q", c.Storage.Driver))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	for key, v := range map[string]string{
		"embedding.timeout":     c.Embedding.Timeout,
		"storage.timeout":       c.Storage.Timeout,
		"processor.stale_after": c.Processor.StaleAfter,
		"worker.poll_interval":  c.Worker.PollInterval,
	} {
		if d, err := time.ParseDuration(v); err != nil || d < 0 {
			errs = append(errs, fmt.Errorf("%s must be a non-negative duration, got %q", key, v))
		}
	}
	return errors.Join(errs...)
}

// duration parses a validated duration string, returning zero on error.
func duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

func (c EmbeddingConfig) TimeoutDuration() time.Duration    { return duration(c.Timeout) }
func (c StorageConfig) TimeoutDuration() time.Duration      { return duration(c.Timeout) }
func (c ProcessorConfig) StaleAfterDuration() time.Duration { return duration(c.StaleAfter) }
func (c WorkerConfig) PollDuration() time.Duration          { return duration(c.PollInterval) }
