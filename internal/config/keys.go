package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "GROUNDWORK_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_port", typ: kInt, env: "GROUNDWORK_SERVER_MCP_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MCPPort },
	},
	{
		key: "chunk.max_size", typ: kInt, env: "GROUNDWORK_CHUNK_MAX_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Chunk.MaxSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunk.MaxSize },
	},
	{
		key: "chunk.overlap", typ: kInt, env: "GROUNDWORK_CHUNK_OVERLAP",
		apply:   func(cfg *Config, v any) { cfg.Chunk.Overlap = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunk.Overlap },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "GROUNDWORK_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.max_k", typ: kInt, env: "GROUNDWORK_RETRIEVAL_MAX_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MaxK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.MaxK },
	},
	{
		key: "retrieval.threshold", typ: kFloat, env: "GROUNDWORK_RETRIEVAL_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Threshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.Threshold },
	},
	{
		key: "embedding.provider", typ: kString, env: "GROUNDWORK_EMBEDDING_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Provider },
	},
	{
		key: "embedding.base_url", typ: kString, env: "GROUNDWORK_EMBEDDING_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.BaseURL },
	},
	{
		key: "embedding.model", typ: kString, env: "GROUNDWORK_EMBEDDING_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Model },
	},
	{
		key: "embedding.api_key", typ: kString, env: "GROUNDWORK_EMBEDDING_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Embedding.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.APIKey },
	},
	{
		key: "embedding.batch_size", typ: kInt, env: "GROUNDWORK_EMBEDDING_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Embedding.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.BatchSize },
	},
	{
		key: "embedding.concurrency", typ: kInt, env: "GROUNDWORK_EMBEDDING_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.Concurrency },
	},
	{
		key: "embedding.rpm", typ: kInt, env: "GROUNDWORK_EMBEDDING_RPM",
		apply:   func(cfg *Config, v any) { cfg.Embedding.RPM = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.RPM },
	},
	{
		key: "embedding.timeout", typ: kString, env: "GROUNDWORK_EMBEDDING_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Timeout },
	},
	{
		key: "storage.driver", typ: kString, env: "GROUNDWORK_STORAGE_DRIVER",
		apply:   func(cfg *Config, v any) { cfg.Storage.Driver = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Driver },
	},
	{
		key: "storage.data_dir", typ: kString, env: "GROUNDWORK_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.postgres_dsn", typ: kString, env: "GROUNDWORK_POSTGRES_DSN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Storage.PostgresDSN = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.PostgresDSN },
	},
	{
		key: "storage.max_conns", typ: kInt, env: "GROUNDWORK_STORAGE_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Storage.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Storage.MaxConns },
	},
	{
		key: "storage.timeout", typ: kString, env: "GROUNDWORK_STORAGE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Storage.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Timeout },
	},
	{
		key: "processor.stale_after", typ: kString, env: "GROUNDWORK_PROCESSOR_STALE_AFTER",
		apply:   func(cfg *Config, v any) { cfg.Processor.StaleAfter = v.(string) },
		extract: func(cfg Config) any { return cfg.Processor.StaleAfter },
	},
	{
		key: "ingest.workers", typ: kInt, env: "GROUNDWORK_INGEST_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Ingest.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.Workers },
	},
	{
		key: "ingest.group_size", typ: kInt, env: "GROUNDWORK_INGEST_GROUP_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Ingest.GroupSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.GroupSize },
	},
	{
		key: "ingest.textbook_dir", typ: kString, env: "GROUNDWORK_INGEST_TEXTBOOK_DIR",
		apply:   func(cfg *Config, v any) { cfg.Ingest.TextbookDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.TextbookDir },
	},
	{
		key: "ingest.catalog_path", typ: kString, env: "GROUNDWORK_INGEST_CATALOG_PATH",
		apply:   func(cfg *Config, v any) { cfg.Ingest.CatalogPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.CatalogPath },
	},
	{
		key: "ingest.tabular_path", typ: kString, env: "GROUNDWORK_INGEST_TABULAR_PATH",
		apply:   func(cfg *Config, v any) { cfg.Ingest.TabularPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.TabularPath },
	},
	{
		key: "worker.enabled", typ: kBool, env: "GROUNDWORK_WORKER_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Worker.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Worker.Enabled },
	},
	{
		key: "worker.poll_interval", typ: kString, env: "GROUNDWORK_WORKER_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Worker.PollInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Worker.PollInterval },
	},
	{
		key: "log.level", typ: kString, env: "GROUNDWORK_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "GROUNDWORK_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
