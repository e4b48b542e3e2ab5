package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const envPrefix = "AGENTCORE_"

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
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
		key: "server.port", typ: kInt, env: "AGENTCORE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_stdio", typ: kBool, env: "AGENTCORE_SERVER_MCP_STDIO",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPStdio = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.MCPStdio },
	},
	{
		key: "auth.enabled", typ: kBool, env: "AGENTCORE_AUTH_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Auth.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Auth.Enabled },
	},
	{
		key: "auth.token", typ: kString, env: "AGENTCORE_AUTH_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Auth.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.Token },
	},
	{
		key: "storage.data_dir", typ: kString, env: "AGENTCORE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "ollama.base_url", typ: kString, env: "AGENTCORE_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "providers.openrouter_api_key", typ: kString, env: "AGENTCORE_OPENROUTER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Providers.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.OpenRouterAPIKey },
	},
	{
		key: "providers.groq_api_key", typ: kString, env: "AGENTCORE_GROQ_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Providers.GroqAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.GroqAPIKey },
	},
	{
		key: "providers.google_api_key", typ: kString, env: "AGENTCORE_GOOGLE_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Providers.GoogleAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.GoogleAPIKey },
	},
	{
		key: "embedding.backend", typ: kString, env: "AGENTCORE_EMBEDDING_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Backend },
	},
	{
		key: "embedding.model", typ: kString, env: "AGENTCORE_EMBEDDING_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Model },
	},
	{
		key: "embedding.dimension", typ: kInt, env: "AGENTCORE_EMBEDDING_DIMENSION",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Dimension = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.Dimension },
	},
	{
		key: "retrieval.backend", typ: kString, env: "AGENTCORE_RETRIEVAL_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrieval.Backend },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "AGENTCORE_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.correction_top_k", typ: kInt, env: "AGENTCORE_RETRIEVAL_CORRECTION_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.CorrectionTopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.CorrectionTopK },
	},
	{
		key: "dispatch.attempt_timeout", typ: kDuration, env: "AGENTCORE_DISPATCH_ATTEMPT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Dispatch.AttemptTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Dispatch.AttemptTimeout },
	},
	{
		key: "dispatch.task_deadline", typ: kDuration, env: "AGENTCORE_DISPATCH_TASK_DEADLINE",
		apply:   func(cfg *Config, v any) { cfg.Dispatch.TaskDeadline = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Dispatch.TaskDeadline },
	},
	{
		key: "dispatch.store_timeout", typ: kDuration, env: "AGENTCORE_DISPATCH_STORE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Dispatch.StoreTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Dispatch.StoreTimeout },
	},
	{
		key: "dispatch.stale_after", typ: kDuration, env: "AGENTCORE_DISPATCH_STALE_AFTER",
		apply:   func(cfg *Config, v any) { cfg.Dispatch.StaleAfter = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Dispatch.StaleAfter },
	},
	{
		key: "dispatch.sweep_interval", typ: kDuration, env: "AGENTCORE_DISPATCH_SWEEP_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Dispatch.SweepInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Dispatch.SweepInterval },
	},
	{
		key: "worker.poll_interval", typ: kDuration, env: "AGENTCORE_WORKER_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Worker.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.PollInterval },
	},
	{
		key: "worker.concurrency", typ: kInt, env: "AGENTCORE_WORKER_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Worker.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Worker.Concurrency },
	},
	{
		key: "agents.file", typ: kString, env: "AGENTCORE_AGENTS_FILE",
		apply:   func(cfg *Config, v any) { cfg.Agents.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Agents.File },
	},
	{
		key: "log.level", typ: kString, env: "AGENTCORE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parse converts a raw string for key type typ.
func parse(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	}
	return raw, nil
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := parse(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
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
		v, err := parse(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

// applySecrets fills secrets still empty after the environment pass.
func applySecrets(cfg *Config, store secretStore) {
	for _, s := range specs {
		if !s.secret || s.extract(*cfg) != "" {
			continue
		}
		if v, err := store.Get(s.key); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}
