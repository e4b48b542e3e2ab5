package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Auth      AuthConfig
	Storage   StorageConfig
	Ollama    OllamaConfig
	Providers ProvidersConfig
	Embedding EmbeddingConfig
	Retrieval RetrievalConfig
	Dispatch  DispatchConfig
	Worker    WorkerConfig
	Agents    AgentsConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port     int
	MCPStdio bool
}

// AuthConfig controls the bearer token check. With auth disabled every
// request runs in single-tenant mode.
type AuthConfig struct {
	Enabled bool
	Token   string
}

type StorageConfig struct {
	DataDir string
}

type OllamaConfig struct {
	BaseURL string
}

type ProvidersConfig struct {
	OpenRouterAPIKey string
	GroqAPIKey       string
	GoogleAPIKey     string
}

// Key returns the API key for a provider credential name. Unknown names
// and credential-free providers yield "".
func (p ProvidersConfig) Key(credential string) string {
	switch credential {
	case "openrouter":
		return p.OpenRouterAPIKey
	case "groq":
		return p.GroqAPIKey
	case "google":
		return p.GoogleAPIKey
	}
	return ""
}

type EmbeddingConfig struct {
	Backend   string // ollama | hash
	Model     string
	Dimension int
}

type RetrievalConfig struct {
	Backend        string // sqlite | chromem
	TopK           int
	CorrectionTopK int
}

type DispatchConfig struct {
	AttemptTimeout time.Duration
	TaskDeadline   time.Duration
	StoreTimeout   time.Duration
	StaleAfter     time.Duration
	SweepInterval  time.Duration
}

type WorkerConfig struct {
	PollInterval time.Duration
	Concurrency  int
}

type AgentsConfig struct {
	File string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
		},
		Embedding: EmbeddingConfig{
			Backend:   "ollama",
			Model:     "all-minilm",
			Dimension: 384,
		},
		Retrieval: RetrievalConfig{
			Backend:        "sqlite",
			TopK:           3,
			CorrectionTopK: 2,
		},
		Dispatch: DispatchConfig{
			AttemptTimeout: 20 * time.Second,
			TaskDeadline:   90 * time.Second,
			StoreTimeout:   10 * time.Second,
			StaleAfter:     5 * time.Minute,
			SweepInterval:  time.Minute,
		},
		Worker: WorkerConfig{
			PollInterval: time.Second,
			Concurrency:  4,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration in increasing order of precedence: defaults, the
// JSON file at $XDG_CONFIG_HOME/agentcore/config.json, .env.local and .env
// in the working directory, AGENTCORE_* environment variables. API keys not
// found in the environment are looked up in the local secret store.
func Load() (Config, error) {
	for _, f := range []string{".env.local", ".env"} {
		// godotenv never overrides variables that are already set, so the
		// first file wins.
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return loadWith(newFileBackend(configFilePath()), defaultSecrets())
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	applySecrets(&cfg, secrets)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Auth.Enabled && c.Auth.Token == "" {
		return fmt.Errorf("missing required config: auth.enabled is set but no token. Set %s", envPrefix+"AUTH_TOKEN")
	}
	switch c.Embedding.Backend {
	case "ollama", "hash":
	default:
		return fmt.Errorf("invalid embedding.backend %q: want ollama or hash", c.Embedding.Backend)
	}
	switch c.Retrieval.Backend {
	case "sqlite", "chromem":
	default:
		return fmt.Errorf("invalid retrieval.backend %q: want sqlite or chromem", c.Retrieval.Backend)
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("invalid embedding.dimension %d", c.Embedding.Dimension)
	}
	if c.Dispatch.AttemptTimeout <= 0 || c.Dispatch.TaskDeadline < c.Dispatch.AttemptTimeout {
		return fmt.Errorf("dispatch.task_deadline (%s) must be at least dispatch.attempt_timeout (%s)",
			c.Dispatch.TaskDeadline, c.Dispatch.AttemptTimeout)
	}
	return nil
}
