package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/envoyai/agentcore/internal/api"
	"github.com/envoyai/agentcore/internal/config"
	"github.com/envoyai/agentcore/internal/dispatch"
	"github.com/envoyai/agentcore/internal/handoff"
	"github.com/envoyai/agentcore/internal/ledger"
	"github.com/envoyai/agentcore/internal/metrics"
	"github.com/envoyai/agentcore/internal/provider"
	"github.com/envoyai/agentcore/internal/retrieval"
	"github.com/envoyai/agentcore/internal/storage"
	"github.com/envoyai/agentcore/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and the background worker (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp-stdio")
		return runServer(mcpStdio)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server and configuration status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Fail tasks and runs stuck in running state (offline)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSweep(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp-stdio", false, "also serve MCP tools over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "agentcore.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func setupLogging(level string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "agentcore version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)
	mcpStdio = mcpStdio || cfg.Server.MCPStdio

	agents, err := config.LoadAgents(cfg.Agents.File)
	if err != nil {
		return err
	}
	if cfg.Dispatch.StaleAfter <= cfg.Dispatch.TaskDeadline {
		return fmt.Errorf("dispatch.stale_after (%s) must exceed dispatch.task_deadline (%s)",
			cfg.Dispatch.StaleAfter, cfg.Dispatch.TaskDeadline)
	}
	if mcpStdio && cfg.Auth.Enabled && tenantFlag == "" {
		return fmt.Errorf("--tenant is required for MCP stdio when auth is enabled")
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer os.Remove(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ensureOllamaModels(ctx, cfg, agents, os.Stderr); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	rag, err := buildRetrieval(cfg, store)
	if err != nil {
		return err
	}
	registry, err := provider.BuildRegistry(ctx, agents, cfg.Providers, cfg.Ollama.BaseURL)
	if err != nil {
		return fmt.Errorf("building providers: %w", err)
	}
	slog.Info("providers ready", "providers", registry.Names())

	m := metrics.New()
	l := ledger.New(store)
	d := dispatch.New(store, rag, l, agents, registry, dispatch.Options{
		AttemptTimeout: cfg.Dispatch.AttemptTimeout,
		TaskDeadline:   cfg.Dispatch.TaskDeadline,
		StoreTimeout:   cfg.Dispatch.StoreTimeout,
		Metrics:        m,
	})
	flows := handoff.New(agents, store, d, m)
	w := worker.New(store, d, flows, worker.Options{
		PollInterval:  cfg.Worker.PollInterval,
		Concurrency:   cfg.Worker.Concurrency,
		SweepInterval: cfg.Dispatch.SweepInterval,
		StaleAfter:    cfg.Dispatch.StaleAfter,
		Metrics:       m,
	})

	token := ""
	if cfg.Auth.Enabled {
		token = cfg.Auth.Token
	} else {
		slog.Warn("auth disabled, serving a single tenant")
	}
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr: addr,
		Handler: api.NewHandler(api.Deps{
			Store:      store,
			Dispatcher: d,
			Flows:      flows,
			Ledger:     l,
			Vectors:    rag,
			Agents:     agents,
			Metrics:    m,
			Token:      token,
		}),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("agentcore listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if mcpStdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Dispatcher: d,
			Flows:      flows,
			Ledger:     l,
			Tenant:     tenantFlag,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			slog.Info("MCP server started (stdio transport)")
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// ensureOllamaModels pulls the models bound to Ollama providers on the
// default base URL, plus the embedding model when Ollama embeds.
func ensureOllamaModels(ctx context.Context, cfg config.Config, agents config.Agents, w io.Writer) error {
	local := map[string]bool{}
	for _, p := range agents.Providers() {
		if p.Kind == config.KindOllama && (p.BaseURL == "" || p.BaseURL == cfg.Ollama.BaseURL) {
			local[p.Name] = true
		}
	}
	var models []string
	seen := map[string]bool{}
	add := func(m string) {
		if m != "" && !seen[m] {
			seen[m] = true
			models = append(models, m)
		}
	}
	if cfg.Embedding.Backend == "ollama" {
		add(cfg.Embedding.Model)
	}
	for _, b := range agents.Bindings() {
		for _, t := range b.Chain() {
			if local[t.Provider] {
				add(t.Model)
			}
		}
	}
	if len(models) == 0 {
		return nil
	}
	return provider.NewOllama("ollama", cfg.Ollama.BaseURL).EnsureModels(ctx, models, w)
}

func buildRetrieval(cfg config.Config, store *storage.Store) (*retrieval.Service, error) {
	var emb retrieval.Embedder
	switch cfg.Embedding.Backend {
	case "hash":
		emb = retrieval.NewHashEmbedder(cfg.Embedding.Dimension)
	default:
		emb = retrieval.NewEngineEmbedder(provider.NewOllama("ollama", cfg.Ollama.BaseURL), cfg.Embedding.Model, cfg.Embedding.Dimension)
	}

	var vectors retrieval.VectorStore
	switch cfg.Retrieval.Backend {
	case "chromem":
		cs, err := retrieval.NewChromemStore(filepath.Join(cfg.Storage.DataDir, "vectors"))
		if err != nil {
			return nil, fmt.Errorf("opening vector store: %w", err)
		}
		vectors = cs
	default:
		vectors = retrieval.NewSQLiteStore(store.DB())
	}
	slog.Info("retrieval ready", "embedding", emb.Version(), "backend", cfg.Retrieval.Backend)
	return retrieval.NewService(emb, vectors, retrieval.Options{
		TopK:           cfg.Retrieval.TopK,
		CorrectionTopK: cfg.Retrieval.CorrectionTopK,
	}), nil
}

func runSweep(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if pid, err := readPIDFile(pidFilePath(cfg.Storage.DataDir)); err == nil {
		printWarning("agentcore serve is running (PID %d) and sweeps on its own", pid)
	}
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	w := worker.New(store, nil, nil, worker.Options{StaleAfter: cfg.Dispatch.StaleAfter})
	tasks, entries, err := w.Sweep(ctx)
	if err != nil {
		return err
	}
	printSuccess("Swept %d tasks and %d runs older than %s", tasks, entries, cfg.Dispatch.StaleAfter)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if cfg.Auth.Enabled {
		printStatus("Auth", "enabled (multi-tenant)")
	} else {
		printStatus("Auth", "disabled (single tenant)")
	}
	printStatus("Embedding", "%s %s/%d", cfg.Embedding.Backend, cfg.Embedding.Model, cfg.Embedding.Dimension)
	printStatus("Vectors", "%s", cfg.Retrieval.Backend)
	agentsFile := cfg.Agents.File
	if agentsFile == "" {
		agentsFile = "(built-in)"
	}
	printStatus("Agents", "%s", agentsFile)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
