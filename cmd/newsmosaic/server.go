package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
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

	"github.com/sjq0098/news-mosaic/internal/api"
	"github.com/sjq0098/news-mosaic/internal/cards"
	"github.com/sjq0098/news-mosaic/internal/config"
	"github.com/sjq0098/news-mosaic/internal/dialogue"
	"github.com/sjq0098/news-mosaic/internal/indexing"
	"github.com/sjq0098/news-mosaic/internal/llm"
	"github.com/sjq0098/news-mosaic/internal/memory"
	"github.com/sjq0098/news-mosaic/internal/newsapi"
	"github.com/sjq0098/news-mosaic/internal/pipeline"
	"github.com/sjq0098/news-mosaic/internal/retrieval"
	"github.com/sjq0098/news-mosaic/internal/sentiment"
	"github.com/sjq0098/news-mosaic/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the newsmosaic server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running newsmosaic server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show newsmosaic system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "newsmosaic.pid")
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

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "newsmosaic version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Refuse to double-start: probe the health endpoint first.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("newsmosaic is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("newsmosaic is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Build the core components once and hand them to the surfaces.
	llmClient := llm.New(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.ChatModel, cfg.LLM.EmbedModel, cfg.LLM.EmbedDimensions, cfg.LLM.Concurrency)
	searchClient := newsapi.New(cfg.Search.APIKey, cfg.Search.BaseURL, cfg.Search.RatePerMinute, cfg.Search.Concurrency)
	vectorStore := indexing.NewSQLiteVectorStore(store.DB())
	indexer := indexing.NewIndexer(llmClient, vectorStore)
	scorer := sentiment.NewScorer(llmClient)
	synthesizer := cards.NewSynthesizer(llmClient)
	memoryMgr := memory.NewManager(store, llmClient)
	orchestrator := pipeline.New(
		searchClient, store, indexer, llmClient, scorer, synthesizer, memoryMgr,
		time.Duration(cfg.Pipeline.DeadlineSeconds)*time.Second,
	)
	retriever := retrieval.NewEngine(llmClient, vectorStore, store)
	dialogueMgr := dialogue.NewManager(
		store, retriever, llmClient, memoryMgr,
		cfg.Dialogue.ContextWindowTokens,
		time.Duration(cfg.Dialogue.TurnDeadlineSeconds)*time.Second,
	)

	handler := api.NewHandler(api.Deps{
		Pipeline: orchestrator,
		Dialogue: dialogueMgr,
		Memory:   memoryMgr,
		Token:    cfg.Server.APIToken,
		Origins:  cfg.Server.CORSOrigins,
		Health: map[string]api.HealthChecker{
			"search": probeURL(cfg.Search.BaseURL),
			"llm":    probeURL(cfg.LLM.BaseURL + "/models"),
		},
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Evict expired pipeline runs once an hour.
	go purgeRuns(ctx, store, time.Duration(cfg.Pipeline.RunRetentionDays)*24*time.Hour)

	// MCP server (stdio transport) so agent hosts can drive the core.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Pipeline:  orchestrator,
		Retriever: retriever,
		Memory:    memoryMgr,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "newsmosaic listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func purgeRuns(ctx context.Context, store *storage.Store, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PurgeRunsBefore(ctx, time.Now().Add(-retention))
			if err != nil {
				slog.Warn("purging pipeline runs failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("purged expired pipeline runs", "count", n)
			}
		}
	}
}

// probeURL builds a reachability check for the health endpoint.
func probeURL(url string) api.HealthChecker {
	client := &http.Client{Timeout: 3 * time.Second}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		// Any HTTP response means the provider endpoint is reachable;
		// auth errors are expected on unauthenticated probes.
		return nil
	}
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("newsmosaic is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop newsmosaic (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to newsmosaic (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "degraded (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Search provider", "%s", cfg.Search.BaseURL)
	printStatus("LLM endpoint", "%s", cfg.LLM.BaseURL)
	printStatus("Chat model", "%s", cfg.LLM.ChatModel)
	printStatus("Embed model", "%s", cfg.LLM.EmbedModel)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
