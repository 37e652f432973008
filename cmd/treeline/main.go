// Treeline server: ingests video transcripts, answers questions with tree
// search over a sandboxed interpreter, and discovers scoring rubrics from
// preference datasets.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/treeline-ai/treeline/pkg/api"
	"github.com/treeline-ai/treeline/pkg/config"
	"github.com/treeline-ai/treeline/pkg/events"
	"github.com/treeline-ai/treeline/pkg/llm"
	"github.com/treeline-ai/treeline/pkg/observe"
	"github.com/treeline-ai/treeline/pkg/session"
	"github.com/treeline-ai/treeline/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting treeline",
		"version", version.Full(),
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	if port := os.Getenv("HTTP_PORT"); port != "" {
		cfg.Server.HTTPPort = port
	}

	// 2. Create the LLM client
	client, err := llm.NewClientFromConfig(cfg.LLM)
	if err != nil {
		slog.Error("Failed to initialize LLM client", "error", err)
		os.Exit(1)
	}
	slog.Info("LLM client initialized",
		"policy_model", cfg.LLM.PolicyModel,
		"judge_model", cfg.LLM.JudgeModel)

	// 3. Build the orchestrator and streaming infrastructure
	metrics := observe.NewMetrics()
	orch, err := session.New(cfg, client, metrics)
	if err != nil {
		slog.Error("Failed to initialize orchestrator", "error", err)
		os.Exit(1)
	}
	connManager := events.NewConnectionManager(cfg.Server.WSWriteTimeout)

	// 4. Create HTTP server
	gin.SetMode(gin.ReleaseMode)
	server := api.NewServer(cfg, orch, connManager, metrics)

	// 5. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	slog.Info("Treeline started successfully", "http_port", cfg.Server.HTTPPort)

	// 6. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 7. Graceful shutdown: drain HTTP, then close live WebSockets, which
	// cancels any searches still running on them.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
