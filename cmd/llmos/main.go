package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/kolapsis/llmos/internal/api"
	"github.com/kolapsis/llmos/internal/config"
	"github.com/kolapsis/llmos/internal/kernel"
	llmosmcp "github.com/kolapsis/llmos/internal/mcpserver"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "config file (default: layered search)")
	logLevel := flag.String("log-level", "", "override the configured log level")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), `llmos %s, a self-hosted LLM operating system kernel

Usage: llmos [flags] <serve|check|version>

  serve     run the kernel (default)
  check     load and validate the configuration, print a summary
  version   print the version

Flags:
`, version)
		flag.PrintDefaults()
	}
	flag.Parse()

	command := flag.Arg(0)
	if command == "" {
		command = "serve"
	}

	if command == "version" {
		fmt.Println("llmos", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Server.LogLevel = *logLevel
	}

	switch command {
	case "check":
		printConfigSummary(cfg)
	case "serve":
		serve(cfg)
	default:
		fmt.Fprintln(os.Stderr, "unknown command:", command)
		flag.Usage()
		os.Exit(1)
	}
}

// printConfigSummary is the check command: the config loaded and validated,
// so show what the kernel would run with.
func printConfigSummary(cfg *config.Config) {
	fmt.Println("configuration is valid")
	fmt.Printf("  bind        %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  data root   %s\n", cfg.Data.Root)
	fmt.Printf("  providers   ollama=%s claude=%v openai=%v\n",
		cfg.LLM.Ollama.URL, cfg.LLM.Anthropic.APIKey != "", cfg.LLM.OpenAI.APIKey != "")
	fmt.Printf("  docker      enabled=%v ports=%d-%d max=%d\n",
		cfg.Docker.Enabled, cfg.Docker.PortStart, cfg.Docker.PortEnd, cfg.Docker.MaxContainers)
	fmt.Printf("  scheduler   enabled=%v budget=%d/day defer=%dm\n",
		cfg.Scheduler.Enabled, cfg.Scheduler.DailyBudget, cfg.Scheduler.DeferMinutes)
}

func serve(cfg *config.Config) {
	closeLog := initLogger(cfg.Server)
	defer closeLog()

	slog.Info("starting llmos kernel",
		"version", version,
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"data_root", cfg.Data.Root)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("kernel error", "error", err)
		os.Exit(1)
	}
}

// initLogger installs the default slog logger per server config: JSON on
// stdout, duplicated to a log file when one is configured. Returns a
// closer for the file handle.
func initLogger(cfg config.ServerConfig) func() {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	sinks := []slog.Handler{slog.NewJSONHandler(os.Stdout, opts)}
	closeLog := func() {}

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			fmt.Fprintln(os.Stderr, "log file unavailable, logging to stdout only:", err)
		} else {
			sinks = append(sinks, slog.NewJSONHandler(f, opts))
			closeLog = func() { _ = f.Close() }
		}
	}

	slog.SetDefault(slog.New(slog.NewMultiHandler(sinks...)))
	return closeLog
}

func run(ctx context.Context, cfg *config.Config) error {
	k, err := kernel.New(cfg)
	if err != nil {
		return fmt.Errorf("building kernel: %w", err)
	}

	// --- HTTP Router ---
	r := chi.NewRouter()

	// MCP endpoint first; the API router owns everything else from /.
	mcp := llmosmcp.NewServer(k, version)
	r.Handle("/mcp", mcpserver.NewStreamableHTTPServer(mcp))
	r.Mount("/", api.NewRouter(k))

	// --- HTTP Server ---
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("llmos kernel is ready", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Background probes start once the listener is up.
	k.StartBackground(ctx)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	k.Shutdown(shutdownCtx)
	return srv.Shutdown(shutdownCtx)
}
