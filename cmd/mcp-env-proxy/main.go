// Command mcp-env-proxy serves a fixed set of MCP proxy tools over stdio (or
// optionally HTTP) and forwards backend tool calls to the subprocess of
// whichever configured environment context is current.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/vikashloomba/mcp-env-proxy-go/pkg/ctxpool"
	"github.com/vikashloomba/mcp-env-proxy-go/pkg/proxycfg"
	"github.com/vikashloomba/mcp-env-proxy-go/pkg/proxyserver"
)

func main() {
	var (
		configPath string
		logLevel   string
		verbose    bool
		httpAddr   string
	)
	flag.StringVar(&configPath, "config", "", "path to contexts.yaml (default: search standard locations)")
	flag.StringVar(&configPath, "c", "", "shorthand for -config")
	flag.StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	flag.BoolVar(&verbose, "v", false, "shorthand for -log-level debug")
	flag.StringVar(&httpAddr, "http", "", "serve MCP over HTTP on this address instead of stdio")
	flag.Parse()

	// Stdout carries the MCP protocol, so all diagnostics go to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(logLevel, verbose),
	}))
	slog.SetDefault(logger)

	if err := run(configPath, httpAddr, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("proxy stopped", "error", err)
		os.Exit(1)
	}
}

func run(configPath, httpAddr string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := proxycfg.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger.Info("configuration loaded",
		"contexts", len(cfg.Contexts), "servers", len(cfg.Servers),
		"current_context", cfg.CurrentContext)

	settings := proxycfg.SettingsFromEnv()
	pool := ctxpool.NewPool(cfg, &ctxpool.Options{
		MaxSessions: settings.MaxProcesses,
		ListTimeout: settings.ListTimeout,
		CallTimeout: settings.CallTimeout,
		GracePeriod: settings.GracePeriod,
		KillPeriod:  settings.KillPeriod,
		Logger:      logger,
	})
	defer pool.Shutdown()

	server := proxyserver.New(pool, &proxyserver.Options{
		Addr:   httpAddr,
		Logger: logger,
	})
	if httpAddr != "" {
		return server.ListenAndServe(ctx)
	}
	return server.Run(ctx)
}

func parseLevel(name string, verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		fmt.Fprintf(os.Stderr, "unknown log level %q, using warn\n", name)
		return slog.LevelWarn
	}
	return level
}
