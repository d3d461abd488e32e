// Package main implements the silent-agent daemon: a long-running client
// that maintains a relay connection to the browser extension, keeps the
// site-to-tab destination map fresh, and exposes connection metrics.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/hwzz3311/silent-agent-sub001/client"
	"github.com/hwzz3311/silent-agent-sub001/config"
	"github.com/hwzz3311/silent-agent-sub001/metric"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "silent-agent"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := initializeConfiguration(cliCfg)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid", "relay_url", cfg.URL())
		return nil
	}

	registry := metric.NewMetricsRegistry()

	var metricsServer *metric.Server
	if cliCfg.MetricsPort > 0 {
		metricsServer = metric.NewServer(cliCfg.MetricsPort, "/metrics", registry)
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		slog.Info("Metrics server started", "port", cliCfg.MetricsPort)
	}

	agent, err := client.New(cfg,
		client.WithLogger(&slogAdapter{logger: logger}),
		client.WithMetrics(registry),
	)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	wireEventLogging(agent)

	ctx := context.Background()
	info, err := agent.Connect(ctx)
	if err != nil {
		// The connection manager recovers on the next call when
		// auto-reconnect is on; a dead relay at startup is not fatal.
		slog.Warn("Initial relay connection failed, will keep retrying on demand",
			"relay_url", cfg.URL(), "error", err)
	} else {
		slog.Info("Connected to relay",
			"relay_url", cfg.URL(),
			"state", info.State.String(),
			"extension_connected", info.ExtensionConnected)
	}

	return runWithSignalHandling(ctx, cliCfg, agent, metricsServer)
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting silent-agent (browser relay client)",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// initializeConfiguration loads and validates configuration. An empty config
// path means defaults plus environment overrides.
func initializeConfiguration(cliCfg *CLIConfig) (config.Connection, error) {
	if cliCfg.ConfigPath == "" {
		cfg := config.Default()
		cfg.ApplyEnv()
		if err := cfg.Validate(); err != nil {
			return cfg, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// wireEventLogging surfaces connection lifecycle events in the log.
func wireEventLogging(agent *client.Client) {
	agent.OnConnected(func(payload map[string]any) {
		slog.Info("Relay session established", "url", payload["url"])
	})
	agent.OnDisconnected(func(payload map[string]any) {
		slog.Info("Relay session closed", "reason", payload["reason"])
	})
	agent.OnError(func(payload map[string]any) {
		slog.Error("Relay connection error", "error", payload["error"])
	})
	agent.OnExtensionConnected(func(map[string]any) {
		slog.Info("Browser extension attached", "tools", len(agent.Tools()))
	})
	agent.OnExtensionDisconnected(func(map[string]any) {
		slog.Info("Browser extension detached")
	})
}

// runWithSignalHandling blocks until shutdown is requested, then tears
// everything down within the configured timeout.
func runWithSignalHandling(
	ctx context.Context,
	cliCfg *CLIConfig,
	agent *client.Client,
	metricsServer *metric.Server,
) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	slog.Info("silent-agent started")

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
	defer shutdownCancel()

	agent.Close()

	if metricsServer != nil {
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			slog.Error("Error stopping metrics server", "error", err)
		}
	}

	slog.Info("silent-agent shutdown complete")
	return nil
}
