// Package main runs a single Cyphal/UDP node with its diagnostics gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/c360/cyphalnode/config"
	gateway "github.com/c360/cyphalnode/gateway/http"
	"github.com/c360/cyphalnode/message"
	"github.com/c360/cyphalnode/metric"
	"github.com/c360/cyphalnode/natsclient"
	"github.com/c360/cyphalnode/stack"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "cyphalnode"
)

func main() {
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
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp(flag.CommandLine)
		return nil
	}

	cfg, err := initializeConfiguration(cliCfg)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		slog.Info("Configuration is valid", "config", cfg.String())
		return nil
	}

	slog.Info("Starting cyphalnode",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath,
		"node", cfg.Node.Name)

	ctx := context.Background()
	registry := metric.NewMetricsRegistry()

	natsClient := connectMirror(ctx, cfg, registry, logger)
	if natsClient != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = natsClient.Close(closeCtx)
		}()
	}

	deps := stack.Deps{
		Config:          cfg,
		Logger:          logger,
		MetricsRegistry: registry,
	}
	if natsClient != nil {
		deps.MirrorPublisher = natsClient
	}
	node, err := stack.New(deps)
	if err != nil {
		return fmt.Errorf("create stack: %w", err)
	}

	if err := node.Init(cfg.Network.Interface, message.NodeID(cfg.Node.ID)); err != nil {
		_ = node.Close(cliCfg.ShutdownTimeout)
		return fmt.Errorf("init stack: %w", err)
	}

	var gw *gateway.Gateway
	if cfg.HTTP.Enabled {
		gw, err = gateway.New(gateway.Deps{Node: node, MetricsRegistry: registry, Logger: logger})
		if err != nil {
			_ = node.Close(cliCfg.ShutdownTimeout)
			return fmt.Errorf("create gateway: %w", err)
		}
	}

	return runWithSignalHandling(ctx, node, gw, cfg, cliCfg)
}

// initializeConfiguration loads the file, applies flag overrides and validates
func initializeConfiguration(cliCfg *CLIConfig) (*config.Config, error) {
	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	applyFlagOverrides(cfg, cliCfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyFlagOverrides lets explicit flags win over the file and environment.
func applyFlagOverrides(cfg *config.Config, cliCfg *CLIConfig) {
	if cliCfg.LogLevel != "" {
		cfg.Log.Level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Log.Format = cliCfg.LogFormat
	}
	if cliCfg.Interface != "" {
		cfg.Network.Interface = cliCfg.Interface
	}
	if cliCfg.NodeID >= 0 {
		cfg.Node.ID = uint8(cliCfg.NodeID)
	}
	switch {
	case cliCfg.HTTPPort == 0:
		cfg.HTTP.Enabled = false
	case cliCfg.HTTPPort > 0:
		cfg.HTTP.Enabled = true
		cfg.HTTP.Port = cliCfg.HTTPPort
	}
}

// loadConfig loads the file at path, or defaults plus environment when empty
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path == "" {
		return loader.Load()
	}
	cfg, err := loader.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// connectMirror returns a connected NATS client when the mirror is enabled.
// The node runs without a mirror when the server cannot be reached.
func connectMirror(ctx context.Context, cfg *config.Config, registry *metric.MetricsRegistry, logger *slog.Logger) *natsclient.Client {
	if !cfg.Mirror.Enabled || len(cfg.Mirror.URLs) == 0 {
		return nil
	}

	opts := []natsclient.ClientOption{
		natsclient.WithName(appName + "-" + cfg.Node.Name),
		natsclient.WithMaxReconnects(cfg.Mirror.MaxReconnects),
		natsclient.WithReconnectWait(cfg.Mirror.ReconnectWait),
		natsclient.WithLogger(logger),
		natsclient.WithMetrics(registry.CoreMetrics()),
	}
	switch {
	case cfg.Mirror.Token != "":
		opts = append(opts, natsclient.WithToken(cfg.Mirror.Token))
	case cfg.Mirror.Username != "":
		opts = append(opts, natsclient.WithCredentials(cfg.Mirror.Username, cfg.Mirror.Password))
	}

	client, err := natsclient.NewClient(cfg.Mirror.URLs[0], opts...)
	if err != nil {
		logger.Warn("Mirror disabled", "error", err)
		return nil
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Connect(connCtx); err != nil {
		logger.Warn("Mirror disabled, NATS unreachable", "url", cfg.Mirror.URLs[0], "error", err)
		_ = client.Close(ctx)
		return nil
	}
	return client
}

// runWithSignalHandling starts the node and blocks until SIGINT or SIGTERM
func runWithSignalHandling(
	ctx context.Context,
	node *stack.Stack,
	gw *gateway.Gateway,
	cfg *config.Config,
	cliCfg *CLIConfig,
) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := node.Start(signalCtx); err != nil {
		_ = node.Close(cliCfg.ShutdownTimeout)
		return fmt.Errorf("start stack: %w", err)
	}

	if gw != nil {
		if err := gw.Start(":" + strconv.Itoa(cfg.HTTP.Port)); err != nil {
			_ = node.Close(cliCfg.ShutdownTimeout)
			return fmt.Errorf("start gateway: %w", err)
		}
	}

	slog.Info("cyphalnode started", "node_id", node.NodeID().String())

	supervise(signalCtx, node, cfg.Stability.UpdatePeriod, cliCfg.StatusInterval)
	slog.Info("Received shutdown signal")

	if err := shutdown(node, gw, cfg.HTTP.ShutdownTimeout, cliCfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("cyphalnode shutdown complete")
	return nil
}

// supervise drives Update and the periodic status line until ctx is done.
func supervise(ctx context.Context, node *stack.Stack, updatePeriod, statusInterval time.Duration) {
	update := time.NewTicker(updatePeriod)
	defer update.Stop()

	var status <-chan time.Time
	if statusInterval > 0 {
		t := time.NewTicker(statusInterval)
		defer t.Stop()
		status = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-update.C:
			node.Update()
		case <-status:
			st := node.Stats()
			slog.Info("Node status",
				"node_id", st.Node.ID.String(),
				"stability", st.Stability.State.String(),
				"ready", node.IsReady(),
				"peers", st.Peers,
				"sent", st.Sent,
				"received", st.Received)
		}
	}
}

func shutdown(node *stack.Stack, gw *gateway.Gateway, gatewayTimeout, timeout time.Duration) error {
	var firstErr error
	if gw != nil {
		if err := gw.Stop(gatewayTimeout); err != nil {
			slog.Error("Error stopping gateway", "error", err)
			firstErr = err
		}
	}
	if err := node.Close(timeout); err != nil {
		slog.Error("Error stopping stack", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
