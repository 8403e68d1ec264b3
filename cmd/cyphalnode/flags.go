package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	Interface       string
	NodeID          int
	HTTPPort        int
	Debug           bool
	ShutdownTimeout time.Duration
	StatusInterval  time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	return parseFlagSet(flag.CommandLine, os.Args[1:])
}

func parseFlagSet(fs *flag.FlagSet, args []string) *CLIConfig {
	cfg := &CLIConfig{}

	// Empty config path runs on defaults plus CYPHAL_* overrides
	fs.StringVar(&cfg.ConfigPath, "config",
		getEnv("CYPHAL_CONFIG", ""),
		"Path to configuration file, YAML or JSON (env: CYPHAL_CONFIG)")

	fs.StringVar(&cfg.ConfigPath, "c",
		getEnv("CYPHAL_CONFIG", ""),
		"Path to configuration file, YAML or JSON (env: CYPHAL_CONFIG)")

	fs.StringVar(&cfg.LogLevel, "log-level", "",
		"Log level: debug, info, warn, error (overrides log.level)")

	fs.StringVar(&cfg.LogFormat, "log-format", "",
		"Log format: json, text (overrides log.format)")

	fs.StringVar(&cfg.Interface, "iface", "",
		"Local interface address to bind, empty for the configured one")

	fs.IntVar(&cfg.NodeID, "node-id", -1,
		"Node id 0-127, or 255 to allocate one (overrides node.id)")

	fs.IntVar(&cfg.HTTPPort, "http-port", -1,
		"Gateway port, 0 to disable (overrides http.port)")

	fs.BoolVar(&cfg.Debug, "debug",
		getEnvBool("CYPHAL_DEBUG", false),
		"Enable debug logging (env: CYPHAL_DEBUG)")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("CYPHAL_SHUTDOWN_TIMEOUT", 10*time.Second),
		"Graceful shutdown timeout (env: CYPHAL_SHUTDOWN_TIMEOUT)")

	fs.DurationVar(&cfg.StatusInterval, "status-interval",
		getEnvDuration("CYPHAL_STATUS_INTERVAL", time.Minute),
		"Period of the status log line, 0 to disable (env: CYPHAL_STATUS_INTERVAL)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() {
		printDetailedHelp(fs)
	}

	_ = fs.Parse(args)

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}

	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	if cfg.LogLevel != "" && !contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	if cfg.LogFormat != "" && !contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if cfg.NodeID != -1 && (cfg.NodeID < 0 || (cfg.NodeID > 127 && cfg.NodeID != 255)) {
		return fmt.Errorf("invalid node id: %d", cfg.NodeID)
	}

	if cfg.HTTPPort != -1 && (cfg.HTTPPort < 0 || cfg.HTTPPort > 65535) {
		return fmt.Errorf("invalid http port: %d", cfg.HTTPPort)
	}

	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}

	return nil
}

func printDetailedHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(fs.Output(), `%s - Cyphal/UDP avionics node

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(fs.Output(), `
Examples:
  # Run a node with a static id
  %s --node-id=42 --iface=192.168.1.10

  # Allocate an id and log as text
  %s --node-id=255 --log-level=debug --log-format=text

  # Run with environment variables
  export CYPHAL_CONFIG=/etc/cyphalnode/node.yaml
  export CYPHAL_NODE_NAME=fcs-left
  %s

  # Validate configuration only
  %s --config=node.yaml --validate

Every configuration field can be overridden with a CYPHAL_* variable,
for example CYPHAL_HEARTBEAT_INTERVAL=500ms or CYPHAL_MIRROR_ENABLED=true.

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
