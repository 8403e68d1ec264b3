package main

import (
	"bytes"
	"flag"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cyphalnode/config"
)

func parseArgs(t *testing.T, args ...string) *CLIConfig {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return parseFlagSet(fs, args)
}

func TestParseFlags_Defaults(t *testing.T) {
	t.Setenv("CYPHAL_CONFIG", "")
	cli := parseArgs(t)
	assert.Empty(t, cli.ConfigPath)
	assert.Equal(t, -1, cli.NodeID)
	assert.Equal(t, -1, cli.HTTPPort)
	assert.Equal(t, 10*time.Second, cli.ShutdownTimeout)
	require.NoError(t, validateFlags(cli))
}

func TestParseFlags_DebugForcesLevel(t *testing.T) {
	cli := parseArgs(t, "--debug", "--log-level=error")
	assert.Equal(t, "debug", cli.LogLevel)
}

func TestValidateFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
		ok   bool
	}{
		{"static id", []string{"--node-id=42"}, true},
		{"anonymous", []string{"--node-id=255"}, true},
		{"id out of range", []string{"--node-id=128"}, false},
		{"bad level", []string{"--log-level=loud"}, false},
		{"bad format", []string{"--log-format=xml"}, false},
		{"bad port", []string{"--http-port=70000"}, false},
		{"missing config", []string{"--config=/nonexistent/node.yaml"}, false},
		{"zero shutdown", []string{"--shutdown-timeout=0s"}, false},
		{"version skips checks", []string{"--version", "--node-id=128"}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := validateFlags(parseArgs(t, tc.args...))
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestApplyFlagOverrides(t *testing.T) {
	cfg := config.Default()
	cli := parseArgs(t, "--node-id=9", "--iface=127.0.0.1", "--log-format=text", "--http-port=9090")
	applyFlagOverrides(cfg, cli)

	assert.Equal(t, uint8(9), cfg.Node.ID)
	assert.Equal(t, "127.0.0.1", cfg.Network.Interface)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.True(t, cfg.HTTP.Enabled)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	require.NoError(t, cfg.Validate())

	applyFlagOverrides(cfg, parseArgs(t, "--http-port=0"))
	assert.False(t, cfg.HTTP.Enabled)
	assert.Equal(t, uint8(9), cfg.Node.ID, "unset flags leave the config alone")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn", "json")
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"service":"cyphalnode"`)
}
