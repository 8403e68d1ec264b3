package config

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/cyphalnode/errors"
	"github.com/c360/cyphalnode/message"
	"github.com/c360/cyphalnode/stability"
	"github.com/c360/cyphalnode/transport"
)

// Allocator modes.
const (
	AllocatorLocal = "local"
	AllocatorPnP   = "pnp"
)

// Config is the complete node configuration.
type Config struct {
	Node      NodeConfig       `json:"node"`
	Network   transport.Config `json:"network"`
	Queue     QueueConfig      `json:"queue"`
	Heartbeat HeartbeatConfig  `json:"heartbeat"`
	Allocator AllocatorConfig  `json:"allocator"`
	Stability StabilityConfig  `json:"stability"`
	Errors    ErrorsConfig     `json:"errors"`
	Mirror    MirrorConfig     `json:"mirror"`
	HTTP      HTTPConfig       `json:"http"`
	Log       LogConfig        `json:"log"`
}

// NodeConfig identifies the node. ID 255 starts the node anonymous and lets
// the allocator pick an id.
type NodeConfig struct {
	ID       uint8  `json:"id"`
	Name     string `json:"name"`
	UniqueID string `json:"unique_id,omitempty"`
}

// QueueConfig sizes the application transmit queue.
type QueueConfig struct {
	Capacity    int           `json:"capacity"`
	PushTimeout time.Duration `json:"push_timeout"`
	PopTimeout  time.Duration `json:"pop_timeout"`
}

// HeartbeatConfig configures the heartbeat service.
type HeartbeatConfig struct {
	Enabled  bool          `json:"enabled"`
	Interval time.Duration `json:"interval"`
}

// AllocatorConfig configures dynamic node id allocation.
type AllocatorConfig struct {
	Mode              string        `json:"mode"`
	PreferredID       uint8         `json:"preferred_id"`
	RequestPeriod     time.Duration `json:"request_period"`
	Timeout           time.Duration `json:"timeout"`
	FallbackOnTimeout bool          `json:"fallback_on_timeout"`
	// Serve answers allocation requests from anonymous nodes once this node
	// has an id.
	Serve bool `json:"serve"`
}

// StabilityConfig adds the supervision period to the manager settings.
type StabilityConfig struct {
	stability.Config
	UpdatePeriod time.Duration `json:"update_period"`
}

// ErrorsConfig configures the error handler.
type ErrorsConfig struct {
	MinSeverity         string        `json:"min_severity"`
	MaxRecoveryAttempts int           `json:"max_recovery_attempts"`
	LogInterval         time.Duration `json:"log_interval"`
}

// MirrorConfig configures the NATS bus mirror.
type MirrorConfig struct {
	Enabled       bool          `json:"enabled"`
	URLs          []string      `json:"urls,omitempty"`
	SubjectPrefix string        `json:"subject_prefix"`
	MaxReconnects int           `json:"max_reconnects"`
	ReconnectWait time.Duration `json:"reconnect_wait"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
}

// HTTPConfig configures the diagnostics gateway.
type HTTPConfig struct {
	Enabled         bool          `json:"enabled"`
	Port            int           `json:"port"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Default returns the configuration used when nothing is configured.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:   uint8(message.NodeIDUnset),
			Name: "cyphalnode",
		},
		Network: transport.DefaultConfig(),
		Queue: QueueConfig{
			Capacity:    64,
			PushTimeout: 10 * time.Millisecond,
			PopTimeout:  100 * time.Millisecond,
		},
		Heartbeat: HeartbeatConfig{
			Enabled:  true,
			Interval: time.Second,
		},
		Allocator: AllocatorConfig{
			Mode:          AllocatorLocal,
			PreferredID:   uint8(message.NodeIDUnset),
			RequestPeriod: time.Second,
			Timeout:       30 * time.Second,
		},
		Stability: StabilityConfig{
			Config:       stability.DefaultConfig(),
			UpdatePeriod: 100 * time.Millisecond,
		},
		Errors: ErrorsConfig{
			MinSeverity:         "warning",
			MaxRecoveryAttempts: 16,
			LogInterval:         time.Second,
		},
		Mirror: MirrorConfig{
			URLs:          []string{"nats://localhost:4222"},
			SubjectPrefix: "cyphal",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		HTTP: HTTPConfig{
			Enabled:         true,
			Port:            8080,
			ShutdownTimeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks every section and normalizes case-insensitive fields.
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "config", "Validate", "validate config")
	}
	return nil
}

func (c *Config) validate() error {
	id := message.NodeID(c.Node.ID)
	if !id.IsUnset() && !id.Valid() {
		return fmt.Errorf("node.id %d outside 0..%d (or 255 for unset)", c.Node.ID, message.NodeIDMax)
	}
	if c.Node.UniqueID != "" {
		if _, err := uuid.Parse(c.Node.UniqueID); err != nil {
			return fmt.Errorf("node.unique_id: %w", err)
		}
	}

	if err := c.Network.Validate(); err != nil {
		return fmt.Errorf("network: %w", err)
	}
	if c.Network.Interface != "" && net.ParseIP(c.Network.Interface) == nil {
		if _, err := net.InterfaceByName(c.Network.Interface); err != nil {
			return fmt.Errorf("network.interface %q: %w", c.Network.Interface, err)
		}
	}

	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be positive")
	}
	if c.Queue.PushTimeout < 0 || c.Queue.PopTimeout <= 0 {
		return fmt.Errorf("queue timeouts must be positive")
	}

	if c.Heartbeat.Interval < 100*time.Millisecond || c.Heartbeat.Interval > 10*time.Second {
		return fmt.Errorf("heartbeat.interval %v outside 100ms..10s", c.Heartbeat.Interval)
	}

	c.Allocator.Mode = strings.ToLower(c.Allocator.Mode)
	switch c.Allocator.Mode {
	case AllocatorLocal, AllocatorPnP:
	default:
		return fmt.Errorf("allocator.mode %q must be %q or %q", c.Allocator.Mode, AllocatorLocal, AllocatorPnP)
	}
	pref := message.NodeID(c.Allocator.PreferredID)
	if !pref.IsUnset() && !pref.Valid() {
		return fmt.Errorf("allocator.preferred_id %d out of range", c.Allocator.PreferredID)
	}

	if err := c.Stability.Config.Validate(); err != nil {
		return fmt.Errorf("stability: %w", err)
	}
	if c.Stability.UpdatePeriod <= 0 {
		return fmt.Errorf("stability.update_period must be positive")
	}

	if _, err := errors.ParseSeverity(c.Errors.MinSeverity); err != nil {
		return fmt.Errorf("errors.min_severity: %w", err)
	}
	if c.Errors.MaxRecoveryAttempts < 0 {
		return fmt.Errorf("errors.max_recovery_attempts must not be negative")
	}

	if c.Mirror.Enabled {
		if len(c.Mirror.URLs) == 0 {
			return fmt.Errorf("mirror.urls required when the mirror is enabled")
		}
		if !isValidSubjectPart(c.Mirror.SubjectPrefix) {
			return fmt.Errorf("mirror.subject_prefix %q is not a valid NATS subject token", c.Mirror.SubjectPrefix)
		}
	}

	if c.HTTP.Enabled && (c.HTTP.Port <= 0 || c.HTTP.Port > 65535) {
		return fmt.Errorf("http.port %d out of range", c.HTTP.Port)
	}

	c.Log.Level = strings.ToLower(c.Log.Level)
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q", c.Log.Level)
	}
	c.Log.Format = strings.ToLower(c.Log.Format)
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("log.format %q must be json or text", c.Log.Format)
	}
	return nil
}

// isValidSubjectPart allows alphanumerics, dots, dashes and underscores.
func isValidSubjectPart(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '-', r == '_':
		default:
			return false
		}
	}
	return !strings.HasPrefix(s, ".") && !strings.HasSuffix(s, ".") && !strings.Contains(s, "..")
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// String returns the configuration as indented JSON with secrets removed.
func (c *Config) String() string {
	redacted := c.Clone()
	if redacted.Mirror.Password != "" {
		redacted.Mirror.Password = "[REDACTED]"
	}
	if redacted.Mirror.Token != "" {
		redacted.Mirror.Token = "[REDACTED]"
	}
	data, _ := json.MarshalIndent(redacted, "", "  ")
	return string(data)
}

// SafeConfig provides concurrent access to a Config.
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig wraps cfg. A nil cfg is replaced by Default.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update validates cfg and replaces the current configuration with it.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Update", "nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}
