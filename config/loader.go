package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/cyphalnode/errors"
)

// DefaultEnvPrefix prefixes every environment override.
const DefaultEnvPrefix = "CYPHAL"

// Loader handles configuration loading with layers and overrides.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a loader with no layers and validation disabled.
func NewLoader() *Loader {
	return &Loader{
		envPrefix: DefaultEnvPrefix,
		lookupEnv: os.LookupEnv,
	}
}

// AddLayer adds a file layer. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables validation of the loaded result.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// SetEnvPrefix changes the environment variable prefix.
func (l *Loader) SetEnvPrefix(prefix string) {
	l.envPrefix = prefix
}

// LoadFile loads a single file over the defaults.
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, every layer and the environment.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "load "+path)
		}
		merged, err := mergeFromMap(cfg, raw)
		if err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "merge "+path)
		}
		cfg = merged
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "apply environment")
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	}
	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// durationKey reports whether a key holds a duration.
func durationKey(key string) bool {
	for _, suffix := range []string{"timeout", "interval", "period", "wait", "delay"} {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return false
}

// parseDurations rewrites duration strings as nanoseconds so that they
// unmarshal into time.Duration fields. A bare integer string is taken as
// nanoseconds.
func parseDurations(m map[string]any) error {
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			if err := parseDurations(val); err != nil {
				return err
			}
		case string:
			if !durationKey(k) {
				continue
			}
			if ns, err := strconv.ParseInt(val, 10, 64); err == nil {
				m[k] = ns
				continue
			}
			d, err := parseDurationWithDays(val)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			m[k] = d.Nanoseconds()
		}
	}
	return nil
}

// parseDurationWithDays parses durations that may use a day suffix ("2d").
func parseDurationWithDays(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// mergeFromMap overrides only the fields present in override.
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps merges override into base. Nested maps merge, anything else
// replaces.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

func (l *Loader) env(name string) (string, bool, error) {
	key := l.envPrefix + "_" + name
	val, ok := l.lookupEnv(key)
	if !ok || val == "" {
		return "", false, nil
	}
	if err := validateEnvVar(key, val); err != nil {
		return "", false, err
	}
	return val, true, nil
}

// applyEnvOverrides applies the CYPHAL_* variables.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	type override struct {
		name  string
		apply func(string) error
	}
	overrides := []override{
		{"NODE_ID", func(v string) error { return parseUint8(v, &cfg.Node.ID) }},
		{"NODE_NAME", func(v string) error { cfg.Node.Name = v; return nil }},
		{"UNIQUE_ID", func(v string) error { cfg.Node.UniqueID = v; return nil }},
		{"INTERFACE", func(v string) error { cfg.Network.Interface = v; return nil }},
		{"BIND_ADDRESS", func(v string) error { cfg.Network.BindAddress = v; return nil }},
		{"PORT", func(v string) error { return parseInt(v, &cfg.Network.Port) }},
		{"MULTICAST_GROUP", func(v string) error { cfg.Network.MulticastGroup = v; return nil }},
		{"MTU", func(v string) error { return parseInt(v, &cfg.Network.MTU) }},
		{"HEARTBEAT_INTERVAL", func(v string) error { return parseDuration(v, &cfg.Heartbeat.Interval) }},
		{"HEARTBEAT_ENABLED", func(v string) error { return parseBool(v, &cfg.Heartbeat.Enabled) }},
		{"ALLOCATOR_MODE", func(v string) error { cfg.Allocator.Mode = v; return nil }},
		{"PREFERRED_ID", func(v string) error { return parseUint8(v, &cfg.Allocator.PreferredID) }},
		{"ALLOCATOR_SERVE", func(v string) error { return parseBool(v, &cfg.Allocator.Serve) }},
		{"MIRROR_ENABLED", func(v string) error { return parseBool(v, &cfg.Mirror.Enabled) }},
		{"MIRROR_URLS", func(v string) error { cfg.Mirror.URLs = strings.Split(v, ","); return nil }},
		{"MIRROR_USERNAME", func(v string) error { cfg.Mirror.Username = v; return nil }},
		{"MIRROR_PASSWORD", func(v string) error { cfg.Mirror.Password = v; return nil }},
		{"MIRROR_TOKEN", func(v string) error { cfg.Mirror.Token = v; return nil }},
		{"HTTP_ENABLED", func(v string) error { return parseBool(v, &cfg.HTTP.Enabled) }},
		{"HTTP_PORT", func(v string) error { return parseInt(v, &cfg.HTTP.Port) }},
		{"LOG_LEVEL", func(v string) error { cfg.Log.Level = v; return nil }},
		{"LOG_FORMAT", func(v string) error { cfg.Log.Format = v; return nil }},
	}

	for _, o := range overrides {
		val, ok, err := l.env(o.name)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := o.apply(val); err != nil {
			return fmt.Errorf("%s_%s: %w", l.envPrefix, o.name, err)
		}
	}
	return nil
}

func parseInt(s string, dst *int) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func parseUint8(s string, dst *uint8) error {
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return err
	}
	*dst = uint8(n)
	return nil
}

func parseBool(s string, dst *bool) error {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func parseDuration(s string, dst *time.Duration) error {
	d, err := parseDurationWithDays(s)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

// SaveToFile writes the configuration as JSON, or YAML for .yaml/.yml paths.
func (c *Config) SaveToFile(path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var m map[string]any
		if m, err = toMap(c); err == nil {
			data, err = yaml.Marshal(m)
		}
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return errors.Wrap(err, "config", "SaveToFile", "encode config")
	}
	return errors.Wrap(safeWriteFile(path, data), "config", "SaveToFile", "write config")
}

func toMap(c *Config) (map[string]any, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if err := formatDurations(m); err != nil {
		return nil, err
	}
	return m, nil
}

// formatDurations writes duration fields as "5s" and every other number as
// an integer or float so that YAML output is plain.
func formatDurations(m map[string]any) error {
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			if err := formatDurations(val); err != nil {
				return err
			}
		case json.Number:
			if n, err := val.Int64(); err == nil {
				if durationKey(k) {
					m[k] = time.Duration(n).String()
				} else {
					m[k] = n
				}
				continue
			}
			f, err := val.Float64()
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			m[k] = f
		}
	}
	return nil
}
