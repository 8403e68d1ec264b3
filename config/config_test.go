package config

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cyphalnode/errors"
	"github.com/c360/cyphalnode/message"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, uint8(message.NodeIDUnset), cfg.Node.ID)
	assert.Equal(t, AllocatorLocal, cfg.Allocator.Mode)
	assert.Equal(t, time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, uint64(10), cfg.Stability.ErrorThreshold)
	assert.Equal(t, "cyphal", cfg.Mirror.SubjectPrefix)
	assert.False(t, cfg.Mirror.Enabled)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"node id out of range", func(c *Config) { c.Node.ID = 128 }},
		{"bad unique id", func(c *Config) { c.Node.UniqueID = "not-a-uuid" }},
		{"zero queue", func(c *Config) { c.Queue.Capacity = 0 }},
		{"heartbeat too fast", func(c *Config) { c.Heartbeat.Interval = 50 * time.Millisecond }},
		{"heartbeat too slow", func(c *Config) { c.Heartbeat.Interval = 11 * time.Second }},
		{"unknown allocator", func(c *Config) { c.Allocator.Mode = "dhcp" }},
		{"preferred id out of range", func(c *Config) { c.Allocator.PreferredID = 200 }},
		{"zero update period", func(c *Config) { c.Stability.UpdatePeriod = 0 }},
		{"bad severity", func(c *Config) { c.Errors.MinSeverity = "loud" }},
		{"mirror without urls", func(c *Config) { c.Mirror.Enabled = true; c.Mirror.URLs = nil }},
		{"mirror bad prefix", func(c *Config) { c.Mirror.Enabled = true; c.Mirror.SubjectPrefix = "a..b" }},
		{"http port", func(c *Config) { c.HTTP.Port = 70000 }},
		{"log level", func(c *Config) { c.Log.Level = "trace" }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestValidate_Normalizes(t *testing.T) {
	cfg := Default()
	cfg.Allocator.Mode = "PnP"
	cfg.Log.Level = "DEBUG"
	cfg.Log.Format = "Text"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, AllocatorPnP, cfg.Allocator.Mode)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestClone_IsDeep(t *testing.T) {
	cfg := Default()
	clone := cfg.Clone()
	clone.Mirror.URLs[0] = "nats://elsewhere:4222"
	clone.Node.Name = "other"

	assert.Equal(t, "nats://localhost:4222", cfg.Mirror.URLs[0])
	assert.Equal(t, "cyphalnode", cfg.Node.Name)
	assert.NotNil(t, (*Config)(nil).Clone())
}

func TestString_RedactsSecrets(t *testing.T) {
	cfg := Default()
	cfg.Mirror.Password = "hunter2"
	cfg.Mirror.Token = "s3cret"

	out := cfg.String()
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "s3cret")
	assert.Contains(t, out, "[REDACTED]")
	assert.Equal(t, "hunter2", cfg.Mirror.Password)
}

func TestSafeConfig(t *testing.T) {
	sc := NewSafeConfig(nil)

	got := sc.Get()
	got.Node.Name = "mutated"
	assert.Equal(t, "cyphalnode", sc.Get().Node.Name)

	bad := Default()
	bad.Queue.Capacity = -1
	assert.Error(t, sc.Update(bad))
	assert.Error(t, sc.Update(nil))

	good := Default()
	good.Node.ID = 42
	require.NoError(t, sc.Update(good))
	assert.Equal(t, uint8(42), sc.Get().Node.ID)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c := Default()
			c.Node.ID = uint8(id)
			_ = sc.Update(c)
			_ = sc.Get()
		}(i)
	}
	wg.Wait()
	assert.Less(t, sc.Get().Node.ID, uint8(8))
}
