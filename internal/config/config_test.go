package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(FileEnv, "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8000", cfg.Addr())
	assert.Equal(t, time.Duration(0), cfg.ServerWriteTimeout)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Equal(t, "plain", cfg.EventEncoding)
	assert.Equal(t, 256, cfg.ChannelBufferSize)
	assert.Equal(t, 64, cfg.SubscriberQueue)
	assert.Equal(t, "drop_oldest", cfg.OverflowPolicy)
	assert.Equal(t, 30*time.Minute, cfg.ChannelIdleTimeout)
	assert.True(t, cfg.FirehoseEnabled)
	assert.Equal(t, EngineEcho, cfg.Engine)
	assert.Equal(t, 8, cfg.EngineWorkers)
	assert.Equal(t, "memory", cfg.SessionStore)
	assert.Empty(t, cfg.JWTSecret)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(FileEnv, "")
	t.Setenv("PORT", "9000")
	t.Setenv("EVENT_ENCODING", "nested")
	t.Setenv("CHANNEL_BUFFER_SIZE", "32")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("FIREHOSE_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.ServerPort)
	assert.Equal(t, "nested", cfg.EventEncoding)
	assert.Equal(t, 32, cfg.ChannelBufferSize)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.False(t, cfg.FirehoseEnabled)
}

func TestLoad_FileIsOverriddenByEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 7000
stream_heartbeat: 5s
overflow_policy: mark_overflowed
subscriber_queue_size: ${GATEWAY_TEST_QUEUE}
`), 0o600))

	t.Setenv(FileEnv, path)
	t.Setenv("GATEWAY_TEST_QUEUE", "12")
	t.Setenv("STREAM_HEARTBEAT", "1s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "7000", cfg.ServerPort)
	assert.Equal(t, time.Second, cfg.StreamHeartbeat)
	assert.Equal(t, "mark_overflowed", cfg.OverflowPolicy)
	assert.Equal(t, 12, cfg.SubscriberQueue)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv(FileEnv, filepath.Join(t.TempDir(), "absent.yaml"))

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func(t *testing.T) *Config {
		t.Setenv(FileEnv, "")
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"encoding", func(c *Config) { c.EventEncoding = "xml" }},
		{"overflow", func(c *Config) { c.OverflowPolicy = "block" }},
		{"engine", func(c *Config) { c.Engine = "magic" }},
		{"llm without key", func(c *Config) { c.Engine = EngineLLM }},
		{"llm provider", func(c *Config) { c.Engine = EngineLLM; c.LLMProvider = "other" }},
		{"store", func(c *Config) { c.SessionStore = "postgres" }},
		{"buffer size", func(c *Config) { c.ChannelBufferSize = 0 }},
		{"workers", func(c *Config) { c.EngineWorkers = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid(t)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("llm with key", func(t *testing.T) {
		cfg := valid(t)
		cfg.Engine = EngineLLM
		cfg.LLMProvider = "openai"
		cfg.OpenAIAPIKey = "sk-test"
		assert.NoError(t, cfg.Validate())
	})
}
