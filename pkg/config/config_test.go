package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "8085", cfg.Service.Port)
	assert.Equal(t, 60*time.Second, cfg.Service.RequestDeadline)
	assert.Equal(t, 4000, cfg.Context.MaxTokens)
	assert.Equal(t, 0.2, cfg.Context.HistoryFraction)
	assert.Equal(t, 24*time.Hour, cfg.Conversation.TTL)
	assert.Equal(t, 15*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 30*time.Second, cfg.LLM.SyncTimeout)
	assert.Equal(t, 0.7, cfg.LLM.Temperature)
	assert.Equal(t, 1500, cfg.LLM.MaxTokens)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("CACHE_TTL", "5m")
	t.Setenv("DEFAULT_THRESHOLD", "0.5")
	t.Setenv("OPENAI_API_KEY", "test-key")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Service.Port)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 0.5, cfg.VectorSearch.DefaultThreshold)
	require.Len(t, cfg.LLM.Providers, 1)
	assert.Equal(t, "openai", cfg.LLM.Providers[0].Name)
	assert.Equal(t, "test-key", cfg.LLM.Providers[0].APIKey)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("PORT", "not-a-port")
	t.Setenv("CACHE_TTL", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT")
	assert.Contains(t, err.Error(), "CACHE_TTL")
}

func TestLoadReadsConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
service:
  port: "8200"
cache:
  max_items: 500
llm:
  providers:
    - name: local
      type: ollama
      base_url: http://localhost:11434
      model: llama3
`), 0o600))
	t.Setenv("RAG_CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8200", cfg.Service.Port)
	assert.Equal(t, 500, cfg.Cache.MaxItems)
	require.Len(t, cfg.LLM.Providers, 1)
	assert.Equal(t, "local", cfg.LLM.Providers[0].Name)
}

func TestValidateCrossFieldConstraints(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero context tokens", func(c *Config) { c.Context.MaxTokens = 0 }},
		{"history fraction one", func(c *Config) { c.Context.HistoryFraction = 1 }},
		{"zero max chunks", func(c *Config) { c.VectorSearch.DefaultMaxChunks = 0 }},
		{"threshold above one", func(c *Config) { c.VectorSearch.DefaultThreshold = 1.5 }},
		{"zero conversation ttl", func(c *Config) { c.Conversation.TTL = 0 }},
		{"zero cache ttl", func(c *Config) { c.Cache.TTL = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
