package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 0.6, cfg.Engine.Hints.SimilarityThreshold)
	assert.Equal(t, 3, cfg.Engine.Mistakes.ReinforceThreshold)
	assert.Equal(t, "store", cfg.Cache.Backend)
	assert.False(t, cfg.Notify.Enabled)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "codecoach.yaml", `
engine:
  hints:
    similarity_threshold: 0.75
    episode_cooldown: 10m
  mistakes:
    reinforce_threshold: 4
  workers: 3
cache:
  backend: redis
  redis:
    addr: cache:6379
    prefix: "cc:"
notify:
  enabled: true
  nats:
    url: nats://bus:4222
logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 0.75, cfg.Engine.Hints.SimilarityThreshold)
	assert.Equal(t, 10*time.Minute, cfg.Engine.Hints.EpisodeCooldown)
	assert.Equal(t, 4, cfg.Engine.Mistakes.ReinforceThreshold)
	assert.Equal(t, 3, cfg.Engine.Workers)
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, "cache:6379", cfg.Cache.Redis.Addr)
	assert.Equal(t, "cc:", cfg.Cache.Redis.Prefix)
	assert.True(t, cfg.Notify.Enabled)
	assert.Equal(t, "nats://bus:4222", cfg.Notify.NATS.URL)
	assert.Equal(t, zapcore.DebugLevel, cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	// Unset keys keep their defaults.
	assert.Equal(t, 2*time.Second, cfg.Engine.Hints.UpstreamTimeout)
	assert.Equal(t, 0.5, cfg.Engine.Struggle.TriggerThreshold)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "codecoach.yaml", `
cache:
  backend: redis
engine:
  hints:
    cache_ttl: 2h
`)
	t.Setenv("CODECOACH_CACHE_BACKEND", "memory")
	t.Setenv("CODECOACH_ENGINE_HINTS__CACHE_TTL", "30m")
	t.Setenv("CODECOACH_LOGGING_FORMAT", "json")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, 30*time.Minute, cfg.Engine.Hints.CacheTTL)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := writeFile(t, "bad.yaml", "engine: [unclosed")
	_, err = Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"similarity above one", func(c *Config) { c.Engine.Hints.SimilarityThreshold = 1.5 }},
		{"zero upstream timeout", func(c *Config) { c.Engine.Hints.UpstreamTimeout = 0 }},
		{"zero trigger threshold", func(c *Config) { c.Engine.Struggle.TriggerThreshold = 0 }},
		{"zero reinforce threshold", func(c *Config) { c.Engine.Mistakes.ReinforceThreshold = 0 }},
		{"short recency window", func(c *Config) { c.Engine.Mistakes.RecencyWindow = time.Hour }},
		{"unknown cache backend", func(c *Config) { c.Cache.Backend = "memcached" }},
		{"redis without addr", func(c *Config) { c.Cache.Backend = "redis"; c.Cache.Redis.Addr = "" }},
		{"notify without url", func(c *Config) { c.Notify.Enabled = true; c.Notify.NATS.URL = "" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"CODECOACH_CACHE_BACKEND":             "cache.backend",
		"CODECOACH_FALLBACK_PATH":             "fallback.path",
		"CODECOACH_LLM_PROVIDER":              "llm.provider",
		"CODECOACH_LLM_ANTHROPIC__API_KEY":    "llm.anthropic.api_key",
		"CODECOACH_ENGINE_STRUGGLE__COOLDOWN": "engine.struggle.cooldown",
		"CODECOACH_STORE":                     "store",
	}
	for in, want := range tests {
		assert.Equal(t, want, envKey(in), in)
	}
}

func TestFallbackMergesFile(t *testing.T) {
	cfg := Default()
	lib, err := cfg.FallbackLibrary()
	require.NoError(t, err)
	base := lib.Len()

	cfg.Fallback.Path = writeFile(t, "hints.yaml", `
hints:
  - language: ruby
    error_kind: NoMethodError
    level: 1
    content: Check which object receives the call.
`)
	lib, err = cfg.FallbackLibrary()
	require.NoError(t, err)
	assert.Equal(t, base+1, lib.Len())

	s, ok := lib.Lookup("ruby", "NoMethodError", 1)
	require.True(t, ok)
	assert.Equal(t, "Check which object receives the call.", s)
}
