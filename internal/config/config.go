// Package config loads codecoach settings from YAML and CODECOACH_*
// environment variables.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/abhisek/codecoach/internal/engine"
	"github.com/abhisek/codecoach/internal/hints"
	"github.com/abhisek/codecoach/internal/llm"
	"github.com/abhisek/codecoach/internal/logging"
	"github.com/abhisek/codecoach/internal/notify"
	"github.com/abhisek/codecoach/internal/store"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CODECOACH_"

const maxConfigFileSize = 1024 * 1024 // 1MB

// Config is the full codecoach configuration.
type Config struct {
	Engine    engine.Config         `koanf:"engine"`
	Generator hints.GeneratorConfig `koanf:"generator"`
	Store     StoreConfig           `koanf:"store"`
	Cache     CacheConfig           `koanf:"cache"`
	LLM       llm.Config            `koanf:"llm"`
	Notify    NotifyConfig          `koanf:"notify"`
	Logging   logging.Config        `koanf:"logging"`
	Fallback  FallbackConfig        `koanf:"fallback"`
}

// StoreConfig selects the database.
type StoreConfig struct {
	Path  string            `koanf:"path"` // empty means store.DefaultDBPath
	Retry store.RetryConfig `koanf:"retry"`
}

// CacheConfig selects the hint cache backend.
type CacheConfig struct {
	Backend string      `koanf:"backend"` // memory, store or redis
	Redis   RedisConfig `koanf:"redis"`
}

// RedisConfig holds the Redis connection for the hint cache.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Prefix   string `koanf:"prefix"`
}

// FallbackConfig points at an optional YAML file of extra fallback hints.
type FallbackConfig struct {
	Path string `koanf:"path"`
}

// NotifyConfig enables the NATS publisher.
type NotifyConfig struct {
	Enabled bool          `koanf:"enabled"`
	NATS    notify.Config `koanf:"nats"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Engine:    engine.DefaultConfig(),
		Generator: hints.DefaultGeneratorConfig(),
		Store:     StoreConfig{Retry: store.DefaultRetryConfig()},
		Cache: CacheConfig{
			Backend: "store",
			Redis:   RedisConfig{Addr: "localhost:6379"},
		},
		LLM:     llm.DefaultConfig(),
		Notify:  NotifyConfig{NATS: notify.DefaultConfig()},
		Logging: logging.DefaultConfig(),
	}
}

// Load reads path (optional) over the defaults, then applies environment
// overrides.
//
// Environment variables map to keys by splitting on the first underscore
// after the prefix; a double underscore descends one more level:
//
//	CODECOACH_LOGGING_FORMAT               -> logging.format
//	CODECOACH_CACHE_BACKEND                -> cache.backend
//	CODECOACH_ENGINE_HINTS__CACHE_TTL      -> engine.hints.cache_ttl
//	CODECOACH_LLM_ANTHROPIC__API_KEY       -> llm.anthropic.api_key
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := readFile(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if !cfg.LLM.HasKey() {
		if found, ok := llm.Resolve(cfg.LLM); ok {
			cfg.LLM = found
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// envKey maps CODECOACH_SECTION_FIELD__SUB to section.field.sub.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + strings.ReplaceAll(parts[1], "__", ".")
}

// Validate checks the settings that would make components misbehave.
func (c *Config) Validate() error {
	h := c.Engine.Hints
	switch {
	case h.SimilarityThreshold < 0 || h.SimilarityThreshold > 1:
		return fmt.Errorf("engine.hints.similarity_threshold must be in [0,1], got %v", h.SimilarityThreshold)
	case h.UpstreamTimeout <= 0:
		return fmt.Errorf("engine.hints.upstream_timeout must be > 0")
	case h.EpisodeCooldown <= 0:
		return fmt.Errorf("engine.hints.episode_cooldown must be > 0")
	}

	s := c.Engine.Struggle
	if s.TriggerThreshold <= 0 || s.TriggerThreshold > 1 {
		return fmt.Errorf("engine.struggle.trigger_threshold must be in (0,1], got %v", s.TriggerThreshold)
	}

	m := c.Engine.Mistakes
	if m.ReinforceThreshold < 1 {
		return fmt.Errorf("engine.mistakes.reinforce_threshold must be >= 1, got %d", m.ReinforceThreshold)
	}
	if m.RecencyWindow < 24*time.Hour {
		return fmt.Errorf("engine.mistakes.recency_window must be at least a day, got %s", m.RecencyWindow)
	}

	switch c.Cache.Backend {
	case "memory", "store":
	case "redis":
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("cache.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("cache.backend must be memory, store or redis, got %q", c.Cache.Backend)
	}

	if c.Notify.Enabled && c.Notify.NATS.URL == "" {
		return fmt.Errorf("notify.nats.url is required when notify is enabled")
	}
	return c.Logging.Validate()
}

// FallbackLibrary returns the default fallback library merged with the
// hints in Fallback.Path.
func (c *Config) FallbackLibrary() (*hints.FallbackLibrary, error) {
	lib := hints.DefaultFallbackLibrary()
	if c.Fallback.Path == "" {
		return lib, nil
	}
	content, err := readFile(c.Fallback.Path)
	if err != nil {
		return nil, err
	}
	extra, err := hints.LoadFallbackYAML(content)
	if err != nil {
		return nil, err
	}
	lib.Merge(extra)
	return lib, nil
}
