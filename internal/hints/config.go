package hints

import "time"

// Config tunes the hint progression controller.
type Config struct {
	// SimilarityThreshold is the shingle similarity below which changed
	// code starts a new episode.
	SimilarityThreshold float64       `koanf:"similarity_threshold"`
	EpisodeCooldown     time.Duration `koanf:"episode_cooldown"`
	UpstreamTimeout     time.Duration `koanf:"upstream_timeout"`
	CacheTTL            time.Duration `koanf:"cache_ttl"`
	CacheSize           int           `koanf:"cache_size"`
	HistorySize         int           `koanf:"history_size"`

	// Per-user upstream budget: UserRate requests per minute, bursting
	// to UserBurst.
	UserRate  float64 `koanf:"user_rate"`
	UserBurst int     `koanf:"user_burst"`

	MaxContextLines int `koanf:"max_context_lines"`
	MaxContextBytes int `koanf:"max_context_bytes"`
}

// DefaultConfig returns the default controller settings.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: 0.6,
		EpisodeCooldown:     5 * time.Minute,
		UpstreamTimeout:     2 * time.Second,
		CacheTTL:            24 * time.Hour,
		CacheSize:           1024,
		HistorySize:         5,
		UserRate:            20,
		UserBurst:           5,
		MaxContextLines:     60,
		MaxContextBytes:     4000,
	}
}

// GeneratorConfig holds LLM settings for hint generation.
type GeneratorConfig struct {
	MaxTokens   int     `koanf:"max_tokens"`
	Temperature float64 `koanf:"temperature"`
}

// DefaultGeneratorConfig returns the default generator settings.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		MaxTokens:   400,
		Temperature: 0.3,
	}
}
