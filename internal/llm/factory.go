package llm

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/abhisek/codecoach/internal/store"
)

// NewProvider creates a Provider from configuration, wrapped with retry and
// event logging middleware. eventRepo may be nil.
func NewProvider(ctx context.Context, cfg Config, eventRepo store.EventRepo, logger *zap.Logger) (Provider, error) {
	var base Provider
	var err error

	switch cfg.Provider {
	case "anthropic":
		base, err = NewAnthropicProvider(cfg.Anthropic)
	case "openai":
		base, err = NewOpenAIProvider(cfg.OpenAI)
	case "gemini":
		base, err = NewGeminiProvider(ctx, cfg.Gemini)
	case "openrouter":
		base, err = NewOpenRouterProvider(cfg.OpenRouter)
	case "mock":
		return NewMockProvider(), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider: %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing %s provider: %w", cfg.Provider, err)
	}

	// caller → retry → logging → base, so every attempt is recorded.
	logged := WithLogging(base, cfg.Provider, eventRepo, logger)
	return WithRetry(logged, cfg.Retry), nil
}

// Resolve returns cfg if it carries credentials, otherwise the first
// provider discovered from standard API key variables. ok is false when
// no provider can be configured.
func Resolve(cfg Config) (Config, bool) {
	if cfg.HasKey() {
		return cfg, true
	}
	if found, ok := DiscoverConfig(); ok {
		found.Retry = cfg.Retry
		if cfg.Timeout > 0 {
			found.Timeout = cfg.Timeout
		}
		return found, true
	}
	return Config{}, false
}
