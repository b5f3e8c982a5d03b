package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockProvider_ReplaysScriptInOrder(t *testing.T) {
	mock := NewMockProvider(
		MockResponse{
			Content: json.RawMessage(`{"hint":"Which index does the loop stop at?"}`),
			Usage:   Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
		},
		MockResponse{Content: json.RawMessage(`{"hint":"range(len(xs)) already excludes len(xs)."}`)},
	)

	first, err := mock.Generate(context.Background(), offByOne)
	require.NoError(t, err)
	assert.JSONEq(t, `{"hint":"Which index does the loop stop at?"}`, string(first.Content))
	assert.Equal(t, 10, first.Usage.InputTokens)
	assert.Equal(t, StopEnd, first.StopReason)
	assert.Equal(t, "mock", first.Model)

	second, err := mock.Generate(context.Background(), offByOne)
	require.NoError(t, err)
	assert.Contains(t, string(second.Content), "range(len(xs))")

	_, err = mock.Generate(context.Background(), offByOne)
	var unavail *ErrProviderUnavailable
	require.ErrorAs(t, err, &unavail, "an exhausted script looks like an outage")
	assert.Equal(t, 3, mock.CallCount())
}

func TestMockProvider_RecordsRequests(t *testing.T) {
	mock := NewMockProvider(MockResponse{Content: json.RawMessage(`{}`)})

	_, _ = mock.Generate(context.Background(), offByOne)

	last, ok := mock.LastCall()
	require.True(t, ok)
	assert.Equal(t, offByOne.System, last.System)
	assert.Equal(t, offByOne.Messages, mock.Calls[0].Messages)
}

func TestMockProvider_ScriptedError(t *testing.T) {
	mock := NewMockProvider(MockResponse{Err: &ErrRateLimit{RetryAfter: time.Second}})

	_, err := mock.Generate(context.Background(), offByOne)
	var rl *ErrRateLimit
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, time.Second, rl.RetryAfter)
}

func TestMockProvider_DelayHonorsContext(t *testing.T) {
	mock := NewMockProvider(MockResponse{Content: json.RawMessage(`{}`), Delay: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := mock.Generate(ctx, offByOne)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMockProvider_Fallback(t *testing.T) {
	mock := NewMockProvider()
	mock.Fallback = &MockResponse{Content: json.RawMessage(`{"hint":"Re-read the error message."}`)}

	for i := 0; i < 3; i++ {
		resp, err := mock.Generate(context.Background(), offByOne)
		require.NoError(t, err)
		assert.JSONEq(t, `{"hint":"Re-read the error message."}`, string(resp.Content))
	}
	assert.Equal(t, 3, mock.CallCount())
}

func TestPurposeContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "unknown", PurposeFrom(ctx))
	assert.Equal(t, "hint", PurposeFrom(WithPurpose(ctx, PurposeHint)))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"anthropic without key", Config{Provider: "anthropic"}, "CODECOACH_LLM_ANTHROPIC__API_KEY"},
		{"anthropic with key", Config{Provider: "anthropic", Anthropic: AnthropicConfig{APIKey: "sk-test"}}, ""},
		{"openai without key", Config{Provider: "openai"}, "llm.openai.api_key"},
		{"openai with key", Config{Provider: "openai", OpenAI: OpenAIConfig{APIKey: "sk-test"}}, ""},
		{"gemini without key", Config{Provider: "gemini"}, "required for the gemini provider"},
		{"openrouter with key", Config{Provider: "openrouter", OpenRouter: OpenRouterConfig{APIKey: "or-test"}}, ""},
		{"mock needs no key", Config{Provider: "mock"}, ""},
		{"unknown provider", Config{Provider: "llama"}, `unknown LLM provider: "llama"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				assert.True(t, tt.cfg.HasKey())
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.False(t, tt.cfg.HasKey())
		})
	}
}

func TestDiscoverConfig(t *testing.T) {
	for _, k := range keyEnv {
		t.Setenv(k.env, "")
	}
	_, ok := DiscoverConfig()
	assert.False(t, ok)

	t.Setenv("OPENROUTER_API_KEY", "or-key")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")
	cfg, ok := DiscoverConfig()
	require.True(t, ok)
	assert.Equal(t, "anthropic", cfg.Provider, "anthropic outranks openrouter")
	assert.Equal(t, "sk-ant", cfg.Anthropic.APIKey)
	assert.Empty(t, cfg.OpenRouter.APIKey)
	assert.Equal(t, DefaultConfig().Retry, cfg.Retry)

	t.Setenv("GEMINI_API_KEY", "gm-key")
	cfg, ok = DiscoverConfig()
	require.True(t, ok)
	assert.Equal(t, "gemini", cfg.Provider)
	assert.Equal(t, "gm-key", cfg.Gemini.APIKey)
}

func TestMapStatus(t *testing.T) {
	cause := errors.New("upstream")

	var rl *ErrRateLimit
	err := mapStatus(http.StatusTooManyRequests, http.Header{"Retry-After": {"3"}}, cause)
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 3*time.Second, rl.RetryAfter)

	for _, status := range []int{http.StatusRequestTimeout, http.StatusBadGateway, http.StatusServiceUnavailable} {
		var unavail *ErrProviderUnavailable
		assert.ErrorAs(t, mapStatus(status, nil, cause), &unavail, "status %d", status)
	}

	for _, status := range []int{400, 401, 403, 422} {
		err := mapStatus(status, nil, cause)
		assert.True(t, IsRejected(err), "status %d: got %T", status, err)
		assert.ErrorIs(t, err, cause)
	}
}

func TestRetryAfter(t *testing.T) {
	assert.Zero(t, retryAfter(nil))
	assert.Zero(t, retryAfter(http.Header{"Retry-After": {"soon"}}))
	assert.Equal(t, 12*time.Second, retryAfter(http.Header{"Retry-After": {"12"}}))
}

func TestLookupCost(t *testing.T) {
	c := LookupCost("gpt-4o-mini")
	require.NotNil(t, c)
	assert.InDelta(t, 0.15, c.Cost(1_000_000, 0), 1e-9)
	assert.NotNil(t, LookupCost("openai/gpt-4o-mini"), "OpenRouter IDs carry a vendor prefix")
	assert.Nil(t, LookupCost("no-such-model"))
}
