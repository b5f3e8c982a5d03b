package hints

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/abhisek/codecoach/internal/llm"
)

// GenerateRequest is the bounded payload sent to a Generator.
type GenerateRequest struct {
	Language  string
	Code      string // sanitized, truncated context
	ErrorKind string
	Level     int
	History   []string // recent struggle reasons for the user
}

// GenerateResponse is a generated hint.
type GenerateResponse struct {
	Content            string
	RelatedDocs        []string
	NextLevelAvailable bool
}

// Generator produces hint text. Implementations must honor ctx.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
}

// LLMGenerator implements Generator using an llm.Provider.
type LLMGenerator struct {
	provider llm.Provider
	cfg      GeneratorConfig
}

// NewLLMGenerator creates a generator backed by provider.
func NewLLMGenerator(provider llm.Provider, cfg GeneratorConfig) *LLMGenerator {
	return &LLMGenerator{provider: provider, cfg: cfg}
}

type hintOutput struct {
	Hint               string   `json:"hint"`
	RelatedDocs        []string `json:"related_docs"`
	NextLevelAvailable bool     `json:"next_level_available"`
}

// Generate asks the model for a hint at req.Level.
func (g *LLMGenerator) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	ctx = llm.WithPurpose(ctx, llm.PurposeHint)

	resp, err := g.provider.Generate(ctx, llm.Request{
		System: systemPrompt,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: buildUserMessage(req)},
		},
		Schema:      HintSchema,
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: g.cfg.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("hint generation: %w", err)
	}

	var out hintOutput
	if err := json.Unmarshal(resp.Content, &out); err != nil {
		return nil, fmt.Errorf("parse hint response: %w", err)
	}
	if out.Hint == "" {
		return nil, fmt.Errorf("hint generation: empty hint")
	}

	return &GenerateResponse{
		Content:            out.Hint,
		RelatedDocs:        out.RelatedDocs,
		NextLevelAvailable: out.NextLevelAvailable && req.Level < MaxLevel,
	}, nil
}
