// Package llm talks to hosted text-generation models behind a single
// Provider interface. Hint generation is the only consumer; everything
// provider-specific (SDKs, error mapping, structured output) stays here.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
)

// Provider generates one reply from a hosted model.
type Provider interface {
	// Generate sends a prompt and returns the response. When req.Schema is
	// set the provider uses its native structured output mechanism and
	// Content holds JSON validated against the schema.
	Generate(ctx context.Context, req Request) (*Response, error)

	// ModelID is the concrete model name requests go to.
	ModelID() string
}

// Request is one prompt: a system preamble plus the conversation so far.
type Request struct {
	System    string
	Messages  []Message
	Schema    *Schema // nil for free text
	MaxTokens int

	// Temperature controls randomness. Range: 0.0 - 1.0. Zero means the
	// provider default.
	Temperature float64
}

// Message is one conversation turn.
type Message struct {
	Role    Role
	Content string
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Schema asks for a JSON reply shaped by Definition, a JSON Schema document.
type Schema struct {
	// Name identifies the schema, kebab-case (e.g. "code-hint"). Used as
	// the tool or schema name by providers and as the compile cache key.
	Name        string
	Description string
	Definition  map[string]any
}

// Response is a provider reply normalized across SDKs.
type Response struct {
	// Content is the validated JSON object when a Schema was requested,
	// otherwise the raw text.
	Content json.RawMessage
	Usage   Usage
	Model   string

	// StopReason is one of StopEnd, StopMaxTokens or StopRefused.
	StopReason string
}

// Normalized stop reasons.
const (
	StopEnd       = "end"
	StopMaxTokens = "max_tokens"
	StopRefused   = "refused"
)

// check rejects a completed response that cannot be used as an answer to
// a request for schema.
func (r *Response) check(schema *Schema) error {
	switch r.StopReason {
	case StopRefused:
		return &ErrRejected{Err: errors.New("model declined to answer")}
	case StopMaxTokens:
		if schema != nil {
			return &ErrMaxTokensExceeded{Content: r.Content}
		}
	}
	if len(bytes.TrimSpace(r.Content)) == 0 {
		return &ErrInvalidResponse{Err: errors.New("empty response")}
	}
	return validateResponse(schema, r.Content)
}

// Usage counts the tokens of one request.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// modelAliases maps the short names accepted in config to model IDs, per
// provider.
var modelAliases = map[string]map[string]string{
	"anthropic": {
		"claude-sonnet": "claude-sonnet-4-20250514",
		"claude-haiku":  "claude-haiku-4-5-20251001",
	},
	"openai": {
		"gpt-4o":      "gpt-4o",
		"gpt-4o-mini": "gpt-4o-mini",
	},
	"gemini": {
		"gemini-flash": "gemini-2.0-flash",
		"gemini-pro":   "gemini-2.0-pro",
	},
}

// modelFor resolves name for provider. Unknown names are taken as model
// IDs.
func modelFor(provider, name string) string {
	if id, ok := modelAliases[provider][name]; ok {
		return id
	}
	return name
}
