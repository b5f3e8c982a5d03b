package hints

import "github.com/abhisek/codecoach/internal/llm"

// HintSchema is the structured output requested from the model.
var HintSchema = &llm.Schema{
	Name:        "code-hint",
	Description: "A single progressive hint for a learner stuck on a piece of code",
	Definition: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"hint": map[string]any{
				"type":        "string",
				"description": "The hint text, matched to the requested level",
			},
			"related_docs": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "0-3 documentation topics worth reading (names, not URLs)",
			},
			"next_level_available": map[string]any{
				"type":        "boolean",
				"description": "Whether a more detailed hint would still help",
			},
		},
		"required":             []any{"hint", "related_docs", "next_level_available"},
		"additionalProperties": false,
	},
}
